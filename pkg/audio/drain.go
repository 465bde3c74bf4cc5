package audio

// Drain discards values from ch until it is closed. Used to release producers
// of streams nobody is going to play.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
