package local

import "sync"

// pcmBuffer is a bounded FIFO of PCM bytes shared between the output
// goroutine and the playback callback. When full the oldest audio is dropped.
type pcmBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newPCMBuffer(max int) *pcmBuffer {
	return &pcmBuffer{max: max}
}

func (b *pcmBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		// keep sample alignment
		over += over % 2
		b.buf = b.buf[over:]
	}
}

// fill copies queued audio into out and zeroes the rest.
func (b *pcmBuffer) fill(out []byte) int {
	b.mu.Lock()
	n := copy(out, b.buf)
	b.buf = b.buf[n:]
	b.mu.Unlock()
	clear(out[n:])
	return n
}

func (b *pcmBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
