package whisper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hoa/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the amplitude below which a chunk counts as
	// silence when cutting audio into inference batches.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "ja"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

var errSessionClosed = errors.New("whisper: session is closed")

// segmentConfig is shared by the HTTP and native providers.
type segmentConfig struct {
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// segmenter accumulates PCM until a run of silence (or the size cap) closes a
// batch. whisper.cpp only transcribes whole clips, so this is how a stream is
// turned into clips. It is not used for endpointing the conversation.
type segmenter struct {
	cfg       segmentConfig
	maxBytes  int
	buffer    []byte
	hadSpeech bool
	silenceMs int
}

func newSegmenter(cfg segmentConfig) *segmenter {
	bytesPerMs := cfg.sampleRate * cfg.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	return &segmenter{cfg: cfg, maxBytes: cfg.maxBufferDurationMs * bytesPerMs}
}

// push adds chunk and returns a completed batch, if any. Leading silence is
// discarded.
func (s *segmenter) push(chunk []byte) ([]byte, bool) {
	if computeRMS(chunk) < defaultRMSThreshold {
		if !s.hadSpeech {
			return nil, false
		}
		s.silenceMs += chunkDurationMs(chunk, s.cfg.sampleRate, s.cfg.channels)
		s.buffer = append(s.buffer, chunk...)
		if s.silenceMs >= s.cfg.silenceThresholdMs {
			return s.take()
		}
		return nil, false
	}

	s.hadSpeech = true
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	if s.maxBytes > 0 && len(s.buffer) >= s.maxBytes {
		return s.take()
	}
	return nil, false
}

// take returns the buffered batch (if it contains speech) and resets.
func (s *segmenter) take() ([]byte, bool) {
	pcm, ok := s.buffer, s.hadSpeech && len(s.buffer) > 0
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
	return pcm, ok
}

// inferFunc transcribes one clip of 16-bit PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session implements stt.SessionHandle on top of a segmenter and an inferFunc.
// Each recognised clip is emitted as a partial and a final with the same text.
type session struct {
	seg   *segmenter
	infer inferFunc

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	started time.Time
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newSession(ctx context.Context, cfg segmentConfig, infer inferFunc) *session {
	s := &session{
		seg:      newSegmenter(cfg),
		infer:    infer,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close flushes the pending clip, closes both channels and waits for the
// worker. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	// The last clip is flushed with its own deadline since ctx may already be
	// cancelled.
	flushLast := func() {
		pcm, ok := s.seg.take()
		if !ok {
			return
		}
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.transcribe(fc, pcm)
	}

	for {
		select {
		case <-ctx.Done():
			flushLast()
			return
		case <-s.done:
			flushLast()
			return
		case chunk := <-s.audioCh:
			if pcm, ok := s.seg.push(chunk); ok {
				s.transcribe(ctx, pcm)
			}
		}
	}
}

func (s *session) transcribe(ctx context.Context, pcm []byte) {
	start := time.Since(s.started)
	text, err := s.infer(ctx, pcm)
	if err != nil {
		slog.Warn("whisper: inference failed", "err", err)
		return
	}
	if text == "" {
		return
	}
	dur := time.Duration(chunkDurationMs(pcm, s.seg.cfg.sampleRate, s.seg.cfg.channels)) * time.Millisecond
	t := stt.Transcript{Text: text, Timestamp: start, Duration: dur}

	// Buffered; a full channel means nobody is reading, so drop.
	select {
	case s.partials <- t:
	default:
	}
	t.IsFinal = true
	select {
	case s.finals <- t:
	default:
	}
}
