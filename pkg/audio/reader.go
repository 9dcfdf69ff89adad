package audio

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// ReaderSource adapts an io.Reader into a Source by emitting fixed-size
// chunks at a fixed cadence. Used for file playback and in tests.
type ReaderSource struct {
	label    string
	reader   io.Reader
	interval time.Duration
	chunkLen int
	logger   *logrus.Logger

	chunks  chan Chunk
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewReaderSource creates a reader-backed source. Start must be called to
// begin emission.
func NewReaderSource(logger *logrus.Logger, label string, r io.Reader, chunkLen int, interval time.Duration) *ReaderSource {
	return &ReaderSource{
		label:    label,
		reader:   r,
		interval: interval,
		chunkLen: chunkLen,
		logger:   logger,
		chunks:   make(chan Chunk, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins reading and emitting chunks until EOF or Release
func (s *ReaderSource) Start() {
	if s.started {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.started = true

	go func() {
		defer close(s.doneCh)
		defer close(s.chunks)

		var seq uint64
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		buf := make([]byte, s.chunkLen)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				n, err := io.ReadFull(s.reader, buf)
				if n > 0 {
					data := make([]byte, n)
					copy(data, buf[:n])
					seq++
					select {
					case s.chunks <- Chunk{Data: data, Source: s.label, Seq: seq, Captured: time.Now()}:
					case <-s.stopCh:
						return
					}
				}
				if err != nil {
					if err != io.EOF && err != io.ErrUnexpectedEOF {
						s.logger.WithError(err).WithField("source", s.label).Error("Failed to read audio")
					}
					return
				}
			}
		}
	}()
}

// Label returns the source label
func (s *ReaderSource) Label() string {
	return s.label
}

// Chunks returns the emitted chunk stream
func (s *ReaderSource) Chunks() <-chan Chunk {
	return s.chunks
}

// Release stops emission. Safe to call more than once.
func (s *ReaderSource) Release() error {
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	close(s.stopCh)
	if s.started {
		<-s.doneCh
	} else {
		close(s.chunks)
		close(s.doneCh)
	}
	return nil
}
