package pullstream

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

const defaultChunkSize = 32 * 1024

// ReaderSource is a producer that pushes bytes read from an io.Reader into a
// Stream. It attaches itself as the stream's upstream, so pausing the stream
// stops the read loop instead of growing the stream's buffer.
type ReaderSource struct {
	r         io.Reader
	gate      chan struct{} // non-nil while paused, closed on resume
	chunkSize int
	mu        sync.Mutex
}

// NewReaderSource creates a source reading at most chunkSize bytes per write.
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &ReaderSource{r: r, chunkSize: chunkSize}
}

// Pause implements Upstream.
func (src *ReaderSource) Pause() {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.gate == nil {
		src.gate = make(chan struct{})
	}
}

// Resume implements Upstream.
func (src *ReaderSource) Resume() {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.gate != nil {
		close(src.gate)
		src.gate = nil
	}
}

// Run copies the reader into s until io.EOF and then ends s. A read error, or
// ctx being done, aborts s with that error instead.
func (src *ReaderSource) Run(ctx context.Context, s *Stream) error {
	s.Attach(src)
	defer s.Attach(nil)

	buf := make([]byte, src.chunkSize)
	for {
		if err := src.wait(ctx); err != nil {
			s.logger.Debug("source canceled", zap.Error(err))
			_ = s.CloseWithError(err)
			return err
		}

		n, rErr := src.r.Read(buf)
		if n > 0 {
			if _, err := s.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rErr == io.EOF {
			return s.End(nil)
		}
		if rErr != nil {
			s.logger.Warn("source read failed", zap.Error(rErr))
			_ = s.CloseWithError(rErr)
			return rErr
		}
	}
}

func (src *ReaderSource) wait(ctx context.Context) error {
	src.mu.Lock()
	gate := src.gate
	src.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}
