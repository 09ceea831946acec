package pullstream

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

var (
	_ io.Writer     = (*Stream)(nil)
	_ io.Closer     = (*Stream)(nil)
	_ io.ReaderFrom = (*Stream)(nil)
	_ io.WriterTo   = (*Stream)(nil)
	_ Upstream      = (*ReaderSource)(nil)
)

// Upstream is the flow-control capability of the producer feeding a Stream.
// The stream forwards its own pause state to it and never closes it.
//
// Pause and Resume are called with the stream locked; they must not call back
// into the stream.
type Upstream interface {
	Pause()
	Resume()
}

// Chunk is a run of bytes delivered to a consumer. Position is the stream
// offset of Data[0].
type Chunk struct {
	Data     []byte
	Position int64
}

// Stream re-segments bytes pushed by a producer into the exact-length pulls
// and bounded pipes requested by a consumer.
//
// All methods are safe for concurrent use. Callbacks and sink writes run on a
// separate goroutine, one at a time, in the order they were satisfied.
type Stream struct {
	err      error
	upstream Upstream
	req      *request

	buf      *accumulator
	pauseBuf *accumulator
	done     chan struct{}
	logger   *zap.Logger
	metrics  *Metrics

	d             dispatcher
	pos           int64
	written       int64
	highWaterMark int
	mu            sync.Mutex

	finished       bool
	paused         bool
	resumePending  bool
	upstreamPaused bool
	ended          bool
}

// New creates an empty stream.
func New(opts ...Option) *Stream {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Stream{
		buf:           newAccumulator(o.initialSize),
		pauseBuf:      newAccumulator(0),
		done:          make(chan struct{}),
		logger:        o.logger.With(zap.String("stream", o.streamID())),
		metrics:       o.metrics,
		highWaterMark: o.highWaterMark,
	}
}

// Write buffers p and services the pending request. While the stream is paused
// the bytes are held aside until Resume. Write never blocks and accepts all of
// p unless the producer already finished.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return 0, err
	}
	s.appendLocked(p)
	s.serviceLocked()
	return len(p), nil
}

// End buffers an optional trailing chunk and marks the producer finished.
// Calling it again returns ErrAlreadyFinished.
func (s *Stream) End(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		s.logger.Warn("end on finished stream", zap.Error(err))
		return err
	}
	s.appendLocked(p)
	s.finished = true
	s.logger.Debug("producer finished",
		zap.Int64("written", s.written),
		zap.Int("buffered", s.buf.len()+s.pauseBuf.len()))
	s.serviceLocked()
	return nil
}

// Close is End(nil).
func (s *Stream) Close() error {
	return s.End(nil)
}

// CloseWithError aborts the stream: buffered bytes are dropped and err is
// delivered to the pending request and to every later one. A nil err means
// io.ErrClosedPipe. Only the first error is kept.
func (s *Stream) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	s.err = err
	s.finished = true

	dropped := s.buf.len() + s.pauseBuf.len()
	s.buf.reset()
	s.pauseBuf.reset()
	s.metrics.dropped(dropped)
	s.logger.Debug("stream aborted", zap.Error(err), zap.Int("dropped", dropped))
	s.serviceLocked()
	return nil
}

// Pause stops servicing requests and forwards the pause upstream. It also
// cancels a Resume that has not taken effect yet.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumePending = false
	if s.paused {
		return
	}
	s.paused = true
	s.metrics.flow("pause")
	s.logger.Debug("paused", zap.Int64("position", s.pos))
	s.flowUpstreamLocked()
}

// Resume schedules the stream to continue: bytes written while paused are
// merged, the pending request is serviced and the upstream is resumed. The
// switch happens asynchronously, never inside the call.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.resumePending {
		return
	}
	s.resumePending = true
	s.d.post(s.resume)
}

func (s *Stream) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resumePending {
		return
	}
	s.resumePending = false
	s.paused = false
	s.pauseBuf.drainTo(s.buf)
	s.metrics.flow("resume")
	s.logger.Debug("resumed", zap.Int64("position", s.pos), zap.Int("buffered", s.buf.len()))
	s.serviceLocked()
}

// Attach records up as the producer feeding the stream and forwards the
// current pause state to it. Attach(nil) detaches. A previous upstream the
// stream was holding is resumed before it is released.
func (s *Stream) Attach(up Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream != nil && s.upstreamPaused {
		s.upstream.Resume()
	}
	s.upstream = up
	s.upstreamPaused = false
	s.flowUpstreamLocked()
}

// Position returns the number of bytes delivered so far.
func (s *Stream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Buffered returns the number of bytes written but not yet delivered.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len() + s.pauseBuf.len()
}

// Paused reports whether the stream is paused.
func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Done is closed once the producer finished and every buffered byte has been
// delivered, after the last delivery ran.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the stream was aborted with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) writableLocked() error {
	if s.err != nil {
		return fmt.Errorf("pullstream: write to closed stream: %w", s.err)
	}
	if s.finished {
		return ErrAlreadyFinished
	}
	return nil
}

func (s *Stream) appendLocked(p []byte) {
	if len(p) == 0 {
		return
	}
	if s.paused {
		s.pauseBuf.write(p)
	} else {
		s.buf.write(p)
	}
	s.written += int64(len(p))
	s.metrics.written(len(p))
}

// backpressureLocked reports whether the buffer reached the high-water mark.
// A pending pull that still needs more bytes overrides it, otherwise a pull
// longer than the mark could never complete.
func (s *Stream) backpressureLocked() bool {
	buffered := s.buf.len() + s.pauseBuf.len()
	if s.highWaterMark == 0 || buffered < s.highWaterMark {
		return false
	}
	if req := s.req; req != nil && req.kind == kindPull && !s.paused {
		return !req.all && buffered >= req.n
	}
	return true
}

// flowUpstreamLocked brings the upstream in line with the local pause state
// and the high-water mark. A finished producer is only held by a local pause;
// an aborted one is always released so it runs into the error on its next
// write.
func (s *Stream) flowUpstreamLocked() {
	if s.upstream == nil {
		return
	}
	var hold bool
	switch {
	case s.err != nil:
	case s.finished:
		hold = s.paused
	default:
		hold = s.paused || s.backpressureLocked()
	}
	switch {
	case hold && !s.upstreamPaused:
		if !s.paused {
			s.metrics.flow("backpressure")
			s.logger.Debug("high water mark reached", zap.Int("buffered", s.buf.len()+s.pauseBuf.len()))
		}
		s.upstreamPaused = true
		s.upstream.Pause()
	case !hold && s.upstreamPaused:
		s.upstreamPaused = false
		s.upstream.Resume()
	}
}

// serviceLocked is the single point where the pending request makes progress.
// It runs at the end of every operation that changes the buffer, the pause
// state or the request slot.
func (s *Stream) serviceLocked() {
	if req := s.req; req != nil {
		switch {
		case s.err != nil:
			s.failRequestLocked(s.err)
		case s.paused && !s.ended:
			// held until Resume
		case req.kind == kindPull:
			s.servicePullLocked(req)
		default:
			s.servicePipeLocked(req)
		}
	}
	s.flowUpstreamLocked()
	s.checkTerminalLocked()
}

func (s *Stream) takeLocked(kind requestKind, n int) Chunk {
	c := Chunk{Data: s.buf.next(n), Position: s.pos}
	s.pos += int64(len(c.Data))
	s.metrics.delivered(kind, len(c.Data))
	return c
}

func (s *Stream) checkTerminalLocked() {
	if s.ended || !s.finished || s.req != nil {
		return
	}
	if !s.buf.empty() || !s.pauseBuf.empty() {
		return
	}
	s.ended = true
	s.logger.Debug("stream ended", zap.Int64("position", s.pos), zap.Error(s.err))
	s.d.post(func() { close(s.done) })
}

// ReadFrom copies r into the stream until io.EOF without ending it.
func (s *Stream) ReadFrom(r io.Reader) (n int64, err error) {
	return copyBuffered(r.Read, s.Write)
}

// WriteTo pipes every remaining byte to w and blocks until the stream ends.
func (s *Stream) WriteTo(w io.Writer) (n int64, err error) {
	t, err := s.Pipe(0, nopCloser{w})
	if err != nil {
		return 0, err
	}
	<-t.Done()
	return t.Written(), t.Err()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func copyBuffered(read func([]byte) (int, error), write func([]byte) (int, error)) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rErr := read(buf)
		if n > 0 {
			wn, wErr := write(buf[:n])
			if wn < 0 || wn > n {
				wn = 0
				if wErr == nil {
					wErr = io.ErrShortWrite
				}
			}
			total += int64(wn)
			if wErr != nil {
				return total, wErr
			}
			if wn != n {
				return total, io.ErrShortWrite
			}
		}
		if rErr != nil {
			if rErr != io.EOF {
				return total, rErr
			}
			return total, nil
		}
	}
}
