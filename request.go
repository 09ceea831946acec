package pullstream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// All is the length PullUpTo takes to mean every buffered byte.
const All = -1

// PullFunc receives the outcome of a pull request. It is called exactly once.
type PullFunc func(Chunk, error)

// ChunkWriter is implemented by sinks that want the stream position of each
// piped segment. Pipe prefers it over Write.
type ChunkWriter interface {
	WriteChunk(Chunk) error
}

type requestKind int

const (
	kindPull requestKind = iota
	kindPipe
)

func (k requestKind) String() string {
	if k == kindPipe {
		return "pipe"
	}
	return "pull"
}

// request is the single pending slot. Pull requests carry fn, pipe requests
// carry transfer. all means no length bound.
type request struct {
	fn        PullFunc
	transfer  *Transfer
	kind      requestKind
	n         int
	remaining int64
	all       bool
}

// Pull asks for exactly n bytes. fn runs once, asynchronously, with the bytes
// or with an error: ErrEndOfStream when the producer finished before n bytes
// arrived (nothing is consumed in that case), ErrCanceled, or the error the
// stream was aborted with.
//
// A zero n resolves with an empty chunk without touching the stream. Pull
// returns ErrRequestPending while another pull or pipe is pending.
func (s *Stream) Pull(n int, fn PullFunc) error {
	if fn == nil {
		return ErrNilCallback
	}
	if n < 0 {
		return ErrInvalidLength
	}
	if n == 0 {
		pos := s.Position()
		s.d.post(func() { fn(Chunk{Data: []byte{}, Position: pos}, nil) })
		return nil
	}
	return s.register(&request{kind: kindPull, n: n, fn: fn})
}

// PullAll asks for every remaining byte. It resolves only once the producer
// finished, with ErrEndOfStream if nothing was left.
func (s *Stream) PullAll(fn PullFunc) error {
	if fn == nil {
		return ErrNilCallback
	}
	return s.register(&request{kind: kindPull, all: true, fn: fn})
}

// PullUpTo synchronously takes up to n buffered bytes, or all of them when n
// is All. It never waits: the chunk is empty when nothing is buffered or the
// stream is paused, and ErrEndOfStream is returned once the producer finished
// and the buffer is drained.
func (s *Stream) PullUpTo(n int) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req != nil {
		return Chunk{Position: s.pos}, ErrRequestPending
	}
	if s.err != nil {
		return Chunk{Position: s.pos}, s.err
	}
	if s.paused || s.buf.empty() {
		if s.finished && s.buf.empty() && s.pauseBuf.empty() {
			return Chunk{Position: s.pos}, ErrEndOfStream
		}
		return Chunk{Data: []byte{}, Position: s.pos}, nil
	}
	if n < 0 || n > s.buf.len() {
		n = s.buf.len()
	}
	c := s.takeLocked(kindPull, n)
	s.serviceLocked()
	return c, nil
}

// ReadN is the blocking form of Pull. If ctx is done first the request is
// canceled and ctx.Err() returned, unless it was already satisfied.
func (s *Stream) ReadN(ctx context.Context, n int) (Chunk, error) {
	if n < 0 {
		return Chunk{}, ErrInvalidLength
	}
	return s.wait(ctx, &request{kind: kindPull, n: n})
}

// ReadAll is the blocking form of PullAll.
func (s *Stream) ReadAll(ctx context.Context) (Chunk, error) {
	return s.wait(ctx, &request{kind: kindPull, all: true})
}

type pullResult struct {
	err   error
	chunk Chunk
}

func (s *Stream) wait(ctx context.Context, req *request) (Chunk, error) {
	ch := make(chan pullResult, 1)
	req.fn = func(c Chunk, err error) { ch <- pullResult{chunk: c, err: err} }

	var err error
	if req.n == 0 && !req.all {
		err = s.Pull(0, req.fn)
	} else {
		err = s.register(req)
	}
	if err != nil {
		return Chunk{}, err
	}

	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-ctx.Done():
		if s.cancelRequest(req) {
			return Chunk{}, ctx.Err()
		}
		r := <-ch
		return r.chunk, r.err
	}
}

// Pipe copies the next n bytes to dst as they arrive, without waiting for all
// of them to be buffered, then closes dst. n <= 0 copies everything until the
// producer finishes.
//
// If the producer finishes early dst is closed after the bytes that were
// available: the transfer is Truncated, not failed. If dst implements
// CloseWithError it is closed that way when the transfer fails.
func (s *Stream) Pipe(n int64, dst io.WriteCloser) (*Transfer, error) {
	if dst == nil {
		return nil, ErrNilCallback
	}
	t := newTransfer(dst, max(n, 0), s.logger)
	req := &request{kind: kindPipe, remaining: n, all: n <= 0, transfer: t}
	if err := s.register(req); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel aborts the pending request, if any. A pull receives ErrCanceled; a
// pipe closes its sink and its transfer reports ErrCanceled.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(s.req)
}

func (s *Stream) cancelRequest(req *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(req)
}

func (s *Stream) cancelLocked(req *request) bool {
	if req == nil || s.req != req {
		return false
	}
	s.logger.Debug("request canceled", zap.Stringer("kind", req.kind))
	s.failRequestLocked(ErrCanceled)
	s.serviceLocked()
	return true
}

func (s *Stream) register(req *request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req != nil {
		s.logger.Warn("request rejected",
			zap.Stringer("kind", req.kind),
			zap.Stringer("pending", s.req.kind))
		return ErrRequestPending
	}
	s.req = req
	s.serviceLocked()
	return nil
}

func (s *Stream) servicePullLocked(req *request) {
	avail := s.buf.len()
	switch {
	case req.all:
		if !s.finished {
			return
		}
		if avail == 0 {
			s.resolvePullLocked(Chunk{Position: s.pos}, ErrEndOfStream)
			return
		}
		s.resolvePullLocked(s.takeLocked(kindPull, avail), nil)
	case avail >= req.n:
		s.resolvePullLocked(s.takeLocked(kindPull, req.n), nil)
	case s.finished:
		// The stream is terminal after an over-read: the remainder is dropped
		// so Done can fire and later pulls fail fast.
		s.buf.reset()
		s.metrics.dropped(avail)
		s.logger.Debug("over-read at end of stream",
			zap.Int("requested", req.n), zap.Int("dropped", avail))
		s.resolvePullLocked(Chunk{Position: s.pos}, shortReadError(req.n, avail))
	}
}

func (s *Stream) resolvePullLocked(c Chunk, err error) {
	req := s.req
	s.req = nil

	result := "ok"
	switch {
	case errors.Is(err, ErrEndOfStream):
		result = "end_of_stream"
	case errors.Is(err, ErrCanceled):
		result = "canceled"
	case err != nil:
		result = "error"
	}
	s.metrics.request(kindPull, result)

	fn := req.fn
	s.d.post(func() { fn(c, err) })
}

func (s *Stream) servicePipeLocked(req *request) {
	t := req.transfer
	if n := s.buf.len(); n > 0 {
		if !req.all {
			n = int(min(int64(n), req.remaining))
		}
		c := s.takeLocked(kindPipe, n)
		req.remaining -= int64(n)
		s.d.post(func() { t.write(c) })
	}

	switch {
	case !req.all && req.remaining == 0:
		s.completePipeLocked(nil)
	case s.finished && s.buf.empty():
		s.completePipeLocked(nil)
	}
}

func (s *Stream) completePipeLocked(err error) {
	req := s.req
	s.req = nil
	t := req.transfer

	result := "ok"
	switch {
	case errors.Is(err, ErrCanceled):
		result = "canceled"
	case err != nil:
		result = "error"
	case !req.all && req.remaining > 0:
		result = "truncated"
		t.truncated = true
		s.logger.Debug("pipe truncated",
			zap.Int64("requested", t.requested),
			zap.Int64("missing", req.remaining))
	}
	s.metrics.request(kindPipe, result)

	s.d.post(func() { t.finish(err) })
}

func (s *Stream) failRequestLocked(err error) {
	if s.req.kind == kindPipe {
		s.completePipeLocked(err)
		return
	}
	s.resolvePullLocked(Chunk{Position: s.pos}, err)
}

// Transfer tracks a Pipe. Written may be read at any time; the other results
// are final once Done is closed.
type Transfer struct {
	dst       io.WriteCloser
	cw        ChunkWriter
	err       error
	done      chan struct{}
	logger    *zap.Logger
	written   atomic.Int64
	requested int64
	truncated bool
}

func newTransfer(dst io.WriteCloser, requested int64, logger *zap.Logger) *Transfer {
	t := &Transfer{
		dst:       dst,
		done:      make(chan struct{}),
		logger:    logger,
		requested: requested,
	}
	if cw, ok := dst.(ChunkWriter); ok {
		t.cw = cw
	}
	return t
}

// Done is closed after the sink has been closed.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer completes or ctx is done and returns the
// number of bytes the sink accepted.
func (t *Transfer) Wait(ctx context.Context) (int64, error) {
	select {
	case <-t.done:
		return t.Written(), t.err
	case <-ctx.Done():
		return t.Written(), ctx.Err()
	}
}

// Written returns the number of bytes the sink accepted so far.
func (t *Transfer) Written() int64 {
	return t.written.Load()
}

// Requested returns the length passed to Pipe, zero for an unbounded pipe.
func (t *Transfer) Requested() int64 {
	return t.requested
}

// Truncated reports whether the producer finished before the requested length
// was reached.
func (t *Transfer) Truncated() bool {
	select {
	case <-t.done:
		return t.truncated
	default:
		return false
	}
}

// Err returns the sink or cancellation error once the transfer is done.
func (t *Transfer) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// write and finish run on the stream dispatcher only.
func (t *Transfer) write(c Chunk) {
	if t.err != nil {
		return
	}
	var err error
	if t.cw != nil {
		if err = t.cw.WriteChunk(c); err == nil {
			t.written.Add(int64(len(c.Data)))
		}
	} else {
		var n int
		n, err = t.dst.Write(c.Data)
		t.written.Add(int64(n))
		if err == nil && n < len(c.Data) {
			err = io.ErrShortWrite
		}
	}
	if err != nil {
		t.err = err
		t.logger.Warn("pipe sink write failed", zap.Int64("position", c.Position), zap.Error(err))
	}
}

func (t *Transfer) finish(err error) {
	if t.err == nil {
		t.err = err
	}

	var closeErr error
	if ce, ok := t.dst.(interface{ CloseWithError(error) error }); ok && t.err != nil {
		closeErr = ce.CloseWithError(t.err)
	} else {
		closeErr = t.dst.Close()
	}
	if t.err == nil && closeErr != nil {
		t.err = closeErr
	}
	close(t.done)
}
