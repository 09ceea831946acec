package pullstream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics("test", registry)
	s := New(WithMetrics(m), WithLogger(zap.NewNop()), WithHighWaterMark(8), WithID("metrics"))
	s.Attach(noopUpstream{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Write([]byte("Hello World!"))
	require.NoError(t, err)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.bytesWritten))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.buffered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowEvents.WithLabelValues("backpressure")))

	_, err = s.ReadN(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.bytesDelivered.WithLabelValues("pull")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.buffered))

	tr, err := s.Pipe(3, nopCloser{io.Discard})
	require.NoError(t, err)
	_, err = tr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.bytesDelivered.WithLabelValues("pipe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("pipe", "ok")))

	s.Pause()
	s.Resume()
	require.NoError(t, s.End(nil))
	_, err = s.ReadN(ctx, 10)
	require.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.buffered))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowEvents.WithLabelValues("pause")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowEvents.WithLabelValues("resume")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("pull", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("pull", "end_of_stream")))

	require.NoError(t, s.CloseWithError(nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.buffered))
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.written(1)
		m.delivered(kindPull, 1)
		m.dropped(1)
		m.request(kindPipe, "ok")
		m.flow("pause")
	})
}

type noopUpstream struct{}

func (noopUpstream) Pause()  {}
func (noopUpstream) Resume() {}
