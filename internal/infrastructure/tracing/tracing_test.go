package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartSpanPropagates(t *testing.T) {
	tracer := New("test", zap.NewNop())
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "root")
	child, childCtx := tracer.StartSpan(ctx, "child")

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))

	headers := map[string]string{}
	InjectTraceContext(childCtx, headers)
	traceID, spanID := ExtractTraceContext(headers)
	assert.Equal(t, root.TraceID, traceID)
	assert.Equal(t, child.SpanID, spanID)
}

func TestSubmitLogsAndCloses(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	span, _ := tracer.StartSpan(context.Background(), "op")
	span.SetError(errors.New("boom"))
	span.Finish()
	tracer.Submit(span)
	tracer.Close()

	require.Equal(t, 1, logs.FilterMessage("span completed with error").Len())
	assert.Equal(t, 500, span.StatusCode)

	// no panic after close
	tracer.Submit(span)
}

func TestSubmitRacesClose(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				span, _ := tracer.StartSpan(context.Background(), "op")
				span.Finish()
				tracer.Submit(span)
			}
		}()
	}
	tracer.Close()
	wg.Wait()

	after := logs.Len()
	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.Submit(span)
	tracer.Close()
	assert.Equal(t, after, logs.Len())
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", zap.NewNop())
	defer tracer.Close()

	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	var seen TraceID
	r.GET("/ping", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Trace-ID", "trace_abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, TraceID("trace_abc"), seen)
	assert.Equal(t, "trace_abc", w.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Span-ID"))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *recordingSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestEmitterFansOut(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(zap.NewNop(), 16, sink)

	sub, cancel := e.Subscribe(8)
	defer cancel()

	e.Emit(Event{Kind: EventConnect, ChannelID: 1, ProcessID: 3})

	select {
	case ev := <-sub:
		assert.Equal(t, EventConnect, ev.Kind)
		assert.Equal(t, int64(1), ev.ChannelID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	require.NoError(t, e.Close())
	assert.True(t, sink.closed)
	require.Len(t, sink.events, 1)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Emitted)
	assert.Equal(t, 0, stats.Subscribers)

	_, open := <-sub
	assert.False(t, open, "subscriber channel closed on shutdown")

	e.Emit(Event{Kind: EventFree})
	assert.Equal(t, uint64(1), e.Stats().Dropped)
	assert.NoError(t, e.Close())
}

func TestSubscribeCancel(t *testing.T) {
	e := NewEmitter(nil, 4)
	defer e.Close()

	_, cancel := e.Subscribe(1)
	assert.Equal(t, 1, e.Stats().Subscribers)
	cancel()
	cancel()
	assert.Equal(t, 0, e.Stats().Subscribers)
}

func TestJournalRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	j, err := NewJournal(&buf)
	require.NoError(t, err)

	want := []Event{
		{ID: "evt_1", Kind: EventConnect, ChannelID: 7, ProcessID: 1, Time: time.Unix(100, 0).UTC()},
		{ID: "evt_2", Kind: EventMove, ChannelID: -7, ProcessID: 2, Detail: "proxied", Time: time.Unix(101, 0).UTC()},
	}
	for _, ev := range want {
		require.NoError(t, j.Write(ev))
	}
	require.NoError(t, j.Close())

	got, err := ReadJournal(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Kind, got[i].Kind)
		assert.Equal(t, want[i].ChannelID, got[i].ChannelID)
		assert.Equal(t, want[i].Detail, got[i].Detail)
		assert.True(t, want[i].Time.Equal(got[i].Time))
	}
}

func TestOpenJournalAppends(t *testing.T) {
	path := t.TempDir() + "/events.ndjson.zst"

	for i := 0; i < 2; i++ {
		j, err := OpenJournal(path)
		require.NoError(t, err)
		require.NoError(t, j.Write(Event{Kind: EventRelease, ChannelID: int64(i + 1)}))
		require.NoError(t, j.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	events, err := ReadJournal(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].ChannelID)
}
