package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcsession/internal/core/domain"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []string
	times    []time.Time
	active   int32
	overlap  int32
	failOn   map[string]bool
}

func (s *recordingSink) Send(ctx context.Context, payload []byte) error {
	if atomic.AddInt32(&s.active, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	defer atomic.AddInt32(&s.active, -1)
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(payload))
	s.times = append(s.times, time.Now())
	if s.failOn[string(payload)] {
		return errors.New("collector unavailable")
	}
	return nil
}

func (s *recordingSink) snapshot() ([]string, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...), append([]time.Time(nil), s.times...)
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestQueue_SendsInOrderOneAtATime(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, 20*time.Millisecond, nil)
	defer q.Stop()

	for _, p := range []string{"a", "b", "c", "d"} {
		q.Add([]byte(p))
	}
	drain(t, q)

	payloads, times := sink.snapshot()
	assert.Equal(t, []string{"a", "b", "c", "d"}, payloads)
	assert.Zero(t, atomic.LoadInt32(&sink.overlap))
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond)
	}
	sent, failed := q.Stats()
	assert.Equal(t, 4, sent)
	assert.Zero(t, failed)
}

func TestQueue_FailureDoesNotStall(t *testing.T) {
	sink := &recordingSink{failOn: map[string]bool{"bad": true}}
	q := NewQueue(sink, 0, nil)
	defer q.Stop()

	q.Add([]byte("first"))
	q.Add([]byte("bad"))
	q.Add([]byte("last"))
	drain(t, q)

	payloads, _ := sink.snapshot()
	assert.Equal(t, []string{"first", "bad", "last"}, payloads)
	sent, failed := q.Stats()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)
	assert.Zero(t, q.PendingCount())
}

func TestQueue_StopDropsPending(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, time.Hour, nil)

	q.Add([]byte("one"))
	q.Add([]byte("two"))
	q.Add([]byte("three"))
	require.Eventually(t, func() bool {
		p, _ := sink.snapshot()
		return len(p) == 1
	}, time.Second, 5*time.Millisecond)

	q.Stop()
	q.Add([]byte("late"))

	assert.Zero(t, q.PendingCount())
	payloads, _ := sink.snapshot()
	assert.Equal(t, []string{"one"}, payloads)
}

func TestHTTPSink_PostsJSON(t *testing.T) {
	var got []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	require.NoError(t, sink.Send(context.Background(), []byte(`{"action":"Connect"}`)))
	assert.Equal(t, "application/json", contentType)
	assert.JSONEq(t, `{"action":"Connect"}`, string(got))
}

func TestHTTPSink_RejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, nil).Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRedisSink_ReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	err := NewRedisSink(client, "analytics").Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analytics")
}

func TestMultiSink_SendsToAll(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{failOn: map[string]bool{"x": true}}

	err := MultiSink{a, b}.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	pa, _ := a.snapshot()
	pb, _ := b.snapshot()
	assert.Equal(t, []string{"x"}, pa)
	assert.Equal(t, []string{"x"}, pb)
}

func TestLogger_FillsDefaults(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, 0, nil)
	defer q.Stop()

	l := NewLogger(q, "partner-1", nil)
	l.LogEvent(domain.AnalyticsEvent{Action: "Connect", Variation: domain.VariationAttempt, SessionID: "s1"})
	l.LogError("Publish", "s1", "c1", nil)
	drain(t, q)

	payloads, _ := sink.snapshot()
	require.Len(t, payloads, 1)

	var ev domain.AnalyticsEvent
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &ev))
	assert.Equal(t, "partner-1", ev.PartnerID)
	assert.Equal(t, "Connect", ev.Action)
	assert.NotZero(t, ev.ClientTime)
}
