// Package analytics delivers client analytics events to a collector, one at
// a time and in order.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcsession/internal/core/ports"
)

// DefaultSendDelay is the pause between two sends.
const DefaultSendDelay = 300 * time.Millisecond

// Queue is a FIFO of encoded entries drained by a single worker: at most one
// send is in flight and consecutive sends are spaced by the send delay. A
// failed send is logged and the queue moves on.
type Queue struct {
	sink      ports.AnalyticsSink
	sendDelay time.Duration
	timeout   time.Duration
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	pending  [][]byte
	inFlight bool
	stopped  bool
	sent     int
	failed   int
	idle     *sync.Cond

	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

// NewQueue starts a queue draining into sink.
func NewQueue(sink ports.AnalyticsSink, sendDelay time.Duration, logger *zap.SugaredLogger) *Queue {
	if sendDelay < 0 {
		sendDelay = DefaultSendDelay
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	q := &Queue{
		sink:      sink,
		sendDelay: sendDelay,
		timeout:   10 * time.Second,
		logger:    logger.With("component", "analytics_queue"),
		wake:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)

	go q.run()

	return q
}

// Add appends an entry. Entries added after Stop are dropped.
func (q *Queue) Add(payload []byte) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, payload)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of entries not yet sent.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns how many sends succeeded and failed.
func (q *Queue) Stats() (sent, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent, q.failed
}

// Drain blocks until the queue is empty and nothing is in flight, or ctx
// ends.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for (len(q.pending) > 0 || q.inFlight) && !q.stopped {
			q.idle.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		q.idle.Broadcast()
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Stop ends the worker. Entries still queued are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	q.idle.Broadcast()
	q.mu.Unlock()

	close(q.stopChan)
	<-q.done
	if dropped > 0 {
		q.logger.Debugw("Dropped unsent analytics entries", "count", dropped)
	}
}

func (q *Queue) next() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 || q.stopped {
		q.inFlight = false
		q.idle.Broadcast()
		return nil, false
	}
	payload := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight = true
	return payload, true
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		payload, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stopChan:
				return
			}
		}

		q.send(payload)

		if q.sendDelay > 0 {
			timer := time.NewTimer(q.sendDelay)
			select {
			case <-timer.C:
			case <-q.stopChan:
				timer.Stop()
				return
			}
		}
	}
}

func (q *Queue) send(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	err := q.sink.Send(ctx, payload)
	q.mu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.sent++
	}
	q.mu.Unlock()
	if err != nil {
		q.logger.Warnw("Failed to send analytics entry", "error", err)
	}
}
