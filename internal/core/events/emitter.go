// Package events provides a typed publish/subscribe primitive with two
// delivery modes per listener.
package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Mode selects how a listener receives events.
type Mode int

const (
	// Synchronous listeners run inline inside Emit, in registration order.
	Synchronous Mode = iota
	// Deferred listeners run later on the emitter's serial worker. A panic
	// in a deferred listener is logged and does not reach the emitter.
	Deferred
)

func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Subscription identifies a registered listener.
type Subscription uint64

type listener[T any] struct {
	id      Subscription
	mode    Mode
	handler func(T)
}

// Emitter delivers values of type T to registered listeners.
type Emitter[T any] struct {
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	nextID    Subscription
	listeners []listener[T]

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	pending sync.WaitGroup
	started bool
	closed  bool
	done    chan struct{}
}

// NewEmitter creates an emitter. logger may be nil.
func NewEmitter[T any](logger *zap.SugaredLogger) *Emitter[T] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Emitter[T]{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// On registers handler with the given delivery mode.
func (e *Emitter[T]) On(handler func(T), mode Mode) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.listeners = append(e.listeners, listener[T]{id: e.nextID, mode: mode, handler: handler})
	return e.nextID
}

// Once registers a synchronous handler that is removed after its first call.
func (e *Emitter[T]) Once(handler func(T)) Subscription {
	var sub Subscription
	var once sync.Once
	sub = e.On(func(v T) {
		once.Do(func() {
			e.Off(sub)
			handler(v)
		})
	}, Synchronous)
	return sub
}

// Off removes a listener. Unknown subscriptions are ignored.
func (e *Emitter[T]) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == sub {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// RemoveAll drops every listener.
func (e *Emitter[T]) RemoveAll() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Emit delivers v to every listener registered at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.RUnlock()

	for _, l := range snapshot {
		switch l.mode {
		case Deferred:
			handler := l.handler
			e.enqueue(func() { handler(v) })
		default:
			l.handler(v)
		}
	}
}

// Wait blocks until every deferred delivery queued so far has run.
func (e *Emitter[T]) Wait() {
	e.pending.Wait()
}

// Close stops the deferred worker. Deferred deliveries still queued are
// dropped; later Emit calls only reach synchronous listeners.
func (e *Emitter[T]) Close() {
	e.queueMu.Lock()
	if e.closed {
		e.queueMu.Unlock()
		return
	}
	e.closed = true
	dropped := len(e.queue)
	e.queue = nil
	started := e.started
	e.queueMu.Unlock()

	for i := 0; i < dropped; i++ {
		e.pending.Done()
	}
	if started {
		close(e.done)
	}
}

func (e *Emitter[T]) enqueue(fn func()) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	if e.closed {
		return
	}
	e.pending.Add(1)
	e.queue = append(e.queue, fn)
	if !e.started {
		e.started = true
		go e.run()
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter[T]) run() {
	for {
		e.queueMu.Lock()
		if len(e.queue) == 0 {
			e.queueMu.Unlock()
			select {
			case <-e.wake:
				continue
			case <-e.done:
				return
			}
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.queueMu.Unlock()

		e.invoke(fn)
	}
}

func (e *Emitter[T]) invoke(fn func()) {
	defer e.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Deferred event listener panicked", "panic", r)
		}
	}()
	fn()
}
