package raptor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"rtcsession/internal/core/events"
	"rtcsession/internal/infrastructure/rumor"
)

// EventName is a dispatch route name such as "stream#created".
type EventName string

const (
	EventSessionRead              EventName = "session#read"
	EventConnectionCreated        EventName = "connection#created"
	EventConnectionDeleted        EventName = "connection#deleted"
	EventStreamCreated            EventName = "stream#created"
	EventStreamDeleted            EventName = "stream#deleted"
	EventStreamUpdated            EventName = "stream#updated"
	EventStreamChannelUpdated     EventName = "streamChannel#updated"
	EventSubscriberCreated        EventName = "subscriber#created"
	EventSubscriberDeleted        EventName = "subscriber#deleted"
	EventSubscriberUpdated        EventName = "subscriber#updated"
	EventSubscriberChannelUpdated EventName = "subscriberChannel#updated"
	EventSubscriberChannelUpdate  EventName = "subscriberChannel#update"
	EventSignal                   EventName = "signal"
	EventArchiveCreated           EventName = "archive#created"
	EventArchiveUpdated           EventName = "archive#updated"
	EventJSEPOffer                EventName = "jsep#offer"
	EventJSEPAnswer               EventName = "jsep#answer"
	EventJSEPPranswer             EventName = "jsep#pranswer"
	EventJSEPGenerateOffer        EventName = "jsep#generateoffer"
	EventJSEPCandidate            EventName = "jsep#candidate"
	EventJSEPUnsubscribe          EventName = "jsep#unsubscribe"
	EventClose                    EventName = "close"
)

// Inbound JSEP methods, shared by streams and subscribers.
var jsepMethods = map[string]EventName{
	"offer":         EventJSEPOffer,
	"answer":        EventJSEPAnswer,
	"pranswer":      EventJSEPPranswer,
	"generateoffer": EventJSEPGenerateOffer,
	"candidate":     EventJSEPCandidate,
	"unsubscribe":   EventJSEPUnsubscribe,
}

// IsJSEP reports whether name is one of the jsep#* events.
func IsJSEP(name EventName) bool {
	for _, n := range jsepMethods {
		if n == name {
			return true
		}
	}
	return false
}

// Event is one routed inbound message.
type Event struct {
	Name     EventName
	Envelope *Envelope
	// Close is set on EventClose.
	Close rumor.CloseEvent
}

// StreamID returns the stream id from the URI.
func (e Event) StreamID() string { return e.param(ResourceStream) }

// SubscriberID returns the subscriber id from the URI.
func (e Event) SubscriberID() string { return e.param(ResourceSubscriber) }

// ConnectionID returns the connection id from the URI.
func (e Event) ConnectionID() string { return e.param(ResourceConnection) }

// ChannelID returns the channel id from the URI.
func (e Event) ChannelID() string { return e.param("channel") }

// ArchiveID returns the archive id from the URI.
func (e Event) ArchiveID() string { return e.param(ResourceArchive) }

func (e Event) param(name string) string {
	if e.Envelope == nil {
		return ""
	}
	return e.Envelope.Param(name)
}

// Completion receives the outcome of a request: an error for rejected
// requests, or the payload the reply carried.
type Completion func(err error, payload interface{})

// StatusError is a non-2xx STATUS reply.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("raptor: request failed with status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("raptor: request failed with status %d", e.Status)
}

// Dispatcher routes inbound frames to named events and correlates replies
// with pending requests.
type Dispatcher struct {
	logger *zap.SugaredLogger
	events *events.Emitter[Event]

	mu        sync.Mutex
	callbacks map[string]Completion
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "raptor_dispatcher")
	return &Dispatcher{
		logger:    logger,
		events:    events.NewEmitter[Event](logger),
		callbacks: make(map[string]Completion),
	}
}

// Events returns the emitter for routed events.
func (d *Dispatcher) Events() *events.Emitter[Event] {
	return d.events
}

// On registers a listener for one event name.
func (d *Dispatcher) On(name EventName, mode events.Mode, fn func(Event)) events.Subscription {
	return d.events.On(func(ev Event) {
		if ev.Name == name {
			fn(ev)
		}
	}, mode)
}

// RegisterCallback stores fn until TriggerCallback runs it.
func (d *Dispatcher) RegisterCallback(transactionID string, fn Completion) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.callbacks[transactionID] = fn
	d.mu.Unlock()
}

// TriggerCallback runs and forgets the callback for transactionID. Unknown
// ids are ignored, so a second trigger is a no-op.
func (d *Dispatcher) TriggerCallback(transactionID string, err error, payload interface{}) bool {
	if transactionID == "" {
		return false
	}
	d.mu.Lock()
	fn, ok := d.callbacks[transactionID]
	delete(d.callbacks, transactionID)
	d.mu.Unlock()

	if !ok {
		return false
	}
	fn(err, payload)
	return true
}

// CancelCallback forgets a pending callback without running it.
func (d *Dispatcher) CancelCallback(transactionID string) {
	d.mu.Lock()
	delete(d.callbacks, transactionID)
	d.mu.Unlock()
}

// PendingCount returns the number of requests awaiting a reply.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.callbacks)
}

// DropPending forgets every pending callback. Their requests never complete.
func (d *Dispatcher) DropPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.callbacks)
	d.callbacks = make(map[string]Completion)
	return n
}

// HandleClose reports a transport close as an EventClose.
func (d *Dispatcher) HandleClose(ev rumor.CloseEvent) {
	d.events.Emit(Event{Name: EventClose, Close: ev})
}

// Dispatch routes one inbound frame. It runs to completion before returning.
func (d *Dispatcher) Dispatch(f *rumor.Frame) {
	if f.Type == rumor.TypeStatus {
		d.dispatchStatus(f)
		return
	}

	env, err := UnboxFrame(f)
	if err != nil {
		d.logger.Warnw("Dropping undecodable raptor message", "error", err, "frame_type", f.Type.String())
		return
	}

	name, ok := route(env)
	if !ok {
		d.logger.Warnw("Dropping message with unknown route",
			"signature", env.Signature(), "uri", env.URI)
		return
	}

	d.logger.Debugw("Dispatching raptor message", "event", name, "transaction_id", env.TransactionID)
	d.events.Emit(Event{Name: name, Envelope: env})
}

func (d *Dispatcher) dispatchStatus(f *rumor.Frame) {
	txID := f.TransactionID()
	if !f.IsError() {
		d.TriggerCallback(txID, nil, f.Payload)
		return
	}

	status, _ := strconv.Atoi(f.Status())
	statusErr := &StatusError{Status: status}
	if len(f.Payload) > 0 {
		var content StatusContent
		if err := json.Unmarshal(f.Payload, &content); err == nil {
			statusErr.Message = content.Message
		} else {
			statusErr.Message = string(f.Payload)
		}
	}

	if !d.TriggerCallback(txID, statusErr, nil) {
		d.logger.Debugw("Error status for unknown transaction", "transaction_id", txID, "status", status)
	}
}

// route maps an envelope to its event name.
func route(env *Envelope) (EventName, bool) {
	switch env.Resource {
	case ResourceSession:
		if env.Method == "read" {
			return EventSessionRead, true
		}
	case ResourceConnection:
		switch env.Method {
		case "created":
			return EventConnectionCreated, true
		case "deleted":
			return EventConnectionDeleted, true
		}
	case ResourceStream:
		switch env.Method {
		case "created":
			return EventStreamCreated, true
		case "deleted":
			return EventStreamDeleted, true
		case "updated":
			return EventStreamUpdated, true
		}
		if name, ok := jsepMethods[env.Method]; ok {
			return name, true
		}
	case ResourceStreamChannel:
		if env.Method == "updated" {
			return EventStreamChannelUpdated, true
		}
	case ResourceSubscriber:
		switch env.Method {
		case "created":
			return EventSubscriberCreated, true
		case "deleted":
			return EventSubscriberDeleted, true
		case "updated":
			return EventSubscriberUpdated, true
		}
		if name, ok := jsepMethods[env.Method]; ok {
			return name, true
		}
	case ResourceSubscriberChannel:
		switch env.Method {
		case "updated":
			return EventSubscriberChannelUpdated, true
		case "update":
			return EventSubscriberChannelUpdate, true
		}
	case ResourceSignal:
		if env.Method == "signal" {
			return EventSignal, true
		}
	case ResourceArchive:
		switch env.Method {
		case "created":
			return EventArchiveCreated, true
		case "updated":
			return EventArchiveUpdated, true
		}
	}
	return "", false
}
