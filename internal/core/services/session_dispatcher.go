package services

import (
	"fmt"

	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/events"
	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/rumor"
	"rtcsession/internal/infrastructure/webrtc"
)

// SessionDispatcher applies routed Raptor events to a Session: it keeps the
// collections in sync and forwards negotiation messages to the local
// publishers and subscribers.
type SessionDispatcher struct {
	session    *Session
	dispatcher *raptor.Dispatcher
	logger     *zap.SugaredLogger
}

func newSessionDispatcher(s *Session, sock *raptor.Socket) *SessionDispatcher {
	d := &SessionDispatcher{
		session:    s,
		dispatcher: sock.Dispatcher(),
		logger:     s.logger.With("component", "session_dispatcher"),
	}
	d.register()
	return d
}

// register wires every handler synchronously, so model mutations run in
// frame order on the reader goroutine.
func (d *SessionDispatcher) register() {
	handlers := map[raptor.EventName]func(raptor.Event){
		raptor.EventSessionRead:              d.sessionRead,
		raptor.EventConnectionCreated:        d.connectionCreated,
		raptor.EventConnectionDeleted:        d.connectionDeleted,
		raptor.EventStreamCreated:            d.streamCreated,
		raptor.EventStreamDeleted:            d.streamDeleted,
		raptor.EventStreamUpdated:            d.streamUpdated,
		raptor.EventStreamChannelUpdated:     d.channelUpdated,
		raptor.EventSubscriberChannelUpdated: d.channelUpdated,
		raptor.EventSubscriberChannelUpdate:  d.channelUpdated,
		raptor.EventSubscriberCreated:        d.subscriberCreated,
		raptor.EventSubscriberDeleted:        d.subscriberDeleted,
		raptor.EventSubscriberUpdated:        d.subscriberUpdated,
		raptor.EventSignal:                   d.signal,
		raptor.EventArchiveCreated:           d.archiveCreated,
		raptor.EventArchiveUpdated:           d.archiveUpdated,
		raptor.EventJSEPOffer:                d.jsep,
		raptor.EventJSEPAnswer:               d.jsep,
		raptor.EventJSEPPranswer:             d.jsep,
		raptor.EventJSEPGenerateOffer:        d.jsep,
		raptor.EventJSEPCandidate:            d.jsep,
		raptor.EventJSEPUnsubscribe:          d.jsep,
		raptor.EventClose:                    d.close,
	}
	for name, fn := range handlers {
		d.dispatcher.On(name, events.Synchronous, fn)
	}
}

func (d *SessionDispatcher) decode(ev raptor.Event, v interface{}) bool {
	if err := ev.Envelope.DecodeContent(v); err != nil {
		d.logger.Warnw("Dropping message with malformed content", "event", ev.Name, "error", err)
		return false
	}
	return true
}

// connectionFor returns the known connection with id, or a placeholder.
func (d *SessionDispatcher) connectionFor(id string) *domain.Connection {
	if conn, ok := d.session.Connections.Get(id); ok {
		return conn
	}
	return &domain.Connection{ID: id}
}

func (d *SessionDispatcher) sessionRead(ev raptor.Event) {
	var snapshot raptor.SessionSnapshot
	if !d.decode(ev, &snapshot) {
		d.dispatcher.TriggerCallback(ev.Envelope.TransactionID,
			fmt.Errorf("%w: session state", raptor.ErrMalformedEnvelope), nil)
		return
	}

	s := d.session
	for _, c := range snapshot.Connection {
		s.Connections.Add(c.ToDomain())
	}
	for _, st := range snapshot.Stream {
		s.Streams.Add(st.ToDomain(d.connectionFor(st.Connection.ID)))
	}
	for _, a := range snapshot.Archive {
		s.Archives.Add(a.ToDomain())
	}
	d.logger.Debugw("Session state read",
		"connections", len(snapshot.Connection),
		"streams", len(snapshot.Stream),
		"archives", len(snapshot.Archive))
	d.dispatcher.TriggerCallback(ev.Envelope.TransactionID, nil, &snapshot)
}

func (d *SessionDispatcher) connectionCreated(ev raptor.Event) {
	var info raptor.ConnectionInfo
	if !d.decode(ev, &info) {
		return
	}
	if info.ID == "" {
		info.ID = ev.ConnectionID()
	}
	d.session.Connections.Add(info.ToDomain())
}

func (d *SessionDispatcher) connectionDeleted(ev raptor.Event) {
	id := ev.ConnectionID()
	reason := deletionReason(ev, domain.ReasonClientDisconnected)
	s := d.session

	if s.isOwnConnection(id) {
		s.Connections.Remove(id, reason)
		return
	}
	for _, st := range s.Streams.Where(func(st *domain.Stream) bool { return st.ConnectionID() == id }) {
		s.Streams.Remove(st.ID, reason)
	}
	s.Connections.Remove(id, reason)
}

func (d *SessionDispatcher) streamCreated(ev raptor.Event) {
	var info raptor.StreamInfo
	if !d.decode(ev, &info) {
		return
	}
	if info.ID == "" {
		info.ID = ev.StreamID()
	}
	s := d.session
	stream := info.ToDomain(d.connectionFor(info.Connection.ID))
	if !s.Streams.Add(stream) {
		stream, _ = s.Streams.Get(info.ID)
	}
	d.dispatcher.TriggerCallback(ev.Envelope.TransactionID, nil, stream)
}

func (d *SessionDispatcher) streamDeleted(ev raptor.Event) {
	d.session.Streams.Remove(ev.StreamID(), deletionReason(ev, domain.ReasonClientDisconnected))
}

func (d *SessionDispatcher) streamUpdated(ev raptor.Event) {
	var content struct {
		Channel []map[string]interface{} `json:"channel"`
	}
	if !d.decode(ev, &content) {
		return
	}
	stream, ok := d.session.Streams.Get(ev.StreamID())
	if !ok {
		d.logger.Warnw("Update for unknown stream", "stream_id", ev.StreamID())
		return
	}
	var changes []domain.PropertyChange
	for _, delta := range content.Channel {
		id, _ := delta["id"].(string)
		applied, err := stream.ApplyChannelUpdate(id, delta)
		if err != nil {
			d.logger.Warnw("Ignoring stream channel update", "stream_id", stream.ID, "channel_id", id, "error", err)
			continue
		}
		changes = append(changes, applied...)
	}
	if len(changes) > 0 {
		d.session.Streams.NotifyUpdated(stream.ID, changes)
	}
}

func (d *SessionDispatcher) channelUpdated(ev raptor.Event) {
	var delta map[string]interface{}
	if !d.decode(ev, &delta) {
		return
	}
	stream, ok := d.session.Streams.Get(ev.StreamID())
	if !ok {
		d.logger.Warnw("Channel update for unknown stream", "stream_id", ev.StreamID(), "event", ev.Name)
		return
	}
	changes, err := stream.ApplyChannelUpdate(ev.ChannelID(), delta)
	if err != nil {
		d.logger.Warnw("Ignoring channel update", "stream_id", stream.ID, "channel_id", ev.ChannelID(), "error", err)
		return
	}
	if len(changes) > 0 {
		d.session.Streams.NotifyUpdated(stream.ID, changes)
	}
}

func (d *SessionDispatcher) subscriberCreated(ev raptor.Event) {
	d.dispatcher.TriggerCallback(ev.Envelope.TransactionID, nil, nil)
}

func (d *SessionDispatcher) subscriberDeleted(ev raptor.Event) {
	if sub, ok := d.session.subscriber(ev.SubscriberID()); ok {
		sub.destroy(deletionReason(ev, domain.ReasonClientDisconnected), false)
	}
}

func (d *SessionDispatcher) subscriberUpdated(ev raptor.Event) {
	d.logger.Debugw("Subscriber updated", "stream_id", ev.StreamID(), "subscriber_id", ev.SubscriberID())
}

func (d *SessionDispatcher) signal(ev raptor.Event) {
	var content raptor.SignalContent
	if !d.decode(ev, &content) {
		return
	}
	var from *domain.Connection
	origin, err := domain.ResolveOrigin(ev.Envelope.FromAddress, d.session.Connections.Get)
	switch o := origin.(type) {
	case domain.PeerOrigin:
		from = o.Connection
	case domain.ServerOrigin:
	default:
		d.logger.Debugw("Signal from unknown sender", "from", ev.Envelope.FromAddress, "error", err)
	}
	d.session.dispatchSignal(from, content.Type, content.Data)
}

func (d *SessionDispatcher) archiveCreated(ev raptor.Event) {
	var info raptor.ArchiveInfo
	if !d.decode(ev, &info) {
		return
	}
	if info.ID == "" {
		info.ID = ev.ArchiveID()
	}
	d.session.Archives.Add(info.ToDomain())
}

func (d *SessionDispatcher) archiveUpdated(ev raptor.Event) {
	var content map[string]interface{}
	if !d.decode(ev, &content) {
		return
	}
	archive, ok := d.session.Archives.Get(ev.ArchiveID())
	if !ok {
		d.logger.Warnw("Update for unknown archive", "archive_id", ev.ArchiveID())
		return
	}
	var changes []domain.PropertyChange
	for key, value := range content {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if old, changed := archive.Update(key, str); changed {
			changes = append(changes, domain.PropertyChange{Property: key, OldValue: old, NewValue: str})
		}
	}
	if len(changes) > 0 {
		d.session.Archives.NotifyUpdated(archive.ID, changes)
	}
}

// jsep routes a negotiation message: offers go to subscribers, answers and
// offer requests to publishers, candidates to both.
func (d *SessionDispatcher) jsep(ev raptor.Event) {
	env := ev.Envelope
	origin, err := domain.ResolveOrigin(env.FromAddress, d.session.Connections.Get)
	if err != nil {
		d.logger.Warnw("Dropping negotiation message from unknown sender",
			"from", env.FromAddress, "method", env.Method, "stream_id", ev.StreamID())
		return
	}

	msg, ok := d.negotiationMessage(ev)
	if !ok {
		return
	}

	var toPublishers, toSubscribers bool
	switch ev.Name {
	case raptor.EventJSEPOffer:
		toSubscribers = true
	case raptor.EventJSEPCandidate:
		toPublishers, toSubscribers = true, true
	default:
		toPublishers = true
	}

	delivered := false
	if toPublishers {
		if p, ok := d.session.publisher(ev.StreamID()); ok {
			p.processMessage(origin, ev.SubscriberID(), ev.Name, msg)
			delivered = true
		}
	}
	if toSubscribers {
		for _, sub := range d.session.subscribersFor(ev.StreamID(), ev.SubscriberID()) {
			sub.processMessage(origin, msg)
			delivered = true
		}
	}
	if !delivered {
		d.logger.Debugw("No local actor for negotiation message",
			"event", ev.Name, "stream_id", ev.StreamID(), "subscriber_id", ev.SubscriberID())
	}
}

func (d *SessionDispatcher) negotiationMessage(ev raptor.Event) (webrtc.Message, bool) {
	switch ev.Name {
	case raptor.EventJSEPOffer, raptor.EventJSEPAnswer, raptor.EventJSEPPranswer:
		var content raptor.SDPContent
		if !d.decode(ev, &content) {
			return webrtc.Message{}, false
		}
		return webrtc.Message{Type: ev.Envelope.Method, SDP: content.SDP}, true
	case raptor.EventJSEPCandidate:
		var content raptor.CandidateContent
		if !d.decode(ev, &content) {
			return webrtc.Message{}, false
		}
		return webrtc.Message{
			Type: webrtc.MessageCandidate,
			Candidate: pionwebrtc.ICECandidateInit{
				Candidate:     content.Candidate,
				SDPMid:        content.SDPMid,
				SDPMLineIndex: content.SDPMLineIndex,
			},
		}, true
	default:
		return webrtc.Message{Type: ev.Envelope.Method}, true
	}
}

func (d *SessionDispatcher) close(ev raptor.Event) {
	d.session.handleTransportClose(closeReason(ev.Close))
}

func closeReason(ev rumor.CloseEvent) domain.DestroyReason {
	switch {
	case ev.Code == rumor.CloseConnectivityLoss:
		return domain.ReasonNetworkTimedout
	case ev.Normal():
		return domain.ReasonClientDisconnected
	default:
		return domain.ReasonNetworkDisconnected
	}
}

func deletionReason(ev raptor.Event, fallback domain.DestroyReason) domain.DestroyReason {
	var content raptor.DeletedContent
	if err := ev.Envelope.DecodeContent(&content); err != nil || content.Reason == "" {
		return fallback
	}
	return domain.DestroyReason(content.Reason)
}
