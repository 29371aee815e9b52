package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/infrastructure/raptor"
	"rtcsession/internal/infrastructure/rumor"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/utils"
	"rtcsession/pkg/validation"
)

// SymphonyAddress is the transport address the server sends from.
const SymphonyAddress = domain.ServerAddressPrefix + "dev"

var ErrSessionNotFound = errors.New("session has no connections")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HubOptions configures a Hub.
type HubOptions struct {
	Issuer *TokenIssuer
	// P2P relays negotiation between peers. Without it subscribers are
	// acknowledged but never receive media.
	P2P               bool
	MessagesPerSecond float64
	Burst             int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	Metrics           *ServerMetrics
	Logger            *zap.SugaredLogger
}

// Hub terminates Rumor websockets and plays the Raptor server for every
// session the dev server hosts.
type Hub struct {
	opts   HubOptions
	logger *zap.SugaredLogger

	mu       sync.Mutex
	peers    map[string]*peer
	sessions map[string]*room
}

// room is the server side state of one session.
type room struct {
	id          string
	apiKey      string
	peers       map[string]*peer
	streams     map[string]*raptor.StreamInfo
	subscribers map[string]subscription
	archives    map[string]*raptor.ArchiveInfo
}

type subscription struct {
	streamID     string
	connectionID string
}

// peer is one Rumor websocket. Fields below mu in Hub are guarded by it.
type peer struct {
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once

	id        string
	attached  bool
	sessionID string
	joined    bool
	claims    *Claims
	info      raptor.ConnectionInfo
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 100
	}
	if opts.Burst <= 0 {
		opts.Burst = 200
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewServerMetrics(nil)
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger.With("component", "rumor_hub"),
		peers:    make(map[string]*peer),
		sessions: make(map[string]*room),
	}
}

// ServeRumor upgrades the request and serves the socket until it closes.
func (h *Hub) ServeRumor(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		ws:      ws,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst),
		done:    make(chan struct{}),
	}
	go h.writeLoop(p)
	h.readLoop(p)
}

func (h *Hub) readLoop(p *peer) {
	defer p.close()

	p.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	for {
		msgType, data, err := p.ws.ReadMessage()
		if err != nil {
			reason := domain.ReasonNetworkDisconnected
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = domain.ReasonClientDisconnected
			}
			h.leave(p, reason)
			return
		}
		p.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := rumor.Decode(data)
		if err != nil {
			h.logger.Infow("dropping malformed frame", "peer_id", p.id, "error", err)
			continue
		}
		h.opts.Metrics.FrameReceived(frame.Type.String())

		if p.id == "" && frame.Type != rumor.TypeConnect {
			continue
		}

		switch frame.Type {
		case rumor.TypeConnect:
			h.attach(p, frame.Headers[rumor.HeaderUniqueID])
		case rumor.TypePing:
			h.deliver(p, rumor.NewPong())
		case rumor.TypeSubscribe, rumor.TypeUnsubscribe:
			h.logger.Debugw("topic update", "peer_id", p.id, "type", frame.Type.String(), "topics", frame.Addresses)
		case rumor.TypeDisconnect:
			h.leave(p, domain.ReasonClientDisconnected)
			return
		case rumor.TypeMessage:
			if !p.limiter.Allow() {
				h.opts.Metrics.RateLimited()
				if txID := frame.TransactionID(); txID != "" {
					h.deliver(p, statusFrame(txID, http.StatusTooManyRequests, "rate limit exceeded"))
				}
				continue
			}
			h.handleMessage(p, frame)
		}
	}
}

func (h *Hub) writeLoop(p *peer) {
	defer p.ws.Close()

	write := func(data []byte) error {
		p.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		return p.ws.WriteMessage(websocket.BinaryMessage, data)
	}

	for {
		select {
		case data := <-p.send:
			if err := write(data); err != nil {
				h.logger.Infow("error writing to peer", "error", err)
				p.close()
				return
			}
		case <-p.done:
		drain:
			for {
				select {
				case data := <-p.send:
					if write(data) != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

func (h *Hub) deliver(p *peer, f *rumor.Frame) {
	data, err := rumor.Encode(f)
	if err != nil {
		h.logger.Errorw("failed to encode frame", "peer_id", p.id, "error", err)
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- data:
		h.opts.Metrics.FrameSent(f.Type.String())
	default:
		h.logger.Warnw("peer send buffer full, closing", "peer_id", p.id)
		p.close()
	}
}

// attach registers p under id. A previous socket with the same id is
// closed.
func (h *Hub) attach(p *peer, id string) {
	if id == "" {
		h.logger.Warn("CONNECT without uniqueId")
		p.close()
		return
	}

	h.mu.Lock()
	old, isReconnect := h.peers[id]
	p.id = id
	p.attached = true
	h.peers[id] = p
	h.mu.Unlock()

	if isReconnect && old != p {
		h.logger.Infow("closing old connection for reconnecting peer", "peer_id", id)
		h.leave(old, domain.ReasonNetworkDisconnected)
		old.close()
	}
	h.opts.Metrics.PeerAttached()
	h.logger.Infow("peer connected via websocket", "peer_id", id, "reconnect", isReconnect)
}

// leave removes p from its session and the peer table.
func (h *Hub) leave(p *peer, reason domain.DestroyReason) {
	var b batch
	h.mu.Lock()
	if p.joined {
		if r, ok := h.sessions[p.sessionID]; ok {
			h.removePeer(r, p, reason, &b)
		}
	}
	detached := p.attached
	p.attached = false
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
	h.mu.Unlock()

	h.flush(&b)
	if detached {
		h.opts.Metrics.PeerDetached()
		h.logger.Infow("peer disconnected", "peer_id", p.id, "reason", reason)
	}
}

type outbound struct {
	to    *peer
	frame *rumor.Frame
}

// batch collects frames computed under the hub lock for delivery after it
// is released.
type batch struct {
	out     []outbound
	closing []*peer
}

func (b *batch) to(p *peer, f *rumor.Frame) {
	if p != nil && f != nil {
		b.out = append(b.out, outbound{to: p, frame: f})
	}
}

func (b *batch) all(r *room, f *rumor.Frame, except *peer) {
	for _, p := range r.sortedPeers() {
		if p != except {
			b.to(p, f)
		}
	}
}

func (h *Hub) flush(b *batch) {
	for _, o := range b.out {
		h.deliver(o.to, o.frame)
	}
	for _, p := range b.closing {
		p.close()
	}
}

func eventFrame(method, uri string, content interface{}, txID, from string) *rumor.Frame {
	msg := raptor.Message{Method: method, URI: uri, Content: content}
	payload, err := msg.Marshal()
	if err != nil {
		return nil
	}
	headers := map[string]string{
		rumor.HeaderContentType: rumor.ContentTypeRaptor,
		rumor.HeaderFromAddress: from,
	}
	if txID != "" {
		headers[rumor.HeaderTransactionID] = txID
	}
	return rumor.NewMessage([]string{uri}, headers, payload)
}

func statusFrame(txID string, status int, message string) *rumor.Frame {
	var payload []byte
	if message != "" {
		payload, _ = json.Marshal(raptor.StatusContent{Code: status, Message: message})
	}
	return rumor.NewStatus(nil, txID, status, payload)
}

func (h *Hub) event(method, uri string, content interface{}, txID string) *rumor.Frame {
	return eventFrame(method, uri, content, txID, SymphonyAddress)
}

func (h *Hub) handleMessage(p *peer, f *rumor.Frame) {
	if len(f.Addresses) == 1 && h.relay(p, f) {
		return
	}

	txID := f.TransactionID()
	env, err := raptor.UnboxFrame(f)
	if err != nil {
		h.logger.Infow("error handling message from peer", "peer_id", p.id, "error", err)
		if txID != "" {
			h.deliver(p, statusFrame(txID, http.StatusBadRequest, err.Error()))
		}
		return
	}

	var b batch
	h.mu.Lock()
	h.route(p, env, f.Headers[rumor.HeaderTokenAuth], &b)
	h.mu.Unlock()
	h.flush(&b)
}

// relay forwards a frame addressed to another connection of the same
// session, stamping the sender. It reports whether the address was a peer.
func (h *Hub) relay(p *peer, f *rumor.Frame) bool {
	h.mu.Lock()
	target, ok := h.peers[f.Addresses[0]]
	sameSession := ok && p.joined && target.joined && target.sessionID == p.sessionID
	h.mu.Unlock()

	if !ok {
		return false
	}
	if !sameSession {
		h.logger.Infow("dropping relay outside the session", "from", p.id, "to", target.id)
		return true
	}

	headers := make(map[string]string, len(f.Headers)+1)
	for k, v := range f.Headers {
		headers[k] = v
	}
	headers[rumor.HeaderFromAddress] = p.id
	h.deliver(target, rumor.NewMessage(f.Addresses, headers, f.Payload))
	h.opts.Metrics.Relayed()
	return true
}

func (h *Hub) route(p *peer, env *raptor.Envelope, token string, b *batch) {
	txID := env.TransactionID

	if env.Resource == raptor.ResourceConnection && env.Method == raptor.MethodCreate {
		h.connectionCreate(p, env, token, b)
		return
	}

	r, ok := h.sessions[p.sessionID]
	if !p.joined || !ok || env.Param(raptor.ResourceSession) != p.sessionID {
		b.to(p, statusFrame(txID, http.StatusForbidden, "connection is not part of this session"))
		return
	}

	switch env.Resource + "#" + env.Method {
	case "session#read":
		b.to(p, h.event(raptor.MethodRead, raptor.SessionURI(r.apiKey, r.id), r.snapshot(), txID))
	case "connection#delete":
		h.connectionDelete(r, p, env, b)
	case "stream#create":
		h.streamCreate(r, p, env, b)
	case "stream#delete":
		h.streamDelete(r, p, env, b)
	case "stream_channel#update":
		h.streamChannelUpdate(r, p, env, b)
	case "subscriber#create":
		h.subscriberCreate(r, p, env, b)
	case "subscriber#delete":
		h.subscriberDelete(r, p, env, b)
	case "subscriber#update", "subscriber_channel#update":
		h.subscriberUpdate(r, p, env, b)
	case "signal#signal":
		h.signal(r, p, env, b)
	default:
		if raptor.IsJSEP(raptor.EventName("jsep#" + env.Method)) {
			h.logger.Debugw("routed negotiation is not supported", "peer_id", p.id, "uri", env.URI, "method", env.Method)
			return
		}
		b.to(p, statusFrame(txID, http.StatusBadRequest, "unsupported request "+env.Signature()))
	}
}

func (h *Hub) connectionCreate(p *peer, env *raptor.Envelope, token string, b *batch) {
	txID := env.TransactionID
	sessionID := env.Param(raptor.ResourceSession)

	if env.Param(raptor.ResourceConnection) != p.id {
		b.to(p, statusFrame(txID, http.StatusBadRequest, "connection id does not match the transport id"))
		return
	}
	claims, err := h.opts.Issuer.VerifyFor(token, sessionID)
	if err != nil {
		h.logger.Infow("rejecting connection", "peer_id", p.id, "session_id", sessionID, "error", err)
		b.to(p, statusFrame(txID, http.StatusForbidden, err.Error()))
		return
	}
	if p.joined {
		b.to(p, statusFrame(txID, http.StatusOK, ""))
		return
	}

	r, ok := h.sessions[sessionID]
	if !ok {
		r = &room{
			id:          sessionID,
			apiKey:      env.Param("partner"),
			peers:       make(map[string]*peer),
			streams:     make(map[string]*raptor.StreamInfo),
			subscribers: make(map[string]subscription),
			archives:    make(map[string]*raptor.ArchiveInfo),
		}
		h.sessions[sessionID] = r
	}

	info := raptor.ConnectionInfo{ID: p.id, CreationTime: utils.NowMillis(), Data: claims.Data}
	for _, perm := range claims.Role.Permissions() {
		info.Permissions = append(info.Permissions, string(perm))
	}
	p.sessionID, p.joined, p.claims, p.info = sessionID, true, claims, info
	r.peers[p.id] = p

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	b.all(r, h.event("created", raptor.ConnectionURI(r.apiKey, r.id, p.id), info, ""), p)
	h.logger.Infow("connection joined session", "peer_id", p.id, "session_id", sessionID, "role", claims.Role)
}

func (h *Hub) connectionDelete(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	targetID := env.Param(raptor.ResourceConnection)

	if targetID == p.id {
		b.to(p, statusFrame(txID, http.StatusOK, ""))
		h.removePeer(r, p, domain.ReasonClientDisconnected, b)
		b.closing = append(b.closing, p)
		return
	}
	if !p.can(domain.PermissionForceDisconnect) {
		b.to(p, statusFrame(txID, http.StatusForbidden, "force disconnect is not permitted"))
		return
	}
	target, ok := r.peers[targetID]
	if !ok {
		b.to(p, statusFrame(txID, http.StatusNotFound, "connection not found"))
		return
	}

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	h.removePeer(r, target, domain.ReasonForceDisconnected, b)
	b.closing = append(b.closing, target)
}

func (h *Hub) streamCreate(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	if !p.can(domain.PermissionPublish) {
		b.to(p, statusFrame(txID, http.StatusForbidden, "publishing is not permitted"))
		return
	}

	var content struct {
		ID      string               `json:"id"`
		Name    string               `json:"name"`
		Channel []raptor.ChannelInfo `json:"channel"`
	}
	if err := env.DecodeContent(&content); err != nil {
		b.to(p, statusFrame(txID, http.StatusBadRequest, err.Error()))
		return
	}
	streamID := env.Param(raptor.ResourceStream)
	uri := raptor.StreamURI(r.apiKey, r.id, streamID)

	if existing, ok := r.streams[streamID]; ok {
		if existing.Connection.ID != p.id {
			b.to(p, statusFrame(txID, http.StatusConflict, "stream id already in use"))
			return
		}
		b.to(p, h.event("created", uri, existing, txID))
		return
	}

	channels := content.Channel
	if channels == nil {
		channels = []raptor.ChannelInfo{}
	}
	stream := &raptor.StreamInfo{
		ID:           streamID,
		Name:         content.Name,
		CreationTime: utils.NowMillis(),
		Connection:   raptor.ConnectionRef{ID: p.id},
		Channel:      channels,
	}
	r.streams[streamID] = stream

	b.to(p, h.event("created", uri, stream, txID))
	b.all(r, h.event("created", uri, stream, ""), p)
	h.logger.Infow("stream created", "session_id", r.id, "stream_id", streamID, "peer_id", p.id)
}

func (h *Hub) streamDelete(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	streamID := env.Param(raptor.ResourceStream)
	stream, ok := r.streams[streamID]
	if !ok {
		b.to(p, statusFrame(txID, http.StatusNotFound, "stream not found"))
		return
	}

	reason := domain.ReasonClientDisconnected
	if stream.Connection.ID != p.id {
		if !p.can(domain.PermissionForceUnpublish) {
			b.to(p, statusFrame(txID, http.StatusForbidden, "force unpublish is not permitted"))
			return
		}
		reason = domain.ReasonForceUnpublished
	}

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	h.removeStream(r, streamID, reason, b)
}

func (h *Hub) streamChannelUpdate(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	stream, ok := r.streams[env.Param(raptor.ResourceStream)]
	if !ok {
		b.to(p, statusFrame(txID, http.StatusNotFound, "stream not found"))
		return
	}
	if stream.Connection.ID != p.id {
		b.to(p, statusFrame(txID, http.StatusForbidden, "only the publisher may update its channels"))
		return
	}

	var attributes map[string]interface{}
	if err := env.DecodeContent(&attributes); err != nil {
		b.to(p, statusFrame(txID, http.StatusBadRequest, err.Error()))
		return
	}
	channelID := env.Param("channel")
	if err := applyChannelAttributes(stream, channelID, attributes); err != nil {
		b.to(p, statusFrame(txID, http.StatusNotFound, err.Error()))
		return
	}

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	uri := raptor.StreamChannelURI(r.apiKey, r.id, stream.ID, channelID)
	b.all(r, h.event("updated", uri, attributes, ""), p)
}

func (h *Hub) subscriberCreate(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	if !p.can(domain.PermissionSubscribe) {
		b.to(p, statusFrame(txID, http.StatusForbidden, "subscribing is not permitted"))
		return
	}
	streamID := env.Param(raptor.ResourceStream)
	stream, ok := r.streams[streamID]
	if !ok {
		b.to(p, statusFrame(txID, http.StatusNotFound, "stream not found"))
		return
	}

	subscriberID := env.Param(raptor.ResourceSubscriber)
	r.subscribers[subscriberID] = subscription{streamID: streamID, connectionID: p.id}
	uri := raptor.SubscriberURI(r.apiKey, r.id, streamID, subscriberID)

	b.to(p, h.event("created", uri, map[string]interface{}{"id": subscriberID, "channel": stream.Channel}, txID))

	if !h.opts.P2P {
		h.logger.Infow("routed media is not supported, subscriber will not receive media",
			"session_id", r.id, "stream_id", streamID, "subscriber_id", subscriberID)
		return
	}
	if owner, ok := r.peers[stream.Connection.ID]; ok {
		b.to(owner, eventFrame("generateoffer", uri, struct{}{}, "", p.id))
	}
}

func (h *Hub) subscriberDelete(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	subscriberID := env.Param(raptor.ResourceSubscriber)
	sub, ok := r.subscribers[subscriberID]
	if !ok || sub.connectionID != p.id {
		b.to(p, statusFrame(txID, http.StatusNotFound, "subscriber not found"))
		return
	}

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	h.unsubscribe(r, subscriberID, sub, b)
}

// subscriberUpdate acknowledges subscriber preferences. Media is relayed
// peer to peer so nothing is forwarded.
func (h *Hub) subscriberUpdate(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	subscriberID := env.Param(raptor.ResourceSubscriber)
	sub, ok := r.subscribers[subscriberID]
	if !ok || sub.connectionID != p.id {
		b.to(p, statusFrame(txID, http.StatusNotFound, "subscriber not found"))
		return
	}
	var attributes map[string]interface{}
	if err := env.DecodeContent(&attributes); err != nil {
		b.to(p, statusFrame(txID, http.StatusBadRequest, err.Error()))
		return
	}
	h.logger.Debugw("Subscriber updated", "session_id", r.id, "subscriber_id", subscriberID,
		"channel_id", env.Param("channel"), "attributes", attributes)
	b.to(p, statusFrame(txID, http.StatusOK, ""))
}

func (h *Hub) unsubscribe(r *room, subscriberID string, sub subscription, b *batch) {
	delete(r.subscribers, subscriberID)
	stream, ok := r.streams[sub.streamID]
	if !ok || !h.opts.P2P {
		return
	}
	if owner, ok := r.peers[stream.Connection.ID]; ok {
		uri := raptor.SubscriberURI(r.apiKey, r.id, sub.streamID, subscriberID)
		b.to(owner, eventFrame("unsubscribe", uri, struct{}{}, "", sub.connectionID))
	}
}

func (h *Hub) signal(r *room, p *peer, env *raptor.Envelope, b *batch) {
	txID := env.TransactionID
	if !p.can(domain.PermissionSignal) {
		b.to(p, statusFrame(txID, http.StatusForbidden, "signalling is not permitted"))
		return
	}

	var content raptor.SignalContent
	if err := env.DecodeContent(&content); err != nil {
		b.to(p, statusFrame(txID, http.StatusBadRequest, err.Error()))
		return
	}
	to := env.Param(raptor.ResourceConnection)
	err := validation.ValidateSignalType(content.Type)
	if err == nil && utf8.RuneCountInString(content.Data) > validation.MaxSignalDataLength {
		err = apperrors.New(apperrors.ErrCodeTooLarge, "signal data is too long")
	}
	if err == nil {
		err = validation.ValidateSignalTo(to, func(id string) bool {
			_, ok := r.peers[id]
			return ok
		})
	}
	if err != nil {
		appErr := apperrors.GetAppError(err)
		b.to(p, statusFrame(txID, int(appErr.Code), appErr.Message))
		return
	}

	b.to(p, statusFrame(txID, http.StatusOK, ""))
	forward := eventFrame(raptor.MethodSignal, env.URI, content, "", p.id)
	if to != "" {
		b.to(r.peers[to], forward)
		return
	}
	b.all(r, forward, nil)
}

// removePeer takes p out of r with everything it published or subscribed
// to, telling the remaining members and p itself.
func (h *Hub) removePeer(r *room, p *peer, reason domain.DestroyReason, b *batch) {
	for _, id := range r.sortedStreamIDs() {
		if r.streams[id].Connection.ID == p.id {
			h.removeStream(r, id, reason, b)
		}
	}
	for id, sub := range r.subscribers {
		if sub.connectionID == p.id {
			h.unsubscribe(r, id, sub, b)
		}
	}

	deleted := h.event("deleted", raptor.ConnectionURI(r.apiKey, r.id, p.id), raptor.DeletedContent{Reason: string(reason)}, "")
	b.all(r, deleted, nil)

	delete(r.peers, p.id)
	p.joined = false
	if len(r.peers) == 0 {
		delete(h.sessions, r.id)
		h.logger.Infow("session emptied", "session_id", r.id)
	}
}

func (h *Hub) removeStream(r *room, streamID string, reason domain.DestroyReason, b *batch) {
	delete(r.streams, streamID)
	for id, sub := range r.subscribers {
		if sub.streamID == streamID {
			delete(r.subscribers, id)
		}
	}
	uri := raptor.StreamURI(r.apiKey, r.id, streamID)
	b.all(r, h.event("deleted", uri, raptor.DeletedContent{Reason: string(reason)}, ""), nil)
	h.logger.Infow("stream destroyed", "session_id", r.id, "stream_id", streamID, "reason", reason)
}

// StartArchive records a started archive and announces it to the session.
func (h *Hub) StartArchive(sessionID, name string) (*raptor.ArchiveInfo, error) {
	var b batch
	h.mu.Lock()
	r, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	archive := &raptor.ArchiveInfo{ID: utils.GenerateID("archive"), Name: name, Status: "started"}
	r.archives[archive.ID] = archive
	b.all(r, h.event("created", raptor.ArchiveURI(r.apiKey, r.id, archive.ID), archive, ""), nil)
	h.mu.Unlock()

	h.flush(&b)
	return archive, nil
}

// StopArchive marks an archive stopped and announces the change.
func (h *Hub) StopArchive(sessionID, archiveID string) (*raptor.ArchiveInfo, error) {
	var b batch
	h.mu.Lock()
	r, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	archive, ok := r.archives[archiveID]
	if !ok {
		h.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "archive not found")
	}
	archive.Status = "stopped"
	out := *archive
	b.all(r, h.event("updated", raptor.ArchiveURI(r.apiKey, r.id, archiveID), map[string]string{"status": "stopped"}, ""), nil)
	h.mu.Unlock()

	h.flush(&b)
	return &out, nil
}

// ConnectionCount returns the number of attached sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// SessionCount returns the number of sessions with at least one member.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (p *peer) can(perm domain.Permission) bool {
	if p.claims == nil {
		return false
	}
	for _, granted := range p.claims.Role.Permissions() {
		if granted == perm {
			return true
		}
	}
	return false
}

func (r *room) sortedPeers() []*peer {
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].info.CreationTime != peers[j].info.CreationTime {
			return peers[i].info.CreationTime < peers[j].info.CreationTime
		}
		return peers[i].id < peers[j].id
	})
	return peers
}

func (r *room) sortedStreamIDs() []string {
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *room) snapshot() raptor.SessionSnapshot {
	snap := raptor.SessionSnapshot{
		ID:         r.id,
		Connection: []raptor.ConnectionInfo{},
		Stream:     []raptor.StreamInfo{},
		Archive:    []raptor.ArchiveInfo{},
	}
	for _, p := range r.sortedPeers() {
		snap.Connection = append(snap.Connection, p.info)
	}
	for _, id := range r.sortedStreamIDs() {
		snap.Stream = append(snap.Stream, *r.streams[id])
	}
	for _, a := range r.archives {
		snap.Archive = append(snap.Archive, *a)
	}
	sort.Slice(snap.Archive, func(i, j int) bool { return snap.Archive[i].ID < snap.Archive[j].ID })
	return snap
}

// applyChannelAttributes merges attributes into the named channel.
func applyChannelAttributes(stream *raptor.StreamInfo, channelID string, attributes map[string]interface{}) error {
	for i, ch := range stream.Channel {
		if ch.ID != channelID {
			continue
		}
		current, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		merged := map[string]interface{}{}
		if err := json.Unmarshal(current, &merged); err != nil {
			return err
		}
		for k, v := range attributes {
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		var updated raptor.ChannelInfo
		if err := json.Unmarshal(encoded, &updated); err != nil {
			return err
		}
		updated.ID = channelID
		stream.Channel[i] = updated
		return nil
	}
	return errors.New("channel not found")
}
