package rumor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("rumor: socket is not connected")
	ErrAlreadyConnected = errors.New("rumor: socket already connected or connecting")
	ErrConnectTimeout   = errors.New("rumor: timed out while waiting for the socket to open")
	ErrClosed           = errors.New("rumor: socket was closed and cannot be reused")
)

// State is the lifecycle state of a Socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer receives per-frame notifications, typically for metrics.
type Observer interface {
	FrameSent(frameType string)
	FrameReceived(frameType string)
}

// Options tunes a Socket. Zero durations take the defaults.
type Options struct {
	ConnectTimeout      time.Duration
	PingInterval        time.Duration
	ConnectivityTimeout time.Duration
	DrainInterval       time.Duration
	DrainRetries        int
	// NotifyDisconnectAddress is announced on CONNECT so the server can
	// tell others when this client drops.
	NotifyDisconnectAddress string

	Dialer   Dialer
	Logger   *zap.SugaredLogger
	Observer Observer
}

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultPingInterval   = 9 * time.Second
	DefaultDrainInterval  = 100 * time.Millisecond
	DefaultDrainRetries   = 10
)

// DefaultConnectivityTimeout is five ping intervals less 100ms, so the
// fifth unanswered ping tick detects the loss.
const DefaultConnectivityTimeout = 5*DefaultPingInterval - 100*time.Millisecond

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ConnectivityTimeout <= 0 {
		o.ConnectivityTimeout = 5*o.PingInterval - 100*time.Millisecond
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	if o.DrainRetries <= 0 {
		o.DrainRetries = DefaultDrainRetries
	}
	if o.Dialer == nil {
		o.Dialer = NewGorillaDialer()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Socket is one Rumor connection over a WebSocket.
type Socket struct {
	url    string
	opts   Options
	logger *zap.SugaredLogger

	state atomic.Int32

	cbMu      sync.RWMutex
	onMessage func(*Frame)
	onClose   func(CloseEvent)
	onError   func(error)

	conn        WebSocket
	id          atomic.Value // string
	lastMessage atomic.Int64

	outMu    sync.Mutex
	outbound [][]byte
	buffered int
	wake     chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocket creates a disconnected socket for url.
func NewSocket(url string, opts Options) *Socket {
	opts.applyDefaults()
	s := &Socket{
		url:    url,
		opts:   opts,
		logger: opts.Logger.With("component", "rumor_socket"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	return s
}

// OnMessage sets the handler for every inbound frame except PONG. It runs
// on the reader goroutine, one frame at a time, in network order.
func (s *Socket) OnMessage(fn func(*Frame)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// OnClose sets the handler run exactly once when the socket closes.
func (s *Socket) OnClose(fn func(CloseEvent)) {
	s.cbMu.Lock()
	s.onClose = fn
	s.cbMu.Unlock()
}

// OnError sets the handler for transport faults.
func (s *Socket) OnError(fn func(error)) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// ID returns the id announced on CONNECT.
func (s *Socket) ID() string {
	id, _ := s.id.Load().(string)
	return id
}

// BufferedAmount is the number of bytes queued but not yet written.
func (s *Socket) BufferedAmount() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.buffered
}

// Connect opens the WebSocket and announces id with a CONNECT frame. It
// returns once the socket is open; the CONNECT frame is not acknowledged.
func (s *Socket) Connect(ctx context.Context, id string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	s.id.Store(id)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.logger.Debugw("Opening rumor socket", "url", s.url, "id", id)
	conn, err := s.opts.Dialer.Dial(dialCtx, s.url)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, s.opts.ConnectTimeout)
		}
		s.state.Store(int32(StateError))
		s.logger.Warnw("Rumor socket failed to open", "url", s.url, "error", err)
		s.emitError(err)
		return err
	}

	s.conn = conn
	s.touch()

	connect := NewConnect(id, s.opts.NotifyDisconnectAddress)
	if err := s.enqueue(connect); err != nil {
		conn.Close()
		s.state.Store(int32(StateError))
		return err
	}
	s.state.Store(int32(StateConnected))

	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.keepAlive()

	s.logger.Infow("Rumor socket connected", "url", s.url, "id", id)
	return nil
}

// Subscribe asks the server to deliver frames addressed to topics.
func (s *Socket) Subscribe(topics []string) error {
	return s.send(NewSubscribe(topics))
}

// Unsubscribe reverses Subscribe.
func (s *Socket) Unsubscribe(topics []string) error {
	return s.send(NewUnsubscribe(topics))
}

// Publish sends payload to addresses as a MESSAGE frame.
func (s *Socket) Publish(addresses []string, payload []byte, headers map[string]string) error {
	return s.send(NewMessage(addresses, headers, payload))
}

// Send queues an arbitrary frame.
func (s *Socket) Send(f *Frame) error {
	return s.send(f)
}

func (s *Socket) send(f *Frame) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.enqueue(f)
}

// Disconnect sends a DISCONNECT frame, waits for the send buffer to drain
// and then closes. If the buffer does not drain within the retry budget the
// socket closes anyway.
func (s *Socket) Disconnect() {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		return
	}

	if err := s.enqueue(NewDisconnect()); err != nil {
		s.logger.Debugw("Could not queue DISCONNECT frame", "error", err)
	}

	for i := 0; i < s.opts.DrainRetries && s.BufferedAmount() > 0; i++ {
		select {
		case <-time.After(s.opts.DrainInterval):
		case <-s.done:
			return
		}
	}
	if pending := s.BufferedAmount(); pending > 0 {
		s.logger.Warnw("Closing rumor socket with unsent data", "buffered_bytes", pending)
	}

	s.close(CloseNormal, "")
}

// Wait blocks until every socket goroutine has exited.
func (s *Socket) Wait() {
	s.wg.Wait()
}

func (s *Socket) enqueue(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	s.outMu.Lock()
	select {
	case <-s.done:
		s.outMu.Unlock()
		return ErrNotConnected
	default:
	}
	s.outbound = append(s.outbound, data)
	s.buffered += len(data)
	s.outMu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer.FrameSent(f.Type.String())
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()

	for {
		s.outMu.Lock()
		if len(s.outbound) == 0 {
			s.outMu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		data := s.outbound[0]
		s.outbound[0] = nil
		s.outbound = s.outbound[1:]
		s.outMu.Unlock()

		err := s.conn.WriteMessage(websocket.BinaryMessage, data)

		s.outMu.Lock()
		select {
		case <-s.done:
			s.outMu.Unlock()
			return
		default:
		}
		s.buffered -= len(data)
		s.outMu.Unlock()

		if err != nil {
			s.logger.Warnw("Rumor socket write failed", "error", err)
			s.emitError(err)
			s.close(CloseAbnormal, CloseReason(CloseAbnormal))
			return
		}
	}
}

func (s *Socket) readLoop() {
	defer s.wg.Done()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			code := CloseAbnormal
			reason := CloseReason(CloseAbnormal)
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
				if reason == "" {
					reason = CloseReason(code)
				}
			}
			s.close(code, reason)
			return
		}

		s.touch()

		if msgType != websocket.BinaryMessage {
			s.logger.Debugw("Ignoring non-binary websocket message", "type", msgType)
			continue
		}

		frame, err := Decode(data)
		if err != nil {
			s.logger.Warnw("Dropping malformed rumor frame", "error", err, "size", len(data))
			s.emitError(err)
			continue
		}

		if s.opts.Observer != nil {
			s.opts.Observer.FrameReceived(frame.Type.String())
		}

		if frame.Type == TypePong {
			continue
		}

		s.cbMu.RLock()
		onMessage := s.onMessage
		s.cbMu.RUnlock()
		if onMessage != nil {
			onMessage(frame)
		}
	}
}

func (s *Socket) keepAlive() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.sinceLastMessage() >= s.opts.ConnectivityTimeout {
				s.logger.Warnw("No traffic on rumor socket, closing",
					"silence", s.sinceLastMessage(), "timeout", s.opts.ConnectivityTimeout)
				s.close(CloseConnectivityLoss, CloseReason(CloseConnectivityLoss))
				return
			}
			if s.State() != StateConnected {
				continue
			}
			if err := s.enqueue(NewPing()); err != nil {
				return
			}
		}
	}
}

func (s *Socket) touch() {
	s.lastMessage.Store(time.Now().UnixNano())
}

func (s *Socket) sinceLastMessage() time.Duration {
	return time.Since(time.Unix(0, s.lastMessage.Load()))
}

// close tears the socket down and reports the close exactly once.
func (s *Socket) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.outMu.Lock()
		close(s.done)
		s.outbound = nil
		s.buffered = 0
		s.outMu.Unlock()

		if s.conn != nil {
			deadline := time.Now().Add(time.Second)
			closeCode := code
			if closeCode == CloseAbnormal {
				closeCode = CloseNormal
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, ""), deadline)
			_ = s.conn.Close()
		}
		s.state.Store(int32(StateDisconnected))

		event := CloseEvent{Code: code, Reason: reason}
		if !event.Normal() {
			s.logger.Warnw("Rumor socket closed abnormally", "code", code, "reason", reason)
			s.emitError(event.Err())
		} else {
			s.logger.Infow("Rumor socket closed", "code", code)
		}

		s.cbMu.RLock()
		onClose := s.onClose
		s.cbMu.RUnlock()
		if onClose != nil {
			onClose(event)
		}
	})
}

func (s *Socket) emitError(err error) {
	s.cbMu.RLock()
	onError := s.onError
	s.cbMu.RUnlock()
	if onError != nil {
		onError(err)
	}
}
