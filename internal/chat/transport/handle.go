package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cenkalti/backoff/v4"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Subscription identifies one registered handler.
type Subscription struct {
	h     *Handle
	event string
	id    uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.h != nil {
		s.h.Off(s)
	}
}

type subscriber struct {
	id uint64
	fn Handler
}

// Handle is the shared connection of one identity. Handlers run sequentially
// on the connection's read goroutine.
type Handle struct {
	mgr     *Manager
	ident   Identity
	log     zerolog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes socket writes and buffer replay.
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        Conn
	state       State
	closed      bool
	nextID      uint64
	subs        map[string][]subscriber
	stateHooks  map[uint64]func(State)
	resyncHooks map[uint64]func()
	buffer      []Frame
}

func newHandle(m *Manager, id Identity) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		mgr:         m,
		ident:       id,
		log:         m.opts.Logger.With().Str("component", "transport").Str("identity", id.ID).Logger(),
		limiter:     rate.NewLimiter(rate.Limit(m.opts.RatePerSecond), m.opts.Burst),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string][]subscriber),
		stateHooks:  make(map[uint64]func(State)),
		resyncHooks: make(map[uint64]func()),
	}
}

// Identity returns the identity the handle is registered for.
func (h *Handle) Identity() Identity { return h.ident }

// State returns the current connectivity.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// On registers fn for event.
func (h *Handle) On(event string, fn Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[event] = append(h.subs[event], subscriber{id: h.nextID, fn: fn})
	return Subscription{h: h, event: event, id: h.nextID}
}

// Off removes the handler registered by sub.
func (h *Handle) Off(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			h.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.event]) == 0 {
		delete(h.subs, sub.event)
	}
}

// OnState registers fn for connectivity changes and calls it once with the
// current state. The returned func removes it.
func (h *Handle) OnState(fn func(State)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.stateHooks[id] = fn
	cur := h.state
	h.mu.Unlock()

	fn(cur)
	return func() {
		h.mu.Lock()
		delete(h.stateHooks, id)
		h.mu.Unlock()
	}
}

// OnReconnect registers fn to run after every successful reconnect, once
// presence is re-registered and buffered events are replayed.
func (h *Handle) OnReconnect(fn func()) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.resyncHooks[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.resyncHooks, id)
		h.mu.Unlock()
	}
}

func (h *Handle) dispatch(f Frame) {
	h.mu.Lock()
	list := append([]subscriber(nil), h.subs[f.Event]...)
	h.mu.Unlock()

	if len(list) == 0 {
		h.log.Debug().Str("event", f.Event).Msg("no handler for event")
		return
	}
	for _, s := range list {
		s.fn(f.Data)
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.state == s || (h.closed && s != StateDisconnected) {
		h.mu.Unlock()
		return
	}
	h.state = s
	hooks := make([]func(State), 0, len(h.stateHooks))
	for _, fn := range h.stateHooks {
		hooks = append(hooks, fn)
	}
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// Emitting
// ---------------------------------------------------------------------------

// Emit sends event without waiting for an acknowledgement. While disconnected,
// volatile events are dropped with ErrDropped and other events are buffered
// for replay. Volatile events over the rate limit are dropped as well.
func (h *Handle) Emit(event string, payload any) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	vol := IsVolatile(event)
	if vol {
		if !h.limiter.Allow() {
			return ErrDropped
		}
	} else if err := h.limiter.Wait(h.ctx); err != nil {
		return ErrClosed
	}
	return h.send(f, vol)
}

func (h *Handle) send(f Frame, vol bool) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	conn := h.conn
	if conn == nil {
		defer h.mu.Unlock()
		if vol {
			return ErrDropped
		}
		h.enqueueLocked(f)
		return nil
	}
	h.mu.Unlock()

	if err := h.writeLocked(conn, f); err != nil {
		h.log.Warn().Err(err).Str("event", f.Event).Msg("socket write failed")
		_ = conn.Close()
		if vol {
			return ErrDropped
		}
		h.mu.Lock()
		h.enqueueLocked(f)
		h.mu.Unlock()
	}
	return nil
}

// writeLocked writes one frame; the caller holds writeMu.
func (h *Handle) writeLocked(conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(gorillawebsocket.TextMessage, data)
}

func (h *Handle) enqueueLocked(f Frame) {
	if len(h.buffer) >= h.mgr.opts.BufferSize {
		h.log.Warn().Str("dropped", h.buffer[0].Event).Msg("outbound buffer full, dropping oldest event")
		h.buffer = h.buffer[1:]
	}
	h.buffer = append(h.buffer, f)
}

// register re-emits presence registration on the live connection.
func (h *Handle) register() {
	f, err := NewFrame(h.ident.registerEvent(), h.ident.ID)
	if err != nil {
		return
	}
	_ = h.send(f, true)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (h *Handle) start(ctx context.Context) {
	h.setState(StateConnecting)
	conn, err := h.mgr.opts.Dialer.Dial(ctx, h.mgr.opts.URL, h.mgr.header())
	if err != nil {
		h.log.Warn().Err(err).Msg("socket dial failed, reconnecting in background")
		h.setState(StateDisconnected)
		go h.reconnect()
		return
	}
	h.attach(conn, false)
}

// attach installs conn, registers presence and replays buffered events
// before any new emit can reach the socket.
func (h *Handle) attach(conn Conn, resync bool) {
	h.writeMu.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	h.conn = conn
	pending := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	reg, _ := NewFrame(h.ident.registerEvent(), h.ident.ID)
	sent := 0
	err := h.writeLocked(conn, reg)
	for err == nil && sent < len(pending) {
		if err = h.writeLocked(conn, pending[sent]); err == nil {
			sent++
		}
	}
	if err != nil && sent < len(pending) {
		h.mu.Lock()
		h.buffer = append(append([]Frame(nil), pending[sent:]...), h.buffer...)
		h.mu.Unlock()
	}
	h.writeMu.Unlock()

	if err != nil {
		h.log.Warn().Err(err).Msg("socket write failed during registration")
		_ = conn.Close()
	} else {
		h.setState(StateConnected)
		h.log.Info().Int("replayed", sent).Msg("socket connected")
	}
	go h.readLoop(conn)

	if resync && err == nil {
		h.mu.Lock()
		hooks := make([]func(), 0, len(h.resyncHooks))
		for _, fn := range h.resyncHooks {
			hooks = append(hooks, fn)
		}
		h.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (h *Handle) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.lost(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			h.log.Debug().Msg("ignoring malformed frame")
			continue
		}
		h.dispatch(f)
	}
}

func (h *Handle) lost(conn Conn, err error) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	closed := h.closed
	h.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}
	h.log.Warn().Err(err).Msg("socket connection lost")
	h.setState(StateDisconnected)
	h.reconnect()
}

func (h *Handle) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.mgr.opts.ReconnectMin
	b.MaxInterval = h.mgr.opts.ReconnectMax
	b.MaxElapsedTime = 0

	h.setState(StateConnecting)
	var conn Conn
	op := func() error {
		c, err := h.mgr.opts.Dialer.Dial(h.ctx, h.mgr.opts.URL, h.mgr.header())
		if err != nil {
			h.log.Debug().Err(err).Msg("reconnect attempt failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, h.ctx)); err != nil {
		return
	}
	h.attach(conn, true)
}

// Disconnect releases the connection and stops reconnecting. Subscriptions
// and hooks are dropped; the manager hands out a fresh handle afterwards.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conn := h.conn
	h.conn = nil
	h.buffer = nil
	h.subs = make(map[string][]subscriber)
	h.resyncHooks = make(map[uint64]func())
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	h.setState(StateDisconnected)

	h.mu.Lock()
	h.stateHooks = make(map[uint64]func(State))
	h.mu.Unlock()
	h.mgr.release(h)
	h.log.Info().Msg("socket disconnected")
}
