// Package transport owns the admin console's socket connection: one
// persistent named-event connection per identity with typed subscriptions,
// fire-and-forget emits, reconnect with backoff and a bounded replay buffer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	wire "github.com/medrx/adminchat/internal/platform/websocket"
)

var (
	ErrClosed     = errors.New("transport: handle closed")
	ErrNoIdentity = errors.New("transport: identity id is required")
	ErrDropped    = errors.New("transport: volatile event dropped")
)

// Socket event names, re-exported from the hub's wire package.
const (
	EventAddAdmin          = wire.EventAddAdmin
	EventAddUser           = wire.EventAddUser
	EventAdminTyping       = wire.EventAdminTyping
	EventDoctorTyping      = wire.EventDoctorTyping
	EventOnlineUsers       = wire.EventOnlineUsers
	EventReceiveMessage    = wire.EventReceiveMessage
	EventMessageUpdated    = wire.EventMessageUpdated
	EventMessageDeleted    = wire.EventMessageDeleted
	EventDoctorReplyAdmin  = wire.EventDoctorReplyAdmin
	EventDoctorFileMessage = wire.EventDoctorFileMessage
)

// volatile events are dropped rather than buffered while disconnected.
var volatile = map[string]bool{
	EventAdminTyping:  true,
	EventDoctorTyping: true,
}

// IsVolatile reports whether event is dropped instead of buffered.
func IsVolatile(event string) bool { return volatile[event] }

// State is the connectivity of a handle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Identity is the local user a connection is registered for.
type Identity struct {
	ID   string
	Role string
}

func (i Identity) key() string { return i.Role + "/" + i.ID }

// registerEvent is addAdmin for the admin role and addUser otherwise.
func (i Identity) registerEvent() string {
	if i.Role == "admin" {
		return EventAddAdmin
	}
	return EventAddUser
}

// Frame is the wire envelope of every socket message.
type Frame = wire.Frame

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload any) (Frame, error) { return wire.NewFrame(event, payload) }

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// ---------------------------------------------------------------------------
// Dialing
// ---------------------------------------------------------------------------

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens socket connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *gorillawebsocket.Dialer
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = gorillawebsocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Options configure a Manager.
type Options struct {
	URL    string
	Token  string
	Dialer Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// BufferSize bounds the events kept for replay while disconnected.
	BufferSize int
	// RatePerSecond and Burst limit outbound events.
	RatePerSecond float64
	Burst         int

	Logger zerolog.Logger
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = GorillaDialer{}
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
}

// Manager hands out one shared Handle per identity. It is created once per
// login session and injected into the chat feature.
type Manager struct {
	opts Options

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts, handles: make(map[string]*Handle)}
}

// Connect returns the handle for id, dialing on first use. Repeated calls for
// the same identity reuse the connection and re-emit presence registration.
// A failed first dial leaves the handle disconnected with reconnect running.
func (m *Manager) Connect(ctx context.Context, id Identity) (*Handle, error) {
	if id.ID == "" {
		return nil, ErrNoIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	h, ok := m.handles[id.key()]
	if !ok {
		h = newHandle(m, id)
		m.handles[id.key()] = h
	}
	m.mu.Unlock()

	if ok {
		h.register()
		return h, nil
	}
	h.start(ctx)
	return h, nil
}

// Close disconnects every handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Disconnect()
	}
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.handles[h.ident.key()]; ok && cur == h {
		delete(m.handles, h.ident.key())
	}
}

func (m *Manager) header() http.Header {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	return header
}
