// Package websocket is the reference chat hub: it registers admin and doctor
// sockets by identity, tracks presence and relays named events between them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/platform/presence"
)

const (
	RoleAdmin  = "admin"
	RoleDoctor = "doctor"
)

// Publisher pushes server-originated events to connected identities.
type Publisher interface {
	// SendTo delivers to every socket of identity and reports how many
	// sockets accepted the frame.
	SendTo(identity, event string, payload any) int
	// SendRole delivers to every socket registered with role.
	SendRole(role, event string, payload any) int
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection. Identity and Role are
// empty until the socket sends addAdmin or addUser.
type Client struct {
	ID       string
	Identity string
	Role     string
	Send     chan []byte
	hub      *Hub
	conn     Conn
}

// Hub tracks clients by identity. All operations are safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	all        map[*Client]struct{}
	byIdentity map[string]map[*Client]struct{}

	presence presence.Store
	log      zerolog.Logger
}

// NewHub creates a hub backed by the given presence store. A nil store
// keeps presence in memory.
func NewHub(store presence.Store, logger zerolog.Logger) *Hub {
	if store == nil {
		store = presence.NewMemory()
	}
	return &Hub{
		all:        make(map[*Client]struct{}),
		byIdentity: make(map[string]map[*Client]struct{}),
		presence:   store,
		log:        logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds an anonymous client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. The identity
// goes offline when its last socket leaves.
func (h *Hub) Unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.all, client)
	close(client.Send)

	lastSocket := false
	if client.Identity != "" {
		if set, ok := h.byIdentity[client.Identity]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.byIdentity, client.Identity)
				lastSocket = true
			}
		}
	}
	h.mu.Unlock()

	if lastSocket {
		if err := h.presence.Set(ctx, client.Identity, false); err != nil {
			h.log.Warn().Err(err).Str("identity", client.Identity).Msg("presence update failed")
		}
		h.BroadcastOnline(ctx)
	}
}

// Identify binds a registered client to an identity and announces the new
// online list. Re-identifying moves the socket to the new identity.
func (h *Hub) Identify(ctx context.Context, client *Client, identity, role string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}

	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	var wentOffline string
	if prev := client.Identity; prev != "" && prev != identity {
		set := h.byIdentity[prev]
		delete(set, client)
		if len(set) == 0 {
			delete(h.byIdentity, prev)
			wentOffline = prev
		}
	}
	client.Identity = identity
	client.Role = role
	if h.byIdentity[identity] == nil {
		h.byIdentity[identity] = make(map[*Client]struct{})
	}
	h.byIdentity[identity][client] = struct{}{}
	h.mu.Unlock()

	if wentOffline != "" {
		_ = h.presence.Set(ctx, wentOffline, false)
	}
	if err := h.presence.Set(ctx, identity, true); err != nil {
		h.log.Warn().Err(err).Str("identity", identity).Msg("presence update failed")
	}
	h.log.Debug().Str("identity", identity).Str("role", role).Msg("socket registered")
	h.BroadcastOnline(ctx)
}

// Online returns the identities currently marked online.
func (h *Hub) Online(ctx context.Context) []string {
	ids, err := h.presence.Online(ctx)
	if err == nil {
		return ids
	}
	h.log.Warn().Err(err).Msg("presence lookup failed, using local sockets")

	h.mu.RLock()
	defer h.mu.RUnlock()
	ids = make([]string, 0, len(h.byIdentity))
	for id := range h.byIdentity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BroadcastOnline sends the full online list to every registered socket.
func (h *Hub) BroadcastOnline(ctx context.Context) {
	frame, ok := h.encode(EventOnlineUsers, h.Online(ctx))
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.all {
		if client.Identity != "" {
			deliver(client, frame)
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

type typingFrame struct {
	IsTyping bool   `mapstructure:"isTyping"`
	DoctorID string `mapstructure:"doctorId"`
	AdminID  string `mapstructure:"adminId"`
}

type relayFrame struct {
	DoctorID string `mapstructure:"doctorId"`
}

// ProcessFrame handles one inbound frame from client.
func (h *Hub) ProcessFrame(ctx context.Context, client *Client, f Frame) {
	switch f.Event {
	case EventAddAdmin:
		h.Identify(ctx, client, decodeIdentity(f.Data), RoleAdmin)
	case EventAddUser:
		h.Identify(ctx, client, decodeIdentity(f.Data), RoleDoctor)
	case EventAdminTyping:
		h.relayAdminTyping(client, f.Data)
	case EventDoctorTyping:
		h.relayDoctorTyping(client, f.Data)
	case EventMessageUpdated, EventMessageDeleted:
		h.relayChange(client, f)
	default:
		h.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
}

// decodeIdentity accepts a bare JSON string or an object carrying an id.
func decodeIdentity(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	var p struct {
		UserID  string `mapstructure:"userId"`
		AdminID string `mapstructure:"adminId"`
		ID      string `mapstructure:"id"`
	}
	if err := mapstructure.WeakDecode(obj, &p); err != nil {
		return ""
	}
	for _, v := range []string{p.UserID, p.AdminID, p.ID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeObject(data json.RawMessage, out any) bool {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	return mapstructure.WeakDecode(obj, out) == nil
}

func (h *Hub) relayAdminTyping(client *Client, data json.RawMessage) {
	if client.Role != RoleAdmin {
		return
	}
	var p typingFrame
	if !decodeObject(data, &p) || p.DoctorID == "" {
		return
	}
	h.SendTo(p.DoctorID, EventAdminTyping, map[string]any{
		"isTyping": p.IsTyping,
		"adminId":  client.Identity,
	})
}

func (h *Hub) relayDoctorTyping(client *Client, data json.RawMessage) {
	if client.Role != RoleDoctor {
		return
	}
	var p typingFrame
	if !decodeObject(data, &p) {
		return
	}
	payload := map[string]any{
		"isTyping": p.IsTyping,
		"doctorId": client.Identity,
	}
	if p.AdminID != "" {
		h.SendTo(p.AdminID, EventDoctorTyping, payload)
		return
	}
	h.SendRole(RoleAdmin, EventDoctorTyping, payload)
}

// relayChange forwards an admin's edit or delete hint to the doctor of the
// conversation and to the other admin sockets.
func (h *Hub) relayChange(client *Client, f Frame) {
	if client.Role != RoleAdmin {
		return
	}
	var p relayFrame
	if !decodeObject(f.Data, &p) || p.DoctorID == "" {
		return
	}
	frame, ok := h.encode(f.Event, f.Data)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byIdentity[p.DoctorID] {
		deliver(c, frame)
	}
	for c := range h.all {
		if c != client && c.Role == RoleAdmin {
			deliver(c, frame)
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	f, err := NewFrame(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return nil, false
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to marshal frame")
		return nil, false
	}
	return data, true
}

// deliver never blocks; a full client buffer drops the frame.
func deliver(c *Client, frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// SendTo implements Publisher.
func (h *Hub) SendTo(identity, event string, payload any) int {
	frame, ok := h.encode(event, payload)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.byIdentity[identity] {
		if deliver(c, frame) {
			n++
		}
	}
	return n
}

// SendRole implements Publisher.
func (h *Hub) SendRole(role, event string, payload any) int {
	frame, ok := h.encode(event, payload)
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.all {
		if c.Role == role && deliver(c, frame) {
			n++
		}
	}
	return n
}

// ClientCount returns the total number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// IdentityCount returns the number of sockets registered for identity.
func (h *Hub) IdentityCount(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byIdentity[identity])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades HTTP requests to chat sockets.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a handler bound to hub. An empty origins list accepts
// any origin.
func NewHandler(hub *Hub, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
		log: logger,
	}
}

// RegisterRoutes registers the socket endpoint on the provided Echo group.
func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/socket", wh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// the read and write pumps.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, 256),
		hub:  wh.hub,
		conn: &gorillaConnAdapter{ws},
	}
	wh.hub.Register(client)

	go wh.writePump(client)
	go wh.readPump(client)
	return nil
}

func (wh *Handler) readPump(client *Client) {
	ctx := context.Background()
	defer func() {
		wh.hub.Unregister(ctx, client)
		client.conn.Close()
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		wh.hub.ProcessFrame(ctx, client, f)
	}
}

func (wh *Handler) writePump(client *Client) {
	defer client.conn.Close()
	for data := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			wh.log.Debug().Err(err).Str("client", client.ID).Msg("socket write failed")
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
