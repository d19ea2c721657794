// Package chat wires the admin chat feature together: the REST client, the
// shared socket handle, the conversation store, read tracking, the composer,
// the roster and the session flow.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/api"
	"github.com/medrx/adminchat/internal/chat/composer"
	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/roster"
	"github.com/medrx/adminchat/internal/chat/seen"
	"github.com/medrx/adminchat/internal/chat/session"
	"github.com/medrx/adminchat/internal/chat/store"
	"github.com/medrx/adminchat/internal/chat/transport"
)

// ErrNotStarted is returned by operations that need the socket before Start.
var ErrNotStarted = errors.New("chat: desk not started")

// Config configures a Desk.
type Config struct {
	SelfID   string
	SelfRole string

	TypingDebounce  time.Duration
	MarkSeenRetries uint64
	// ResyncTimeout bounds the history refetch after a reconnect.
	ResyncTimeout time.Duration

	Logger zerolog.Logger
}

// Desk is one logged-in admin chat session.
type Desk struct {
	cfg Config
	log zerolog.Logger
	api *api.Client
	mgr *transport.Manager

	Store    *store.Store
	Seen     *seen.Tracker
	Composer *composer.Composer
	Roster   *roster.Roster
	Sessions *store.Store
	Session  *session.Controller

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handle  *transport.Handle
	subs    []transport.Subscription
	unhooks []func()
}

// New builds the feature around an API client and a transport manager
// created for the login session.
func New(client *api.Client, mgr *transport.Manager, cfg Config) *Desk {
	if cfg.SelfRole == "" {
		cfg.SelfRole = message.RoleAdmin
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 30 * time.Second
	}
	log := cfg.Logger.With().Str("component", "desk").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Desk{
		cfg:    cfg,
		log:    log,
		api:    client,
		mgr:    mgr,
		ctx:    ctx,
		cancel: cancel,
	}
	d.Store = store.New(store.Options{
		SelfID:   cfg.SelfID,
		SelfRole: cfg.SelfRole,
		Backend:  client,
		Online:   d.online,
		Logger:   cfg.Logger,
	})
	d.Seen = seen.New(client, d.Store, seen.Options{Retries: cfg.MarkSeenRetries, Logger: cfg.Logger})
	d.Store.SetSeenHooks(d.Seen)
	d.Composer = composer.New(d.Store, nil, composer.Options{
		SelfID:   cfg.SelfID,
		SelfRole: cfg.SelfRole,
		Debounce: cfg.TypingDebounce,
		Logger:   cfg.Logger,
	})
	d.Roster = roster.New(client, d.Store, cfg.Logger)
	d.Sessions = store.New(store.Options{
		SelfID:   cfg.SelfID,
		SelfRole: cfg.SelfRole,
		Backend:  session.Backend{API: client},
		Logger:   cfg.Logger.With().Str("flow", "session").Logger(),
	})
	d.Session = session.NewController(client, d.Sessions, cfg.Logger)
	return d
}

// Start connects the socket, subscribes the inbound events and loads the
// roster. A roster failure is returned after the socket is wired, so the
// desk stays usable.
func (d *Desk) Start(ctx context.Context) error {
	h, err := d.mgr.Connect(ctx, transport.Identity{ID: d.cfg.SelfID, Role: d.cfg.SelfRole})
	if err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	d.mu.Lock()
	d.handle = h
	d.subs = append(d.subs,
		h.On(transport.EventOnlineUsers, d.onOnlineUsers),
		h.On(transport.EventDoctorTyping, d.onDoctorTyping),
		h.On(transport.EventReceiveMessage, d.onReceiveMessage),
		h.On(transport.EventMessageUpdated, d.onMessageUpdated),
		h.On(transport.EventMessageDeleted, d.onMessageDeleted),
		h.On(transport.EventDoctorReplyAdmin, d.Session.HandleDoctorReply),
		h.On(transport.EventDoctorFileMessage, d.Session.HandleDoctorFile),
	)
	d.unhooks = append(d.unhooks,
		h.OnReconnect(d.resync),
		h.OnState(func(s transport.State) {
			d.log.Debug().Str("state", s.String()).Msg("socket state")
		}),
	)
	d.mu.Unlock()

	d.Store.SetEmitter(h)
	d.Composer.SetEmitter(h)

	if err := d.Roster.Load(ctx); err != nil {
		return err
	}
	return nil
}

func (d *Desk) online() bool {
	d.mu.Lock()
	h := d.handle
	d.mu.Unlock()
	return h != nil && h.State() == transport.StateConnected
}

// State returns the socket connectivity for the banner.
func (d *Desk) State() transport.State {
	d.mu.Lock()
	h := d.handle
	d.mu.Unlock()
	if h == nil {
		return transport.StateDisconnected
	}
	return h.State()
}

// OnState registers fn for connectivity changes.
func (d *Desk) OnState(fn func(transport.State)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return nil, ErrNotStarted
	}
	off := d.handle.OnState(fn)
	d.unhooks = append(d.unhooks, off)
	return off, nil
}

// Open selects a doctor conversation in the store and the composer.
func (d *Desk) Open(conversationID string) {
	d.Composer.SetConversation(conversationID)
	d.Store.Open(conversationID)
}

// Wait blocks until background sends, loads and mark-seen calls finish.
func (d *Desk) Wait() {
	d.Store.Wait()
	d.Sessions.Wait()
	d.Seen.Wait()
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

func (d *Desk) onOnlineUsers(data json.RawMessage) {
	d.Roster.SetPresence(data)
}

type typingPayload struct {
	IsTyping bool   `mapstructure:"isTyping"`
	Typing   bool   `mapstructure:"typing"`
	DoctorID string `mapstructure:"doctorId"`
	SenderID string `mapstructure:"senderId"`
	UserID   string `mapstructure:"userId"`
}

func (d *Desk) onDoctorTyping(data json.RawMessage) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	var p typingPayload
	if err := mapstructure.WeakDecode(raw, &p); err != nil {
		d.log.Debug().Err(err).Msg("malformed doctorTyping payload")
		return
	}
	id := p.DoctorID
	if id == "" {
		id = p.SenderID
	}
	if id == "" {
		id = p.UserID
	}
	if id != "" {
		d.Roster.SetTyping(id, p.IsTyping || p.Typing)
	}
}

func (d *Desk) onReceiveMessage(data json.RawMessage) {
	m := message.Normalize(data)
	if m.ConversationID == "" && !m.OwnedBy(d.cfg.SelfID, d.cfg.SelfRole) {
		m.ConversationID = m.SenderID
	}
	d.Store.AppendIncoming(m)
	d.Roster.Touch(m)
}

func (d *Desk) onMessageUpdated(data json.RawMessage) {
	d.Store.ApplyRemoteUpdate(message.Normalize(data))
}

type deletePayload struct {
	MessageID    string `mapstructure:"messageId"`
	UnderscoreID string `mapstructure:"_id"`
	ID           string `mapstructure:"id"`
	DoctorID     string `mapstructure:"doctorId"`
}

func (d *Desk) onMessageDeleted(data json.RawMessage) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	var p deletePayload
	switch v := raw.(type) {
	case string:
		p.MessageID = v
	case map[string]any:
		_ = mapstructure.WeakDecode(v, &p)
	}
	id := p.MessageID
	if id == "" {
		id = p.UnderscoreID
	}
	if id == "" {
		id = p.ID
	}
	d.Store.ApplyRemoteDelete(p.DoctorID, id)
}

// resync runs after a reconnect: the open conversation and session are
// reloaded, the roster refreshed and queued sends flushed.
func (d *Desk) resync() {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ResyncTimeout)
	defer cancel()

	if conv := d.Store.Selected(); conv != "" {
		if _, err := d.Store.LoadHistory(ctx, conv); err != nil && !errors.Is(err, store.ErrStale) {
			d.log.Warn().Err(err).Str("conversation", conv).Msg("resync failed")
		}
	}
	if sid := d.Sessions.Selected(); sid != "" {
		if _, err := d.Sessions.LoadHistory(ctx, sid); err != nil && !errors.Is(err, store.ErrStale) {
			d.log.Warn().Err(err).Str("session", sid).Msg("session resync failed")
		}
	}
	if err := d.Roster.Load(ctx); err != nil {
		d.log.Warn().Err(err).Msg("roster refresh failed")
	}
	if n := d.Store.FlushOutbox(); n > 0 {
		d.log.Info().Int("messages", n).Msg("flushed queued sends")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close unsubscribes every handler and stops background work. The shared
// socket stays up for other users of the manager.
func (d *Desk) Close() {
	d.mu.Lock()
	subs, unhooks := d.subs, d.unhooks
	d.subs, d.unhooks = nil, nil
	d.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, off := range unhooks {
		off()
	}
	d.Composer.Close()
	d.cancel()
	d.Seen.Close()
	d.Store.Close()
	d.Sessions.Close()
}

// Logout closes the desk and disconnects the socket.
func (d *Desk) Logout() {
	d.Close()
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.mu.Unlock()
	if h != nil {
		h.Disconnect()
	}
}
