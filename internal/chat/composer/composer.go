// Package composer manages the draft of the open conversation: debounced
// typing notifications, optimistic send, and in-place edit, delete and retry
// of the admin's own messages.
package composer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/transport"
)

var (
	ErrEmptyDraft     = errors.New("composer: draft is empty")
	ErrNoConversation = errors.New("composer: no conversation selected")
	ErrNotOwner       = errors.New("composer: only own messages can be changed")
	ErrNotEditable    = errors.New("composer: message is still sending or failed")
)

// Store is the part of the conversation store the composer drives.
type Store interface {
	SendOptimistic(conversationID, body string) string
	ApplyEdit(ctx context.Context, id, newBody string) error
	ApplyDelete(ctx context.Context, id string) error
	Retry(tempID string) error
}

// Emitter sends socket events.
type Emitter interface {
	Emit(event string, payload any) error
}

// Options configure a Composer.
type Options struct {
	SelfID   string
	SelfRole string
	// Debounce delays typing notifications; zero emits on every keystroke.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Composer is safe for concurrent use.
type Composer struct {
	store Store
	emit  Emitter
	opts  Options
	log   zerolog.Logger

	mu      sync.Mutex
	conv    string
	draft   string
	editing string
	timer   *time.Timer
	want    bool
	// sent is the last typing state emitted per conversation.
	sent map[string]bool
}

// New creates a Composer.
func New(store Store, emit Emitter, opts Options) *Composer {
	if opts.SelfRole == "" {
		opts.SelfRole = message.RoleAdmin
	}
	return &Composer{
		store: store,
		emit:  emit,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "composer").Logger(),
		sent:  make(map[string]bool),
	}
}

// SetEmitter replaces the socket emitter.
func (c *Composer) SetEmitter(e Emitter) {
	c.mu.Lock()
	c.emit = e
	c.mu.Unlock()
}

// SetConversation switches the composer to another conversation. The draft
// is cleared and a pending typing state for the previous one is withdrawn.
func (c *Composer) SetConversation(id string) {
	c.mu.Lock()
	if id == c.conv {
		c.mu.Unlock()
		return
	}
	prev := c.conv
	wasTyping := c.sent[prev]
	c.stopTimerLocked()
	c.conv = id
	c.draft = ""
	c.editing = ""
	c.want = false
	c.mu.Unlock()

	if prev != "" && wasTyping {
		c.emitTyping(prev, false)
	}
}

// Conversation returns the conversation the composer writes to.
func (c *Composer) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Draft returns the current draft.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Editing returns the id of the message being edited, or "".
func (c *Composer) Editing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// SetDraft records a keystroke. The typing state (non-empty draft) is
// announced after the debounce settles, and only when it changed.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	if c.conv == "" || c.editing != "" {
		c.mu.Unlock()
		return
	}
	c.want = len(text) > 0
	if c.opts.Debounce <= 0 {
		conv, want := c.conv, c.want
		changed := c.sent[conv] != want
		c.mu.Unlock()
		if changed {
			c.emitTyping(conv, want)
		}
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.opts.Debounce, c.flush)
	} else {
		c.timer.Reset(c.opts.Debounce)
	}
	c.mu.Unlock()
}

func (c *Composer) flush() {
	c.mu.Lock()
	conv, want := c.conv, c.want
	changed := conv != "" && c.sent[conv] != want
	c.mu.Unlock()
	if changed {
		c.emitTyping(conv, want)
	}
}

func (c *Composer) emitTyping(conv string, typing bool) {
	c.mu.Lock()
	c.sent[conv] = typing
	emit := c.emit
	c.mu.Unlock()

	if emit == nil {
		return
	}
	err := emit.Emit(transport.EventAdminTyping, map[string]any{
		"isTyping": typing,
		"doctorId": conv,
	})
	if err != nil {
		c.log.Debug().Err(err).Bool("typing", typing).Msg("typing event not sent")
	}
}

func (c *Composer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// CanSend reports whether the draft holds anything besides whitespace.
func (c *Composer) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv != "" && strings.TrimSpace(c.draft) != ""
}

// Send submits the draft optimistically and returns its temp id.
func (c *Composer) Send() (string, error) {
	c.mu.Lock()
	if c.conv == "" {
		c.mu.Unlock()
		return "", ErrNoConversation
	}
	body := strings.TrimSpace(c.draft)
	if body == "" {
		c.mu.Unlock()
		return "", ErrEmptyDraft
	}
	conv := c.conv
	wasTyping := c.sent[conv]
	c.draft = ""
	c.want = false
	c.stopTimerLocked()
	c.mu.Unlock()

	tempID := c.store.SendOptimistic(conv, body)
	if wasTyping {
		c.emitTyping(conv, false)
	}
	return tempID, nil
}

// CanEdit reports whether m is an own message that finished sending.
func (c *Composer) CanEdit(m message.Message) bool {
	return m.OwnedBy(c.opts.SelfID, c.opts.SelfRole) && m.Ident.IsConfirmed() && !m.InFlight()
}

// CanDelete reports whether m is an own message, in any state.
func (c *Composer) CanDelete(m message.Message) bool {
	return m.OwnedBy(c.opts.SelfID, c.opts.SelfRole)
}

// StartEdit loads m's body into the draft and switches to edit mode.
func (c *Composer) StartEdit(m message.Message) error {
	if !m.OwnedBy(c.opts.SelfID, c.opts.SelfRole) {
		return ErrNotOwner
	}
	if !c.CanEdit(m) {
		return ErrNotEditable
	}
	c.mu.Lock()
	wasTyping := c.sent[c.conv]
	conv := c.conv
	c.stopTimerLocked()
	c.editing = m.ID()
	c.draft = m.Body
	c.want = false
	c.mu.Unlock()

	if wasTyping {
		c.emitTyping(conv, false)
	}
	return nil
}

// CancelEdit leaves edit mode and clears the draft.
func (c *Composer) CancelEdit() {
	c.mu.Lock()
	c.editing = ""
	c.draft = ""
	c.mu.Unlock()
}

// Submit sends the draft, or commits the edit when in edit mode.
func (c *Composer) Submit(ctx context.Context) error {
	c.mu.Lock()
	id, body := c.editing, strings.TrimSpace(c.draft)
	c.mu.Unlock()

	if id == "" {
		_, err := c.Send()
		return err
	}
	if body == "" {
		return ErrEmptyDraft
	}
	if err := c.store.ApplyEdit(ctx, id, body); err != nil {
		return err
	}
	c.CancelEdit()
	return nil
}

// Edit changes the body of an own message.
func (c *Composer) Edit(ctx context.Context, m message.Message, body string) error {
	if !m.OwnedBy(c.opts.SelfID, c.opts.SelfRole) {
		return ErrNotOwner
	}
	if !c.CanEdit(m) {
		return ErrNotEditable
	}
	return c.store.ApplyEdit(ctx, m.ID(), body)
}

// Delete removes an own message. Pending messages are removed locally.
func (c *Composer) Delete(ctx context.Context, m message.Message) error {
	if !c.CanDelete(m) {
		return ErrNotOwner
	}
	id := m.ID()
	if id == "" {
		id = m.TempID()
	}
	return c.store.ApplyDelete(ctx, id)
}

// Retry re-sends a failed message.
func (c *Composer) Retry(tempID string) error {
	return c.store.Retry(tempID)
}

// Close stops the debounce timer and withdraws a live typing state.
func (c *Composer) Close() {
	c.mu.Lock()
	c.stopTimerLocked()
	conv := c.conv
	typing := c.sent[conv]
	c.mu.Unlock()
	if conv != "" && typing {
		c.emitTyping(conv, false)
	}
}
