// Package store holds the per-conversation message lists of the admin chat:
// ordering, de-duplication, unread counters, optimistic send/edit/delete
// bookkeeping and stale history-response protection.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/transport"
)

var (
	ErrStale        = errors.New("store: stale history response")
	ErrNotFound     = errors.New("store: message not found")
	ErrNotOwner     = errors.New("store: message belongs to another sender")
	ErrNotEditable  = errors.New("store: message cannot be edited while sending or failed")
	ErrNotRetryable = errors.New("store: message is not in a failed state")
	ErrEmptyBody    = errors.New("store: message body is empty")
)

// Backend is the REST surface the store depends on.
type Backend interface {
	History(ctx context.Context, conversationID string) ([]message.Message, error)
	Send(ctx context.Context, conversationID, body, tempID string) (message.Message, error)
	Update(ctx context.Context, id, body string) (message.Message, error)
	Delete(ctx context.Context, id string) error
}

// Emitter sends client-to-client broadcast hints over the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

// SeenHooks receives read-state transitions.
type SeenHooks interface {
	// Unseen records that a counterpart message arrived.
	Unseen(conversationID string)
	// Trigger asks for the conversation to be marked seen.
	Trigger(conversationID string)
}

// ChangeKind tells observers what changed.
type ChangeKind int

const (
	ChangeMessages ChangeKind = iota
	ChangeUnread
	ChangeSelected
	ChangeLoadError
)

// Change is delivered to observers after every state mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Options configure a Store.
type Options struct {
	SelfID   string
	SelfRole string
	Backend  Backend
	Emitter  Emitter
	Seen     SeenHooks
	// Online reports socket connectivity. Sends made while offline wait in the
	// outbox until FlushOutbox.
	Online func() bool
	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

type entry struct {
	msg message.Message
	seq uint64
}

type conversation struct {
	entries []entry
	unread  int
	loadErr error
	// gen counts history loads; only the newest may apply its response.
	gen uint64
	// deleted records ids removed locally or remotely, by sequence number,
	// so a history response fetched earlier does not resurrect them.
	deleted map[string]uint64
}

type outboxItem struct {
	conv   string
	tempID string
}

// Store is safe for concurrent use. Observers run outside the lock.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	convs      map[string]*conversation
	selected   string
	seq        uint64
	cancelLoad context.CancelFunc
	outbox     []outboxItem
	observers  map[uint64]func(Change)
	nextObs    uint64

	wg sync.WaitGroup
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.SelfRole == "" {
		opts.SelfRole = message.RoleAdmin
	}
	return &Store{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "store").Logger(),
		convs:     make(map[string]*conversation),
		observers: make(map[uint64]func(Change)),
	}
}

// SetSeenHooks installs the read tracker after construction.
func (s *Store) SetSeenHooks(h SeenHooks) {
	s.mu.Lock()
	s.opts.Seen = h
	s.mu.Unlock()
}

// SetEmitter installs the socket emitter after construction.
func (s *Store) SetEmitter(e Emitter) {
	s.mu.Lock()
	s.opts.Emitter = e
	s.mu.Unlock()
}

// SetOnline installs the connectivity check used by the outbox.
func (s *Store) SetOnline(fn func() bool) {
	s.mu.Lock()
	s.opts.Online = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Observers and snapshots
// ---------------------------------------------------------------------------

// Subscribe registers fn for every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	s.mu.Lock()
	obs := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range obs {
			fn(c)
		}
	}
}

// Messages returns a copy of the conversation's ordered message list.
func (s *Store) Messages(conversationID string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return c.snapshot()
}

// Unread returns the unread counter of a conversation.
func (s *Store) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.unread
	}
	return 0
}

// SeedUnread sets unread counters from the roster. The open conversation
// stays at zero. A positive count moves the conversation back to unseen so
// the next open marks it seen again.
func (s *Store) SeedUnread(counts map[string]int) {
	var changes []Change
	var unseen []string
	s.mu.Lock()
	for id, n := range counts {
		if id == s.selected || n < 0 {
			continue
		}
		s.conv(id).unread = n
		changes = append(changes, Change{Kind: ChangeUnread, ConversationID: id})
		if n > 0 {
			unseen = append(unseen, id)
		}
	}
	seen := s.opts.Seen
	s.mu.Unlock()
	s.notify(changes...)
	if seen != nil {
		for _, id := range unseen {
			seen.Unseen(id)
		}
	}
}

// Selected returns the open conversation, or "".
func (s *Store) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// LoadError returns the error of the last failed history load, cleared by
// the next successful one.
func (s *Store) LoadError(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.loadErr
	}
	return nil
}

// Last returns the newest message of a conversation.
func (s *Store) Last(conversationID string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok || len(c.entries) == 0 {
		return message.Message{}, false
	}
	return c.entries[len(c.entries)-1].msg.Clone(), true
}

// Wait blocks until background sends and loads finish.
func (s *Store) Wait() { s.wg.Wait() }

// Close cancels the in-flight history load and waits for background work.
func (s *Store) Close() {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Selection and history
// ---------------------------------------------------------------------------

// Open selects a conversation, zeroes its unread counter and loads its
// history in the background. Any in-flight history fetch is cancelled.
// Open("") clears the selection.
func (s *Store) Open(conversationID string) {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.selected = conversationID
	if conversationID == "" {
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeSelected})
		return
	}
	c := s.conv(conversationID)
	hadUnread := c.unread > 0
	c.unread = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelLoad = cancel
	seen := s.opts.Seen
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeSelected, ConversationID: conversationID},
		Change{Kind: ChangeUnread, ConversationID: conversationID},
	)
	if hadUnread && seen != nil {
		seen.Unseen(conversationID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if _, err := s.LoadHistory(ctx, conversationID); err != nil && !errors.Is(err, ErrStale) {
			s.log.Warn().Err(err).Str("conversation", conversationID).Msg("history load failed")
		}
	}()
}

// LoadHistory fetches the conversation from the backend and replaces the
// local list with it. Optimistic entries and entries delivered while the
// fetch was in flight are kept unless the server list already has them.
// A response for a conversation that is no longer selected, or that a newer
// load superseded, is discarded with ErrStale.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]message.Message, error) {
	s.mu.Lock()
	c := s.conv(conversationID)
	c.gen++
	gen := c.gen
	startSeq := s.seq
	s.mu.Unlock()

	msgs, err := s.opts.Backend.History(ctx, conversationID)

	s.mu.Lock()
	c = s.conv(conversationID)
	if gen != c.gen || s.selected != conversationID {
		s.mu.Unlock()
		return nil, ErrStale
	}
	if err != nil {
		c.loadErr = err
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeLoadError, ConversationID: conversationID})
		return nil, fmt.Errorf("store: load history %s: %w", conversationID, err)
	}
	c.loadErr = nil
	unseen := s.merge(c, conversationID, msgs, startSeq)
	out := c.snapshot()
	seen := s.opts.Seen
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeLoadError, ConversationID: conversationID},
		Change{Kind: ChangeMessages, ConversationID: conversationID},
	)
	if seen != nil {
		if unseen {
			seen.Unseen(conversationID)
		}
		seen.Trigger(conversationID)
	}
	return out, nil
}

// merge replaces c's entries with the server list and reports whether the
// server still holds counterpart messages not yet seen. The caller holds mu.
func (s *Store) merge(c *conversation, conv string, server []message.Message, startSeq uint64) bool {
	now := s.opts.Now()
	unseen := false
	fresh := make([]entry, 0, len(server)+len(c.entries))
	for _, m := range server {
		m = m.Clone()
		m.EchoedTempID = ""
		if m.ConversationID == "" {
			m.ConversationID = conv
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if id := m.ID(); id != "" {
			if seq, gone := c.deleted[id]; gone && seq > startSeq {
				continue
			}
		}
		if indexOf(fresh, m) >= 0 {
			continue
		}
		if m.DeliveryState != message.StateSeen && !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole) {
			unseen = true
		}
		fresh = append(fresh, entry{msg: m, seq: s.nextSeq()})
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].msg.CreatedAt.Before(fresh[j].msg.CreatedAt)
	})

	for _, e := range c.entries {
		keep := e.msg.Ident.IsPending() || e.msg.InFlight() || e.seq > startSeq
		if !keep {
			continue
		}
		if idx := indexOf(fresh, e.msg); idx >= 0 {
			// The server copy wins but keeps the local delivery progress.
			fresh[idx].msg = reconcile(e.msg, fresh[idx].msg)
			continue
		}
		fresh = insertSorted(fresh, e)
	}
	c.entries = fresh
	for id, seq := range c.deleted {
		if seq <= startSeq {
			delete(c.deleted, id)
		}
	}
	return unseen
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

// AppendIncoming inserts a socket-delivered message. Duplicates merge in
// place. A counterpart message in the open conversation is marked seen;
// elsewhere it increments the unread counter.
func (s *Store) AppendIncoming(m message.Message) {
	m = m.Clone()
	if m.ConversationID == "" && !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole) {
		m.ConversationID = m.SenderID
	}
	conv := m.ConversationID
	if conv == "" {
		s.log.Warn().Str("id", m.Ident.String()).Msg("dropping message without conversation")
		return
	}

	s.mu.Lock()
	c := s.conv(conv)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.opts.Now()
	}
	if idx := indexOf(c.entries, m); idx >= 0 {
		c.entries[idx].msg = reconcile(c.entries[idx].msg, m)
		c.entries[idx].seq = s.nextSeq()
		c.entries = reposition(c.entries, idx)
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
		return
	}
	m.EchoedTempID = ""
	c.entries = insertSorted(c.entries, entry{msg: m, seq: s.nextSeq()})

	counterpart := !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole)
	open := conv == s.selected
	changes := []Change{{Kind: ChangeMessages, ConversationID: conv}}
	if counterpart && !open {
		c.unread++
		changes = append(changes, Change{Kind: ChangeUnread, ConversationID: conv})
	}
	seen := s.opts.Seen
	s.mu.Unlock()

	s.notify(changes...)
	if counterpart && seen != nil {
		seen.Unseen(conv)
		if open {
			seen.Trigger(conv)
		}
	}
}

// ApplyRemoteUpdate merges a messageUpdated broadcast into the matching
// message. Updates for unknown messages are ignored.
func (s *Store) ApplyRemoteUpdate(m message.Message) {
	if m.ID() == "" {
		return
	}
	s.mu.Lock()
	conv, c, idx := s.locate(m.ConversationID, m.Ident.Key())
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	c.entries[idx].msg = reconcile(c.entries[idx].msg, m)
	c.entries[idx].seq = s.nextSeq()
	c.entries = reposition(c.entries, idx)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
}

// ApplyRemoteDelete removes a message named by a messageDeleted broadcast.
// An empty conversationID searches every conversation.
func (s *Store) ApplyRemoteDelete(conversationID, id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	conv, c, idx := s.locate(conversationID, message.Confirmed(id).Key())
	if idx < 0 {
		if c := s.convs[conversationID]; c != nil {
			c.tombstone(id, s.nextSeq())
		}
		s.mu.Unlock()
		return
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.tombstone(id, s.nextSeq())
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
}

// ApplySeen marks every counterpart message of the conversation seen and
// zeroes its unread counter.
func (s *Store) ApplySeen(conversationID string) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i := range c.entries {
		m := &c.entries[i].msg
		if !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole) {
			m.DeliveryState = message.StateSeen
		}
	}
	c.unread = 0
	s.mu.Unlock()
	s.notify(
		Change{Kind: ChangeMessages, ConversationID: conversationID},
		Change{Kind: ChangeUnread, ConversationID: conversationID},
	)
}

// ---------------------------------------------------------------------------
// Optimistic send
// ---------------------------------------------------------------------------

// SendOptimistic appends a sending message and returns its temp id. The REST
// call runs in the background; success confirms the entry in place, failure
// leaves it visible as failed.
func (s *Store) SendOptimistic(conversationID, body string) string {
	tempID := s.opts.NewID()
	m := message.Message{
		Ident:          message.Pending(tempID),
		ConversationID: conversationID,
		SenderID:       s.opts.SelfID,
		SenderRole:     s.opts.SelfRole,
		Kind:           message.KindOf(body, nil),
		Body:           body,
		CreatedAt:      s.opts.Now(),
		DeliveryState:  message.StateSending,
	}

	s.mu.Lock()
	c := s.conv(conversationID)
	c.entries = insertSorted(c.entries, entry{msg: m, seq: s.nextSeq()})
	online := s.opts.Online == nil || s.opts.Online()
	if !online {
		s.outbox = append(s.outbox, outboxItem{conv: conversationID, tempID: tempID})
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})

	if online {
		s.dispatchSend(conversationID, tempID, body)
	} else {
		s.log.Info().Str("conversation", conversationID).Str("temp_id", tempID).Msg("offline, message queued")
	}
	return tempID
}

// Retry re-sends a failed message.
func (s *Store) Retry(tempID string) error {
	s.mu.Lock()
	conv, c, idx := s.locate("", message.Pending(tempID).Key())
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	m := &c.entries[idx].msg
	if m.DeliveryState != message.StateFailed || m.Kind == message.KindFile {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	m.DeliveryState = message.StateSending
	m.Error = ""
	body := m.Body
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
	s.dispatchSend(conv, tempID, body)
	return nil
}

// FlushOutbox sends every message queued while offline.
func (s *Store) FlushOutbox() int {
	s.mu.Lock()
	items := s.outbox
	s.outbox = nil
	type job struct{ conv, tempID, body string }
	jobs := make([]job, 0, len(items))
	for _, it := range items {
		c := s.convs[it.conv]
		if c == nil {
			continue
		}
		if idx := indexOfKey(c.entries, message.Pending(it.tempID).Key()); idx >= 0 && c.entries[idx].msg.DeliveryState == message.StateSending {
			jobs = append(jobs, job{it.conv, it.tempID, c.entries[idx].msg.Body})
		}
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.dispatchSend(j.conv, j.tempID, j.body)
	}
	return len(jobs)
}

// Outbox returns the number of queued offline sends.
func (s *Store) Outbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// AppendPending inserts a message sent through another channel, such as a
// file upload, as sending and returns its temp id. The caller reports the
// outcome with Settle.
func (s *Store) AppendPending(m message.Message) string {
	m = m.Clone()
	tempID := m.TempID()
	if tempID == "" {
		tempID = s.opts.NewID()
	}
	m.Ident = message.Pending(tempID)
	if m.SenderID == "" {
		m.SenderID = s.opts.SelfID
	}
	if m.SenderRole == "" {
		m.SenderRole = s.opts.SelfRole
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.opts.Now()
	}
	m.DeliveryState = message.StateSending

	s.mu.Lock()
	c := s.conv(m.ConversationID)
	c.entries = insertSorted(c.entries, entry{msg: m, seq: s.nextSeq()})
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
	return tempID
}

// Settle applies the outcome of an AppendPending send. A failed file
// message carries the failure text in place of its attachment.
func (s *Store) Settle(conversationID, tempID string, res message.Message, err error) {
	s.settle(conversationID, tempID, res, err)
}

func (s *Store) dispatchSend(conv, tempID, body string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.opts.Backend.Send(context.Background(), conv, body, tempID)
		s.settle(conv, tempID, res, err)
	}()
}

// settle applies the outcome of a send to the pending entry.
func (s *Store) settle(conv, tempID string, res message.Message, err error) {
	s.mu.Lock()
	c := s.conv(conv)
	idx := indexOfKey(c.entries, message.Pending(tempID).Key())

	if err != nil {
		if idx >= 0 {
			m := &c.entries[idx].msg
			m.DeliveryState = message.StateFailed
			m.Error = err.Error()
			if m.Kind == message.KindFile {
				name := "file"
				if m.Attachment != nil && m.Attachment.FileName != "" {
					name = m.Attachment.FileName
				}
				m.Attachment = nil
				m.Body = fmt.Sprintf("Upload of %s failed: %v", name, err)
			}
		}
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("conversation", conv).Str("temp_id", tempID).Msg("send failed")
		s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
		return
	}

	if res.ConversationID == "" {
		res.ConversationID = conv
	}
	if idx < 0 {
		// A socket echo carrying the temp id may have confirmed it already.
		if j := indexOf(c.entries, res); j >= 0 {
			c.entries[j].msg = reconcile(c.entries[j].msg, res)
			c.entries[j].seq = s.nextSeq()
		} else {
			s.log.Debug().Str("temp_id", tempID).Msg("send confirmed for a removed message")
		}
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
		return
	}

	cur := c.entries[idx].msg
	confirmed := reconcile(cur, res)
	if res.ID() != "" {
		confirmed.Ident = message.Confirmed(res.ID())
	}
	if confirmed.DeliveryState == message.StateSending || confirmed.DeliveryState == message.StateFailed {
		confirmed.DeliveryState = message.StateSent
	}
	c.entries[idx].msg = confirmed
	c.entries[idx].seq = s.nextSeq()

	// A receiveMessage echo with the same id may have landed first.
	if id := confirmed.ID(); id != "" {
		for j := len(c.entries) - 1; j >= 0; j-- {
			if j != idx && c.entries[j].msg.ID() == id {
				c.entries[idx].msg = reconcile(c.entries[j].msg, c.entries[idx].msg)
				c.entries = append(c.entries[:j], c.entries[j+1:]...)
				if j < idx {
					idx--
				}
			}
		}
	}
	c.entries = reposition(c.entries, idx)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
}

// ---------------------------------------------------------------------------
// Edit and delete
// ---------------------------------------------------------------------------

// ApplyEdit changes the body of an own, confirmed message. Rejections happen
// before any network call. On failure the history is refetched.
func (s *Store) ApplyEdit(ctx context.Context, id, newBody string) error {
	if strings.TrimSpace(newBody) == "" {
		return ErrEmptyBody
	}
	s.mu.Lock()
	conv, c, idx := s.locate("", message.Confirmed(id).Key())
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	m := &c.entries[idx].msg
	if !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole) {
		s.mu.Unlock()
		return ErrNotOwner
	}
	if m.InFlight() || m.Ident.IsPending() {
		s.mu.Unlock()
		return ErrNotEditable
	}
	m.Body = newBody
	m.Edited = true
	m.Kind = message.KindOf(newBody, m.Attachment)
	c.entries[idx].seq = s.nextSeq()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})

	res, err := s.opts.Backend.Update(ctx, id, newBody)
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("edit rejected by server, discarding local state")
		s.refetch(ctx, conv)
		return fmt.Errorf("store: edit %s: %w", id, err)
	}

	s.mu.Lock()
	var updated message.Message
	if _, c, idx := s.locate(conv, message.Confirmed(id).Key()); idx >= 0 {
		if res.ID() == "" {
			res.Ident = message.Confirmed(id)
		}
		merged := reconcile(c.entries[idx].msg, res)
		merged.Body = newBody
		merged.Kind = message.KindOf(newBody, merged.Attachment)
		merged.Edited = true
		c.entries[idx].msg = merged
		updated = merged.Clone()
	}
	emitter := s.opts.Emitter
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})

	if emitter != nil && updated.ID() != "" {
		if err := emitter.Emit(transport.EventMessageUpdated, map[string]any{
			"message":  updated.Wire(),
			"doctorId": conv,
		}); err != nil {
			s.log.Debug().Err(err).Msg("messageUpdated broadcast not sent")
		}
	}
	return nil
}

// ApplyDelete removes an own message. Sending and failed messages are
// removed locally without a server call. On failure the history is
// refetched.
func (s *Store) ApplyDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	conv, c, idx := s.locate("", message.Confirmed(id).Key())
	if idx < 0 {
		conv, c, idx = s.locate("", message.Pending(id).Key())
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	m := c.entries[idx].msg
	if !m.OwnedBy(s.opts.SelfID, s.opts.SelfRole) {
		s.mu.Unlock()
		return ErrNotOwner
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)

	if m.Ident.IsPending() || m.InFlight() {
		s.dropOutbox(m.TempID())
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
		return nil
	}
	c.tombstone(m.ID(), s.nextSeq())
	emitter := s.opts.Emitter
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conv})

	if err := s.opts.Backend.Delete(ctx, m.ID()); err != nil {
		s.log.Warn().Err(err).Str("id", m.ID()).Msg("delete rejected by server, discarding local state")
		s.mu.Lock()
		if c := s.convs[conv]; c != nil {
			delete(c.deleted, m.ID())
		}
		s.mu.Unlock()
		s.refetch(ctx, conv)
		return fmt.Errorf("store: delete %s: %w", m.ID(), err)
	}

	if emitter != nil {
		if err := emitter.Emit(transport.EventMessageDeleted, map[string]string{
			"messageId": m.ID(),
			"doctorId":  conv,
		}); err != nil {
			s.log.Debug().Err(err).Msg("messageDeleted broadcast not sent")
		}
	}
	return nil
}

// refetch reloads the open conversation. Any other conversation's cache is
// dropped so it reloads from the server when opened.
func (s *Store) refetch(ctx context.Context, conv string) {
	s.mu.Lock()
	selected := s.selected == conv
	if !selected {
		if c := s.convs[conv]; c != nil {
			c.entries = nil
		}
	}
	s.mu.Unlock()

	if !selected {
		s.notify(Change{Kind: ChangeMessages, ConversationID: conv})
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := s.LoadHistory(ctx, conv); err != nil && !errors.Is(err, ErrStale) {
		s.log.Warn().Err(err).Str("conversation", conv).Msg("refetch failed")
	}
}

// ---------------------------------------------------------------------------
// Internals (callers hold mu)
// ---------------------------------------------------------------------------

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{deleted: make(map[string]uint64)}
		s.convs[id] = c
	}
	return c
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// locate finds a message by identity key, in conv or, when conv is empty or
// misses, in every conversation.
func (s *Store) locate(conv, key string) (string, *conversation, int) {
	if key == "" {
		return "", nil, -1
	}
	if c, ok := s.convs[conv]; ok {
		if idx := indexOfKey(c.entries, key); idx >= 0 {
			return conv, c, idx
		}
	}
	for id, c := range s.convs {
		if idx := indexOfKey(c.entries, key); idx >= 0 {
			return id, c, idx
		}
	}
	return "", nil, -1
}

func (s *Store) dropOutbox(tempID string) {
	if tempID == "" {
		return
	}
	kept := s.outbox[:0]
	for _, it := range s.outbox {
		if it.tempID != tempID {
			kept = append(kept, it)
		}
	}
	s.outbox = kept
}

func (c *conversation) snapshot() []message.Message {
	out := make([]message.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func (c *conversation) tombstone(id string, seq uint64) {
	if id != "" {
		c.deleted[id] = seq
	}
}

func indexOf(entries []entry, m message.Message) int {
	for i := range entries {
		if message.Duplicate(entries[i].msg, m) {
			return i
		}
	}
	return -1
}

func indexOfKey(entries []entry, key string) int {
	for i := range entries {
		if entries[i].msg.Ident.Key() == key {
			return i
		}
	}
	return -1
}

// insertSorted inserts e after every entry with CreatedAt <= e's.
func insertSorted(entries []entry, e entry) []entry {
	at := sort.Search(len(entries), func(i int) bool {
		return entries[i].msg.CreatedAt.After(e.msg.CreatedAt)
	})
	entries = append(entries, entry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = e
	return entries
}

// reposition moves entries[idx] if its timestamp no longer fits between its
// neighbours.
func reposition(entries []entry, idx int) []entry {
	t := entries[idx].msg.CreatedAt
	okPrev := idx == 0 || !entries[idx-1].msg.CreatedAt.After(t)
	okNext := idx == len(entries)-1 || !t.After(entries[idx+1].msg.CreatedAt)
	if okPrev && okNext {
		return entries
	}
	e := entries[idx]
	entries = append(entries[:idx], entries[idx+1:]...)
	return insertSorted(entries, e)
}

func stateRank(s message.DeliveryState) int {
	switch s {
	case message.StateSent:
		return 1
	case message.StateDelivered:
		return 2
	case message.StateSeen:
		return 3
	default:
		return 0
	}
}

// reconcile merges an incoming copy of a message into the local one. The
// incoming copy wins for fields it carries; delivery state never regresses
// and a confirmed identity replaces a pending one.
func reconcile(local, in message.Message) message.Message {
	out := in.Clone()
	out.EchoedTempID = ""
	if out.ID() == "" {
		out.Ident = local.Ident
	}
	if out.ConversationID == "" {
		out.ConversationID = local.ConversationID
	}
	if out.SenderID == "" {
		out.SenderID = local.SenderID
	}
	if out.SenderRole == "" {
		out.SenderRole = local.SenderRole
	}
	if out.Attachment == nil && local.Attachment != nil {
		a := *local.Attachment
		out.Attachment = &a
	}
	if out.Body == "" {
		out.Body = local.Body
	}
	out.Kind = message.KindOf(out.Body, out.Attachment)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	out.Edited = out.Edited || local.Edited
	if stateRank(local.DeliveryState) > stateRank(in.DeliveryState) {
		out.DeliveryState = local.DeliveryState
	}
	if out.Ident.IsConfirmed() && stateRank(out.DeliveryState) == 0 {
		out.DeliveryState = message.StateSent
	}
	if out.DeliveryState != message.StateFailed {
		out.Error = ""
	}
	return out
}
