// Package roster is the sidebar view-model: counterparts in server order with
// presence, unread badges, last-message previews and typing indicators.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/message"
)

// Entry is one roster row.
type Entry struct {
	CounterpartID      string
	DisplayName        string
	IsOnline           bool
	UnreadCount        int
	LastMessagePreview string
	Typing             bool
}

// Source fetches the raw roster.
type Source interface {
	DoctorsList(ctx context.Context) (any, error)
}

// Counters is the conversation store's unread and preview state.
type Counters interface {
	SeedUnread(counts map[string]int)
	Unread(conversationID string) int
	Last(conversationID string) (message.Message, bool)
}

// Roster is safe for concurrent use.
type Roster struct {
	src      Source
	counters Counters
	log      zerolog.Logger

	mu       sync.RWMutex
	entries  []Entry
	index    map[string]int
	presence map[string]bool
	typing   map[string]bool
}

// New creates a Roster. counters may be nil.
func New(src Source, counters Counters, logger zerolog.Logger) *Roster {
	return &Roster{
		src:      src,
		counters: counters,
		log:      logger.With().Str("component", "roster").Logger(),
		index:    make(map[string]int),
		presence: make(map[string]bool),
		typing:   make(map[string]bool),
	}
}

// Load fetches the roster and seeds the store's unread counters.
func (r *Roster) Load(ctx context.Context) error {
	raw, err := r.src.DoctorsList(ctx)
	if err != nil {
		return fmt.Errorf("roster: load: %w", err)
	}
	entries := Decode(raw)

	r.mu.Lock()
	r.entries = entries
	r.index = make(map[string]int, len(entries))
	for i, e := range entries {
		r.index[e.CounterpartID] = i
	}
	r.mu.Unlock()

	if r.counters != nil {
		counts := make(map[string]int, len(entries))
		for _, e := range entries {
			counts[e.CounterpartID] = e.UnreadCount
		}
		r.counters.SeedUnread(counts)
	}
	r.log.Debug().Int("entries", len(entries)).Msg("roster loaded")
	return nil
}

type rawDoctor struct {
	UnderscoreID string `mapstructure:"_id"`
	ID           string `mapstructure:"id"`
	DoctorID     string `mapstructure:"doctorId"`

	Name      string `mapstructure:"name"`
	FullName  string `mapstructure:"fullName"`
	FirstName string `mapstructure:"firstName"`
	LastName  string `mapstructure:"lastName"`
	Email     string `mapstructure:"email"`

	UnreadCount int `mapstructure:"unreadCount"`
	Unread      int `mapstructure:"unread"`

	LastMessage        any    `mapstructure:"lastMessage"`
	LastMessagePreview string `mapstructure:"lastMessagePreview"`
}

// Decode normalizes a roster payload: an array of doctors or an object
// holding one under doctors or data. Entries without an id are skipped.
func Decode(raw any) []Entry {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, k := range []string{"doctors", "data", "users"} {
			if l, ok := v[k].([]any); ok {
				items = l
				break
			}
		}
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return Decode(decoded)
		}
	}

	out := make([]Entry, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		var d rawDoctor
		decodeWeak(obj, &d)
		id := firstNonEmpty(d.UnderscoreID, d.ID, d.DoctorID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := firstNonEmpty(d.Name, d.FullName, strings.TrimSpace(d.FirstName+" "+d.LastName), d.Email, id)
		unread := d.UnreadCount
		if unread == 0 {
			unread = d.Unread
		}
		if unread < 0 {
			unread = 0
		}
		out = append(out, Entry{
			CounterpartID:      id,
			DisplayName:        name,
			UnreadCount:        unread,
			LastMessagePreview: previewOf(d),
		})
	}
	return out
}

func previewOf(d rawDoctor) string {
	switch lm := d.LastMessage.(type) {
	case string:
		if lm != "" {
			return message.Preview(message.Message{Kind: message.KindText, Body: lm})
		}
	case map[string]any:
		return message.Preview(message.Normalize(lm))
	}
	return d.LastMessagePreview
}

// ---------------------------------------------------------------------------
// Live updates
// ---------------------------------------------------------------------------

// SetPresence replaces the presence map wholesale. payload is a list of ids
// (or objects carrying one) or an id -> bool object.
func (r *Roster) SetPresence(payload any) {
	next := ParsePresence(payload)
	r.mu.Lock()
	r.presence = next
	r.mu.Unlock()
}

// ParsePresence decodes an onlineUsers payload.
func ParsePresence(payload any) map[string]bool {
	out := make(map[string]bool)
	switch v := payload.(type) {
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return ParsePresence(decoded)
		}
	case json.RawMessage:
		return ParsePresence([]byte(v))
	case []string:
		for _, id := range v {
			out[id] = true
		}
	case []any:
		for _, it := range v {
			switch x := it.(type) {
			case string:
				out[x] = true
			case map[string]any:
				var p struct {
					UserID   string `mapstructure:"userId"`
					ID       string `mapstructure:"id"`
					UID      string `mapstructure:"_id"`
					DoctorID string `mapstructure:"doctorId"`
				}
				decodeWeak(x, &p)
				if id := firstNonEmpty(p.UserID, p.ID, p.UID, p.DoctorID); id != "" {
					out[id] = true
				}
			}
		}
	case map[string]any:
		for id, val := range v {
			var online bool
			if err := mapstructure.WeakDecode(val, &online); err == nil && online {
				out[id] = true
			}
		}
	case map[string]bool:
		for id, online := range v {
			if online {
				out[id] = true
			}
		}
	}
	return out
}

// SetTyping records a doctorTyping event.
func (r *Roster) SetTyping(counterpartID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if typing {
		r.typing[counterpartID] = true
	} else {
		delete(r.typing, counterpartID)
	}
}

// Touch records a message for its counterpart, adding an entry for a
// counterpart the roster did not list.
func (r *Roster) Touch(m message.Message) {
	id := m.ConversationID
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		r.entries = append(r.entries, Entry{CounterpartID: id, DisplayName: id})
		i = len(r.entries) - 1
		r.index[id] = i
	}
	r.entries[i].LastMessagePreview = message.Preview(m)
	if !strings.EqualFold(m.SenderRole, message.RoleAdmin) {
		delete(r.typing, id)
	}
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// Rows returns the entries matching query, in server order, with live
// presence, unread and preview.
func (r *Roster) Rows(query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))

	r.mu.RLock()
	rows := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		e.IsOnline = r.presence[e.CounterpartID]
		e.Typing = r.typing[e.CounterpartID]
		rows = append(rows, e)
	}
	r.mu.RUnlock()

	out := rows[:0]
	for _, e := range rows {
		if r.counters != nil {
			e.UnreadCount = r.counters.Unread(e.CounterpartID)
			if last, ok := r.counters.Last(e.CounterpartID); ok {
				e.LastMessagePreview = message.Preview(last)
			}
		}
		if q == "" ||
			strings.Contains(strings.ToLower(e.DisplayName), q) ||
			strings.Contains(strings.ToLower(e.LastMessagePreview), q) {
			out = append(out, e)
		}
	}
	return out
}

// Filter is Rows under its search-box name.
func (r *Roster) Filter(query string) []Entry { return r.Rows(query) }

// Entry returns one row by counterpart id.
func (r *Roster) Entry(id string) (Entry, bool) {
	for _, e := range r.Rows("") {
		if e.CounterpartID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// TotalUnread sums unread counters for the navigation badge.
func (r *Roster) TotalUnread() int {
	total := 0
	for _, e := range r.Rows("") {
		total += e.UnreadCount
	}
	return total
}

// IsOnline reports presence for one counterpart.
func (r *Roster) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence[id]
}

// Len returns the number of entries.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func decodeWeak(in map[string]any, out any) {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: out})
	if err != nil {
		return
	}
	_ = dec.Decode(in)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
