package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =========== Doctor Repository ===========

type doctorRepoMemory struct {
	mu   sync.RWMutex
	data map[string]*Doctor
}

func NewDoctorRepoMemory() DoctorRepository {
	return &doctorRepoMemory{data: make(map[string]*Doctor)}
}

func (r *doctorRepoMemory) Upsert(_ context.Context, d *Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if prev, ok := r.data[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	cp.UnreadCount, cp.LastMessage = 0, nil
	r.data[d.ID] = &cp
	return nil
}

func (r *doctorRepoMemory) GetByID(_ context.Context, id string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *doctorRepoMemory) List(_ context.Context) ([]*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Doctor, 0, len(r.data))
	for _, d := range r.data {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =========== Message Repository ===========

type messageRepoMemory struct {
	mu   sync.RWMutex
	data map[string]*Message
	seq  int64
	// order breaks CreatedAt ties in insertion order.
	order map[string]int64
}

func NewMessageRepoMemory() MessageRepository {
	return &messageRepoMemory{data: make(map[string]*Message), order: make(map[string]int64)}
}

func (r *messageRepoMemory) Create(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	r.data[m.ID] = &cp
	r.seq++
	r.order[m.ID] = r.seq
	return nil
}

func (r *messageRepoMemory) GetByID(_ context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *messageRepoMemory) Update(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[m.ID]; !ok {
		return ErrNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	r.data[m.ID] = &cp
	return nil
}

func (r *messageRepoMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return ErrNotFound
	}
	delete(r.data, id)
	delete(r.order, id)
	return nil
}

func (r *messageRepoMemory) filter(keep func(*Message) bool) []*Message {
	var out []*Message
	for _, m := range r.data {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return r.order[out[i].ID] < r.order[out[j].ID]
	})
	return out
}

func (r *messageRepoMemory) ListByDoctor(_ context.Context, doctorID string) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(m *Message) bool { return m.DoctorID == doctorID && !m.InSession() }), nil
}

func (r *messageRepoMemory) ListBySession(_ context.Context, sessionID string) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(m *Message) bool { return m.SessionID == sessionID }), nil
}

func (r *messageRepoMemory) MarkSeen(_ context.Context, doctorID, senderRole string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.data {
		if m.DoctorID == doctorID && !m.InSession() && m.SenderRole == senderRole && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

func (r *messageRepoMemory) Unread(_ context.Context, senderRole string) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, m := range r.data {
		if !m.InSession() && m.SenderRole == senderRole && !m.Seen {
			out[m.DoctorID]++
		}
	}
	return out, nil
}

func (r *messageRepoMemory) Latest(_ context.Context) (map[string]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Message)
	for _, m := range r.data {
		if m.InSession() {
			continue
		}
		prev, ok := out[m.DoctorID]
		if !ok || m.CreatedAt.After(prev.CreatedAt) ||
			(m.CreatedAt.Equal(prev.CreatedAt) && r.order[m.ID] > r.order[prev.ID]) {
			cp := *m
			out[m.DoctorID] = &cp
		}
	}
	return out, nil
}

// =========== Session Repository ===========

type sessionRepoMemory struct {
	mu   sync.RWMutex
	data map[string]*Session
}

func NewSessionRepoMemory() SessionRepository {
	return &sessionRepoMemory{data: make(map[string]*Session)}
}

func (r *sessionRepoMemory) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	r.data[s.ID] = &cp
	return nil
}

func (r *sessionRepoMemory) GetByID(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}
