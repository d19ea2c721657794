package chat

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("chat: not found")

type DoctorRepository interface {
	Upsert(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id string) (*Doctor, error)
	List(ctx context.Context) ([]*Doctor, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	Update(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
	// ListByDoctor returns the doctor chat (session messages excluded),
	// oldest first.
	ListByDoctor(ctx context.Context, doctorID string) ([]*Message, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
	// MarkSeen flags every unseen chat message of doctorID sent by
	// senderRole and returns how many changed.
	MarkSeen(ctx context.Context, doctorID, senderRole string) (int, error)
	// Unread counts unseen chat messages sent by senderRole, per doctor.
	Unread(ctx context.Context, senderRole string) (map[string]int, error)
	// Latest returns the newest chat message per doctor.
	Latest(ctx context.Context) (map[string]*Message, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
}
