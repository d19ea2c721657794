package chat

import (
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleDoctor = "doctor"

	TypeText = "text"
	TypeFile = "file"
)

// Doctor is a roster entry. UnreadCount and LastMessage are computed per
// request and not persisted.
type Doctor struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UnreadCount int       `json:"unreadCount"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
}

// Message is a doctor-chat or session message. Session messages carry the
// session id and the session's doctor id.
type Message struct {
	ID         string    `json:"_id"`
	DoctorID   string    `json:"doctorId"`
	SessionID  string    `json:"sessionId,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Body       string    `json:"message"`
	Type       string    `json:"type"`
	FileURL    string    `json:"fileUrl,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	Seen       bool      `json:"seen"`
	Edited     bool      `json:"edited"`
	TempID     string    `json:"tempId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// InSession reports whether m belongs to a doctor-review session.
func (m *Message) InSession() bool { return m.SessionID != "" }

// SessionView is the session wire shape: the sender is named by role.
type SessionView struct {
	*Message
	Sender string `json:"sender"`
}

// ToSessionView wraps m for session responses.
func (m *Message) ToSessionView() SessionView {
	return SessionView{Message: m, Sender: m.SenderRole}
}

// Session is a doctor-review thread opened by a doctor's question.
type Session struct {
	ID        string    `json:"_id"`
	DoctorID  string    `json:"doctorId"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionDetail is the GET session response body.
type SessionDetail struct {
	Session  *Session      `json:"session"`
	Messages []SessionView `json:"messages"`
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type SendRequest struct {
	DoctorID string `json:"doctorId"`
	Message  string `json:"message"`
	TempID   string `json:"tempId"`
}

type MarkSeenRequest struct {
	DoctorID string `json:"doctorId"`
}

type UpdateRequest struct {
	Message string `json:"message"`
}

type ReplyRequest struct {
	Message string `json:"message"`
	TempID  string `json:"tempId"`
}

type CreateDoctorRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type OpenSessionRequest struct {
	Question string `json:"question"`
}
