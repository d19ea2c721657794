// Package message defines the canonical chat message used by every chat
// component, the identity variant for optimistic sends, and the normalizer
// that maps the backend's historical payload shapes onto it.
package message

import (
	"strings"
	"time"
)

// Kind classifies message content.
type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// DeliveryState tracks an admin-sent message through its lifecycle. Incoming
// messages are tagged delivered or seen from the server's seen flag.
type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateSeen      DeliveryState = "seen"
	StateFailed    DeliveryState = "failed"
)

// Sender roles as they appear on the wire.
const (
	RoleAdmin  = "admin"
	RoleDoctor = "doctor"
)

// Identity is either Pending{tempID} or Confirmed{id}. The zero value is an
// unidentified message (system notices without ids).
type Identity struct {
	id     string
	tempID string
}

// Pending returns the identity of an optimistic message.
func Pending(tempID string) Identity { return Identity{tempID: tempID} }

// Confirmed returns the identity of a server-persisted message.
func Confirmed(id string) Identity { return Identity{id: id} }

// ID returns the server id, or "" while pending.
func (i Identity) ID() string { return i.id }

// TempID returns the client correlation id, or "" once confirmed.
func (i Identity) TempID() string { return i.tempID }

// IsPending reports whether the message has not been confirmed yet.
func (i Identity) IsPending() bool { return i.id == "" && i.tempID != "" }

// IsConfirmed reports whether the server id is authoritative.
func (i Identity) IsConfirmed() bool { return i.id != "" }

// IsZero reports whether the message carries neither id.
func (i Identity) IsZero() bool { return i.id == "" && i.tempID == "" }

// Key is a stable lookup key; ids and temp ids never collide.
func (i Identity) Key() string {
	switch {
	case i.id != "":
		return "id:" + i.id
	case i.tempID != "":
		return "tmp:" + i.tempID
	default:
		return ""
	}
}

func (i Identity) String() string {
	if i.id != "" {
		return i.id
	}
	return i.tempID
}

// Attachment describes a file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is the canonical message shape after normalization.
type Message struct {
	Ident          Identity
	ConversationID string
	SenderID       string
	SenderRole     string
	Kind           Kind
	Body           string
	Attachment     *Attachment
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	Edited         bool
	// Error explains a failed send or upload.
	Error string
	// EchoedTempID is the client temp id echoed back by the backend on a
	// confirmed payload. The store reads it to reconcile and then clears it.
	EchoedTempID string
}

// ID returns the server id, or "" while the message is pending.
func (m Message) ID() string { return m.Ident.ID() }

// TempID returns the client correlation id of a pending message.
func (m Message) TempID() string { return m.Ident.TempID() }

// AttachmentURL returns the attachment url or "".
func (m Message) AttachmentURL() string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.URL
}

// InFlight reports whether the message is still sending or failed to send.
func (m Message) InFlight() bool {
	return m.DeliveryState == StateSending || m.DeliveryState == StateFailed
}

// OwnedBy reports whether the message was sent by the given local identity.
// The sender role is used when the payload carried no sender id.
func (m Message) OwnedBy(selfID, selfRole string) bool {
	if m.SenderID != "" {
		return m.SenderID == selfID
	}
	return m.SenderRole != "" && strings.EqualFold(m.SenderRole, selfRole)
}

// Confirm swaps the pending identity for the server id. The temp id is dropped.
func (m Message) Confirm(id string) Message {
	m.Ident = Confirmed(id)
	return m
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// KindOf derives the message kind: file when an attachment url is present,
// text when the body is non-empty, system otherwise.
func KindOf(body string, att *Attachment) Kind {
	if att != nil && att.URL != "" {
		return KindFile
	}
	if strings.TrimSpace(body) != "" {
		return KindText
	}
	return KindSystem
}

// Duplicate reports whether a and b are the same logical message: equal ids
// when both are confirmed, otherwise equal attachment urls. Text-only
// messages without ids never match.
func Duplicate(a, b Message) bool {
	if a.ID() != "" && b.ID() != "" {
		return a.ID() == b.ID()
	}
	if a.TempID() != "" && a.TempID() == b.TempID() {
		return true
	}
	if echoes(a, b) || echoes(b, a) {
		return true
	}
	ua, ub := a.AttachmentURL(), b.AttachmentURL()
	return ua != "" && ua == ub
}

func echoes(confirmed, pending Message) bool {
	return confirmed.EchoedTempID != "" && confirmed.EchoedTempID == pending.TempID()
}

// Wire renders the message in the backend's current field names. It is the
// payload of messageUpdated broadcasts.
func (m Message) Wire() map[string]any {
	out := map[string]any{
		"message":    m.Body,
		"senderId":   m.SenderID,
		"senderRole": m.SenderRole,
		"doctorId":   m.ConversationID,
		"edited":     m.Edited,
		"seen":       m.DeliveryState == StateSeen,
	}
	if id := m.ID(); id != "" {
		out["_id"] = id
	}
	if tmp := m.TempID(); tmp != "" {
		out["tempId"] = tmp
	}
	if !m.CreatedAt.IsZero() {
		out["createdAt"] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.Attachment != nil {
		out["fileUrl"] = m.Attachment.URL
		out["fileName"] = m.Attachment.FileName
		out["mimeType"] = m.Attachment.MimeType
	}
	return out
}
