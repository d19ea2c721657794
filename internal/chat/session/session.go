// Package session drives the doctor-review session flow: an admin answers a
// doctor's review session with text replies and file uploads, and the doctor
// replies over the socket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/message"
)

var (
	ErrUnsupported = errors.New("session: messages cannot be edited or deleted")
	ErrNoSession   = errors.New("session: no session open")
	ErrEmptyReply  = errors.New("session: reply is empty")
)

// API is the REST surface of the session endpoints.
type API interface {
	Session(ctx context.Context, sessionID string) ([]message.Message, error)
	SessionReply(ctx context.Context, sessionID, body, tempID string) (message.Message, error)
	UploadSessionFile(ctx context.Context, sessionID, name, mimeType string, r io.Reader) (message.Message, error)
}

// Backend adapts the session endpoints to the conversation store. The
// session id plays the part of the conversation id.
type Backend struct {
	API API
}

func (b Backend) History(ctx context.Context, sessionID string) ([]message.Message, error) {
	msgs, err := b.API.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ConversationID = sessionID
	}
	return msgs, nil
}

func (b Backend) Send(ctx context.Context, sessionID, body, tempID string) (message.Message, error) {
	m, err := b.API.SessionReply(ctx, sessionID, body, tempID)
	if err != nil {
		return message.Message{}, err
	}
	m.ConversationID = sessionID
	return m, nil
}

func (Backend) Update(context.Context, string, string) (message.Message, error) {
	return message.Message{}, ErrUnsupported
}

func (Backend) Delete(context.Context, string) error { return ErrUnsupported }

// Store is the part of the conversation store a session uses.
type Store interface {
	Open(conversationID string)
	Selected() string
	Messages(conversationID string) []message.Message
	SendOptimistic(conversationID, body string) string
	AppendPending(m message.Message) string
	Settle(conversationID, tempID string, res message.Message, err error)
	AppendIncoming(m message.Message)
	Retry(tempID string) error
}

// Controller runs the open session.
type Controller struct {
	api   API
	store Store
	log   zerolog.Logger
}

// NewController creates a Controller over a store backed by Backend{api}.
func NewController(api API, st Store, logger zerolog.Logger) *Controller {
	return &Controller{
		api:   api,
		store: st,
		log:   logger.With().Str("component", "session").Logger(),
	}
}

// Open selects a session and loads its messages.
func (c *Controller) Open(sessionID string) { c.store.Open(sessionID) }

// Current returns the open session id, or "".
func (c *Controller) Current() string { return c.store.Selected() }

// Messages returns the open session's messages.
func (c *Controller) Messages() []message.Message {
	id := c.store.Selected()
	if id == "" {
		return nil
	}
	return c.store.Messages(id)
}

// Reply sends an admin text response optimistically.
func (c *Controller) Reply(body string) (string, error) {
	id := c.store.Selected()
	if id == "" {
		return "", ErrNoSession
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyReply
	}
	return c.store.SendOptimistic(id, body), nil
}

// Retry re-sends a failed text reply.
func (c *Controller) Retry(tempID string) error { return c.store.Retry(tempID) }

// UploadFile posts r into the open session. An optimistic file message is
// shown while the upload runs; on failure it stays visible as failed with an
// explanatory text. The upload runs on the caller's goroutine.
func (c *Controller) UploadFile(ctx context.Context, name, mimeType string, r io.Reader) (string, error) {
	id := c.store.Selected()
	if id == "" {
		return "", ErrNoSession
	}
	tempID := c.store.AppendPending(message.Message{
		ConversationID: id,
		Kind:           message.KindFile,
		Attachment:     &message.Attachment{FileName: name, MimeType: mimeType},
	})

	res, err := c.api.UploadSessionFile(ctx, id, name, mimeType, r)
	if err == nil {
		res.ConversationID = id
	} else {
		c.log.Warn().Err(err).Str("session", id).Str("file", name).Msg("upload failed")
	}
	c.store.Settle(id, tempID, res, err)
	return tempID, err
}

// HandleDoctorReply applies a doctorReplyAdmin event. The payload may be a
// bare string, which belongs to the open session.
func (c *Controller) HandleDoctorReply(raw json.RawMessage) {
	c.handle(raw, false)
}

// HandleDoctorFile applies a doctorFileMessage event.
func (c *Controller) HandleDoctorFile(raw json.RawMessage) {
	c.handle(raw, true)
}

func (c *Controller) handle(raw json.RawMessage, file bool) {
	payload := message.Classify(raw)
	m := message.Normalize(payload)

	switch p := payload.(type) {
	case message.SessionPayload:
		if p.SessionID != "" {
			m.ConversationID = p.SessionID
		}
	case message.ChatPayload:
		if p.SessionID != "" {
			m.ConversationID = p.SessionID
		}
	}
	if m.ConversationID == "" {
		m.ConversationID = c.store.Selected()
	}
	if m.ConversationID == "" {
		c.log.Warn().Msg("dropping session reply with no open session")
		return
	}
	if m.SenderRole == "" {
		m.SenderRole = message.RoleDoctor
	}
	if file && m.Kind != message.KindFile {
		c.log.Debug().Str("session", m.ConversationID).Msg("doctorFileMessage without attachment")
	}
	c.store.AppendIncoming(m)
}
