package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/platform/blobstore"
	"github.com/medrx/adminchat/internal/platform/websocket"
)

var (
	ErrInvalid     = errors.New("chat: invalid request")
	ErrForbidden   = errors.New("chat: not allowed")
	ErrNotEditable = errors.New("chat: message cannot be edited")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Caller identifies the authenticated user behind a request.
type Caller struct {
	ID   string
	Role string
}

func (c Caller) IsAdmin() bool  { return c.Role == RoleAdmin }
func (c Caller) IsDoctor() bool { return c.Role == RoleDoctor }

type nopPublisher struct{}

func (nopPublisher) SendTo(string, string, any) int   { return 0 }
func (nopPublisher) SendRole(string, string, any) int { return 0 }

// Service implements the admin-doctor chat and the doctor-review session
// flow. New messages are pushed to connected counterparts through the
// publisher; edit and delete hints are relayed by the hub from the editing
// client.
type Service struct {
	doctors  DoctorRepository
	messages MessageRepository
	sessions SessionRepository
	blobs    blobstore.Store
	pub      websocket.Publisher
	log      zerolog.Logger
}

func NewService(doctors DoctorRepository, messages MessageRepository, sessions SessionRepository,
	blobs blobstore.Store, pub websocket.Publisher, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if blobs == nil {
		blobs = blobstore.NewInMemoryBlobStore(blobstore.DefaultMaxFileSize)
	}
	return &Service{
		doctors:  doctors,
		messages: messages,
		sessions: sessions,
		blobs:    blobs,
		pub:      pub,
		log:      logger.With().Str("component", "chat").Logger(),
	}
}

// -- Doctors --

// ListDoctors returns the roster with per-doctor unread counts (unseen
// doctor messages) and the latest chat message.
func (s *Service) ListDoctors(ctx context.Context) ([]*Doctor, error) {
	items, err := s.doctors.List(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := s.messages.Unread(ctx, RoleDoctor)
	if err != nil {
		return nil, err
	}
	latest, err := s.messages.Latest(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range items {
		d.UnreadCount = unread[d.ID]
		d.LastMessage = latest[d.ID]
	}
	return items, nil
}

func (s *Service) RegisterDoctor(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return invalid("name is required")
	}
	return s.doctors.Upsert(ctx, d)
}

// ensureDoctor adds a doctor seen for the first time to the roster.
func (s *Service) ensureDoctor(ctx context.Context, id string) error {
	_, err := s.doctors.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return s.doctors.Upsert(ctx, &Doctor{ID: id, Name: id})
	}
	return err
}

// -- Doctor chat --

func (s *Service) History(ctx context.Context, doctorID string) ([]*Message, error) {
	if doctorID == "" {
		return nil, invalid("doctor id is required")
	}
	items, err := s.messages.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Message{}
	}
	return items, nil
}

// Send stores a text message. Admin messages go to req.DoctorID; a doctor
// always writes into their own conversation and reaches every admin.
func (s *Service) Send(ctx context.Context, caller Caller, req SendRequest) (*Message, error) {
	body := strings.TrimSpace(req.Message)
	if body == "" {
		return nil, invalid("message is required")
	}
	m := &Message{
		SenderID:   caller.ID,
		SenderRole: caller.Role,
		Body:       body,
		Type:       TypeText,
		TempID:     req.TempID,
	}
	switch {
	case caller.IsAdmin():
		if req.DoctorID == "" {
			return nil, invalid("doctorId is required")
		}
		m.DoctorID = req.DoctorID
	case caller.IsDoctor():
		m.DoctorID = caller.ID
		if err := s.ensureDoctor(ctx, caller.ID); err != nil {
			return nil, err
		}
	default:
		return nil, ErrForbidden
	}

	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	if caller.IsAdmin() {
		s.pub.SendTo(m.DoctorID, websocket.EventReceiveMessage, m)
	} else {
		s.pub.SendRole(RoleAdmin, websocket.EventReceiveMessage, m)
	}
	s.log.Debug().Str("message", m.ID).Str("doctor", m.DoctorID).Str("role", caller.Role).Msg("message sent")
	return m, nil
}

// MarkSeen flags the doctor's messages in the conversation as seen.
func (s *Service) MarkSeen(ctx context.Context, doctorID string) (int, error) {
	if doctorID == "" {
		return 0, invalid("doctorId is required")
	}
	return s.messages.MarkSeen(ctx, doctorID, RoleDoctor)
}

// owned loads message id and checks the caller sent it.
func (s *Service) owned(ctx context.Context, caller Caller, id string) (*Message, error) {
	m, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.SenderRole != caller.Role || (m.SenderID != "" && m.SenderID != caller.ID) {
		return nil, ErrForbidden
	}
	return m, nil
}

// UpdateMessage replaces the body of one of the caller's text messages.
func (s *Service) UpdateMessage(ctx context.Context, caller Caller, id, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, invalid("message is required")
	}
	m, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if m.Type != TypeText || m.InSession() {
		return nil, ErrNotEditable
	}
	m.Body = body
	m.Edited = true
	if err := s.messages.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage removes one of the caller's messages and returns it.
func (s *Service) DeleteMessage(ctx context.Context, caller Caller, id string) (*Message, error) {
	m, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := s.messages.Delete(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

// -- Sessions --

// OpenSession starts a review session with the doctor's question as its
// first message.
func (s *Service) OpenSession(ctx context.Context, caller Caller, question string) (*Session, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, invalid("question is required")
	}
	if !caller.IsDoctor() {
		return nil, ErrForbidden
	}
	if err := s.ensureDoctor(ctx, caller.ID); err != nil {
		return nil, err
	}
	sess := &Session{DoctorID: caller.ID, Question: question}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if _, err := s.post(ctx, caller, sess, &Message{Body: question, Type: TypeText}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) session(ctx context.Context, caller Caller, id string) (*Session, error) {
	if id == "" {
		return nil, invalid("session id is required")
	}
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.IsDoctor() && sess.DoctorID != caller.ID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, caller Caller, id string) (*SessionDetail, error) {
	sess, err := s.session(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	items, err := s.messages.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(items))
	for _, m := range items {
		views = append(views, m.ToSessionView())
	}
	return &SessionDetail{Session: sess, Messages: views}, nil
}

// Reply posts a text answer into a session. Admin replies reach the
// session's doctor; doctor replies reach every admin as doctorReplyAdmin.
func (s *Service) Reply(ctx context.Context, caller Caller, sessionID string, req ReplyRequest) (*Message, error) {
	body := strings.TrimSpace(req.Message)
	if body == "" {
		return nil, invalid("message is required")
	}
	sess, err := s.session(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, caller, sess, &Message{Body: body, Type: TypeText, TempID: req.TempID})
}

// UploadFile stores content in the blob store and posts it as a file
// message into the session.
func (s *Service) UploadFile(ctx context.Context, caller Caller, sessionID, name, mimeType string, content io.Reader) (*Message, error) {
	sess, err := s.session(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    name,
		ContentType: mimeType,
		SessionID:   sess.ID,
		CreatedBy:   caller.ID,
	}, content)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, caller, sess, &Message{
		Type:     TypeFile,
		FileURL:  blobstore.URL(meta.ID),
		FileName: meta.FileName,
		MimeType: meta.ContentType,
	})
}

func (s *Service) post(ctx context.Context, caller Caller, sess *Session, m *Message) (*Message, error) {
	m.DoctorID = sess.DoctorID
	m.SessionID = sess.ID
	m.SenderID = caller.ID
	m.SenderRole = caller.Role
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	view := m.ToSessionView()
	switch {
	case caller.IsAdmin():
		s.pub.SendTo(sess.DoctorID, websocket.EventReceiveMessage, view)
	case m.Type == TypeFile:
		s.pub.SendRole(RoleAdmin, websocket.EventDoctorFileMessage, view)
	default:
		s.pub.SendRole(RoleAdmin, websocket.EventDoctorReplyAdmin, view)
	}
	s.log.Debug().Str("session", sess.ID).Str("message", m.ID).Str("type", m.Type).Msg("session message posted")
	return m, nil
}
