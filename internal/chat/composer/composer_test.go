package composer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/transport"
)

type fakeStore struct {
	mu      sync.Mutex
	sent    []string
	edits   map[string]string
	deletes []string
	retries []string
}

func (s *fakeStore) SendOptimistic(conv, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, conv+":"+body)
	return "tmp-1"
}

func (s *fakeStore) ApplyEdit(_ context.Context, id, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edits == nil {
		s.edits = make(map[string]string)
	}
	s.edits[id] = body
	return nil
}

func (s *fakeStore) ApplyDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) Retry(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, tempID)
	return nil
}

type typingEvent struct {
	conv   string
	typing bool
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []typingEvent
}

func (e *fakeEmitter) Emit(event string, payload any) error {
	if event != transport.EventAdminTyping {
		return nil
	}
	p := payload.(map[string]any)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, typingEvent{conv: p["doctorId"].(string), typing: p["isTyping"].(bool)})
	return nil
}

func (e *fakeEmitter) snapshot() []typingEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]typingEvent(nil), e.events...)
}

func newTestComposer(debounce time.Duration) (*Composer, *fakeStore, *fakeEmitter) {
	st := &fakeStore{}
	em := &fakeEmitter{}
	c := New(st, em, Options{SelfID: "admin-1", SelfRole: message.RoleAdmin, Debounce: debounce, Logger: zerolog.Nop()})
	return c, st, em
}

func waitEvents(t *testing.T, em *fakeEmitter, n int) []typingEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := em.snapshot(); len(ev) >= n {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d typing events, got %v", n, em.snapshot())
	return nil
}

func TestComposer_TypingIndicator(t *testing.T) {
	c, _, em := newTestComposer(20 * time.Millisecond)
	defer c.Close()
	c.SetConversation("B")

	c.SetDraft("h")
	ev := waitEvents(t, em, 1)
	time.Sleep(60 * time.Millisecond)
	if ev = em.snapshot(); len(ev) != 1 {
		t.Fatalf("expected exactly one typing event, got %v", ev)
	}
	if ev[0].conv != "B" || !ev[0].typing {
		t.Fatalf("expected isTyping=true for B, got %+v", ev[0])
	}

	c.SetDraft("")
	ev = waitEvents(t, em, 2)
	if ev[1].conv != "B" || ev[1].typing {
		t.Fatalf("expected isTyping=false for B, got %+v", ev[1])
	}
}

func TestComposer_KeystrokesCoalesce(t *testing.T) {
	c, _, em := newTestComposer(30 * time.Millisecond)
	defer c.Close()
	c.SetConversation("B")

	for _, s := range []string{"h", "he", "hel", "hell", "hello"} {
		c.SetDraft(s)
		time.Sleep(2 * time.Millisecond)
	}
	waitEvents(t, em, 1)
	time.Sleep(80 * time.Millisecond)
	if ev := em.snapshot(); len(ev) != 1 {
		t.Fatalf("expected one coalesced event, got %v", ev)
	}
}

func TestComposer_ZeroDebounceEmitsImmediately(t *testing.T) {
	c, _, em := newTestComposer(0)
	c.SetConversation("B")

	c.SetDraft("a")
	c.SetDraft("ab")
	c.SetDraft("")
	ev := em.snapshot()
	if len(ev) != 2 || !ev[0].typing || ev[1].typing {
		t.Fatalf("expected true then false, got %v", ev)
	}
}

func TestComposer_Send(t *testing.T) {
	c, st, em := newTestComposer(0)
	if _, err := c.Send(); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	c.SetConversation("B")

	c.SetDraft("   ")
	if c.CanSend() {
		t.Fatal("expected whitespace draft not sendable")
	}
	if _, err := c.Send(); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}

	c.SetDraft("hello ")
	if !c.CanSend() {
		t.Fatal("expected draft sendable")
	}
	tempID, err := c.Send()
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tempID != "tmp-1" || len(st.sent) != 1 || st.sent[0] != "B:hello" {
		t.Fatalf("unexpected send %q %v", tempID, st.sent)
	}
	if c.Draft() != "" {
		t.Fatalf("expected cleared draft, got %q", c.Draft())
	}
	ev := em.snapshot()
	if last := ev[len(ev)-1]; last.typing || last.conv != "B" {
		t.Fatalf("expected trailing isTyping=false, got %+v", last)
	}
}

func TestComposer_SendBeforeDebounceEmitsNothing(t *testing.T) {
	c, st, em := newTestComposer(time.Hour)
	defer c.Close()
	c.SetConversation("B")

	c.SetDraft("quick")
	if _, err := c.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(st.sent) != 1 {
		t.Fatalf("expected 1 send, got %v", st.sent)
	}
	if ev := em.snapshot(); len(ev) != 0 {
		t.Fatalf("expected no typing events, got %v", ev)
	}
}

func TestComposer_SwitchWithdrawsTyping(t *testing.T) {
	c, _, em := newTestComposer(0)
	c.SetConversation("A")
	c.SetDraft("x")
	c.SetConversation("B")

	ev := em.snapshot()
	if len(ev) != 2 || ev[1].conv != "A" || ev[1].typing {
		t.Fatalf("expected typing withdrawn for A, got %v", ev)
	}
	if c.Draft() != "" {
		t.Fatal("expected draft cleared on switch")
	}
}

func TestComposer_EditRules(t *testing.T) {
	c, st, _ := newTestComposer(0)
	c.SetConversation("B")

	theirs := message.Message{Ident: message.Confirmed("d1"), SenderID: "B", SenderRole: message.RoleDoctor}
	if err := c.StartEdit(theirs); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	failed := message.Message{Ident: message.Pending("t1"), SenderID: "admin-1", DeliveryState: message.StateFailed}
	if err := c.StartEdit(failed); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
	if len(st.edits) != 0 {
		t.Fatal("expected no store call for rejected edits")
	}

	mine := message.Message{Ident: message.Confirmed("m1"), SenderID: "admin-1", Body: "old", DeliveryState: message.StateSent}
	if err := c.StartEdit(mine); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if c.Draft() != "old" || c.Editing() != "m1" {
		t.Fatalf("expected edit mode with old body, got %q %q", c.Draft(), c.Editing())
	}
	c.SetDraft("new")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.edits["m1"] != "new" {
		t.Fatalf("expected edit committed, got %v", st.edits)
	}
	if c.Editing() != "" || c.Draft() != "" {
		t.Fatal("expected edit mode left")
	}
	if len(st.sent) != 0 {
		t.Fatal("expected no send while editing")
	}
}

func TestComposer_DeleteAndRetry(t *testing.T) {
	c, st, _ := newTestComposer(0)

	pending := message.Message{Ident: message.Pending("t1"), SenderID: "admin-1", DeliveryState: message.StateFailed}
	if err := c.Delete(context.Background(), pending); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	theirs := message.Message{Ident: message.Confirmed("d1"), SenderID: "doc-1"}
	if err := c.Delete(context.Background(), theirs); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if len(st.deletes) != 1 || st.deletes[0] != "t1" {
		t.Fatalf("unexpected deletes %v", st.deletes)
	}

	if err := c.Retry("t1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(st.retries) != 1 {
		t.Fatalf("expected retry forwarded, got %v", st.retries)
	}
}
