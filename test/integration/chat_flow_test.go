package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/transport"
	"github.com/medrx/adminchat/internal/config"
	domainchat "github.com/medrx/adminchat/internal/domain/chat"
)

// doctorPost calls the REST api as a doctor.
func doctorPost(t *testing.T, b *backend, doctorID, path, body string) map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, b.HTTP.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.Token(t, doctorID, "doctor"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s: status %d: %s", path, resp.StatusCode, data)
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func TestChatFlow_DoctorAndAdmin(t *testing.T) {
	b := startBackend(t)
	ctx := context.Background()
	if err := b.Chat.RegisterDoctor(ctx, &domainchat.Doctor{ID: "d1", Name: "Dr. Ada"}); err != nil {
		t.Fatalf("register doctor: %v", err)
	}

	desk := startDesk(t, b, "admin-1")
	if desk.Roster.Len() != 1 {
		t.Fatalf("expected 1 roster entry, got %d", desk.Roster.Len())
	}

	t.Run("Presence", func(t *testing.T) {
		dialDoctor(t, b, "d1")
		eventually(t, "doctor online", func() bool { return desk.Roster.IsOnline("d1") })
	})

	doctor := dialDoctor(t, b, "d1")

	// A doctor message arrives unread.
	doctorPost(t, b, "d1", "/api/chat/send", `{"message":"Is 20mg safe?"}`)
	eventually(t, "message delivered to admin", func() bool {
		return len(desk.Store.Messages("d1")) == 1
	})
	if n := desk.Store.Unread("d1"); n != 1 {
		t.Fatalf("expected 1 unread, got %d", n)
	}

	// Opening the conversation marks it seen.
	desk.Open("d1")
	desk.Wait()
	if n := desk.Store.Unread("d1"); n != 0 {
		t.Fatalf("expected unread reset, got %d", n)
	}
	eventually(t, "server unread cleared", func() bool {
		items, err := b.Chat.ListDoctors(ctx)
		return err == nil && len(items) == 1 && items[0].UnreadCount == 0
	})

	// The admin reply reaches the doctor socket.
	desk.Composer.SetDraft("Yes, with food.")
	if _, err := desk.Composer.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := doctor.waitFor(transport.EventReceiveMessage)
	if got["message"] != "Yes, with food." || got["senderId"] != "admin-1" {
		t.Fatalf("unexpected push %v", got)
	}
	desk.Wait()

	msgs := desk.Store.Messages("d1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	last := msgs[1]
	if !last.Ident.IsConfirmed() || last.DeliveryState != message.StateSent {
		t.Fatalf("expected confirmed sent message, got %+v", last)
	}
	sentID := last.ID()
	if got["_id"] != sentID {
		t.Errorf("pushed id %v differs from stored id %s", got["_id"], sentID)
	}

	// Edits are saved and relayed.
	if err := desk.Store.ApplyEdit(ctx, sentID, "Yes, after food."); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got = doctor.waitFor(transport.EventMessageUpdated)
	if got["doctorId"] != "d1" {
		t.Fatalf("unexpected relay %v", got)
	}
	history, _ := b.Chat.History(ctx, "d1")
	if history[1].Body != "Yes, after food." || !history[1].Edited {
		t.Fatalf("server not updated: %+v", history[1])
	}

	// Deletes are saved and relayed.
	if err := desk.Store.ApplyDelete(ctx, sentID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got = doctor.waitFor(transport.EventMessageDeleted)
	if got["messageId"] != sentID {
		t.Fatalf("unexpected relay %v", got)
	}
	if n := len(desk.Store.Messages("d1")); n != 1 {
		t.Fatalf("expected 1 message left, got %d", n)
	}

	// Doctor typing reaches the roster.
	doctor.send(transport.EventDoctorTyping, map[string]any{"isTyping": true})
	eventually(t, "typing indicator", func() bool {
		e, ok := desk.Roster.Entry("d1")
		return ok && e.Typing
	})
}

func TestChatFlow_SessionReplyAndUpload(t *testing.T) {
	b := startBackend(t)
	desk := startDesk(t, b, "admin-1")
	doctor := dialDoctor(t, b, "d1")

	opened := doctorPost(t, b, "d1", "/api/chat-session/open", `{"question":"Can these be combined?"}`)
	sessionID, _ := opened["_id"].(string)
	if sessionID == "" {
		t.Fatalf("expected session id, got %v", opened)
	}

	desk.Session.Open(sessionID)
	desk.Wait()
	if n := len(desk.Sessions.Messages(sessionID)); n != 1 {
		t.Fatalf("expected the question in the session, got %d", n)
	}

	if _, err := desk.Session.Reply("Not without review."); err != nil {
		t.Fatalf("reply: %v", err)
	}
	got := doctor.waitFor(transport.EventReceiveMessage)
	if got["sender"] != "admin" || got["sessionId"] != sessionID {
		t.Fatalf("unexpected push %v", got)
	}

	// Doctor uploads a file; the admin gets doctorFileMessage.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "labs.pdf")
	part.Write([]byte("%PDF-1.4"))
	w.Close()
	req, _ := http.NewRequest(http.MethodPost, b.HTTP.URL+"/api/chat-session/"+sessionID+"/upload-file", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.Token(t, "d1", "doctor"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	eventually(t, "file message in session", func() bool {
		for _, m := range desk.Sessions.Messages(sessionID) {
			if m.Kind == message.KindFile && m.Attachment != nil && m.Attachment.FileName == "labs.pdf" {
				return true
			}
		}
		return false
	})

	// The attachment is downloadable through the api.
	var fileURL string
	for _, m := range desk.Sessions.Messages(sessionID) {
		if m.Kind == message.KindFile {
			fileURL = m.Attachment.URL
		}
	}
	req, _ = http.NewRequest(http.MethodGet, b.HTTP.URL+fileURL, nil)
	req.Header.Set("Authorization", "Bearer "+b.Token(t, "admin-1", "admin"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "%PDF-1.4" {
		t.Fatalf("unexpected download %q", data)
	}
}

func TestChatFlow_PostgresAndRedis(t *testing.T) {
	if redisURL == "" {
		t.Skip("set INTEGRATION_REDIS_URL or INTEGRATION_DOCKER=1 to run the full stack")
	}
	ctx := context.Background()
	dbURL := schemaURL(t, migratedSchema(t, ctx))
	withStack := func(cfg *config.Config) {
		cfg.DatabaseURL = dbURL
		cfg.RedisURL = redisURL
	}

	b := startBackend(t, withStack)
	resp, err := http.Get(b.HTTP.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health.Checks["postgres"] != "ok" || health.Checks["redis"] != "ok" {
		t.Fatalf("expected healthy stack, got %d %v", resp.StatusCode, health.Checks)
	}

	desk := startDesk(t, b, "admin-1")
	dialDoctor(t, b, "d7")
	eventually(t, "doctor online via redis", func() bool { return desk.Roster.IsOnline("d7") })

	doctorPost(t, b, "d7", "/api/chat/send", `{"message":"Refill for patient 12?"}`)
	eventually(t, "doctor auto-registered in roster", func() bool {
		e, ok := desk.Roster.Entry("d7")
		return ok && e.UnreadCount == 1
	})

	desk.Open("d7")
	desk.Wait()
	desk.Composer.SetDraft("Approved.")
	if _, err := desk.Composer.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	desk.Wait()

	// A second backend on the same schema sees the stored conversation.
	b2 := startBackend(t, withStack)
	doctors, err := b2.Chat.ListDoctors(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(doctors) != 1 || doctors[0].ID != "d7" || doctors[0].UnreadCount != 0 {
		t.Fatalf("unexpected roster %+v", doctors)
	}
	if doctors[0].LastMessage == nil || doctors[0].LastMessage.Body != "Approved." {
		t.Fatalf("expected last message to be the reply, got %+v", doctors[0].LastMessage)
	}
	history, err := b2.Chat.History(ctx, "d7")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 stored messages, got %d (%v)", len(history), err)
	}
}
