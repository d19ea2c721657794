package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(srv *httptest.Server, retries uint64) *Client {
	return New(Config{
		BaseURL: srv.URL,
		Token:   "secret",
		Timeout: time.Second,
		Retries: retries,
		Logger:  zerolog.Nop(),
	})
}

func TestClient_SendUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["doctorId"] != "doc-1" || body["message"] != "hello" || body["tempId"] != "t1" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"msg":{"_id":"m1","message":"hello","senderId":"admin-1","doctorId":"doc-1","createdAt":"2024-01-01T00:00:00Z"}}`)
	}))
	defer srv.Close()

	m, err := newTestClient(srv, 0).Send(context.Background(), "doc-1", "hello", "t1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ID() != "m1" || m.Body != "hello" || m.ConversationID != "doc-1" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestClient_HistoryRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"_id":"a","message":"x"},{"_id":"b","message":"y"}]}`)
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv, 2).History(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, 3).History(context.Background(), "missing")
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestClient_SendFailureIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, 3).Send(context.Background(), "doc-1", "test", "")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusInternalServerError || se.Body != "internal" {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BreakerFailures: 2, BreakerCooldown: time.Minute, Logger: zerolog.Nop()})
	for i := 0; i < 2; i++ {
		_ = c.MarkSeen(context.Background(), "doc-1")
	}
	if err := c.MarkSeen(context.Background(), "doc-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_CallerCancelDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"_id":"m1","message":"hi","senderId":"admin-1","doctorId":"doc-1"}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, BreakerFailures: 2, BreakerCooldown: time.Minute, Logger: zerolog.Nop()})
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.History(ctx, "doc-1")
		cancel()
		if errors.Is(err, ErrUnavailable) {
			t.Fatalf("history %d: expected caller error, got %v", i, err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("history %d: expected deadline exceeded, got %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.History(ctx, "doc-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	if _, err := c.Send(context.Background(), "doc-1", "hi", "t1"); err != nil {
		t.Fatalf("expected send to succeed after abandoned reads, got %v", err)
	}
}

func TestClient_RequestTimeoutTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, BreakerFailures: 2, BreakerCooldown: time.Minute, Logger: zerolog.Nop()})
	for i := 0; i < 2; i++ {
		_ = c.MarkSeen(context.Background(), "doc-1")
	}
	if err := c.MarkSeen(context.Background(), "doc-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	if err := c.Delete(context.Background(), "m1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_UpdateAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/chat/message/update/m1":
			_, _ = io.WriteString(w, `{"updatedMsg":{"_id":"m1","message":"new","isEdited":true}}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/chat/message/delete/m1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv, 0)
	m, err := c.Update(context.Background(), "m1", "new")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Body != "new" || !m.Edited {
		t.Fatalf("unexpected updated message %+v", m)
	}
	if err := c.Delete(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestClient_UploadSessionFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat-session/s1/upload-file" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "%PDF" || hdr.Filename != "scan.pdf" {
			t.Errorf("unexpected upload %q %q", hdr.Filename, data)
		}
		_, _ = io.WriteString(w, `{"msg":{"_id":"f1","fileUrl":"/api/chat-session/files/f1","fileName":"scan.pdf","sessionId":"s1"}}`)
	}))
	defer srv.Close()

	m, err := newTestClient(srv, 0).UploadSessionFile(context.Background(), "s1", "scan.pdf", "application/pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if m.AttachmentURL() != "/api/chat-session/files/f1" || m.ConversationID != "s1" {
		t.Fatalf("unexpected upload result %+v", m)
	}
}

func TestClient_DoctorsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"doctors":[{"_id":"doc-1","name":"Dr. A"}]}`)
	}))
	defer srv.Close()

	v, err := newTestClient(srv, 0).DoctorsList(context.Background())
	if err != nil {
		t.Fatalf("doctors list: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok || obj["doctors"] == nil {
		t.Fatalf("expected doctors object, got %#v", v)
	}
}
