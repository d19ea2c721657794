package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newClient(hub *Hub, id string) *Client {
	c := &Client{ID: id, Send: make(chan []byte, 256), hub: hub}
	hub.Register(c)
	return c
}

func frame(t *testing.T, event string, payload any) Frame {
	t.Helper()
	f, err := NewFrame(event, payload)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return f
}

// next reads the next frame for event, skipping others.
func next(t *testing.T, c *Client, event string) Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.Send:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", event, c.ID)
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func expectNothing(t *testing.T, c *Client, event string) {
	t.Helper()
	for {
		select {
		case data := <-c.Send:
			var f Frame
			_ = json.Unmarshal(data, &f)
			if f.Event == event {
				t.Fatalf("unexpected %s on %s: %s", event, c.ID, f.Data)
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_IdentifyBroadcastsOnline(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	admin := newClient(hub, "c1")
	doctor := newClient(hub, "c2")

	hub.ProcessFrame(ctx, admin, frame(t, EventAddAdmin, "admin-1"))
	hub.ProcessFrame(ctx, doctor, frame(t, EventAddUser, "d1"))

	f := next(t, admin, EventOnlineUsers)
	f = next(t, admin, EventOnlineUsers)
	var ids []string
	if err := json.Unmarshal(f.Data, &ids); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if len(ids) != 2 || ids[0] != "admin-1" || ids[1] != "d1" {
		t.Fatalf("expected [admin-1 d1], got %v", ids)
	}
	if doctor.Role != RoleDoctor || admin.Role != RoleAdmin {
		t.Fatalf("unexpected roles %q %q", admin.Role, doctor.Role)
	}
}

func TestHub_IdentifyAcceptsObjectPayload(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	c := newClient(hub, "c1")
	hub.ProcessFrame(context.Background(), c, frame(t, EventAddUser, map[string]any{"userId": 42}))
	if hub.IdentityCount("42") != 1 {
		t.Fatalf("expected identity 42 registered, got %d", hub.IdentityCount("42"))
	}
}

func TestHub_UnregisterLastSocketGoesOffline(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	admin := newClient(hub, "a")
	tab1 := newClient(hub, "d-tab1")
	tab2 := newClient(hub, "d-tab2")
	hub.Identify(ctx, admin, "admin-1", RoleAdmin)
	hub.Identify(ctx, tab1, "d1", RoleDoctor)
	hub.Identify(ctx, tab2, "d1", RoleDoctor)
	drain(admin)

	hub.Unregister(ctx, tab1)
	expectNothing(t, admin, EventOnlineUsers)
	if got := hub.Online(ctx); len(got) != 2 {
		t.Fatalf("expected d1 still online, got %v", got)
	}

	hub.Unregister(ctx, tab2)
	f := next(t, admin, EventOnlineUsers)
	var ids []string
	_ = json.Unmarshal(f.Data, &ids)
	if len(ids) != 1 || ids[0] != "admin-1" {
		t.Fatalf("expected [admin-1], got %v", ids)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	c := newClient(hub, "close-me")
	hub.Unregister(context.Background(), c)

	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
	// A second unregister is a no-op.
	hub.Unregister(context.Background(), c)
}

func TestHub_AdminTypingReachesDoctorOnly(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	admin := newClient(hub, "a")
	d1 := newClient(hub, "d1")
	d2 := newClient(hub, "d2")
	hub.Identify(ctx, admin, "admin-1", RoleAdmin)
	hub.Identify(ctx, d1, "d1", RoleDoctor)
	hub.Identify(ctx, d2, "d2", RoleDoctor)

	hub.ProcessFrame(ctx, admin, frame(t, EventAdminTyping, map[string]any{"isTyping": true, "doctorId": "d1"}))

	f := next(t, d1, EventAdminTyping)
	var p map[string]any
	_ = json.Unmarshal(f.Data, &p)
	if p["isTyping"] != true || p["adminId"] != "admin-1" {
		t.Fatalf("unexpected typing payload %v", p)
	}
	expectNothing(t, d2, EventAdminTyping)
}

func TestHub_DoctorTypingReachesAdmins(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	a1 := newClient(hub, "a1")
	a2 := newClient(hub, "a2")
	doc := newClient(hub, "doc")
	hub.Identify(ctx, a1, "admin-1", RoleAdmin)
	hub.Identify(ctx, a2, "admin-2", RoleAdmin)
	hub.Identify(ctx, doc, "d1", RoleDoctor)

	hub.ProcessFrame(ctx, doc, frame(t, EventDoctorTyping, map[string]any{"isTyping": "true"}))

	for _, c := range []*Client{a1, a2} {
		f := next(t, c, EventDoctorTyping)
		var p map[string]any
		_ = json.Unmarshal(f.Data, &p)
		if p["doctorId"] != "d1" || p["isTyping"] != true {
			t.Fatalf("unexpected payload on %s: %v", c.ID, p)
		}
	}
}

func TestHub_TypingFromWrongRoleIgnored(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	doc := newClient(hub, "doc")
	other := newClient(hub, "other")
	hub.Identify(ctx, doc, "d1", RoleDoctor)
	hub.Identify(ctx, other, "d2", RoleDoctor)

	hub.ProcessFrame(ctx, doc, frame(t, EventAdminTyping, map[string]any{"isTyping": true, "doctorId": "d2"}))
	expectNothing(t, other, EventAdminTyping)
}

func TestHub_RelayChangeToDoctorAndOtherAdmins(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	sender := newClient(hub, "a1")
	peer := newClient(hub, "a2")
	doc := newClient(hub, "doc")
	hub.Identify(ctx, sender, "admin-1", RoleAdmin)
	hub.Identify(ctx, peer, "admin-2", RoleAdmin)
	hub.Identify(ctx, doc, "d1", RoleDoctor)

	hub.ProcessFrame(ctx, sender, frame(t, EventMessageDeleted, map[string]string{"messageId": "m1", "doctorId": "d1"}))

	for _, c := range []*Client{peer, doc} {
		f := next(t, c, EventMessageDeleted)
		if !strings.Contains(string(f.Data), `"m1"`) {
			t.Fatalf("expected m1 in payload, got %s", f.Data)
		}
	}
	expectNothing(t, sender, EventMessageDeleted)
}

func TestHub_SendToAndSendRole(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	a := newClient(hub, "a")
	d := newClient(hub, "d")
	hub.Identify(ctx, a, "admin-1", RoleAdmin)
	hub.Identify(ctx, d, "d1", RoleDoctor)

	if n := hub.SendTo("d1", EventReceiveMessage, map[string]string{"_id": "m1"}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if n := hub.SendTo("nobody", EventReceiveMessage, nil); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
	if n := hub.SendRole(RoleAdmin, EventDoctorReplyAdmin, "hi"); n != 1 {
		t.Fatalf("expected 1 admin delivery, got %d", n)
	}
	next(t, d, EventReceiveMessage)
	next(t, a, EventDoctorReplyAdmin)
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	c := &Client{ID: "slow", Send: make(chan []byte, 1), hub: hub}
	hub.Register(c)
	hub.Identify(context.Background(), c, "d1", RoleDoctor)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.SendTo("d1", EventReceiveMessage, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendTo blocked on a full buffer")
	}
}

func TestHub_ConcurrentIdentifyUnregister(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &Client{ID: "c", Send: make(chan []byte, 256), hub: hub}
			hub.Register(c)
			hub.Identify(ctx, c, "d1", RoleDoctor)
			hub.SendRole(RoleDoctor, EventOnlineUsers, nil)
			hub.Unregister(ctx, c)
		}(i)
	}
	wg.Wait()
	if hub.ClientCount() != 0 || hub.IdentityCount("d1") != 0 {
		t.Fatalf("expected empty hub, got %d clients", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(NewHub(nil, zerolog.Nop()), nil, zerolog.Nop())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	handler := NewHandler(hub, nil, zerolog.Nop())

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(Frame{Event: EventAddAdmin, Data: json.RawMessage(`"admin-1"`)}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if f.Event != EventOnlineUsers || !strings.Contains(string(f.Data), "admin-1") {
		t.Fatalf("expected onlineUsers with admin-1, got %s %s", f.Event, f.Data)
	}

	hub.SendTo("admin-1", EventDoctorReplyAdmin, "hello")
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if f.Event != EventDoctorReplyAdmin || string(f.Data) != `"hello"` {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	handler := NewHandler(NewHub(nil, zerolog.Nop()), []string{"https://admin.example.com"}, zerolog.Nop())
	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
}
