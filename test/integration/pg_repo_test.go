package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	domainchat "github.com/medrx/adminchat/internal/domain/chat"
)

func TestPGDoctorRepo(t *testing.T) {
	ctx := context.Background()
	repo := domainchat.NewDoctorRepoPG(schemaPool(t, ctx))

	for _, d := range []*domainchat.Doctor{
		{ID: "d2", Name: "Dr. Bob"},
		{ID: "d1", Name: "Dr. Ada", Email: "ada@example.com"},
	} {
		if err := repo.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
		if d.CreatedAt.IsZero() {
			t.Fatalf("expected created_at for %s", d.ID)
		}
	}

	// Upsert keeps the original creation time.
	first, _ := repo.GetByID(ctx, "d1")
	if err := repo.Upsert(ctx, &domainchat.Doctor{ID: "d1", Name: "Dr. Ada Lovelace"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := repo.GetByID(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Dr. Ada Lovelace" || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unexpected doctor after upsert: %+v", got)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "d1" || list[1].ID != "d2" {
		t.Fatalf("expected doctors sorted by name, got %+v", list)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, domainchat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGMessageRepo(t *testing.T) {
	ctx := context.Background()
	repo := domainchat.NewMessageRepoPG(schemaPool(t, ctx))

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []*domainchat.Message{
		{DoctorID: "d1", SenderID: "d1", SenderRole: domainchat.RoleDoctor, Body: "first", Type: domainchat.TypeText, CreatedAt: at},
		// Same timestamp: insertion order decides.
		{DoctorID: "d1", SenderID: "admin-1", SenderRole: domainchat.RoleAdmin, Body: "second", Type: domainchat.TypeText, CreatedAt: at},
		{DoctorID: "d1", SenderID: "d1", SenderRole: domainchat.RoleDoctor, Body: "third", Type: domainchat.TypeText, CreatedAt: at.Add(time.Minute)},
		{DoctorID: "d2", SenderID: "d2", SenderRole: domainchat.RoleDoctor, Body: "other", Type: domainchat.TypeText, CreatedAt: at},
		{DoctorID: "d1", SessionID: "s1", SenderID: "d1", SenderRole: domainchat.RoleDoctor, Body: "in session", Type: domainchat.TypeText, CreatedAt: at.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := repo.Create(ctx, m); err != nil {
			t.Fatalf("create %q: %v", m.Body, err)
		}
		if m.ID == "" {
			t.Fatalf("expected id for %q", m.Body)
		}
	}

	history, err := repo.ListByDoctor(ctx, "d1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 chat messages, got %d", len(history))
	}
	for i, want := range []string{"first", "second", "third"} {
		if history[i].Body != want {
			t.Errorf("position %d: expected %q, got %q", i, want, history[i].Body)
		}
	}

	session, _ := repo.ListBySession(ctx, "s1")
	if len(session) != 1 || session[0].Body != "in session" {
		t.Fatalf("unexpected session messages %+v", session)
	}

	unread, err := repo.Unread(ctx, domainchat.RoleDoctor)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread["d1"] != 2 || unread["d2"] != 1 {
		t.Fatalf("unexpected unread %v", unread)
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest["d1"].Body != "third" || latest["d2"].Body != "other" {
		t.Fatalf("unexpected latest d1=%q d2=%q", latest["d1"].Body, latest["d2"].Body)
	}

	n, err := repo.MarkSeen(ctx, "d1", domainchat.RoleDoctor)
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 marked, got %d", n)
	}
	if n, _ := repo.MarkSeen(ctx, "d1", domainchat.RoleDoctor); n != 0 {
		t.Fatalf("expected second mark to touch nothing, got %d", n)
	}
	unread, _ = repo.Unread(ctx, domainchat.RoleDoctor)
	if unread["d1"] != 0 {
		t.Fatalf("expected d1 read, got %v", unread)
	}

	edit := msgs[1]
	edit.Body = "second, edited"
	edit.Edited = true
	if err := repo.Update(ctx, edit); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.GetByID(ctx, edit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "second, edited" || !got.Edited || !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatalf("unexpected updated message %+v", got)
	}

	if err := repo.Delete(ctx, edit.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, edit.ID); !errors.Is(err, domainchat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := repo.GetByID(ctx, edit.ID); !errors.Is(err, domainchat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.Update(ctx, &domainchat.Message{ID: "missing"}); !errors.Is(err, domainchat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestPGSessionRepo(t *testing.T) {
	ctx := context.Background()
	repo := domainchat.NewSessionRepoPG(schemaPool(t, ctx))

	s := &domainchat.Session{DoctorID: "d1", Question: "Can these be combined?"}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID == "" || s.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at, got %+v", s)
	}

	got, err := repo.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DoctorID != "d1" || got.Question != s.Question {
		t.Fatalf("unexpected session %+v", got)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, domainchat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
