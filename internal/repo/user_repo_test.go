package repo

import (
	"context"
	"testing"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

func TestUpsertUser_InsertThenUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	name := "Alice"
	if err := UpsertUser(ctx, db, &domain.User{ID: "alice", Email: "alice@example.com", DisplayName: &name}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	renamed := "Alice L."
	if err := UpsertUser(ctx, db, &domain.User{ID: "alice", Email: "alice@example.org", DisplayName: &renamed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	u, err := GetUser(ctx, db, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "alice@example.org" || u.DisplayName == nil || *u.DisplayName != "Alice L." {
		t.Fatalf("profile not refreshed: %+v", u)
	}

	byEmail, err := GetUserByEmail(ctx, db, "alice@example.org")
	if err != nil || byEmail.ID != "alice" {
		t.Fatalf("GetUserByEmail: %+v, %v", byEmail, err)
	}
	if _, err := GetUserByEmail(ctx, db, "alice@example.com"); err != ErrNotFound {
		t.Fatalf("old email should be gone, got %v", err)
	}
}

func TestUpsertUser_EmailTakenByOtherUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := UpsertUser(ctx, db, &domain.User{ID: "alice", Email: "shared@example.com"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := UpsertUser(ctx, db, &domain.User{ID: "bob", Email: "shared@example.com"}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetUsers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = UpsertUser(ctx, db, &domain.User{ID: "alice", Email: "a@example.com"})
	_ = UpsertUser(ctx, db, &domain.User{ID: "bob", Email: "b@example.com"})

	got, err := GetUsers(ctx, db, []string{"alice", "bob", "ghost"})
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(got) != 2 || got["alice"].Email != "a@example.com" {
		t.Fatalf("unexpected users: %+v", got)
	}
	if _, ok := got["ghost"]; ok {
		t.Fatalf("unknown id must be absent")
	}
}
