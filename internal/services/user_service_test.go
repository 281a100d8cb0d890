package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

func TestNormalizeEmail(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  Alice@Example.COM ", "alice@example.com", false},
		{"straße@example.de", "strasse@example.de", false},
		{"", "", true},
		{"no-at-sign", "", true},
		{"Alice <alice@example.com>", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeEmail(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("NormalizeEmail(%q) err = %v; want ErrValidation", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeEmail(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestUserService_UpsertAndLookup(t *testing.T) {
	db := newTestDB(t)
	s := NewUserService(db)
	ctx := context.Background()

	name := "  Alice  "
	blank := " "
	u, err := s.Upsert(ctx, domain.User{ID: "alice", Email: "Alice@Example.com", DisplayName: &name, AvatarURL: &blank})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if u.Email != "alice@example.com" || u.DisplayName == nil || *u.DisplayName != "Alice" || u.AvatarURL != nil {
		t.Fatalf("stored = %+v", u)
	}

	// Profile update keeps the id.
	renamed := "Al"
	u, err = s.Upsert(ctx, domain.User{ID: "alice", Email: "alice@example.com", DisplayName: &renamed})
	if err != nil || *u.DisplayName != "Al" {
		t.Fatalf("update = %+v, %v", u, err)
	}

	if _, err := s.Upsert(ctx, domain.User{ID: "imposter", Email: "ALICE@example.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("email collision: %v", err)
	}
	if _, err := s.Upsert(ctx, domain.User{Email: "x@example.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing id: %v", err)
	}

	found, err := s.FindByEmail(ctx, "ALICE@EXAMPLE.COM")
	if err != nil || found.ID != "alice" {
		t.Fatalf("FindByEmail = %+v, %v", found, err)
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown: %v", err)
	}

	ps, err := s.Profiles(ctx, []string{"alice", "ghost"})
	if err != nil || ps["alice"].Email != "alice@example.com" || ps["ghost"].ID != "ghost" {
		t.Fatalf("Profiles = %+v, %v", ps, err)
	}
}
