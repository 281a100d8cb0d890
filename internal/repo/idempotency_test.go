package repo

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestGetIdempotency_BlankInputs(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	if rec, err := GetIdempotency(context.Background(), db, "u1", "   ", "k1", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for blank conversation, got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "u1", "c1", "", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for blank key, got (%v, %v)", rec, err)
	}
}

func TestIdempotency_CreateGetDuplicateExpire(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m1", http.StatusCreated, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.MessageID != "m1" || !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "u1", "c1", "k1", time.Now().UTC())
	if err != nil || got.MessageID != "m1" {
		t.Fatalf("GetIdempotency: %+v, %v", got, err)
	}

	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m2", http.StatusCreated, time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Other users do not see the record.
	if _, err := GetIdempotency(ctx, db, "u2", "c1", "k1", time.Now().UTC()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}

	// Past the TTL it is invisible and purgeable.
	later := time.Now().UTC().Add(2 * time.Hour)
	if _, err := GetIdempotency(ctx, db, "u1", "c1", "k1", later); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db, later)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency = %d, %v; want 1", n, err)
	}
}

func TestReleaseExpiredIdempotency_FreesKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m1", http.StatusCreated, time.Minute); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	// Still live: nothing released.
	if err := ReleaseExpiredIdempotency(ctx, db, "u1", "c1", "k1", time.Now().UTC()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m2", http.StatusCreated, time.Minute); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate while live, got %v", err)
	}

	later := time.Now().UTC().Add(time.Hour)
	if err := ReleaseExpiredIdempotency(ctx, db, "u1", "c1", "k1", later); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m2", http.StatusCreated, time.Minute); err != nil {
		t.Fatalf("key should be reusable after release: %v", err)
	}
}
