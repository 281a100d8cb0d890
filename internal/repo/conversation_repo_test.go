package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatalf("pair key must not depend on argument order")
	}
	if got := PairKey("b", "a"); got != "1:a:b" {
		t.Fatalf("PairKey(b,a) = %q; want 1:a:b", got)
	}
	if PairKey("a:b", "c") == PairKey("a", "b:c") {
		t.Fatalf("ids containing the separator must not collide")
	}
}

func TestFindOrCreateConversation_SeparatorInIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	create := func(a, b string) *domain.Conversation {
		t.Helper()
		var c *domain.Conversation
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			c, _, err = FindOrCreateConversation(ctx, tx, a, b, a)
			return err
		})
		if err != nil {
			t.Fatalf("FindOrCreate(%q,%q): %v", a, b, err)
		}
		return c
	}
	first := create("a:b", "c")
	second := create("a", "b:c")
	if first.ID == second.ID {
		t.Fatalf("distinct pairs share conversation %s", first.ID)
	}
	ok, err := IsParticipant(ctx, db, second.ID, "a")
	if err != nil || !ok {
		t.Fatalf("a must participate in its own conversation: %v %v", ok, err)
	}
	if ok, _ := IsParticipant(ctx, db, first.ID, "a"); ok {
		t.Fatalf("a must not participate in the (a:b, c) conversation")
	}

	r1, err := CreateRequest(ctx, db, "a:b", "c", nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	r2, err := CreateRequest(ctx, db, "a", "b:c", nil)
	if err != nil {
		t.Fatalf("second pending request collided: %v", err)
	}
	if *r1.PendingKey == *r2.PendingKey {
		t.Fatalf("pending keys collide: %q", *r1.PendingKey)
	}
}

func TestFindOrCreateConversation_CreatesOnceWithParticipants(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var first, second *domain.Conversation
	var created1, created2 bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, created1, err = FindOrCreateConversation(ctx, tx, "alice", "bob", "alice")
		return err
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		second, created2, err = FindOrCreateConversation(ctx, tx, "bob", "alice", "bob")
		return err
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if !created1 || created2 {
		t.Fatalf("created flags = %v, %v; want true, false", created1, created2)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, second.ID)
	}
	if first.CreatedBy != "alice" || second.CreatedBy != "alice" {
		t.Fatalf("created_by should stay with the creator: %q / %q", first.CreatedBy, second.CreatedBy)
	}
	if len(second.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(second.Participants))
	}

	var n int64
	db.Model(&domain.Participant{}).Where("conversation_id = ?", first.ID).Count(&n)
	if n != 2 {
		t.Fatalf("expected exactly 2 participant rows, got %d", n)
	}
}

func TestFindOrCreateConversation_ConcurrentCallersShareOneRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			errs[i] = db.Transaction(func(tx *gorm.DB) error {
				c, _, err := FindOrCreateConversation(ctx, tx, a, b, a)
				if err == nil {
					ids[i] = c.ID
				}
				return err
			})
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
	var n int64
	db.Model(&domain.Conversation{}).Where("pair_key = ?", PairKey("alice", "bob")).Count(&n)
	if n != 1 {
		t.Fatalf("expected one conversation row, got %d", n)
	}
}

func TestFindOrCreateConversation_ExistingRowWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pre := &domain.Conversation{ID: "11111111-1111-1111-1111-111111111111", PairKey: PairKey("x", "y"), CreatedBy: "x"}
	if err := db.Create(pre).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	var got *domain.Conversation
	var created bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		got, created, err = FindOrCreateConversation(ctx, tx, "y", "x", "y")
		return err
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	if created || got.ID != pre.ID {
		t.Fatalf("expected existing conversation %s (created=false), got %s (created=%v)", pre.ID, got.ID, created)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetConversation(context.Background(), db, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := GetConversationByPair(context.Background(), db, "a", "b"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound by pair, got %v", err)
	}
}

func TestIsParticipant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	conv := mustConversation(t, db, "alice", "bob")

	for _, tc := range []struct {
		user string
		want bool
	}{{"alice", true}, {"bob", true}, {"carol", false}} {
		got, err := IsParticipant(ctx, db, conv.ID, tc.user)
		if err != nil {
			t.Fatalf("IsParticipant(%s): %v", tc.user, err)
		}
		if got != tc.want {
			t.Fatalf("IsParticipant(%s) = %v; want %v", tc.user, got, tc.want)
		}
	}
}

func TestListConversationsForUser_OrderedByUpdatedAtDesc(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c1 := mustConversation(t, db, "alice", "bob")
	c2 := mustConversation(t, db, "alice", "carol")
	_ = mustConversation(t, db, "bob", "carol")

	base := time.Now().UTC()
	if err := TouchConversation(ctx, db, c1.ID, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("touch c1: %v", err)
	}
	if err := TouchConversation(ctx, db, c2.ID, base.Add(time.Minute)); err != nil {
		t.Fatalf("touch c2: %v", err)
	}

	list, err := ListConversationsForUser(ctx, db, "alice")
	if err != nil {
		t.Fatalf("ListConversationsForUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations for alice, got %d", len(list))
	}
	if list[0].ID != c1.ID || list[1].ID != c2.ID {
		t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
	}
	if len(list[0].Participants) != 2 {
		t.Fatalf("participants not preloaded")
	}
}

func TestLatestMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c1 := mustConversation(t, db, "alice", "bob")
	c2 := mustConversation(t, db, "alice", "carol")

	base := time.Now().UTC()
	if _, err := CreateMessage(ctx, db, c1.ID, "alice", "first", base); err != nil {
		t.Fatalf("create: %v", err)
	}
	last, err := CreateMessage(ctx, db, c1.ID, "bob", "second", base.Add(time.Second))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := LatestMessages(ctx, db, []string{c1.ID, c2.ID})
	if err != nil {
		t.Fatalf("LatestMessages: %v", err)
	}
	if m, ok := got[c1.ID]; !ok || m.ID != last.ID {
		t.Fatalf("expected latest message %s for c1, got %+v", last.ID, got[c1.ID])
	}
	if _, ok := got[c2.ID]; ok {
		t.Fatalf("conversation without messages must be absent")
	}

	empty, err := LatestMessages(ctx, db, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty map for no ids, got %v, %v", empty, err)
	}
}
