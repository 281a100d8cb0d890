package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type published struct {
	inbox string // empty for conversation events
	ev    bus.Event
}

// recorder is a Publisher that keeps every event in order.
type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) PublishConversation(_ context.Context, ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{ev: ev})
	return nil
}

func (r *recorder) PublishInbox(_ context.Context, userID string, ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.UserID = userID
	r.events = append(r.events, published{inbox: userID, ev: ev})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

func (r *recorder) kinds() []bus.Kind {
	var out []bus.Kind
	for _, p := range r.all() {
		out = append(out, p.ev.Type)
	}
	return out
}

// stepClock returns increasing timestamps one second apart.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func mustUser(t *testing.T, db *gorm.DB, id, email, name string) domain.User {
	t.Helper()
	u, err := NewUserService(db).Upsert(context.Background(), domain.User{ID: id, Email: email, DisplayName: &name})
	if err != nil {
		t.Fatalf("Upsert(%s): %v", id, err)
	}
	return *u
}

func countConversations(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&domain.Conversation{}).Where("id <> ?", domain.GlobalRoomID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
