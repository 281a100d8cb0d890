package repo

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

// newTestDB opens a unique in-memory database per test with the full schema.
// A single connection serializes writers, which shared-cache SQLite needs.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
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

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// mustConversation creates the conversation between a and b inside a transaction.
func mustConversation(t *testing.T, db *gorm.DB, a, b string) *domain.Conversation {
	t.Helper()
	var conv *domain.Conversation
	err := db.Transaction(func(tx *gorm.DB) error {
		c, _, err := FindOrCreateConversation(context.Background(), tx, a, b, a)
		conv = c
		return err
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation(%s,%s): %v", a, b, err)
	}
	return conv
}
