// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/events"
	"github.com/MNhat168/sport-zone-sub005/store"
)

// Start is the fake clock's default start, 10:00 in Vietnam.
var Start = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

// OpenDB returns a migrated in-memory SQLite database private to t.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// The memory database lives as long as its one connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Env bundles a store with the fake clock and event recorder behind it.
type Env struct {
	DB     *gorm.DB
	Store  *store.Store
	Clock  *clock.Fake
	Events *events.Recorder
}

func New(t testing.TB) *Env {
	t.Helper()
	db := OpenDB(t)
	clk := clock.NewFake(Start)
	rec := &events.Recorder{}
	return &Env{
		DB:     db,
		Store:  store.New(db, store.Options{Clock: clk, Publisher: rec}),
		Clock:  clk,
		Events: rec,
	}
}
