package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/gatherchat/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.ChatMessage{}, &models.OutboxEntry{}, &models.Ticket{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testDB(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func msg(id, event string, ts int64) models.ChatMessage {
	return models.ChatMessage{
		ID:         id,
		EventID:    event,
		SenderID:   "u1",
		SenderName: "Alice",
		Text:       "text " + id,
		Timestamp:  ts,
	}
}

func TestNew_NilDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestPut_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := msg("m1", "e1", 100)

	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	got, err := s.ByEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("ByEvent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Text != "text m1" || got[0].Timestamp != 100 {
		t.Errorf("stored = %+v", got[0])
	}
}

func TestPut_KeepsFirstReceivedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	first := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	if err := s.Put(ctx, msg("m1", "e1", 1)); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return first.Add(time.Hour) }
	if err := s.Put(ctx, msg("m1", "e1", 1)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.ReceivedAt.Equal(first) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, first)
	}
}

func TestPut_UpdatesOfflineFlag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := msg("m1", "e1", 1)
	m.IsOffline = true
	if err := s.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.IsOffline = false
	if err := s.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "m1")
	if got.IsOffline {
		t.Error("IsOffline should be cleared by upsert")
	}
}

func TestPut_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, models.ChatMessage{EventID: "e1"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := s.Put(ctx, models.ChatMessage{ID: "x"}); err == nil {
		t.Error("expected error for missing event id")
	}
}

func TestByEvent_PartitionedByEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, m := range []models.ChatMessage{msg("a", "e1", 3), msg("b", "e1", 1), msg("c", "e2", 2)} {
		if err := s.Put(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	e1, _ := s.ByEvent(ctx, "e1")
	if len(e1) != 2 {
		t.Errorf("e1 has %d messages, want 2", len(e1))
	}
	e2, _ := s.ByEvent(ctx, "e2")
	if len(e2) != 1 || e2[0].ID != "c" {
		t.Errorf("e2 = %+v", e2)
	}
}

func TestByEvent_UnknownEventIsEmpty(t *testing.T) {
	s := testStore(t)
	got, err := s.ByEvent(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("ByEvent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEvents_Counts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Put(ctx, msg("a", "e1", 1))
	s.Put(ctx, msg("b", "e1", 2))
	s.Put(ctx, msg("c", "e2", 3))

	got, err := s.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if got["e1"] != 2 || got["e2"] != 1 {
		t.Errorf("Events = %v", got)
	}
}

func TestPut_ConcurrentSameEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := s.Put(ctx, msg(fmt.Sprintf("m%d", i), "e1", int64(i))); err != nil {
					t.Errorf("Put: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.ByEvent(ctx, "e1")
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestPrune_KeepsRecentAndPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	s.Put(ctx, msg("old", "e1", 1))
	s.Put(ctx, msg("old-pending", "e1", 2))
	if err := s.Enqueue(ctx, models.OutboxEntry{MessageID: "old-pending", EventID: "e1", Payload: []byte("{}")}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	s.Put(ctx, msg("new", "e1", 3))

	n, err := s.Prune(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	left, _ := s.ByEvent(ctx, "e1")
	ids := map[string]bool{}
	for _, m := range left {
		ids[m.ID] = true
	}
	if ids["old"] || !ids["old-pending"] || !ids["new"] {
		t.Errorf("remaining = %v", ids)
	}
}

func TestPrune_HonoursContext(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.Put(context.Background(), msg("old", "e1", 1))
	cancel()

	if _, err := s.Prune(ctx, time.Now().Add(time.Hour)); err == nil {
		t.Fatal("Prune with a cancelled context should fail")
	}
	if got, _ := s.ByEvent(context.Background(), "e1"); len(got) != 1 {
		t.Errorf("messages = %d, want 1 kept", len(got))
	}
}
