package sqlite

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// testClock is a settable clock for deterministic timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func attachTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b := NewBackend(opts...)
	if err := b.Attach(types.Config{DataDir: t.TempDir(), OwnerID: "owner-1"}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { b.Detach() })
	return b
}

func TestNewBackend_DiscardsLogsByDefault(t *testing.T) {
	l, ok := NewBackend().log.(*logrus.Logger)
	if !ok || l.Out != io.Discard {
		t.Fatalf("default logger = %#v, want a discarding *logrus.Logger", NewBackend().log)
	}
}

func TestBackend_Attach(t *testing.T) {
	tmpDir := t.TempDir()

	b := NewBackend()
	config := types.Config{DataDir: tmpDir}

	if err := b.Attach(config); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	dbPath := filepath.Join(tmpDir, DatabaseFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("%s not created", DatabaseFile)
	}

	if err := b.Attach(config); !errors.Is(err, types.ErrAlreadyAttached) {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}

	n, err := b.TableCount(context.Background())
	if err != nil {
		t.Fatalf("TableCount failed: %v", err)
	}
	if n != len(coreTables) {
		t.Errorf("fresh store has %d tables, want %d", n, len(coreTables))
	}

	b.Detach()
}

func TestBackend_AttachRejectsInvalidConfig(t *testing.T) {
	b := NewBackend()
	if err := b.Attach(types.Config{}); !errors.Is(err, types.ErrDataDirEmpty) {
		t.Errorf("expected ErrDataDirEmpty, got %v", err)
	}
}

func TestBackend_Detach(t *testing.T) {
	b := NewBackend()
	if err := b.Attach(types.Config{DataDir: t.TempDir()}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := b.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if err := b.Detach(); err != nil {
		t.Errorf("second Detach should not error, got %v", err)
	}

	if _, err := b.IsCompleted(context.Background(), types.OpCheckpoint); !errors.Is(err, types.ErrStoreDetached) {
		t.Errorf("expected ErrStoreDetached, got %v", err)
	}
}

func TestBackend_ReattachKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := NewBackend()
	if err := b.Attach(types.Config{DataDir: dir}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.SetSchemaVersion(ctx, 3); err != nil {
		t.Fatalf("SetSchemaVersion failed: %v", err)
	}
	b.Detach()

	b = NewBackend()
	if err := b.Attach(types.Config{DataDir: dir}); err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	defer b.Detach()
	v, err := b.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != 3 {
		t.Errorf("schema version = %d after reattach, want 3", v)
	}
}

func TestBackend_Destroy(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	if err := b.Attach(types.Config{DataDir: dir}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DatabaseFile)); !os.IsNotExist(err) {
		t.Errorf("database file still present: %v", err)
	}
}

func TestControlRecords(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	b := attachTestBackend(t, WithClock(clock.Now))

	done, err := b.IsCompleted(ctx, types.OpInitialSynchronization)
	if err != nil || done {
		t.Fatalf("IsCompleted on empty store = %v, %v", done, err)
	}

	if err := b.MarkOperation(ctx, types.OpInitialSynchronization, types.OpFailed); err != nil {
		t.Fatal(err)
	}
	if done, _ := b.IsCompleted(ctx, types.OpInitialSynchronization); done {
		t.Error("a failed record must not count as completed")
	}
	if err := b.MarkOperation(ctx, types.OpInitialSynchronization, types.OpCompleted); err != nil {
		t.Fatal(err)
	}
	if done, _ := b.IsCompleted(ctx, types.OpInitialSynchronization); !done {
		t.Error("expected initial synchronization to be completed")
	}

	if _, ok, _ := b.LastCheckpoint(ctx); ok {
		t.Error("expected no checkpoint yet")
	}
	first := clock.Now().Add(-time.Hour)
	second := clock.Now()
	b.SetCheckpoint(ctx, second)
	b.SetCheckpoint(ctx, first)
	got, ok, err := b.LastCheckpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("LastCheckpoint = %v, %v", ok, err)
	}
	if !got.Equal(second) {
		t.Errorf("LastCheckpoint = %v, want max %v", got, second)
	}

	records, err := b.ControlRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Errorf("got %d control records, want 4", len(records))
	}
}

func TestTimeSetting(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)

	if _, ok, err := b.TimeSetting(ctx, SettingReadableRefreshed); ok || err != nil {
		t.Fatalf("unset TimeSetting = %v, %v", ok, err)
	}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := b.SetTimeSetting(ctx, SettingReadableRefreshed, at); err != nil {
		t.Fatal(err)
	}
	got, ok, err := b.TimeSetting(ctx, SettingReadableRefreshed)
	if err != nil || !ok || !got.Equal(at) {
		t.Errorf("TimeSetting = %v, %v, %v; want %v", got, ok, err, at)
	}
}
