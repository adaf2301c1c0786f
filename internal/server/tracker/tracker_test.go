package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/db/sqlite"
)

func newTestTracker(t *testing.T) (*Tracker, db.Store, int64) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	userID, err := store.Queries().Users().Create(context.Background(), &db.User{
		ExternalID:  "discord:1001",
		DisplayName: "tester",
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	tracker, err := New(Params{Store: store})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker, store, userID
}

func TestOpenAssignsCorrelationID(t *testing.T) {
	tracker, _, userID := newTestTracker(t)
	ctx := context.Background()

	first, err := tracker.Open(ctx, userID, db.DeployVMCreate, []byte(`{"name":"web-01"}`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := tracker.Open(ctx, userID, db.DeployVMCreate, nil)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	if first.DeploymentID == "" || first.DeploymentID == second.DeploymentID {
		t.Fatalf("expected distinct correlation ids, got %q / %q", first.DeploymentID, second.DeploymentID)
	}
	if first.Status != db.DeploymentPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	loaded, err := tracker.Get(ctx, first.DeploymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(loaded.Payload) != `{"name":"web-01"}` {
		t.Fatalf("payload not round-tripped: %s", loaded.Payload)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	tracker, _, userID := newTestTracker(t)
	ctx := context.Background()

	d, err := tracker.Open(ctx, userID, db.DeployVMStart, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := tracker.MarkInProgress(ctx, d.DeploymentID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	tracker.SetProgress(ctx, d.DeploymentID, 40)
	if err := tracker.MarkCompleted(ctx, d.DeploymentID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	loaded, err := tracker.Get(ctx, d.DeploymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != db.DeploymentCompleted || loaded.Progress != 100 {
		t.Fatalf("unexpected terminal deployment: %+v", loaded)
	}
	if loaded.CompletedAt == nil {
		t.Fatalf("expected completed_at on terminal deployment")
	}
}

func TestTerminalIsFinal(t *testing.T) {
	tracker, _, userID := newTestTracker(t)
	ctx := context.Background()

	d, err := tracker.Open(ctx, userID, db.DeployVMStop, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.MarkFailed(ctx, d.DeploymentID, "gateway unreachable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := tracker.MarkCompleted(ctx, d.DeploymentID); !errors.Is(err, ErrDeploymentFinal) {
		t.Fatalf("expected ErrDeploymentFinal, got %v", err)
	}
	if err := tracker.MarkInProgress(ctx, d.DeploymentID); !errors.Is(err, ErrDeploymentFinal) {
		t.Fatalf("expected ErrDeploymentFinal, got %v", err)
	}

	loaded, err := tracker.Get(ctx, d.DeploymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != db.DeploymentFailed || loaded.ErrorMessage != "gateway unreachable" {
		t.Fatalf("terminal state mutated: %+v", loaded)
	}
}

func TestMarkOrphanedPrefixesReason(t *testing.T) {
	tracker, _, userID := newTestTracker(t)
	ctx := context.Background()

	d, err := tracker.Open(ctx, userID, db.DeployVMCreate, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.MarkOrphaned(ctx, d.DeploymentID, errors.New("disk full")); err != nil {
		t.Fatalf("mark orphaned: %v", err)
	}

	loaded, err := tracker.Get(ctx, d.DeploymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != db.DeploymentFailed {
		t.Fatalf("expected failed, got %s", loaded.Status)
	}
	if !strings.HasPrefix(loaded.ErrorMessage, OrphanReasonPrefix) {
		t.Fatalf("expected orphan prefix, got %q", loaded.ErrorMessage)
	}
}

func TestGetMissing(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	if _, err := tracker.Get(context.Background(), "no-such-id"); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("expected ErrDeploymentNotFound, got %v", err)
	}
}

func TestAcquireVMSerializes(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	if err := tracker.AcquireVM(100, "dep-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := tracker.AcquireVM(100, "dep-2")
	var busy *VMBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected VMBusyError, got %v", err)
	}
	if busy.VMID != 100 || busy.DeploymentID != "dep-1" {
		t.Fatalf("unexpected busy error: %+v", busy)
	}

	// A different machine is unaffected.
	if err := tracker.AcquireVM(101, "dep-2"); err != nil {
		t.Fatalf("acquire other vm: %v", err)
	}

	tracker.ReleaseVM(100)
	if err := tracker.AcquireVM(100, "dep-3"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// Releasing an unheld machine is a no-op.
	tracker.ReleaseVM(999)
}

func TestAcquireVMConcurrent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	const contenders = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		busy int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := tracker.AcquireVM(100, "dep")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			var b *VMBusyError
			if errors.As(err, &b) {
				busy++
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || busy != contenders-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d busy", wins, busy)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	tracker, _, userID := newTestTracker(t)
	ctx := context.Background()

	done, err := tracker.Open(ctx, userID, db.DeployVMCreate, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.MarkCompleted(ctx, done.DeploymentID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	live, err := tracker.Open(ctx, userID, db.DeployVMStart, nil)
	if err != nil {
		t.Fatalf("open live: %v", err)
	}

	removed, err := tracker.CleanupOlderThan(ctx, userID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := tracker.Get(ctx, live.DeploymentID); err != nil {
		t.Fatalf("in-flight deployment removed: %v", err)
	}
}
