package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pvecloud/pvec/internal/server/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

func createTestUser(t *testing.T, store *Store, externalID string) int64 {
	t.Helper()
	id, err := store.Queries().Users().Create(context.Background(), &db.User{
		ExternalID:  externalID,
		DisplayName: "tester",
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func createTestVM(t *testing.T, store *Store, ownerID int64, vmid int) int64 {
	t.Helper()
	id, err := store.Queries().VirtualMachines().Create(context.Background(), &db.VM{
		VMID:          vmid,
		Name:          "web-01",
		Status:        db.VMStatusStopped,
		Template:      "ubuntu-22.04",
		MemoryMB:      2048,
		Cores:         2,
		DiskGB:        32,
		Node:          "pve1",
		Storage:       "local-lvm",
		NetworkBridge: "vmbr0",
		ProxmoxConfig: []byte(`{"memory":2048}`),
		OwnerID:       ownerID,
	})
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}
	return id
}

func TestUserRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := createTestUser(t, store, "discord:1001")

	user, err := store.Queries().Users().GetByExternalID(ctx, "discord:1001")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil {
		t.Fatalf("expected user, got nil")
	}
	if user.ID != id || user.DisplayName != "tester" || !user.IsActive || user.IsAdmin {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	missing, err := store.Queries().Users().GetByExternalID(ctx, "discord:9999")
	if err != nil {
		t.Fatalf("get missing user: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing user, got %+v", missing)
	}
}

func TestVMLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	vmRowID := createTestVM(t, store, ownerID, 100)

	vms := store.Queries().VirtualMachines()

	vm, err := vms.GetByVMID(ctx, 100)
	if err != nil {
		t.Fatalf("get vm: %v", err)
	}
	if vm == nil {
		t.Fatalf("expected vm, got nil")
	}
	if vm.ID != vmRowID || vm.Status != db.VMStatusStopped || vm.OwnerID != ownerID {
		t.Fatalf("unexpected vm: %+v", vm)
	}
	if string(vm.ProxmoxConfig) != `{"memory":2048}` {
		t.Fatalf("unexpected config payload: %s", vm.ProxmoxConfig)
	}

	if err := vms.UpdateStatus(ctx, 100, db.VMStatusRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := vms.UpdateNetworkIdentity(ctx, 100, "10.0.0.5", "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("update network identity: %v", err)
	}
	if err := vms.UpdateDiskSize(ctx, 100, 64); err != nil {
		t.Fatalf("update disk size: %v", err)
	}

	vm, err = vms.GetByVMID(ctx, 100)
	if err != nil {
		t.Fatalf("reload vm: %v", err)
	}
	if vm.Status != db.VMStatusRunning || vm.IPAddress != "10.0.0.5" || vm.DiskGB != 64 {
		t.Fatalf("unexpected vm after updates: %+v", vm)
	}

	// vmid reassignment after a remote id collision.
	if err := vms.UpdateVMID(ctx, vmRowID, 101); err != nil {
		t.Fatalf("update vmid: %v", err)
	}
	vm, err = vms.GetByVMID(ctx, 101)
	if err != nil {
		t.Fatalf("get vm by new vmid: %v", err)
	}
	if vm == nil || vm.ID != vmRowID {
		t.Fatalf("expected vm under new vmid, got %+v", vm)
	}

	count, err := store.Queries().Users().CountVMs(ctx, ownerID)
	if err != nil {
		t.Fatalf("count vms: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 vm, got %d", count)
	}

	if err := vms.Delete(ctx, vmRowID); err != nil {
		t.Fatalf("delete vm: %v", err)
	}
	vm, err = vms.GetByVMID(ctx, 101)
	if err != nil {
		t.Fatalf("get deleted vm: %v", err)
	}
	if vm != nil {
		t.Fatalf("expected vm to be gone, got %+v", vm)
	}
}

func TestDeploymentStatusTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	deployments := store.Queries().Deployments()

	if _, err := deployments.Create(ctx, &db.Deployment{
		DeploymentID: "dep-1",
		Type:         db.DeployVMCreate,
		Status:       db.DeploymentPending,
		Payload:      []byte(`{"name":"web-01"}`),
		UserID:       ownerID,
	}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	d, err := deployments.GetByDeploymentID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != db.DeploymentPending || d.CompletedAt != nil {
		t.Fatalf("unexpected pending deployment: %+v", d)
	}

	if affected, err := deployments.UpdateStatus(ctx, "dep-1", db.DeploymentInProgress, ""); err != nil || affected != 1 {
		t.Fatalf("mark in progress: affected=%d err=%v", affected, err)
	}
	if err := deployments.UpdateProgress(ctx, "dep-1", 60); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	d, err = deployments.GetByDeploymentID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("reload deployment: %v", err)
	}
	if d.Status != db.DeploymentInProgress || d.Progress != 60 || d.CompletedAt != nil {
		t.Fatalf("unexpected in-progress deployment: %+v", d)
	}

	if affected, err := deployments.UpdateStatus(ctx, "dep-1", db.DeploymentFailed, "create timed out"); err != nil || affected != 1 {
		t.Fatalf("mark failed: affected=%d err=%v", affected, err)
	}

	d, err = deployments.GetByDeploymentID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("reload terminal deployment: %v", err)
	}
	if d.Status != db.DeploymentFailed || d.ErrorMessage != "create timed out" {
		t.Fatalf("unexpected failed deployment: %+v", d)
	}
	if d.CompletedAt == nil {
		t.Fatalf("expected completed_at on terminal deployment")
	}
}

func TestDeploymentTerminalRowIsImmutable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	deployments := store.Queries().Deployments()

	if _, err := deployments.Create(ctx, &db.Deployment{
		DeploymentID: "dep-race",
		Type:         db.DeployVMStart,
		Status:       db.DeploymentInProgress,
		UserID:       ownerID,
	}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if affected, err := deployments.UpdateStatus(ctx, "dep-race", db.DeploymentFailed, "cancelled"); err != nil || affected != 1 {
		t.Fatalf("first finisher: affected=%d err=%v", affected, err)
	}

	// A second finisher that also passed an in-memory terminal check
	// must be rejected by the row guard, not overwrite the outcome.
	affected, err := deployments.UpdateStatus(ctx, "dep-race", db.DeploymentCompleted, "")
	if err != nil {
		t.Fatalf("second finisher: %v", err)
	}
	if affected != 0 {
		t.Fatalf("terminal row was overwritten: affected=%d", affected)
	}

	d, err := deployments.GetByDeploymentID(ctx, "dep-race")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d.Status != db.DeploymentFailed || d.ErrorMessage != "cancelled" {
		t.Fatalf("terminal state mutated: %+v", d)
	}
}

func TestDeploymentCleanup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	otherID := createTestUser(t, store, "discord:1002")
	deployments := store.Queries().Deployments()

	seed := func(depID string, userID int64, status db.DeploymentStatus) {
		if _, err := deployments.Create(ctx, &db.Deployment{
			DeploymentID: depID,
			Type:         db.DeployVMStart,
			Status:       status,
			UserID:       userID,
		}); err != nil {
			t.Fatalf("seed deployment %s: %v", depID, err)
		}
	}
	seed("dep-done", ownerID, db.DeploymentCompleted)
	seed("dep-failed", ownerID, db.DeploymentFailed)
	seed("dep-live", ownerID, db.DeploymentInProgress)
	seed("dep-other", otherID, db.DeploymentCompleted)

	removed, err := deployments.DeleteTerminalOlderThan(ctx, ownerID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup deployments: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}

	// In-flight rows survive regardless of age.
	remaining, err := deployments.ListByUser(ctx, ownerID, 10)
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeploymentID != "dep-live" {
		t.Fatalf("unexpected survivors: %+v", remaining)
	}

	// Other users are untouched.
	others, err := deployments.ListByUser(ctx, otherID, 10)
	if err != nil {
		t.Fatalf("list other deployments: %v", err)
	}
	if len(others) != 1 {
		t.Fatalf("expected other user's deployment to survive, got %+v", others)
	}
}

func TestOwnerCascadeDeletesVMs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	vmRowID := createTestVM(t, store, ownerID, 100)

	if _, err := store.Queries().Snapshots().Create(ctx, &db.Snapshot{
		Name:        "pre-upgrade",
		Description: "before kernel bump",
		VMID:        vmRowID,
	}); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	if err := store.Queries().VirtualMachines().Delete(ctx, vmRowID); err != nil {
		t.Fatalf("delete vm: %v", err)
	}

	snaps, err := store.Queries().Snapshots().ListByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected snapshots gone with vm, got %+v", snaps)
	}
}

func TestBackupRetentionOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	vmRowID := createTestVM(t, store, ownerID, 100)
	backups := store.Queries().Backups()

	for _, id := range []string{"bk-1", "bk-2", "bk-3"} {
		if _, err := backups.Create(ctx, &db.Backup{
			BackupID: id,
			Type:     "manual",
			Status:   "pending",
			VMID:     vmRowID,
		}); err != nil {
			t.Fatalf("create backup %s: %v", id, err)
		}
	}

	if err := backups.UpdateStatus(ctx, "bk-2", "completed", 4096); err != nil {
		t.Fatalf("update backup status: %v", err)
	}

	list, err := backups.ListByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(list))
	}
	for _, b := range list {
		if b.BackupID != "bk-2" {
			continue
		}
		if b.Status != "completed" || b.SizeBytes != 4096 || b.CompletedAt == nil {
			t.Fatalf("unexpected completed backup: %+v", b)
		}
	}

	if err := backups.Delete(ctx, "bk-1"); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	list, err = backups.ListByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("relist backups: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 backups after delete, got %d", len(list))
	}
}

func TestBackupScheduleRepository(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	vmRowID := createTestVM(t, store, ownerID, 100)
	schedules := store.Queries().BackupSchedules()

	firstRun := time.Now().UTC().Add(-time.Minute)
	if err := schedules.Upsert(ctx, &db.BackupSchedule{
		VMID:      vmRowID,
		Interval:  6 * time.Hour,
		Retention: 3,
		Compress:  "zstd",
		Enabled:   true,
		NextRun:   firstRun,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	sched, err := schedules.GetByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched == nil {
		t.Fatalf("expected schedule, got nil")
	}
	if sched.Interval != 6*time.Hour || sched.Retention != 3 || !sched.Enabled || sched.LastRun != nil {
		t.Fatalf("unexpected schedule: %+v", sched)
	}

	// One row per vm: a second upsert replaces.
	if err := schedules.Upsert(ctx, &db.BackupSchedule{
		VMID:      vmRowID,
		Interval:  12 * time.Hour,
		Retention: 5,
		Compress:  "gzip",
		Enabled:   true,
		NextRun:   firstRun,
	}); err != nil {
		t.Fatalf("re-upsert schedule: %v", err)
	}
	due, err := schedules.ListDue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].Interval != 12*time.Hour || due[0].Compress != "gzip" {
		t.Fatalf("unexpected due schedules: %+v", due)
	}

	ranAt := time.Now().UTC()
	if err := schedules.MarkRan(ctx, due[0].ID, ranAt, ranAt.Add(12*time.Hour)); err != nil {
		t.Fatalf("mark ran: %v", err)
	}
	due, err = schedules.ListDue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("relist due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("advanced schedule still due: %+v", due)
	}
	sched, _ = schedules.GetByVM(ctx, vmRowID)
	if sched.LastRun == nil {
		t.Fatalf("last_run not recorded: %+v", sched)
	}

	affected, err := schedules.DeleteByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", affected)
	}
	if affected, _ = schedules.DeleteByVM(ctx, vmRowID); affected != 0 {
		t.Fatalf("expected idempotent delete, got %d", affected)
	}
	sched, err = schedules.GetByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("get deleted schedule: %v", err)
	}
	if sched != nil {
		t.Fatalf("expected schedule gone, got %+v", sched)
	}
}

func TestBackupScheduleGoneWithVM(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	vmRowID := createTestVM(t, store, ownerID, 100)

	if err := store.Queries().BackupSchedules().Upsert(ctx, &db.BackupSchedule{
		VMID:      vmRowID,
		Interval:  time.Hour,
		Retention: 7,
		Compress:  "zstd",
		Enabled:   true,
		NextRun:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	if err := store.Queries().VirtualMachines().Delete(ctx, vmRowID); err != nil {
		t.Fatalf("delete vm: %v", err)
	}
	sched, err := store.Queries().BackupSchedules().GetByVM(ctx, vmRowID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched != nil {
		t.Fatalf("schedule survived its vm: %+v", sched)
	}
}

func TestTemplateRepository(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")
	templates := store.Queries().Templates()

	if _, err := templates.Create(ctx, &db.Template{
		Name:        "golden-web",
		DisplayName: "Golden Web Image",
		File:        "golden-web.qcow2",
		MinMemoryMB: 1024,
		MinCores:    1,
		MinDiskGB:   10,
		DefaultUser: "admin",
		SSHPort:     22,
		IsActive:    true,
		CreatedBy:   ownerID,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	tpl, err := templates.GetByName(ctx, "golden-web")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tpl == nil || tpl.DisplayName != "Golden Web Image" || !tpl.IsActive {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	all, err := templates.List(ctx)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 template, got %d", len(all))
	}

	if err := templates.Delete(ctx, "golden-web"); err != nil {
		t.Fatalf("delete template: %v", err)
	}
	tpl, err = templates.GetByName(ctx, "golden-web")
	if err != nil {
		t.Fatalf("get deleted template: %v", err)
	}
	if tpl != nil {
		t.Fatalf("expected template gone, got %+v", tpl)
	}
}

func TestNodeUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	nodes := store.Queries().Nodes()

	if err := nodes.Upsert(ctx, &db.Node{
		Name:          "pve1",
		Status:        "online",
		CPUCores:      16,
		MemoryTotalMB: 65536,
		MemoryUsedMB:  20480,
		DiskTotalGB:   2048,
		DiskUsedGB:    512,
	}); err != nil {
		t.Fatalf("insert node: %v", err)
	}

	if err := nodes.Upsert(ctx, &db.Node{
		Name:          "pve1",
		Status:        "online",
		CPUCores:      16,
		MemoryTotalMB: 65536,
		MemoryUsedMB:  32768,
		DiskTotalGB:   2048,
		DiskUsedGB:    600,
	}); err != nil {
		t.Fatalf("update node: %v", err)
	}

	list, err := nodes.List(ctx)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected single node row, got %d", len(list))
	}
	if list[0].MemoryUsedMB != 32768 || list[0].DiskUsedGB != 600 {
		t.Fatalf("unexpected node after upsert: %+v", list[0])
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ownerID := createTestUser(t, store, "discord:1001")

	err := store.WithTx(ctx, func(q db.Queries) error {
		if _, err := q.VirtualMachines().Create(ctx, &db.VM{
			VMID:          200,
			Name:          "tx-vm",
			Status:        db.VMStatusStopped,
			Template:      "debian-12",
			MemoryMB:      1024,
			Cores:         1,
			DiskGB:        16,
			Node:          "pve1",
			Storage:       "local-lvm",
			NetworkBridge: "vmbr0",
			OwnerID:       ownerID,
		}); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatalf("expected error from transaction")
	}

	vm, err := store.Queries().VirtualMachines().GetByVMID(ctx, 200)
	if err != nil {
		t.Fatalf("get vm after rollback: %v", err)
	}
	if vm != nil {
		t.Fatalf("expected rollback to discard vm, got %+v", vm)
	}
}

func TestCoerceTime(t *testing.T) {
	parsed, err := coerceTime("2026-03-01 10:30:00")
	if err != nil {
		t.Fatalf("coerce sqlite timestamp: %v", err)
	}
	if parsed.UTC().Hour() != 10 {
		t.Fatalf("unexpected parsed hour: %v", parsed)
	}

	now := time.Now()
	same, err := coerceTime(now)
	if err != nil {
		t.Fatalf("coerce time.Time: %v", err)
	}
	if !same.Equal(now) {
		t.Fatalf("expected passthrough, got %v", same)
	}

	if _, err := coerceTime(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}
