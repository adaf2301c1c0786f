package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pvecloud/pvec/internal/server/config"
	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/db/sqlite"
	"github.com/pvecloud/pvec/internal/server/eventbus/memory"
	"github.com/pvecloud/pvec/internal/server/policy"
	"github.com/pvecloud/pvec/internal/server/proxmox"
	"github.com/pvecloud/pvec/internal/server/registry"
	"github.com/pvecloud/pvec/internal/server/tracker"
)

// fakeGateway satisfies Gateway with overridable behaviors. The zero
// value succeeds everything instantly.
type fakeGateway struct {
	nextID      int
	nodes       []proxmox.NodeInfo
	createErr   error
	createCalls int
	cloneErr    error
	cloneCalls  int
	waitErr     error
	actionErr   error
	vmStatus    string
	backups     []proxmox.StorageItem
	rrd         []proxmox.RRDPoint
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextID:   100,
		vmStatus: "stopped",
		nodes: []proxmox.NodeInfo{
			{Node: "pve1", Status: "online", MaxCPU: 16, MaxMem: 64 << 30, Mem: 16 << 30, MaxDisk: 2 << 40, Disk: 1 << 40},
		},
	}
}

func (g *fakeGateway) NextID(ctx context.Context) (int, error) {
	id := g.nextID
	g.nextID++
	return id, nil
}

func (g *fakeGateway) Nodes(ctx context.Context) ([]proxmox.NodeInfo, error) { return g.nodes, nil }

func (g *fakeGateway) NodeStatus(ctx context.Context, node string) (*proxmox.NodeStatus, error) {
	return &proxmox.NodeStatus{}, nil
}

func (g *fakeGateway) NodeRRD(ctx context.Context, node string) ([]proxmox.RRDPoint, error) {
	return g.rrd, nil
}

func (g *fakeGateway) AllVMs(ctx context.Context) ([]proxmox.VMInfo, error) { return nil, nil }

func (g *fakeGateway) VMStatus(ctx context.Context, node string, vmid int) (*proxmox.VMInfo, error) {
	return &proxmox.VMInfo{VMID: vmid, Status: g.vmStatus, Node: node}, nil
}

func (g *fakeGateway) VMRRD(ctx context.Context, node string, vmid int) ([]proxmox.RRDPoint, error) {
	return g.rrd, nil
}

func (g *fakeGateway) CreateVM(ctx context.Context, node string, cfg map[string]any) (string, error) {
	g.createCalls++
	if g.createErr != nil {
		err := g.createErr
		g.createErr = nil
		return "", err
	}
	return "UPID:create", nil
}

func (g *fakeGateway) CloneVM(ctx context.Context, node string, vmid, newid int, name string, options map[string]any) (string, error) {
	g.cloneCalls++
	if g.cloneErr != nil {
		err := g.cloneErr
		g.cloneErr = nil
		return "", err
	}
	return "UPID:clone", g.actionErr
}

func (g *fakeGateway) StartVM(ctx context.Context, node string, vmid int) (string, error) {
	return "UPID:start", g.actionErr
}

func (g *fakeGateway) StopVM(ctx context.Context, node string, vmid int) (string, error) {
	return "UPID:stop", g.actionErr
}

func (g *fakeGateway) ShutdownVM(ctx context.Context, node string, vmid int) (string, error) {
	return "UPID:shutdown", g.actionErr
}

func (g *fakeGateway) RebootVM(ctx context.Context, node string, vmid int) (string, error) {
	return "UPID:reboot", g.actionErr
}

func (g *fakeGateway) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	return "UPID:delete", g.actionErr
}

func (g *fakeGateway) MigrateVM(ctx context.Context, node string, vmid int, target string, options map[string]any) (string, error) {
	return "UPID:migrate", g.actionErr
}

func (g *fakeGateway) UpdateVMConfig(ctx context.Context, node string, vmid int, cfg map[string]any) error {
	return g.actionErr
}

func (g *fakeGateway) ResizeDisk(ctx context.Context, node string, vmid int, disk, size string) error {
	return g.actionErr
}

func (g *fakeGateway) CreateSnapshot(ctx context.Context, node string, vmid int, name, desc string) (string, error) {
	return "UPID:snap", g.actionErr
}

func (g *fakeGateway) RollbackSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	return "UPID:rollback", g.actionErr
}

func (g *fakeGateway) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	return "UPID:snapdel", g.actionErr
}

func (g *fakeGateway) CreateBackup(ctx context.Context, node string, vmid int, options map[string]any) (string, error) {
	return "UPID:vzdump", g.actionErr
}

func (g *fakeGateway) Backups(ctx context.Context, node, storage string, vmid int) ([]proxmox.StorageItem, error) {
	return g.backups, nil
}

func (g *fakeGateway) DeleteBackup(ctx context.Context, node, storage, volid string) (string, error) {
	return "UPID:rmbackup", g.actionErr
}

func (g *fakeGateway) RestoreBackup(ctx context.Context, node string, vmid int, archive string, options map[string]any) (string, error) {
	return "UPID:restore", g.actionErr
}

func (g *fakeGateway) DownloadTemplate(ctx context.Context, node, storage, filename string) (string, error) {
	return "UPID:download", g.actionErr
}

func (g *fakeGateway) WaitForTask(ctx context.Context, node, upid string, timeout time.Duration, progress func(proxmox.TaskStatus)) error {
	if progress != nil {
		progress(proxmox.TaskStatus{UPID: upid, Status: "running"})
	}
	return g.waitErr
}

type testEnv struct {
	engine  Engine
	gateway *fakeGateway
	store   db.Store
	tracker *tracker.Tracker
	user    *db.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	gateway := newFakeGateway()

	catalog := map[string]config.Template{
		"ubuntu-22.04": {Name: "Ubuntu 22.04", File: "ubuntu-22.04-standard", MinMemoryMB: 512, MinCores: 1, MinDiskGB: 10, DefaultUser: "ubuntu", SSHPort: 22},
	}
	reg, err := registry.New(registry.Params{
		Store:     store,
		Allocator: gateway,
		Catalog:   catalog,
		Defaults:  registry.Defaults{Storage: "local-lvm", Bridge: "vmbr0"},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	trk, err := tracker.New(tracker.Params{Store: store})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	pol, err := policy.New(policy.Params{
		AdminIDs:      []string{"discord:1"},
		AllowedRoles:  []string{"VPS Manager"},
		MaxVMsPerUser: 2,
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	eng, err := New(Params{
		Store:           store,
		Registry:        reg,
		Tracker:         trk,
		Policy:          pol,
		Gateway:         gateway,
		Bus:             memory.New(),
		TaskTimeout:     time.Second,
		BackupRetention: 2,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	user, err := eng.EnsureUser(context.Background(), "discord:1001", "tester")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return &testEnv{engine: eng, gateway: gateway, store: store, tracker: trk, user: user}
}

var managerRoles = []string{"VPS Manager"}

func createVM(t *testing.T, env *testEnv, name string) *db.VM {
	t.Helper()
	_, vm, err := env.engine.CreateVM(context.Background(), env.user, managerRoles, CreateRequest{
		Name:     name,
		Template: "ubuntu-22.04",
		MemoryMB: 2048,
		Cores:    2,
		DiskGB:   32,
	})
	if err != nil {
		t.Fatalf("create vm %s: %v", name, err)
	}
	return vm
}

func TestEnsureUserIsLazy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	again, err := env.engine.EnsureUser(ctx, "discord:1001", "tester")
	if err != nil {
		t.Fatalf("ensure existing user: %v", err)
	}
	if again.ID != env.user.ID {
		t.Fatalf("duplicate user row created: %d vs %d", again.ID, env.user.ID)
	}
}

func TestCreateVMHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dep, vm, err := env.engine.CreateVM(ctx, env.user, managerRoles, CreateRequest{
		Name:     "web-01",
		Template: "ubuntu-22.04",
		MemoryMB: 2048,
		Cores:    2,
		DiskGB:   32,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if vm.VMID != 100 || vm.Status != db.VMStatusStopped || vm.Node != "pve1" {
		t.Fatalf("unexpected vm: %+v", vm)
	}

	loaded, err := env.engine.GetDeployment(ctx, env.user, dep.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if loaded.Status != db.DeploymentCompleted || loaded.Type != db.DeployVMCreate {
		t.Fatalf("unexpected deployment: %+v", loaded)
	}
	if loaded.VMID == nil || *loaded.VMID != vm.ID {
		t.Fatalf("deployment not linked to vm: %+v", loaded)
	}

	// The busy hold is gone once the deployment finishes.
	if _, held := env.tracker.Holder(vm.VMID); held {
		t.Fatalf("vm still held after completed deployment")
	}
}

func TestCreateVMQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	createVM(t, env, "web-01")
	createVM(t, env, "web-02")

	// Limit is 2; the third request must fail before any record is
	// written.
	_, _, err := env.engine.CreateVM(ctx, env.user, managerRoles, CreateRequest{
		Name: "web-03", Template: "ubuntu-22.04", MemoryMB: 2048, Cores: 2, DiskGB: 32,
	})
	var quota *policy.QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}

	deps, err := env.engine.ListDeployments(ctx, env.user, 10)
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("rejected create left a deployment record: %d", len(deps))
	}
	vms, err := env.engine.ListVMs(ctx, env.user, false)
	if err != nil {
		t.Fatalf("list vms: %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("rejected create left a vm record: %d", len(vms))
	}
}

func TestCreateVMBelowMinimumLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.CreateVM(context.Background(), env.user, managerRoles, CreateRequest{
		Name: "tiny", Template: "ubuntu-22.04", MemoryMB: 128, Cores: 1, DiskGB: 10,
	})
	var below *policy.ResourceBelowMinimumError
	if !errors.As(err, &below) {
		t.Fatalf("expected ResourceBelowMinimumError, got %v", err)
	}
	if env.gateway.nextID != 100 {
		t.Fatalf("id allocated for rejected request")
	}
	deps, _ := env.engine.ListDeployments(context.Background(), env.user, 10)
	if len(deps) != 0 {
		t.Fatalf("rejected create left a deployment record")
	}
}

func TestCreateVMPermissionDenied(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.CreateVM(context.Background(), env.user, []string{"Member"}, CreateRequest{
		Name: "web-01", Template: "ubuntu-22.04", MemoryMB: 2048, Cores: 2, DiskGB: 32,
	})
	if !errors.Is(err, policy.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCreateVMRemoteFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gateway.createErr = &proxmox.RemoteAPIError{Status: 500, Message: "storage offline"}

	dep, _, err := env.engine.CreateVM(ctx, env.user, managerRoles, CreateRequest{
		Name: "web-01", Template: "ubuntu-22.04", MemoryMB: 2048, Cores: 2, DiskGB: 32,
	})
	if err == nil {
		t.Fatalf("expected remote failure")
	}

	loaded, getErr := env.engine.GetDeployment(ctx, env.user, dep.DeploymentID)
	if getErr != nil {
		t.Fatalf("get deployment: %v", getErr)
	}
	if loaded.Status != db.DeploymentFailed {
		t.Fatalf("expected failed deployment, got %s", loaded.Status)
	}

	vms, _ := env.engine.ListVMs(ctx, env.user, false)
	if len(vms) != 0 {
		t.Fatalf("local record not rolled back: %+v", vms)
	}
}

func TestCreateVMRetriesRemoteIDCollision(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.createErr = &proxmox.RemoteAPIError{Status: 400, Message: "VM 100 already exists"}

	_, vm, err := env.engine.CreateVM(context.Background(), env.user, managerRoles, CreateRequest{
		Name: "web-01", Template: "ubuntu-22.04", MemoryMB: 2048, Cores: 2, DiskGB: 32,
	})
	if err != nil {
		t.Fatalf("create with collision retry: %v", err)
	}
	if vm.VMID != 101 {
		t.Fatalf("expected reassigned vmid 101, got %d", vm.VMID)
	}
	if env.gateway.createCalls != 2 {
		t.Fatalf("expected 2 create attempts, got %d", env.gateway.createCalls)
	}
}

func TestCloneVMRetriesRemoteIDCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	source := createVM(t, env, "web-01")

	env.gateway.cloneErr = &proxmox.RemoteAPIError{Status: 400, Message: "unable to create VM 101: config file already exists"}
	_, clone, err := env.engine.CloneVM(ctx, env.user, managerRoles, source.VMID, "web-02")
	if err != nil {
		t.Fatalf("clone with collision retry: %v", err)
	}
	if clone.VMID != 102 {
		t.Fatalf("expected reassigned vmid 102, got %d", clone.VMID)
	}
	if env.gateway.cloneCalls != 2 {
		t.Fatalf("expected 2 clone attempts, got %d", env.gateway.cloneCalls)
	}
}

func TestCloneVMRecordsSubmittedConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	source := createVM(t, env, "web-01")

	_, clone, err := env.engine.CloneVM(ctx, env.user, managerRoles, source.VMID, "web-02")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	var recorded struct {
		VMID       int    `json:"vmid"`
		Name       string `json:"name"`
		SourceVMID int    `json:"source_vmid"`
	}
	if err := json.Unmarshal(clone.ProxmoxConfig, &recorded); err != nil {
		t.Fatalf("unmarshal clone config: %v", err)
	}
	if recorded.VMID != clone.VMID || recorded.Name != "web-02" || recorded.SourceVMID != source.VMID {
		t.Fatalf("clone config does not reflect the clone request: %+v", recorded)
	}
	var sourceCfg struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(source.ProxmoxConfig, &sourceCfg)
	if recorded.Name == sourceCfg.Name {
		t.Fatalf("clone config carries the source's name %q", sourceCfg.Name)
	}
}

func TestStartVMTransitionOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	dep, err := env.engine.StartVM(ctx, env.user, managerRoles, vm.VMID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	loaded, err := env.engine.GetDeployment(ctx, env.user, dep.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if loaded.Status != db.DeploymentCompleted {
		t.Fatalf("expected completed, got %s", loaded.Status)
	}

	refreshed, err := env.engine.GetVM(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("get vm: %v", err)
	}
	if refreshed.Status != db.VMStatusRunning {
		t.Fatalf("expected running, got %s", refreshed.Status)
	}
}

func TestBusyVMRejectsSecondOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	// Simulate an in-flight deployment holding the machine.
	if err := env.tracker.AcquireVM(vm.VMID, "dep-inflight"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	dep, err := env.engine.StartVM(ctx, env.user, managerRoles, vm.VMID)
	var busy *tracker.VMBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected VMBusyError, got %v", err)
	}
	loaded, getErr := env.engine.GetDeployment(ctx, env.user, dep.DeploymentID)
	if getErr != nil {
		t.Fatalf("get deployment: %v", getErr)
	}
	if loaded.Status != db.DeploymentFailed {
		t.Fatalf("busy rejection should fail the deployment, got %s", loaded.Status)
	}
}

func TestTaskTimeoutHoldsVMUntilRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	env.gateway.waitErr = &proxmox.TaskTimeoutError{Node: "pve1", UPID: "UPID:start", Timeout: time.Second}
	if _, err := env.engine.StartVM(ctx, env.user, managerRoles, vm.VMID); err == nil {
		t.Fatalf("expected timeout error")
	}

	// The hold survives the failed deployment.
	if _, held := env.tracker.Holder(vm.VMID); !held {
		t.Fatalf("expected vm to stay held after task timeout")
	}
	env.gateway.waitErr = nil
	if _, err := env.engine.StopVM(ctx, env.user, managerRoles, vm.VMID); err == nil {
		t.Fatalf("expected busy rejection while held")
	}

	// A status refresh settles the outcome and releases the hold.
	env.gateway.vmStatus = "running"
	refreshed, err := env.engine.RefreshVMStatus(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Status != db.VMStatusRunning {
		t.Fatalf("refresh did not reconcile status: %s", refreshed.Status)
	}
	if _, held := env.tracker.Holder(vm.VMID); held {
		t.Fatalf("refresh did not release the hold")
	}
	if _, err := env.engine.StopVM(ctx, env.user, managerRoles, vm.VMID); err != nil {
		t.Fatalf("stop after refresh: %v", err)
	}
}

func TestAuthorizeOwnerOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	other, err := env.engine.EnsureUser(ctx, "discord:2002", "other")
	if err != nil {
		t.Fatalf("ensure other user: %v", err)
	}
	if _, err := env.engine.StartVM(ctx, other, managerRoles, vm.VMID); !errors.Is(err, policy.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	// Admins override ownership.
	admin, err := env.engine.EnsureUser(ctx, "discord:1", "root")
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if _, err := env.engine.StartVM(ctx, admin, nil, vm.VMID); err != nil {
		t.Fatalf("admin start: %v", err)
	}
}

func TestResizeGrowOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.ResizeDisk(ctx, env.user, managerRoles, vm.VMID, 16); !errors.Is(err, ErrNotShrinkable) {
		t.Fatalf("expected ErrNotShrinkable, got %v", err)
	}

	if _, err := env.engine.ResizeDisk(ctx, env.user, managerRoles, vm.VMID, 64); err != nil {
		t.Fatalf("grow: %v", err)
	}
	refreshed, _ := env.engine.GetVM(ctx, env.user, vm.VMID)
	if refreshed.DiskGB != 64 {
		t.Fatalf("disk size not recorded: %d", refreshed.DiskGB)
	}
}

func TestMigrateValidatesTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.MigrateVM(ctx, env.user, managerRoles, vm.VMID, "pve9"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}

	env.gateway.nodes = append(env.gateway.nodes, proxmox.NodeInfo{Node: "pve2", Status: "online"})
	if _, err := env.engine.MigrateVM(ctx, env.user, managerRoles, vm.VMID, "pve2"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	refreshed, _ := env.engine.GetVM(ctx, env.user, vm.VMID)
	if refreshed.Node != "pve2" {
		t.Fatalf("node not updated: %s", refreshed.Node)
	}
}

func TestDeleteVMRemovesLocalRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.DeleteVM(ctx, env.user, managerRoles, vm.VMID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.engine.GetVM(ctx, env.user, vm.VMID); !errors.Is(err, ErrVMNotFound) {
		t.Fatalf("expected ErrVMNotFound, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.CreateSnapshot(ctx, env.user, managerRoles, vm.VMID, "pre-upgrade", "before kernel bump"); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	snaps, err := env.engine.ListSnapshots(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Name != "pre-upgrade" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	if _, err := env.engine.RollbackSnapshot(ctx, env.user, managerRoles, vm.VMID, "pre-upgrade"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := env.engine.DeleteSnapshot(ctx, env.user, managerRoles, vm.VMID, "pre-upgrade"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	snaps, _ = env.engine.ListSnapshots(ctx, env.user, vm.VMID)
	if len(snaps) != 0 {
		t.Fatalf("snapshot row survived delete: %+v", snaps)
	}
}

func TestBackupRetentionKeepsNewest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	for i, volid := range []string{"vzdump-1", "vzdump-2", "vzdump-3", "vzdump-4"} {
		env.gateway.backups = []proxmox.StorageItem{{VolID: volid, Content: "backup", VMID: vm.VMID, CTime: int64(1000 + i), Size: 4096}}
		if _, err := env.engine.CreateBackup(ctx, env.user, managerRoles, vm.VMID); err != nil {
			t.Fatalf("backup %s: %v", volid, err)
		}
	}

	// Retention is 2: the two oldest go.
	removed, err := env.engine.CleanupBackups(ctx, env.user, managerRoles, vm.VMID)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	remaining, err := env.engine.ListBackups(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 kept, got %d", len(remaining))
	}

	// Fewer backups than the retention count: nothing to do.
	removed, err = env.engine.CleanupBackups(ctx, env.user, managerRoles, vm.VMID)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no removals, got %d", removed)
	}
}

func TestRestoreBackupUnknownID(t *testing.T) {
	env := newTestEnv(t)
	vm := createVM(t, env, "web-01")

	_, err := env.engine.RestoreBackup(context.Background(), env.user, managerRoles, vm.VMID, "vzdump-missing")
	if !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestBackupScheduleRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	sched, err := env.engine.ScheduleBackup(ctx, env.user, managerRoles, vm.VMID, 6*time.Hour, 3, "gzip")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sched.Interval != 6*time.Hour || sched.Retention != 3 || sched.Compress != "gzip" || !sched.Enabled {
		t.Fatalf("unexpected schedule: %+v", sched)
	}

	loaded, err := env.engine.GetBackupSchedule(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if loaded.Interval != 6*time.Hour {
		t.Fatalf("interval lost on reload: %s", loaded.Interval)
	}

	// Re-scheduling replaces, not duplicates.
	if _, err := env.engine.ScheduleBackup(ctx, env.user, managerRoles, vm.VMID, 12*time.Hour, 5, ""); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	loaded, _ = env.engine.GetBackupSchedule(ctx, env.user, vm.VMID)
	if loaded.Interval != 12*time.Hour || loaded.Retention != 5 || loaded.Compress != "zstd" {
		t.Fatalf("reschedule did not replace: %+v", loaded)
	}

	if err := env.engine.UnscheduleBackup(ctx, env.user, managerRoles, vm.VMID); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if _, err := env.engine.GetBackupSchedule(ctx, env.user, vm.VMID); !errors.Is(err, ErrBackupScheduleNotFound) {
		t.Fatalf("expected ErrBackupScheduleNotFound, got %v", err)
	}
	if err := env.engine.UnscheduleBackup(ctx, env.user, managerRoles, vm.VMID); !errors.Is(err, ErrBackupScheduleNotFound) {
		t.Fatalf("expected ErrBackupScheduleNotFound on double remove, got %v", err)
	}
}

func TestScheduleBackupRejectsTinyInterval(t *testing.T) {
	env := newTestEnv(t)
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.ScheduleBackup(context.Background(), env.user, managerRoles, vm.VMID, time.Second, 3, ""); err == nil {
		t.Fatalf("expected sub-minute interval to be rejected")
	}
}

func TestRunDueBackupsFiresAndPrunes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	// Two manual backups already on disk.
	for i, volid := range []string{"vzdump-1", "vzdump-2"} {
		env.gateway.backups = []proxmox.StorageItem{{VolID: volid, Content: "backup", VMID: vm.VMID, CTime: int64(1000 + i), Size: 4096}}
		if _, err := env.engine.CreateBackup(ctx, env.user, managerRoles, vm.VMID); err != nil {
			t.Fatalf("backup %s: %v", volid, err)
		}
	}

	// A fresh schedule is due immediately.
	sched, err := env.engine.ScheduleBackup(ctx, env.user, managerRoles, vm.VMID, time.Hour, 1, "zstd")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	env.gateway.backups = []proxmox.StorageItem{{VolID: "vzdump-3", Content: "backup", VMID: vm.VMID, CTime: 2000, Size: 4096}}
	ran, err := env.engine.RunDueBackups(ctx)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected 1 schedule to fire, got %d", ran)
	}

	// Retention 1: only the scheduled archive survives.
	remaining, err := env.engine.ListBackups(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(remaining) != 1 || remaining[0].BackupID != "vzdump-3" || remaining[0].Type != "scheduled" {
		t.Fatalf("unexpected surviving backups: %+v", remaining)
	}

	// The schedule advanced and is no longer due.
	after, err := env.engine.GetBackupSchedule(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !after.NextRun.After(sched.NextRun) {
		t.Fatalf("next_run did not advance: %s -> %s", sched.NextRun, after.NextRun)
	}
	if after.LastRun == nil {
		t.Fatalf("last_run not recorded")
	}
	ran, err = env.engine.RunDueBackups(ctx)
	if err != nil {
		t.Fatalf("second run due: %v", err)
	}
	if ran != 0 {
		t.Fatalf("schedule fired again before its interval: %d", ran)
	}
}

func TestConvertToTemplateRecordsCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")

	if _, err := env.engine.ConvertToTemplate(ctx, env.user, managerRoles, vm.VMID, "golden-web"); err != nil {
		t.Fatalf("convert: %v", err)
	}

	templates, err := env.engine.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	var found bool
	for _, tpl := range templates {
		if tpl.Name == "golden-web" && tpl.CreatedBy == env.user.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("user template not recorded: %+v", templates)
	}

	// Only the creator (or an admin) removes it.
	other, _ := env.engine.EnsureUser(ctx, "discord:2002", "other")
	if err := env.engine.DeleteTemplate(ctx, other, "golden-web"); !errors.Is(err, policy.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := env.engine.DeleteTemplate(ctx, env.user, "golden-web"); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
}

func TestDownloadTemplateAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.DownloadTemplate(ctx, env.user, "pve1", "local", "ubuntu.tar.zst"); !errors.Is(err, policy.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	admin, _ := env.engine.EnsureUser(ctx, "discord:1", "root")
	dep, err := env.engine.DownloadTemplate(ctx, admin, "pve1", "local", "ubuntu.tar.zst")
	if err != nil {
		t.Fatalf("admin download: %v", err)
	}
	loaded, _ := env.engine.GetDeployment(ctx, admin, dep.DeploymentID)
	if loaded.Status != db.DeploymentCompleted {
		t.Fatalf("unexpected deployment: %+v", loaded)
	}
}

func TestCancelDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dep, err := env.tracker.Open(ctx, env.user.ID, db.DeployVMStart, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cancelled, err := env.engine.CancelDeployment(ctx, env.user, dep.DeploymentID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != db.DeploymentFailed {
		t.Fatalf("expected failed, got %s", cancelled.Status)
	}

	// Cancelling a finished deployment is rejected.
	if _, err := env.engine.CancelDeployment(ctx, env.user, dep.DeploymentID); !errors.Is(err, tracker.ErrDeploymentFinal) {
		t.Fatalf("expected ErrDeploymentFinal, got %v", err)
	}
}

func TestCleanupDeploymentsScopedToUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	createVM(t, env, "web-01")

	other, _ := env.engine.EnsureUser(ctx, "discord:2002", "other")
	dep, err := env.tracker.Open(ctx, other.ID, db.DeployVMStart, nil)
	if err != nil {
		t.Fatalf("open other deployment: %v", err)
	}
	if err := env.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		t.Fatalf("complete other deployment: %v", err)
	}

	removed, err := env.engine.CleanupDeployments(ctx, env.user, -time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	others, _ := env.engine.ListDeployments(ctx, other, 10)
	if len(others) != 1 {
		t.Fatalf("other user's deployments touched: %d", len(others))
	}
}

func TestNodesCachesRemoteView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	nodes, err := env.engine.Nodes(ctx)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "pve1" || nodes[0].CPUCores != 16 {
		t.Fatalf("unexpected cached nodes: %+v", nodes)
	}
	if nodes[0].MemoryTotalMB != 64<<10 {
		t.Fatalf("memory not converted to MB: %d", nodes[0].MemoryTotalMB)
	}
}

func TestCollectAlertsThresholds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Healthy cluster: no alerts.
	alerts, err := env.engine.CollectAlerts(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}

	// Saturate a node's memory past 90%.
	env.gateway.nodes = []proxmox.NodeInfo{
		{Node: "pve1", Status: "online", MaxCPU: 16, MaxMem: 100, Mem: 95, MaxDisk: 100, Disk: 10},
		{Node: "pve2", Status: "offline"},
	}
	alerts, err = env.engine.CollectAlerts(ctx)
	if err != nil {
		t.Fatalf("collect saturated: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected memory + offline alerts, got %+v", alerts)
	}
	var sawMemory, sawOffline bool
	for _, a := range alerts {
		if a.Metric == "memory" && a.Resource == "node" {
			sawMemory = true
		}
		if a.Metric == "status" && a.Severity == "critical" {
			sawOffline = true
		}
	}
	if !sawMemory || !sawOffline {
		t.Fatalf("unexpected alert mix: %+v", alerts)
	}
}

func TestNodeMetricsValidatesNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gateway.rrd = []proxmox.RRDPoint{{Time: 1700000000, CPU: 0.25}}

	metrics, err := env.engine.NodeMetrics(ctx, "pve1")
	if err != nil {
		t.Fatalf("node metrics: %v", err)
	}
	if metrics.Node != "pve1" || metrics.Status == nil || len(metrics.Series) != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}

	if _, err := env.engine.NodeMetrics(ctx, "pve9"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestVMMetricsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vm := createVM(t, env, "web-01")
	env.gateway.rrd = []proxmox.RRDPoint{{Time: 1700000000, CPU: 0.5}, {Time: 1700000060, CPU: 0.6}}

	series, err := env.engine.VMMetrics(ctx, env.user, vm.VMID)
	if err != nil {
		t.Fatalf("vm metrics: %v", err)
	}
	if len(series) != 2 || series[0].CPU != 0.5 {
		t.Fatalf("unexpected series: %+v", series)
	}

	other, _ := env.engine.EnsureUser(ctx, "discord:2002", "other")
	if _, err := env.engine.VMMetrics(ctx, other, vm.VMID); !errors.Is(err, policy.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}
