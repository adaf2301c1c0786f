// Package orchestrator sequences provisioning flows: policy admission,
// deployment tracking, hypervisor dispatch, registry bookkeeping, and
// event publication.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/eventbus"
	"github.com/pvecloud/pvec/internal/server/orchestrator/events"
	"github.com/pvecloud/pvec/internal/server/policy"
	"github.com/pvecloud/pvec/internal/server/proxmox"
	"github.com/pvecloud/pvec/internal/server/registry"
	"github.com/pvecloud/pvec/internal/server/tracker"
)

var (
	ErrVMNotFound       = errors.New("orchestrator: vm not found")
	ErrNoNodesAvailable = errors.New("orchestrator: no hypervisor nodes available")
	ErrNotShrinkable    = errors.New("orchestrator: disk can only grow")
	ErrUnknownNode      = errors.New("orchestrator: unknown target node")
	ErrBackupNotFound   = errors.New("orchestrator: backup not found")

	ErrBackupScheduleNotFound = errors.New("orchestrator: no backup schedule for vm")
)

// Gateway is the hypervisor operation surface the engine drives.
// Satisfied by *proxmox.Client.
type Gateway interface {
	NextID(ctx context.Context) (int, error)
	Nodes(ctx context.Context) ([]proxmox.NodeInfo, error)
	NodeStatus(ctx context.Context, node string) (*proxmox.NodeStatus, error)
	NodeRRD(ctx context.Context, node string) ([]proxmox.RRDPoint, error)
	AllVMs(ctx context.Context) ([]proxmox.VMInfo, error)
	VMStatus(ctx context.Context, node string, vmid int) (*proxmox.VMInfo, error)
	VMRRD(ctx context.Context, node string, vmid int) ([]proxmox.RRDPoint, error)
	CreateVM(ctx context.Context, node string, config map[string]any) (string, error)
	CloneVM(ctx context.Context, node string, vmid, newid int, name string, options map[string]any) (string, error)
	StartVM(ctx context.Context, node string, vmid int) (string, error)
	StopVM(ctx context.Context, node string, vmid int) (string, error)
	ShutdownVM(ctx context.Context, node string, vmid int) (string, error)
	RebootVM(ctx context.Context, node string, vmid int) (string, error)
	DeleteVM(ctx context.Context, node string, vmid int) (string, error)
	MigrateVM(ctx context.Context, node string, vmid int, target string, options map[string]any) (string, error)
	UpdateVMConfig(ctx context.Context, node string, vmid int, config map[string]any) error
	ResizeDisk(ctx context.Context, node string, vmid int, disk, size string) error
	CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) (string, error)
	RollbackSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)
	DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)
	CreateBackup(ctx context.Context, node string, vmid int, options map[string]any) (string, error)
	Backups(ctx context.Context, node, storage string, vmid int) ([]proxmox.StorageItem, error)
	DeleteBackup(ctx context.Context, node, storage, volid string) (string, error)
	RestoreBackup(ctx context.Context, node string, vmid int, archive string, options map[string]any) (string, error)
	DownloadTemplate(ctx context.Context, node, storage, filename string) (string, error)
	WaitForTask(ctx context.Context, node, upid string, timeout time.Duration, progress func(proxmox.TaskStatus)) error
}

// CreateRequest is an incoming provisioning intent.
type CreateRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	MemoryMB int    `json:"memory_mb"`
	Cores    int    `json:"cores"`
	DiskGB   int    `json:"disk_gb"`
	Node     string `json:"node,omitempty"`
}

// Engine is the provisioning control plane.
type Engine interface {
	EnsureUser(ctx context.Context, externalID, displayName string) (*db.User, error)

	ListVMs(ctx context.Context, user *db.User, all bool) ([]db.VM, error)
	GetVM(ctx context.Context, user *db.User, vmid int) (*db.VM, error)
	CreateVM(ctx context.Context, user *db.User, roles []string, req CreateRequest) (*db.Deployment, *db.VM, error)
	CloneVM(ctx context.Context, user *db.User, roles []string, vmid int, newName string) (*db.Deployment, *db.VM, error)
	StartVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	StopVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	ShutdownVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	RebootVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	ResizeDisk(ctx context.Context, user *db.User, roles []string, vmid, newDiskGB int) (*db.Deployment, error)
	MigrateVM(ctx context.Context, user *db.User, roles []string, vmid int, target string) (*db.Deployment, error)
	DeleteVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	RefreshVMStatus(ctx context.Context, user *db.User, vmid int) (*db.VM, error)

	CreateSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name, description string) (*db.Deployment, error)
	ListSnapshots(ctx context.Context, user *db.User, vmid int) ([]db.Snapshot, error)
	RollbackSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error)
	DeleteSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error)

	CreateBackup(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)
	ListBackups(ctx context.Context, user *db.User, vmid int) ([]db.Backup, error)
	RestoreBackup(ctx context.Context, user *db.User, roles []string, vmid int, backupID string) (*db.Deployment, error)
	CleanupBackups(ctx context.Context, user *db.User, roles []string, vmid int) (int, error)
	ScheduleBackup(ctx context.Context, user *db.User, roles []string, vmid int, every time.Duration, retention int, compress string) (*db.BackupSchedule, error)
	GetBackupSchedule(ctx context.Context, user *db.User, vmid int) (*db.BackupSchedule, error)
	UnscheduleBackup(ctx context.Context, user *db.User, roles []string, vmid int) error
	RunDueBackups(ctx context.Context) (int, error)

	ConvertToTemplate(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error)
	DownloadTemplate(ctx context.Context, user *db.User, node, storage, filename string) (*db.Deployment, error)
	DeleteTemplate(ctx context.Context, user *db.User, name string) error
	ListTemplates(ctx context.Context) ([]registry.TemplateInfo, error)

	GetDeployment(ctx context.Context, user *db.User, deploymentID string) (*db.Deployment, error)
	ListDeployments(ctx context.Context, user *db.User, limit int) ([]db.Deployment, error)
	CancelDeployment(ctx context.Context, user *db.User, deploymentID string) (*db.Deployment, error)
	CleanupDeployments(ctx context.Context, user *db.User, olderThan time.Duration) (int64, error)

	Nodes(ctx context.Context) ([]db.Node, error)
	NodeMetrics(ctx context.Context, node string) (*NodeMetrics, error)
	VMMetrics(ctx context.Context, user *db.User, vmid int) ([]proxmox.RRDPoint, error)
	CollectAlerts(ctx context.Context) ([]events.Alert, error)
}

type Params struct {
	Store    db.Store
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Policy   *policy.Engine
	Gateway  Gateway
	Bus      eventbus.Bus
	Logger   *slog.Logger

	TaskTimeout     time.Duration
	BackupRetention int
}

type engine struct {
	store           db.Store
	registry        *registry.Registry
	tracker         *tracker.Tracker
	policy          *policy.Engine
	gateway         Gateway
	bus             eventbus.Bus
	logger          *slog.Logger
	taskTimeout     time.Duration
	backupRetention int
}

var _ Engine = (*engine)(nil)

func New(params Params) (Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if params.Tracker == nil {
		return nil, fmt.Errorf("orchestrator: tracker is required")
	}
	if params.Policy == nil {
		return nil, fmt.Errorf("orchestrator: policy engine is required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: gateway is required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("orchestrator: event bus is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	taskTimeout := params.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	retention := params.BackupRetention
	if retention <= 0 {
		retention = 7
	}
	return &engine{
		store:           params.Store,
		registry:        params.Registry,
		tracker:         params.Tracker,
		policy:          params.Policy,
		gateway:         params.Gateway,
		bus:             params.Bus,
		logger:          logger.With("component", "orchestrator"),
		taskTimeout:     taskTimeout,
		backupRetention: retention,
	}, nil
}

// EnsureUser lazily mirrors an external identity and stamps last_seen.
func (e *engine) EnsureUser(ctx context.Context, externalID, displayName string) (*db.User, error) {
	users := e.store.Queries().Users()
	user, err := users.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load user: %w", err)
	}
	if user == nil {
		fresh := &db.User{
			ExternalID:  externalID,
			DisplayName: displayName,
			IsActive:    true,
		}
		id, err := users.Create(ctx, fresh)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create user: %w", err)
		}
		fresh.ID = id
		e.logger.Info("user created", "external_id", externalID)
		return fresh, nil
	}
	if err := users.TouchLastSeen(ctx, user.ID); err != nil {
		e.logger.Warn("failed to stamp last_seen", "user_id", user.ID, "error", err)
	}
	return user, nil
}

func (e *engine) ListVMs(ctx context.Context, user *db.User, all bool) ([]db.VM, error) {
	if all && e.policy.IsAdmin(user) {
		return e.registry.List(ctx)
	}
	return e.registry.ListByOwner(ctx, user.ID)
}

func (e *engine) GetVM(ctx context.Context, user *db.User, vmid int) (*db.VM, error) {
	vm, err := e.registry.GetByVMID(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, ErrVMNotFound
	}
	if err := e.policy.AuthorizeOwner(user, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

// resolveOwnedVM runs the shared admission preamble for mutating
// operations on an existing machine.
func (e *engine) resolveOwnedVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.VM, error) {
	if err := e.policy.HasPermission(user, roles); err != nil {
		return nil, err
	}
	return e.GetVM(ctx, user, vmid)
}

// --- create / clone ---

func (e *engine) CreateVM(ctx context.Context, user *db.User, roles []string, req CreateRequest) (*db.Deployment, *db.VM, error) {
	if err := e.policy.HasPermission(user, roles); err != nil {
		return nil, nil, err
	}
	count, err := e.store.Queries().Users().CountVMs(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: count vms: %w", err)
	}
	if err := e.policy.CheckQuota(user, count); err != nil {
		return nil, nil, err
	}

	// Template floor violations are rejected before any id is
	// allocated or any record written.
	tpl, err := e.registry.ResolveTemplate(ctx, req.Template)
	if err != nil {
		return nil, nil, err
	}
	if err := e.policy.ValidateResources(tpl.Floor(), policy.ResourceRequest{MemoryMB: req.MemoryMB, Cores: req.Cores, DiskGB: req.DiskGB}); err != nil {
		return nil, nil, err
	}

	node := req.Node
	if node == "" {
		node, err = e.pickNode(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	payload, _ := json.Marshal(req)
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMCreate, payload)
	if err != nil {
		return nil, nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	vm, err := e.registry.Create(ctx, user, registry.CreateSpec{
		Name:     req.Name,
		Template: req.Template,
		MemoryMB: req.MemoryMB,
		Cores:    req.Cores,
		DiskGB:   req.DiskGB,
		Node:     node,
	})
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm to deployment", "deployment_id", dep.DeploymentID, "error", err)
	}

	if err := e.tracker.AcquireVM(vm.VMID, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		e.tracker.ReleaseVM(vm.VMID)
		return dep, nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	var config map[string]any
	if err := json.Unmarshal(vm.ProxmoxConfig, &config); err != nil {
		e.tracker.ReleaseVM(vm.VMID)
		e.failDeployment(ctx, dep, fmt.Sprintf("decode stored config: %v", err))
		return dep, nil, err
	}

	upid, err := e.gateway.CreateVM(ctx, node, config)
	if err != nil && isVMIDCollision(err) {
		// The id was taken remotely between allocation and create.
		// One retry with a fresh id, keeping the local row aligned.
		freshID, allocErr := e.gateway.NextID(ctx)
		if allocErr == nil {
			if updErr := e.registry.UpdateVMID(ctx, vm.ID, freshID); updErr == nil {
				e.tracker.ReleaseVM(vm.VMID)
				_ = e.tracker.AcquireVM(freshID, dep.DeploymentID)
				vm.VMID = freshID
				config["vmid"] = freshID
				upid, err = e.gateway.CreateVM(ctx, node, config)
			}
		}
	}
	if err != nil {
		e.tracker.ReleaseVM(vm.VMID)
		e.rollbackCreate(ctx, vm)
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}

	if err := e.waitTask(ctx, dep, node, upid); err != nil {
		if !isTaskTimeout(err) {
			e.tracker.ReleaseVM(vm.VMID)
			e.rollbackCreate(ctx, vm)
		}
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}

	e.tracker.ReleaseVM(vm.VMID)
	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, vm, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, vm.VMID, vm.Name, string(db.VMStatusStopped), node)
	return dep, vm, nil
}

func (e *engine) CloneVM(ctx context.Context, user *db.User, roles []string, vmid int, newName string) (*db.Deployment, *db.VM, error) {
	source, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, nil, err
	}
	count, err := e.store.Queries().Users().CountVMs(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: count vms: %w", err)
	}
	if err := e.policy.CheckQuota(user, count); err != nil {
		return nil, nil, err
	}

	newID, err := e.gateway.NextID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: allocate clone vmid: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{"source_vmid": vmid, "name": newName})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMClone, payload)
	if err != nil {
		return nil, nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	cloneOptions := map[string]any{"full": 1}
	upid, err := e.gateway.CloneVM(ctx, source.Node, vmid, newID, newName, cloneOptions)
	if err != nil && isVMIDCollision(err) {
		// The target id was taken remotely between allocation and
		// clone. One retry with a fresh id.
		freshID, allocErr := e.gateway.NextID(ctx)
		if allocErr == nil {
			newID = freshID
			upid, err = e.gateway.CloneVM(ctx, source.Node, vmid, newID, newName, cloneOptions)
		}
	}
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}
	if err := e.waitTask(ctx, dep, source.Node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, nil, err
	}

	// The stored payload records what was actually submitted for the
	// clone, not the source's create config.
	configPayload, _ := json.Marshal(map[string]any{
		"vmid":        newID,
		"name":        newName,
		"source_vmid": vmid,
		"full":        1,
	})

	// The clone inherits the source's placement and resources.
	clone := &db.VM{
		VMID:          newID,
		Name:          newName,
		Status:        db.VMStatusStopped,
		Template:      source.Template,
		MemoryMB:      source.MemoryMB,
		Cores:         source.Cores,
		DiskGB:        source.DiskGB,
		Node:          source.Node,
		Storage:       source.Storage,
		NetworkBridge: source.NetworkBridge,
		ProxmoxConfig: configPayload,
		OwnerID:       user.ID,
	}
	rowID, err := e.store.Queries().VirtualMachines().Create(ctx, clone)
	if err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, nil, err
	}
	clone.ID = rowID
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, rowID); err != nil {
		e.logger.Warn("failed to attach clone to deployment", "deployment_id", dep.DeploymentID, "error", err)
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, clone, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, newID, newName, string(db.VMStatusStopped), source.Node)
	return dep, clone, nil
}

// --- lifecycle actions ---

func (e *engine) StartVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	return e.lifecycle(ctx, user, roles, vmid, db.DeployVMStart, db.VMStatusRunning, e.gateway.StartVM)
}

func (e *engine) StopVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	return e.lifecycle(ctx, user, roles, vmid, db.DeployVMStop, db.VMStatusStopped, e.gateway.StopVM)
}

func (e *engine) ShutdownVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	return e.lifecycle(ctx, user, roles, vmid, db.DeployVMShutdown, db.VMStatusStopped, e.gateway.ShutdownVM)
}

func (e *engine) RebootVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	return e.lifecycle(ctx, user, roles, vmid, db.DeployVMReboot, db.VMStatusRunning, e.gateway.RebootVM)
}

// lifecycle runs the shared flow for power actions: admission, busy
// acquisition, remote dispatch, task wait, registry status write,
// terminal tracking, event publish.
func (e *engine) lifecycle(
	ctx context.Context,
	user *db.User,
	roles []string,
	vmid int,
	typ db.DeploymentType,
	finalStatus db.VMStatus,
	action func(context.Context, string, int) (string, error),
) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	dep, err := e.tracker.Open(ctx, user.ID, typ, nil)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		e.tracker.ReleaseVM(vmid)
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	upid, err := action(ctx, vm.Node, vmid)
	if err != nil {
		e.tracker.ReleaseVM(vmid)
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		// A timed-out task may still land remotely; the hold stays
		// until a status refresh settles the outcome.
		if !isTaskTimeout(err) {
			e.tracker.ReleaseVM(vmid)
		}
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.registry.UpdateStatus(ctx, vmid, finalStatus); err != nil {
		e.tracker.ReleaseVM(vmid)
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	e.tracker.ReleaseVM(vmid)
	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, vmid, vm.Name, string(finalStatus), vm.Node)
	return dep, nil
}

func (e *engine) ResizeDisk(ctx context.Context, user *db.User, roles []string, vmid, newDiskGB int) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}
	if newDiskGB <= vm.DiskGB {
		return nil, fmt.Errorf("%w: %d GB -> %d GB", ErrNotShrinkable, vm.DiskGB, newDiskGB)
	}

	payload, _ := json.Marshal(map[string]any{"disk_gb": newDiskGB})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMResize, payload)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	if err := e.gateway.ResizeDisk(ctx, vm.Node, vmid, "scsi0", fmt.Sprintf("%dG", newDiskGB)); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.registry.UpdateDiskSize(ctx, vmid, newDiskGB); err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

func (e *engine) MigrateVM(ctx context.Context, user *db.User, roles []string, vmid int, target string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	nodes, err := e.gateway.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	known := false
	for _, n := range nodes {
		if n.Node == target {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}

	payload, _ := json.Marshal(map[string]any{"target": target})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMMigrate, payload)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		e.tracker.ReleaseVM(vmid)
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	options := map[string]any{}
	if vm.Status == db.VMStatusRunning {
		options["online"] = 1
	}
	upid, err := e.gateway.MigrateVM(ctx, vm.Node, vmid, target, options)
	if err != nil {
		e.tracker.ReleaseVM(vmid)
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		if !isTaskTimeout(err) {
			e.tracker.ReleaseVM(vmid)
		}
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.registry.UpdateNode(ctx, vmid, target); err != nil {
		e.tracker.ReleaseVM(vmid)
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	e.tracker.ReleaseVM(vmid)
	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, vmid, vm.Name, string(vm.Status), target)
	return dep, nil
}

func (e *engine) DeleteVM(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMDelete, nil)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		e.tracker.ReleaseVM(vmid)
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	if err := e.registry.UpdateStatus(ctx, vmid, db.VMStatusDeleting); err != nil {
		e.logger.Warn("failed to mark vm deleting", "vmid", vmid, "error", err)
	}

	// A running guest is force-stopped before removal.
	if vm.Status == db.VMStatusRunning {
		upid, err := e.gateway.StopVM(ctx, vm.Node, vmid)
		if err != nil {
			e.tracker.ReleaseVM(vmid)
			e.failDeployment(ctx, dep, err.Error())
			return dep, err
		}
		if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
			if !isTaskTimeout(err) {
				e.tracker.ReleaseVM(vmid)
			}
			e.failDeployment(ctx, dep, err.Error())
			return dep, err
		}
	}

	upid, err := e.gateway.DeleteVM(ctx, vm.Node, vmid)
	if err != nil {
		e.tracker.ReleaseVM(vmid)
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		if !isTaskTimeout(err) {
			e.tracker.ReleaseVM(vmid)
		}
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.registry.Delete(ctx, vm.ID); err != nil {
		e.tracker.ReleaseVM(vmid)
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	e.tracker.ReleaseVM(vmid)
	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, vmid, vm.Name, "deleted", vm.Node)
	return dep, nil
}

// RefreshVMStatus reconciles local state with the hypervisor and
// releases any stale busy hold left by a timed-out task.
func (e *engine) RefreshVMStatus(ctx context.Context, user *db.User, vmid int) (*db.VM, error) {
	vm, err := e.GetVM(ctx, user, vmid)
	if err != nil {
		return nil, err
	}

	remote, err := e.gateway.VMStatus(ctx, vm.Node, vmid)
	if err != nil {
		var apiErr *proxmox.RemoteAPIError
		if errors.As(err, &apiErr) {
			// The guest is gone remotely; reflect that locally.
			if err := e.registry.UpdateStatus(ctx, vmid, db.VMStatusError); err != nil {
				return nil, err
			}
			e.tracker.ReleaseVM(vmid)
			return e.registry.GetByVMID(ctx, vmid)
		}
		return nil, err
	}

	status := mapRemoteStatus(remote.Status)
	if status != vm.Status {
		if err := e.registry.UpdateStatus(ctx, vmid, status); err != nil {
			return nil, err
		}
		e.publishVM(ctx, vmid, vm.Name, string(status), vm.Node)
	}
	e.tracker.ReleaseVM(vmid)
	return e.registry.GetByVMID(ctx, vmid)
}

func mapRemoteStatus(remote string) db.VMStatus {
	switch remote {
	case "running":
		return db.VMStatusRunning
	case "stopped":
		return db.VMStatusStopped
	case "paused", "suspended":
		return db.VMStatusPaused
	default:
		return db.VMStatusError
	}
}

// --- snapshots ---

func (e *engine) CreateSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name, description string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"name": name})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMSnapshot, payload)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}

	upid, err := e.gateway.CreateSnapshot(ctx, vm.Node, vmid, name, description)
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if _, err := e.store.Queries().Snapshots().Create(ctx, &db.Snapshot{
		Name:        name,
		Description: description,
		VMID:        vm.ID,
	}); err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

func (e *engine) ListSnapshots(ctx context.Context, user *db.User, vmid int) ([]db.Snapshot, error) {
	vm, err := e.GetVM(ctx, user, vmid)
	if err != nil {
		return nil, err
	}
	return e.store.Queries().Snapshots().ListByVM(ctx, vm.ID)
}

func (e *engine) RollbackSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"name": name})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMSnapshot, payload)
	if err != nil {
		return nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}

	upid, err := e.gateway.RollbackSnapshot(ctx, vm.Node, vmid, name)
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

func (e *engine) DeleteSnapshot(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"name": name})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMSnapshot, payload)
	if err != nil {
		return nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}

	upid, err := e.gateway.DeleteSnapshot(ctx, vm.Node, vmid, name)
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.store.Queries().Snapshots().DeleteByName(ctx, vm.ID, name); err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

// --- backups ---

func (e *engine) CreateBackup(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}
	return e.runBackup(ctx, user.ID, vm, "manual", "zstd")
}

// runBackup drives one vzdump pass against an already-resolved guest
// and records the produced archive. Shared by manual and scheduled
// backups.
func (e *engine) runBackup(ctx context.Context, userID int64, vm *db.VM, backupType, compress string) (*db.Deployment, error) {
	vmid := vm.VMID

	dep, err := e.tracker.Open(ctx, userID, db.DeployVMBackup, nil)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.AttachVM(ctx, dep.DeploymentID, vm.ID); err != nil {
		e.logger.Warn("failed to attach vm", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	upid, err := e.gateway.CreateBackup(ctx, vm.Node, vmid, map[string]any{
		"storage":  vm.Storage,
		"mode":     "snapshot",
		"compress": compress,
	})
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	// The vzdump task does not report the produced volume; the newest
	// archive for this guest is it.
	volid, size := "", int64(0)
	if archives, err := e.gateway.Backups(ctx, vm.Node, vm.Storage, vmid); err == nil {
		var newest int64
		for _, a := range archives {
			if a.CTime >= newest {
				newest, volid, size = a.CTime, a.VolID, a.Size
			}
		}
	}
	if volid == "" {
		volid = upid
	}

	if _, err := e.store.Queries().Backups().Create(ctx, &db.Backup{
		BackupID:  volid,
		Type:      backupType,
		Status:    "completed",
		SizeBytes: size,
		VMID:      vm.ID,
	}); err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

func (e *engine) ListBackups(ctx context.Context, user *db.User, vmid int) ([]db.Backup, error) {
	vm, err := e.GetVM(ctx, user, vmid)
	if err != nil {
		return nil, err
	}
	return e.store.Queries().Backups().ListByVM(ctx, vm.ID)
}

func (e *engine) RestoreBackup(ctx context.Context, user *db.User, roles []string, vmid int, backupID string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.Queries().Backups().ListByVM(ctx, vm.ID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, b := range rows {
		if b.BackupID == backupID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}

	payload, _ := json.Marshal(map[string]any{"backup_id": backupID})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployVMRestore, payload)
	if err != nil {
		return nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		e.tracker.ReleaseVM(vmid)
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentInProgress, 10, "")

	upid, err := e.gateway.RestoreBackup(ctx, vm.Node, vmid, backupID, map[string]any{"storage": vm.Storage})
	if err != nil {
		e.tracker.ReleaseVM(vmid)
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
		if !isTaskTimeout(err) {
			e.tracker.ReleaseVM(vmid)
		}
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.registry.UpdateStatus(ctx, vmid, db.VMStatusStopped); err != nil {
		e.tracker.ReleaseVM(vmid)
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	e.tracker.ReleaseVM(vmid)
	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	e.publishVM(ctx, vmid, vm.Name, string(db.VMStatusStopped), vm.Node)
	return dep, nil
}

// CleanupBackups keeps the newest retention-count backups by creation
// time and removes the rest, remote volume first. Returns how many
// were removed.
func (e *engine) CleanupBackups(ctx context.Context, user *db.User, roles []string, vmid int) (int, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return 0, err
	}
	return e.pruneBackups(ctx, vm, e.backupRetention)
}

func (e *engine) pruneBackups(ctx context.Context, vm *db.VM, retention int) (int, error) {
	// ListByVM orders newest first.
	rows, err := e.store.Queries().Backups().ListByVM(ctx, vm.ID)
	if err != nil {
		return 0, err
	}
	if len(rows) <= retention {
		return 0, nil
	}

	removed := 0
	for _, stale := range rows[retention:] {
		if _, err := e.gateway.DeleteBackup(ctx, vm.Node, vm.Storage, stale.BackupID); err != nil {
			var apiErr *proxmox.RemoteAPIError
			if !errors.As(err, &apiErr) {
				return removed, err
			}
			// Already gone remotely; still drop the row.
			e.logger.Warn("backup volume missing remotely", "backup_id", stale.BackupID, "error", err)
		}
		if err := e.store.Queries().Backups().Delete(ctx, stale.BackupID); err != nil {
			return removed, err
		}
		removed++
	}
	e.logger.Info("backups cleaned up", "vmid", vm.VMID, "removed", removed, "kept", retention)
	return removed, nil
}

// --- backup schedules ---

// ScheduleBackup installs or replaces the recurring backup for a
// guest. The first run is due immediately; the sweeper picks it up on
// its next pass.
func (e *engine) ScheduleBackup(ctx context.Context, user *db.User, roles []string, vmid int, every time.Duration, retention int, compress string) (*db.BackupSchedule, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}
	if every < time.Minute {
		return nil, fmt.Errorf("orchestrator: backup interval %s is below the one minute floor", every)
	}
	if retention < 1 {
		retention = e.backupRetention
	}
	if compress == "" {
		compress = "zstd"
	}

	sched := &db.BackupSchedule{
		VMID:      vm.ID,
		Interval:  every,
		Retention: retention,
		Compress:  compress,
		Enabled:   true,
		NextRun:   time.Now().UTC(),
	}
	if err := e.store.Queries().BackupSchedules().Upsert(ctx, sched); err != nil {
		return nil, err
	}
	stored, err := e.store.Queries().BackupSchedules().GetByVM(ctx, vm.ID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("backup schedule installed", "vmid", vmid, "every", every, "retention", retention)
	return stored, nil
}

func (e *engine) GetBackupSchedule(ctx context.Context, user *db.User, vmid int) (*db.BackupSchedule, error) {
	vm, err := e.GetVM(ctx, user, vmid)
	if err != nil {
		return nil, err
	}
	sched, err := e.store.Queries().BackupSchedules().GetByVM(ctx, vm.ID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, fmt.Errorf("%w %d", ErrBackupScheduleNotFound, vmid)
	}
	return sched, nil
}

func (e *engine) UnscheduleBackup(ctx context.Context, user *db.User, roles []string, vmid int) error {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return err
	}
	affected, err := e.store.Queries().BackupSchedules().DeleteByVM(ctx, vm.ID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w %d", ErrBackupScheduleNotFound, vmid)
	}
	e.logger.Info("backup schedule removed", "vmid", vmid)
	return nil
}

// RunDueBackups fires every schedule whose next_run has passed,
// prunes each guest's archives down to the schedule's retention, and
// advances next_run by one interval. A failing schedule is logged and
// skipped; it still advances so it cannot wedge the sweep.
func (e *engine) RunDueBackups(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := e.store.Queries().BackupSchedules().ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, sched := range due {
		vm, err := e.store.Queries().VirtualMachines().GetByID(ctx, sched.VMID)
		if err != nil {
			e.logger.Warn("scheduled backup skipped, vm row missing", "schedule_id", sched.ID, "error", err)
		} else if vm == nil {
			e.logger.Warn("scheduled backup skipped, vm row missing", "schedule_id", sched.ID)
		} else {
			if _, err := e.runBackup(ctx, vm.OwnerID, vm, "scheduled", sched.Compress); err != nil {
				e.logger.Warn("scheduled backup failed", "vmid", vm.VMID, "error", err)
			} else {
				ran++
				if _, err := e.pruneBackups(ctx, vm, sched.Retention); err != nil {
					e.logger.Warn("scheduled backup pruning failed", "vmid", vm.VMID, "error", err)
				}
			}
		}
		if err := e.store.Queries().BackupSchedules().MarkRan(ctx, sched.ID, now, now.Add(sched.Interval)); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// --- templates ---

func (e *engine) ConvertToTemplate(ctx context.Context, user *db.User, roles []string, vmid int, name string) (*db.Deployment, error) {
	vm, err := e.resolveOwnedVM(ctx, user, roles, vmid)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"name": name})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployTemplateCreate, payload)
	if err != nil {
		return nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.AcquireVM(vmid, dep.DeploymentID); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	defer e.tracker.ReleaseVM(vmid)

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}

	// Conversion requires the guest to be off.
	if vm.Status == db.VMStatusRunning {
		upid, err := e.gateway.ShutdownVM(ctx, vm.Node, vmid)
		if err != nil {
			e.failDeployment(ctx, dep, err.Error())
			return dep, err
		}
		if err := e.waitTask(ctx, dep, vm.Node, upid); err != nil {
			e.failDeployment(ctx, dep, err.Error())
			return dep, err
		}
		if err := e.registry.UpdateStatus(ctx, vmid, db.VMStatusStopped); err != nil {
			e.logger.Warn("failed to record shutdown before conversion", "vmid", vmid, "error", err)
		}
	}

	if err := e.gateway.UpdateVMConfig(ctx, vm.Node, vmid, map[string]any{"template": 1}); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.registry.RecordUserTemplate(ctx, &db.Template{
		Name:        name,
		DisplayName: name,
		File:        fmt.Sprintf("vm-%d", vmid),
		MinMemoryMB: vm.MemoryMB,
		MinCores:    vm.Cores,
		MinDiskGB:   vm.DiskGB,
		DefaultUser: "root",
		SSHPort:     22,
		IsActive:    true,
		CreatedBy:   user.ID,
	}); err != nil {
		_ = e.tracker.MarkOrphaned(ctx, dep.DeploymentID, err)
		e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

// DownloadTemplate stages a template file onto a node's storage.
// Admin only.
func (e *engine) DownloadTemplate(ctx context.Context, user *db.User, node, storage, filename string) (*db.Deployment, error) {
	if !e.policy.IsAdmin(user) {
		return nil, policy.ErrNotAuthorized
	}

	payload, _ := json.Marshal(map[string]any{"node": node, "storage": storage, "filename": filename})
	dep, err := e.tracker.Open(ctx, user.ID, db.DeployTemplateDownload, payload)
	if err != nil {
		return nil, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentOpened, 0, "")

	if err := e.tracker.MarkInProgress(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}

	upid, err := e.gateway.DownloadTemplate(ctx, node, storage, filename)
	if err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}
	if err := e.waitTask(ctx, dep, node, upid); err != nil {
		e.failDeployment(ctx, dep, err.Error())
		return dep, err
	}

	if err := e.tracker.MarkCompleted(ctx, dep.DeploymentID); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentCompleted, 100, "")
	return dep, nil
}

// DeleteTemplate removes a user-derived template. Only the creator or
// an admin may remove it.
func (e *engine) DeleteTemplate(ctx context.Context, user *db.User, name string) error {
	row, err := e.store.Queries().Templates().GetByName(ctx, name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%w: %s", registry.ErrTemplateNotFound, name)
	}
	if row.CreatedBy != user.ID && !e.policy.IsAdmin(user) {
		return policy.ErrNotAuthorized
	}
	return e.registry.DeleteUserTemplate(ctx, name)
}

func (e *engine) ListTemplates(ctx context.Context) ([]registry.TemplateInfo, error) {
	return e.registry.ListTemplates(ctx)
}

// --- deployments ---

func (e *engine) GetDeployment(ctx context.Context, user *db.User, deploymentID string) (*db.Deployment, error) {
	dep, err := e.tracker.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.UserID != user.ID && !e.policy.IsAdmin(user) {
		return nil, policy.ErrNotAuthorized
	}
	return dep, nil
}

func (e *engine) ListDeployments(ctx context.Context, user *db.User, limit int) ([]db.Deployment, error) {
	return e.tracker.ListByUser(ctx, user.ID, limit)
}

// CancelDeployment abandons local tracking of an in-flight deployment.
// The remote task, if any, keeps running.
func (e *engine) CancelDeployment(ctx context.Context, user *db.User, deploymentID string) (*db.Deployment, error) {
	dep, err := e.GetDeployment(ctx, user, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status.Terminal() {
		return dep, tracker.ErrDeploymentFinal
	}
	if err := e.tracker.MarkFailed(ctx, deploymentID, "cancelled locally; remote operation may still be running"); err != nil {
		return dep, err
	}
	e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, "cancelled")
	return e.tracker.Get(ctx, deploymentID)
}

func (e *engine) CleanupDeployments(ctx context.Context, user *db.User, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	return e.tracker.CleanupOlderThan(ctx, user.ID, cutoff)
}

// --- shared helpers ---

func (e *engine) pickNode(ctx context.Context) (string, error) {
	nodes, err := e.gateway.Nodes(ctx)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.Status == "online" {
			return n.Node, nil
		}
	}
	return "", ErrNoNodesAvailable
}

func (e *engine) waitTask(ctx context.Context, dep *db.Deployment, node, upid string) error {
	return e.gateway.WaitForTask(ctx, node, upid, e.taskTimeout, func(status proxmox.TaskStatus) {
		if !status.Finished() {
			e.tracker.SetProgress(ctx, dep.DeploymentID, 50)
		}
	})
}

func (e *engine) failDeployment(ctx context.Context, dep *db.Deployment, reason string) {
	if err := e.tracker.MarkFailed(ctx, dep.DeploymentID, reason); err != nil {
		e.logger.Error("failed to mark deployment failed", "deployment_id", dep.DeploymentID, "error", err)
	}
	e.publishDeployment(ctx, dep, events.DeploymentFailed, 0, reason)
}

func (e *engine) publishDeployment(ctx context.Context, dep *db.Deployment, typ events.Type, progress int, errMsg string) {
	event := events.DeploymentEvent{
		Type:           typ,
		DeploymentID:   dep.DeploymentID,
		DeploymentType: string(dep.Type),
		Status:         statusForEvent(typ),
		Progress:       progress,
		Error:          errMsg,
		Timestamp:      time.Now().UTC(),
	}
	if err := e.bus.Publish(ctx, eventbus.TopicDeployments, event); err != nil {
		e.logger.Warn("failed to publish deployment event", "deployment_id", dep.DeploymentID, "error", err)
	}
	_ = e.bus.Publish(ctx, eventbus.DeploymentTopic(dep.DeploymentID), event)
}

func statusForEvent(typ events.Type) string {
	switch typ {
	case events.DeploymentOpened:
		return string(db.DeploymentPending)
	case events.DeploymentInProgress:
		return string(db.DeploymentInProgress)
	case events.DeploymentCompleted:
		return string(db.DeploymentCompleted)
	case events.DeploymentFailed:
		return string(db.DeploymentFailed)
	default:
		return ""
	}
}

func (e *engine) publishVM(ctx context.Context, vmid int, name, status, node string) {
	event := events.VMEvent{
		Type:      events.VMStatusChanged,
		VMID:      vmid,
		Name:      name,
		Status:    status,
		Node:      node,
		Timestamp: time.Now().UTC(),
	}
	if err := e.bus.Publish(ctx, eventbus.TopicVMs, event); err != nil {
		e.logger.Warn("failed to publish vm event", "vmid", vmid, "error", err)
	}
	_ = e.bus.Publish(ctx, eventbus.VMTopic(vmid), event)
}

func (e *engine) rollbackCreate(ctx context.Context, vm *db.VM) {
	if err := e.registry.Delete(ctx, vm.ID); err != nil {
		e.logger.Error("failed to roll back vm record", "vmid", vm.VMID, "error", err)
	}
}

func isTaskTimeout(err error) bool {
	var timeout *proxmox.TaskTimeoutError
	return errors.As(err, &timeout)
}

func isVMIDCollision(err error) bool {
	var apiErr *proxmox.RemoteAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "already in use")
}
