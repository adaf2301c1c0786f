package db

import (
	"context"
	"time"
)

// VMStatus enumerates the lifecycle phases tracked for managed VMs. The
// local status is a cached belief about remote state and is only corrected
// when a caller feeds back a fresh hypervisor read.
type VMStatus string

const (
	VMStatusStopped   VMStatus = "stopped"
	VMStatusRunning   VMStatus = "running"
	VMStatusPaused    VMStatus = "paused"
	VMStatusMigrating VMStatus = "migrating"
	VMStatusDeleting  VMStatus = "deleting"
	VMStatusError     VMStatus = "error"
)

// User mirrors an external identity. Rows are created lazily on first
// interaction and deactivated rather than deleted.
type User struct {
	ID          int64
	ExternalID  string
	DisplayName string
	IsAdmin     bool
	IsActive    bool
	CreatedAt   time.Time
	LastSeen    time.Time
}

// VM models a managed virtual machine. VMID is the hypervisor-assigned
// identifier and lives in a different ID space than the local primary key.
type VM struct {
	ID            int64
	VMID          int
	Name          string
	Status        VMStatus
	Template      string
	MemoryMB      int
	Cores         int
	DiskGB        int
	Node          string
	Storage       string
	NetworkBridge string
	IPAddress     string
	MACAddress    string
	ProxmoxConfig []byte // verbatim config payload, kept for audit/recreate
	CreatedAt     time.Time
	LastModified  time.Time
	OwnerID       int64
}

// DeploymentStatus enumerates tracked-work lifecycle states.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// DeploymentType tags the intent a deployment tracks.
type DeploymentType string

const (
	DeployVMCreate         DeploymentType = "vm_create"
	DeployVMClone          DeploymentType = "vm_clone"
	DeployVMStart          DeploymentType = "vm_start"
	DeployVMStop           DeploymentType = "vm_stop"
	DeployVMShutdown       DeploymentType = "vm_shutdown"
	DeployVMReboot         DeploymentType = "vm_reboot"
	DeployVMResize         DeploymentType = "vm_resize"
	DeployVMMigrate        DeploymentType = "vm_migrate"
	DeployVMDelete         DeploymentType = "vm_delete"
	DeployVMBackup         DeploymentType = "vm_backup"
	DeployVMRestore        DeploymentType = "vm_restore"
	DeployVMSnapshot       DeploymentType = "vm_snapshot"
	DeployTemplateCreate   DeploymentType = "template_create"
	DeployTemplateDownload DeploymentType = "template_download"
)

// Deployment is one tracked unit of mutating work.
type Deployment struct {
	ID           int64
	DeploymentID string // opaque correlation id
	Type         DeploymentType
	Status       DeploymentStatus
	Progress     int // 0-100
	ErrorMessage string
	Payload      []byte
	CreatedAt    time.Time
	CompletedAt  *time.Time
	UserID       int64
	VMID         *int64 // local vm row, absent for creates until the record exists
}

// Snapshot is a point-in-time artifact referencing a VM.
type Snapshot struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	VMID        int64
}

// Backup is a point-in-time artifact with a retention horizon. Cleanup is
// count-based ("keep the N most recent"); RetentionUntil is audit metadata.
type Backup struct {
	ID             int64
	BackupID       string // remote volume id
	Type           string // manual, scheduled
	Status         string
	SizeBytes      int64
	CreatedAt      time.Time
	CompletedAt    *time.Time
	RetentionUntil *time.Time
	Data           []byte
	VMID           int64
}

// BackupSchedule drives recurring backups for one VM. Interval-based
// rather than cron: the sweep fires every schedule whose next_run has
// passed and advances it by Interval.
type BackupSchedule struct {
	ID        int64
	VMID      int64 // local vm row id
	Interval  time.Duration
	Retention int
	Compress  string
	Enabled   bool
	NextRun   time.Time
	LastRun   *time.Time
	CreatedAt time.Time
}

// Template is a user-derived OS image descriptor. Built-in templates live
// in static configuration, not in this table.
type Template struct {
	ID          int64
	Name        string
	DisplayName string
	File        string
	MinMemoryMB int
	MinCores    int
	MinDiskGB   int
	DefaultUser string
	SSHPort     int
	IsActive    bool
	CreatedBy   int64
	CreatedAt   time.Time
}

// Node is a read-through cache of a hypervisor host, never authoritative.
type Node struct {
	ID            int64
	Name          string
	Status        string
	CPUCores      int
	MemoryTotalMB int64
	MemoryUsedMB  int64
	DiskTotalGB   int64
	DiskUsedGB    int64
	LastUpdated   time.Time
}

// Store describes the persistence surface consumed by the orchestrator.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Users() UserRepository
	VirtualMachines() VMRepository
	Deployments() DeploymentRepository
	Snapshots() SnapshotRepository
	Backups() BackupRepository
	BackupSchedules() BackupScheduleRepository
	Templates() TemplateRepository
	Nodes() NodeRepository
}

// UserRepository manages identity mirror rows.
type UserRepository interface {
	Create(ctx context.Context, user *User) (int64, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	TouchLastSeen(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool) error
	CountVMs(ctx context.Context, id int64) (int, error)
}

// VMRepository manages CRUD and narrow field mutations for VMs.
type VMRepository interface {
	Create(ctx context.Context, vm *VM) (int64, error)
	GetByID(ctx context.Context, id int64) (*VM, error)
	GetByVMID(ctx context.Context, vmid int) (*VM, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]VM, error)
	List(ctx context.Context) ([]VM, error)
	UpdateStatus(ctx context.Context, vmid int, status VMStatus) error
	UpdateNode(ctx context.Context, vmid int, node string) error
	UpdateDiskSize(ctx context.Context, vmid int, diskGB int) error
	UpdateNetworkIdentity(ctx context.Context, vmid int, ip, mac string) error
	UpdateVMID(ctx context.Context, id int64, vmid int) error
	Delete(ctx context.Context, id int64) error
}

// DeploymentRepository persists tracked units of work. UpdateStatus
// refuses to overwrite terminal rows and reports how many rows it
// touched so callers can detect a lost race against another finisher.
type DeploymentRepository interface {
	Create(ctx context.Context, d *Deployment) (int64, error)
	GetByDeploymentID(ctx context.Context, deploymentID string) (*Deployment, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]Deployment, error)
	UpdateStatus(ctx context.Context, deploymentID string, status DeploymentStatus, errorMessage string) (int64, error)
	UpdateProgress(ctx context.Context, deploymentID string, progress int) error
	AttachVM(ctx context.Context, deploymentID string, vmID int64) error
	DeleteTerminalOlderThan(ctx context.Context, userID int64, cutoff time.Time) (int64, error)
}

type SnapshotRepository interface {
	Create(ctx context.Context, s *Snapshot) (int64, error)
	ListByVM(ctx context.Context, vmID int64) ([]Snapshot, error)
	DeleteByName(ctx context.Context, vmID int64, name string) error
}

type BackupRepository interface {
	Create(ctx context.Context, b *Backup) (int64, error)
	ListByVM(ctx context.Context, vmID int64) ([]Backup, error)
	UpdateStatus(ctx context.Context, backupID string, status string, sizeBytes int64) error
	Delete(ctx context.Context, backupID string) error
}

// BackupScheduleRepository persists per-VM recurring backup settings.
// One schedule per VM; Upsert replaces an existing row.
type BackupScheduleRepository interface {
	Upsert(ctx context.Context, s *BackupSchedule) error
	GetByVM(ctx context.Context, vmID int64) (*BackupSchedule, error)
	ListDue(ctx context.Context, now time.Time) ([]BackupSchedule, error)
	MarkRan(ctx context.Context, id int64, ranAt, nextRun time.Time) error
	DeleteByVM(ctx context.Context, vmID int64) (int64, error)
}

type TemplateRepository interface {
	Create(ctx context.Context, t *Template) (int64, error)
	GetByName(ctx context.Context, name string) (*Template, error)
	List(ctx context.Context) ([]Template, error)
	Delete(ctx context.Context, name string) error
}

type NodeRepository interface {
	Upsert(ctx context.Context, n *Node) error
	List(ctx context.Context) ([]Node, error)
	GetByName(ctx context.Context, name string) (*Node, error)
}
