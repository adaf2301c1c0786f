// Package registry is the authoritative local record of provisioned
// machines. It is a passive cache of hypervisor state: it never polls
// the gateway, and remote mutations happen elsewhere.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pvecloud/pvec/internal/server/config"
	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/policy"
)

var ErrTemplateNotFound = errors.New("registry: template not found")

// IDAllocator hands out hypervisor guest ids. Implemented by the
// proxmox client.
type IDAllocator interface {
	NextID(ctx context.Context) (int, error)
}

// TemplateInfo is the merged view over built-in catalog entries and
// user-derived template rows.
type TemplateInfo struct {
	Name        string
	DisplayName string
	File        string
	MinMemoryMB int
	MinCores    int
	MinDiskGB   int
	DefaultUser string
	SSHPort     int
	BuiltIn     bool
	CreatedBy   int64
}

// Floor converts the template minimums into a policy admission floor.
func (t TemplateInfo) Floor() policy.ResourceFloor {
	return policy.ResourceFloor{
		Template:    t.Name,
		MinMemoryMB: t.MinMemoryMB,
		MinCores:    t.MinCores,
		MinDiskGB:   t.MinDiskGB,
	}
}

// CreateSpec is a validated request for a new machine record.
type CreateSpec struct {
	Name     string
	Template string
	MemoryMB int
	Cores    int
	DiskGB   int
	Node     string
	Storage  string
	Bridge   string
}

type Params struct {
	Store     db.Store
	Allocator IDAllocator
	Catalog   map[string]config.Template
	Defaults  Defaults
	Logger    *slog.Logger
}

// Defaults fill unset placement fields on create.
type Defaults struct {
	Storage string
	Bridge  string
}

type Registry struct {
	store     db.Store
	allocator IDAllocator
	catalog   map[string]config.Template
	defaults  Defaults
	logger    *slog.Logger
}

func New(params Params) (*Registry, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if params.Allocator == nil {
		return nil, fmt.Errorf("registry: id allocator is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     params.Store,
		allocator: params.Allocator,
		catalog:   params.Catalog,
		defaults:  params.Defaults,
		logger:    logger.With("component", "registry"),
	}, nil
}

// ResolveTemplate looks a template up in the built-in catalog first,
// then in user-derived rows.
func (r *Registry) ResolveTemplate(ctx context.Context, name string) (*TemplateInfo, error) {
	if tpl, ok := r.catalog[name]; ok {
		return &TemplateInfo{
			Name:        name,
			DisplayName: tpl.Name,
			File:        tpl.File,
			MinMemoryMB: tpl.MinMemoryMB,
			MinCores:    tpl.MinCores,
			MinDiskGB:   tpl.MinDiskGB,
			DefaultUser: tpl.DefaultUser,
			SSHPort:     tpl.SSHPort,
			BuiltIn:     true,
		}, nil
	}

	row, err := r.store.Queries().Templates().GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("registry: load template: %w", err)
	}
	if row == nil || !row.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return &TemplateInfo{
		Name:        row.Name,
		DisplayName: row.DisplayName,
		File:        row.File,
		MinMemoryMB: row.MinMemoryMB,
		MinCores:    row.MinCores,
		MinDiskGB:   row.MinDiskGB,
		DefaultUser: row.DefaultUser,
		SSHPort:     row.SSHPort,
		CreatedBy:   row.CreatedBy,
	}, nil
}

// ListTemplates merges built-in catalog entries with user rows.
func (r *Registry) ListTemplates(ctx context.Context) ([]TemplateInfo, error) {
	var result []TemplateInfo
	for name, tpl := range r.catalog {
		result = append(result, TemplateInfo{
			Name:        name,
			DisplayName: tpl.Name,
			File:        tpl.File,
			MinMemoryMB: tpl.MinMemoryMB,
			MinCores:    tpl.MinCores,
			MinDiskGB:   tpl.MinDiskGB,
			DefaultUser: tpl.DefaultUser,
			SSHPort:     tpl.SSHPort,
			BuiltIn:     true,
		})
	}
	rows, err := r.store.Queries().Templates().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list templates: %w", err)
	}
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		result = append(result, TemplateInfo{
			Name:        row.Name,
			DisplayName: row.DisplayName,
			File:        row.File,
			MinMemoryMB: row.MinMemoryMB,
			MinCores:    row.MinCores,
			MinDiskGB:   row.MinDiskGB,
			DefaultUser: row.DefaultUser,
			SSHPort:     row.SSHPort,
			CreatedBy:   row.CreatedBy,
		})
	}
	return result, nil
}

// Create validates the spec against the template floor, allocates a
// hypervisor guest id, and persists the record as stopped with the
// exact config payload the gateway will later receive. It never talks
// to the hypervisor beyond id allocation.
func (r *Registry) Create(ctx context.Context, owner *db.User, spec CreateSpec) (*db.VM, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("registry: vm name is required")
	}

	tpl, err := r.ResolveTemplate(ctx, spec.Template)
	if err != nil {
		return nil, err
	}
	if err := validateFloor(tpl, spec); err != nil {
		return nil, err
	}

	storage := spec.Storage
	if storage == "" {
		storage = r.defaults.Storage
	}
	bridge := spec.Bridge
	if bridge == "" {
		bridge = r.defaults.Bridge
	}

	vmid, err := r.allocator.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: allocate vmid: %w", err)
	}

	// One retry with a fresh id if the allocated one is already
	// recorded locally.
	if existing, err := r.GetByVMID(ctx, vmid); err != nil {
		return nil, err
	} else if existing != nil {
		r.logger.Warn("allocated vmid already recorded, retrying", "vmid", vmid)
		vmid, err = r.allocator.NextID(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: reallocate vmid: %w", err)
		}
		if existing, err := r.GetByVMID(ctx, vmid); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, fmt.Errorf("registry: vmid %d still in use after retry", vmid)
		}
	}

	configPayload, err := json.Marshal(buildVMConfig(vmid, spec.Name, spec.MemoryMB, spec.Cores, spec.DiskGB, storage, bridge, tpl.File))
	if err != nil {
		return nil, fmt.Errorf("registry: encode vm config: %w", err)
	}

	vm := &db.VM{
		VMID:          vmid,
		Name:          spec.Name,
		Status:        db.VMStatusStopped,
		Template:      spec.Template,
		MemoryMB:      spec.MemoryMB,
		Cores:         spec.Cores,
		DiskGB:        spec.DiskGB,
		Node:          spec.Node,
		Storage:       storage,
		NetworkBridge: bridge,
		ProxmoxConfig: configPayload,
		OwnerID:       owner.ID,
	}
	id, err := r.store.Queries().VirtualMachines().Create(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("registry: persist vm: %w", err)
	}
	vm.ID = id
	r.logger.Info("vm recorded", "vmid", vmid, "name", spec.Name, "owner_id", owner.ID)
	return vm, nil
}

func validateFloor(tpl *TemplateInfo, spec CreateSpec) error {
	floor := tpl.Floor()
	if spec.MemoryMB < floor.MinMemoryMB {
		return &policy.ResourceBelowMinimumError{Dimension: "memory_mb", Requested: spec.MemoryMB, Minimum: floor.MinMemoryMB, Template: floor.Template}
	}
	if spec.Cores < floor.MinCores {
		return &policy.ResourceBelowMinimumError{Dimension: "cores", Requested: spec.Cores, Minimum: floor.MinCores, Template: floor.Template}
	}
	if spec.DiskGB < floor.MinDiskGB {
		return &policy.ResourceBelowMinimumError{Dimension: "disk_gb", Requested: spec.DiskGB, Minimum: floor.MinDiskGB, Template: floor.Template}
	}
	return nil
}

// buildVMConfig produces the guest definition submitted to the
// hypervisor. Stored verbatim on the row so the create can be replayed
// or audited byte for byte.
func buildVMConfig(vmid int, name string, memoryMB, cores, diskGB int, storage, bridge, templateFile string) map[string]any {
	return map[string]any{
		"vmid":     vmid,
		"name":     name,
		"memory":   memoryMB,
		"cores":    cores,
		"net0":     fmt.Sprintf("virtio,bridge=%s", bridge),
		"scsi0":    fmt.Sprintf("%s:%d", storage, diskGB),
		"ostype":   "l26",
		"template": templateFile,
	}
}

// GetByID returns nil when the row does not exist.
func (r *Registry) GetByID(ctx context.Context, id int64) (*db.VM, error) {
	vm, err := r.store.Queries().VirtualMachines().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("registry: load vm: %w", err)
	}
	return vm, nil
}

// GetByVMID returns nil when the row does not exist.
func (r *Registry) GetByVMID(ctx context.Context, vmid int) (*db.VM, error) {
	vm, err := r.store.Queries().VirtualMachines().GetByVMID(ctx, vmid)
	if err != nil {
		return nil, fmt.Errorf("registry: load vm by vmid: %w", err)
	}
	return vm, nil
}

func (r *Registry) ListByOwner(ctx context.Context, ownerID int64) ([]db.VM, error) {
	return r.store.Queries().VirtualMachines().ListByOwner(ctx, ownerID)
}

func (r *Registry) List(ctx context.Context) ([]db.VM, error) {
	return r.store.Queries().VirtualMachines().List(ctx)
}

func (r *Registry) UpdateStatus(ctx context.Context, vmid int, status db.VMStatus) error {
	return r.store.Queries().VirtualMachines().UpdateStatus(ctx, vmid, status)
}

func (r *Registry) UpdateNode(ctx context.Context, vmid int, node string) error {
	return r.store.Queries().VirtualMachines().UpdateNode(ctx, vmid, node)
}

func (r *Registry) UpdateDiskSize(ctx context.Context, vmid int, diskGB int) error {
	return r.store.Queries().VirtualMachines().UpdateDiskSize(ctx, vmid, diskGB)
}

func (r *Registry) UpdateNetworkIdentity(ctx context.Context, vmid int, ip, mac string) error {
	return r.store.Queries().VirtualMachines().UpdateNetworkIdentity(ctx, vmid, ip, mac)
}

// UpdateVMID reassigns the hypervisor guest id after a remote
// collision.
func (r *Registry) UpdateVMID(ctx context.Context, id int64, vmid int) error {
	return r.store.Queries().VirtualMachines().UpdateVMID(ctx, id, vmid)
}

// Delete removes the local record only.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	return r.store.Queries().VirtualMachines().Delete(ctx, id)
}

// RecordUserTemplate persists a user-derived template row.
func (r *Registry) RecordUserTemplate(ctx context.Context, tpl *db.Template) error {
	if _, ok := r.catalog[tpl.Name]; ok {
		return fmt.Errorf("registry: template name %q shadows a built-in", tpl.Name)
	}
	if _, err := r.store.Queries().Templates().Create(ctx, tpl); err != nil {
		return fmt.Errorf("registry: persist template: %w", err)
	}
	return nil
}

// DeleteUserTemplate removes a user-derived template row. Built-ins
// cannot be removed.
func (r *Registry) DeleteUserTemplate(ctx context.Context, name string) error {
	if _, ok := r.catalog[name]; ok {
		return fmt.Errorf("registry: cannot delete built-in template %q", name)
	}
	return r.store.Queries().Templates().Delete(ctx, name)
}
