// Package policy makes authorization and resource admission decisions.
// Every check is pure and synchronous; callers gather the inputs.
package policy

import (
	"errors"
	"fmt"

	"github.com/pvecloud/pvec/internal/server/db"
)

var (
	ErrNotAuthorized = errors.New("policy: not authorized")
	ErrNotOwner      = errors.New("policy: not the owner of this vm")
)

// ResourceBelowMinimumError names the dimension that fell below the
// template's floor.
type ResourceBelowMinimumError struct {
	Dimension string
	Requested int
	Minimum   int
	Template  string
}

func (e *ResourceBelowMinimumError) Error() string {
	return fmt.Sprintf("policy: %s %d below template %q minimum %d", e.Dimension, e.Requested, e.Template, e.Minimum)
}

// QuotaExceededError is returned when a user already owns the maximum
// number of machines.
type QuotaExceededError struct {
	UserID  int64
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("policy: user %d has %d of %d allowed vms", e.UserID, e.Current, e.Limit)
}

// ResourceFloor is the per-template minimum a request must meet.
type ResourceFloor struct {
	Template    string
	MinMemoryMB int
	MinCores    int
	MinDiskGB   int
}

// ResourceRequest is what the caller asked for.
type ResourceRequest struct {
	MemoryMB int
	Cores    int
	DiskGB   int
}

// Engine evaluates admission rules from static configuration.
type Engine struct {
	adminIDs      map[string]struct{}
	allowedRoles  map[string]struct{}
	maxVMsPerUser int
}

// Params configures the policy engine.
type Params struct {
	AdminIDs      []string
	AllowedRoles  []string
	MaxVMsPerUser int
}

func New(params Params) (*Engine, error) {
	if params.MaxVMsPerUser <= 0 {
		return nil, fmt.Errorf("policy: max vms per user must be positive")
	}
	admins := make(map[string]struct{}, len(params.AdminIDs))
	for _, id := range params.AdminIDs {
		admins[id] = struct{}{}
	}
	roles := make(map[string]struct{}, len(params.AllowedRoles))
	for _, role := range params.AllowedRoles {
		roles[role] = struct{}{}
	}
	return &Engine{
		adminIDs:      admins,
		allowedRoles:  roles,
		maxVMsPerUser: params.MaxVMsPerUser,
	}, nil
}

// IsAdmin reports whether the external identity is configured as an
// administrator. A persisted admin flag on the user row also counts.
func (e *Engine) IsAdmin(user *db.User) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin {
		return true
	}
	_, ok := e.adminIDs[user.ExternalID]
	return ok
}

// HasPermission reports whether the user may issue provisioning
// commands at all: admins always, otherwise one of the caller-supplied
// roles must be in the allowed set. An empty allowed set admits
// everyone.
func (e *Engine) HasPermission(user *db.User, roles []string) error {
	if e.IsAdmin(user) {
		return nil
	}
	if len(e.allowedRoles) == 0 {
		return nil
	}
	for _, role := range roles {
		if _, ok := e.allowedRoles[role]; ok {
			return nil
		}
	}
	return ErrNotAuthorized
}

// AuthorizeOwner allows the owner of a machine, and admins, to act on
// it.
func (e *Engine) AuthorizeOwner(user *db.User, vm *db.VM) error {
	if user == nil || vm == nil {
		return ErrNotAuthorized
	}
	if vm.OwnerID == user.ID {
		return nil
	}
	if e.IsAdmin(user) {
		return nil
	}
	return ErrNotOwner
}

// ValidateResources checks the request against the template floor and
// names the first dimension that falls short.
func (e *Engine) ValidateResources(floor ResourceFloor, req ResourceRequest) error {
	if req.MemoryMB < floor.MinMemoryMB {
		return &ResourceBelowMinimumError{Dimension: "memory_mb", Requested: req.MemoryMB, Minimum: floor.MinMemoryMB, Template: floor.Template}
	}
	if req.Cores < floor.MinCores {
		return &ResourceBelowMinimumError{Dimension: "cores", Requested: req.Cores, Minimum: floor.MinCores, Template: floor.Template}
	}
	if req.DiskGB < floor.MinDiskGB {
		return &ResourceBelowMinimumError{Dimension: "disk_gb", Requested: req.DiskGB, Minimum: floor.MinDiskGB, Template: floor.Template}
	}
	return nil
}

// CheckQuota rejects a new machine when the user is at or above the
// per-user cap.
func (e *Engine) CheckQuota(user *db.User, currentVMs int) error {
	if currentVMs >= e.maxVMsPerUser {
		return &QuotaExceededError{UserID: user.ID, Current: currentVMs, Limit: e.maxVMsPerUser}
	}
	return nil
}
