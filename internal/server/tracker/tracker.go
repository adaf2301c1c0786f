// Package tracker records the lifecycle of long-running provisioning
// work and serializes mutating operations per machine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvecloud/pvec/internal/server/db"
)

// OrphanReasonPrefix marks deployments whose remote side effect
// succeeded but whose local bookkeeping write failed. Operators
// reconcile these by hand or via a status refresh.
const OrphanReasonPrefix = "post-commit local write failure"

var (
	ErrDeploymentNotFound = errors.New("tracker: deployment not found")

	// ErrDeploymentFinal rejects transitions out of a terminal state.
	ErrDeploymentFinal = errors.New("tracker: deployment already finished")
)

// VMBusyError reports that another in-flight deployment holds the
// machine.
type VMBusyError struct {
	VMID         int
	DeploymentID string
}

func (e *VMBusyError) Error() string {
	return fmt.Sprintf("tracker: vm %d is busy with deployment %s", e.VMID, e.DeploymentID)
}

// Tracker persists deployment records and owns the in-memory busy map.
type Tracker struct {
	store  db.Store
	logger *slog.Logger

	mu   sync.Mutex
	held map[int]string // vmid -> deployment id
}

type Params struct {
	Store  db.Store
	Logger *slog.Logger
}

func New(params Params) (*Tracker, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("tracker: store is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  params.Store,
		logger: logger.With("component", "tracker"),
		held:   make(map[int]string),
	}, nil
}

// Open creates a pending deployment with a fresh correlation id.
func (t *Tracker) Open(ctx context.Context, userID int64, typ db.DeploymentType, payload []byte) (*db.Deployment, error) {
	deployment := &db.Deployment{
		DeploymentID: uuid.NewString(),
		Type:         typ,
		Status:       db.DeploymentPending,
		Payload:      payload,
		UserID:       userID,
	}
	id, err := t.store.Queries().Deployments().Create(ctx, deployment)
	if err != nil {
		return nil, fmt.Errorf("tracker: open deployment: %w", err)
	}
	deployment.ID = id
	deployment.CreatedAt = time.Now().UTC()
	t.logger.Info("deployment opened", "deployment_id", deployment.DeploymentID, "type", typ, "user_id", userID)
	return deployment, nil
}

// Get returns the deployment or ErrDeploymentNotFound.
func (t *Tracker) Get(ctx context.Context, deploymentID string) (*db.Deployment, error) {
	deployment, err := t.store.Queries().Deployments().GetByDeploymentID(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("tracker: load deployment: %w", err)
	}
	if deployment == nil {
		return nil, ErrDeploymentNotFound
	}
	return deployment, nil
}

// ListByUser returns the most recent deployments for one user.
func (t *Tracker) ListByUser(ctx context.Context, userID int64, limit int) ([]db.Deployment, error) {
	return t.store.Queries().Deployments().ListByUser(ctx, userID, limit)
}

// MarkInProgress moves pending work to in_progress.
func (t *Tracker) MarkInProgress(ctx context.Context, deploymentID string) error {
	return t.transition(ctx, deploymentID, db.DeploymentInProgress, "")
}

// SetProgress records a 0-100 completion hint. Best effort on the
// happy path; a failure here never fails the operation.
func (t *Tracker) SetProgress(ctx context.Context, deploymentID string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := t.store.Queries().Deployments().UpdateProgress(ctx, deploymentID, progress); err != nil {
		t.logger.Warn("failed to record progress", "deployment_id", deploymentID, "error", err)
	}
}

// AttachVM links the deployment to the machine row it produced.
func (t *Tracker) AttachVM(ctx context.Context, deploymentID string, vmRowID int64) error {
	if err := t.store.Queries().Deployments().AttachVM(ctx, deploymentID, vmRowID); err != nil {
		return fmt.Errorf("tracker: attach vm: %w", err)
	}
	return nil
}

// MarkCompleted finishes the deployment successfully.
func (t *Tracker) MarkCompleted(ctx context.Context, deploymentID string) error {
	if err := t.transition(ctx, deploymentID, db.DeploymentCompleted, ""); err != nil {
		return err
	}
	t.SetProgress(ctx, deploymentID, 100)
	return nil
}

// MarkFailed finishes the deployment with a reason.
func (t *Tracker) MarkFailed(ctx context.Context, deploymentID, reason string) error {
	return t.transition(ctx, deploymentID, db.DeploymentFailed, reason)
}

// MarkOrphaned records a failure whose remote side effect committed.
func (t *Tracker) MarkOrphaned(ctx context.Context, deploymentID string, cause error) error {
	reason := fmt.Sprintf("%s: %v", OrphanReasonPrefix, cause)
	t.logger.Error("deployment orphaned", "deployment_id", deploymentID, "cause", cause)
	return t.transition(ctx, deploymentID, db.DeploymentFailed, reason)
}

func (t *Tracker) transition(ctx context.Context, deploymentID string, next db.DeploymentStatus, errorMessage string) error {
	current, err := t.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrDeploymentFinal, deploymentID, current.Status)
	}
	// The update itself rejects terminal rows, so a transition racing
	// another finisher loses cleanly instead of overwriting its result.
	affected, err := t.store.Queries().Deployments().UpdateStatus(ctx, deploymentID, next, errorMessage)
	if err != nil {
		return fmt.Errorf("tracker: update deployment status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s finished concurrently", ErrDeploymentFinal, deploymentID)
	}
	t.logger.Info("deployment transition", "deployment_id", deploymentID, "from", current.Status, "to", next)
	return nil
}

// CleanupOlderThan removes one user's terminal deployments created
// before the cutoff. In-flight rows are never touched.
func (t *Tracker) CleanupOlderThan(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	removed, err := t.store.Queries().Deployments().DeleteTerminalOlderThan(ctx, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tracker: cleanup deployments: %w", err)
	}
	if removed > 0 {
		t.logger.Info("deployments cleaned up", "user_id", userID, "removed", removed)
	}
	return removed, nil
}

// AcquireVM claims exclusive mutation rights on a machine for the
// duration of a deployment.
func (t *Tracker) AcquireVM(vmid int, deploymentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, ok := t.held[vmid]; ok {
		return &VMBusyError{VMID: vmid, DeploymentID: holder}
	}
	t.held[vmid] = deploymentID
	return nil
}

// ReleaseVM drops the hold. Releasing an unheld machine is a no-op.
// After a task timeout the caller keeps the hold until a status
// refresh confirms the remote outcome.
func (t *Tracker) ReleaseVM(vmid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, vmid)
}

// Holder returns the deployment currently holding the machine, if any.
func (t *Tracker) Holder(vmid int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.held[vmid]
	return holder, ok
}
