package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pvecloud/pvec/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Users() db.UserRepository                     { return &userRepository{exec: q.exec} }
func (q *queries) VirtualMachines() db.VMRepository             { return &vmRepository{exec: q.exec} }
func (q *queries) Deployments() db.DeploymentRepository         { return &deploymentRepository{exec: q.exec} }
func (q *queries) Snapshots() db.SnapshotRepository             { return &snapshotRepository{exec: q.exec} }
func (q *queries) Backups() db.BackupRepository                 { return &backupRepository{exec: q.exec} }
func (q *queries) BackupSchedules() db.BackupScheduleRepository { return &backupScheduleRepository{exec: q.exec} }
func (q *queries) Templates() db.TemplateRepository             { return &templateRepository{exec: q.exec} }
func (q *queries) Nodes() db.NodeRepository                     { return &nodeRepository{exec: q.exec} }

type rowScanner interface {
	Scan(dest ...any) error
}

// --- users ---

type userRepository struct {
	exec executor
}

var _ db.UserRepository = (*userRepository)(nil)

func (r *userRepository) Create(ctx context.Context, user *db.User) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO users (external_id, display_name, is_admin, is_active) VALUES (?, ?, ?, ?);`,
		user.ExternalID, user.DisplayName, boolToInt(user.IsAdmin), boolToInt(user.IsActive),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user last insert id: %w", err)
	}
	return id, nil
}

const userColumns = `id, external_id, display_name, is_admin, is_active, created_at, last_seen`

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*db.User, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = ?;`, externalID)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*db.User, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?;`, id)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) TouchLastSeen(ctx context.Context, id int64) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("touch user last_seen: %w", err)
	}
	return nil
}

func (r *userRepository) SetActive(ctx context.Context, id int64, active bool) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?;`, boolToInt(active), id); err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return nil
}

func (r *userRepository) CountVMs(ctx context.Context, id int64) (int, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM vms WHERE owner_id = ?;`, id)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count user vms: %w", err)
	}
	return count, nil
}

// --- vms ---

type vmRepository struct {
	exec executor
}

var _ db.VMRepository = (*vmRepository)(nil)

const vmColumns = `id, vmid, name, status, template, memory_mb, cores, disk_gb, node, storage, network_bridge, ip_address, mac_address, proxmox_config, created_at, last_modified, owner_id`

func (r *vmRepository) Create(ctx context.Context, vm *db.VM) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO vms (vmid, name, status, template, memory_mb, cores, disk_gb, node, storage, network_bridge, ip_address, mac_address, proxmox_config, owner_id)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		vm.VMID,
		vm.Name,
		string(vm.Status),
		vm.Template,
		vm.MemoryMB,
		vm.Cores,
		vm.DiskGB,
		vm.Node,
		vm.Storage,
		vm.NetworkBridge,
		nullableString(vm.IPAddress),
		nullableString(vm.MACAddress),
		vm.ProxmoxConfig,
		vm.OwnerID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert vm: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("vm last insert id: %w", err)
	}
	return id, nil
}

func (r *vmRepository) GetByID(ctx context.Context, id int64) (*db.VM, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?;`, id)
	return oneVM(row)
}

func (r *vmRepository) GetByVMID(ctx context.Context, vmid int) (*db.VM, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE vmid = ?;`, vmid)
	return oneVM(row)
}

func oneVM(row rowScanner) (*db.VM, error) {
	vm, err := scanVM(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &vm, nil
}

func (r *vmRepository) ListByOwner(ctx context.Context, ownerID int64) ([]db.VM, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE owner_id = ? ORDER BY created_at ASC;`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query vms by owner: %w", err)
	}
	return collectVMs(rows)
}

func (r *vmRepository) List(ctx context.Context) ([]db.VM, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	return collectVMs(rows)
}

func collectVMs(rows *sql.Rows) ([]db.VM, error) {
	defer rows.Close()
	var result []db.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}
	return result, nil
}

func (r *vmRepository) UpdateStatus(ctx context.Context, vmid int, status db.VMStatus) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE vms SET status = ?, last_modified = CURRENT_TIMESTAMP WHERE vmid = ?;`, string(status), vmid); err != nil {
		return fmt.Errorf("update vm status: %w", err)
	}
	return nil
}

func (r *vmRepository) UpdateNode(ctx context.Context, vmid int, node string) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE vms SET node = ?, last_modified = CURRENT_TIMESTAMP WHERE vmid = ?;`, node, vmid); err != nil {
		return fmt.Errorf("update vm node: %w", err)
	}
	return nil
}

func (r *vmRepository) UpdateDiskSize(ctx context.Context, vmid int, diskGB int) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE vms SET disk_gb = ?, last_modified = CURRENT_TIMESTAMP WHERE vmid = ?;`, diskGB, vmid); err != nil {
		return fmt.Errorf("update vm disk size: %w", err)
	}
	return nil
}

func (r *vmRepository) UpdateNetworkIdentity(ctx context.Context, vmid int, ip, mac string) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE vms SET ip_address = ?, mac_address = ?, last_modified = CURRENT_TIMESTAMP WHERE vmid = ?;`, nullableString(ip), nullableString(mac), vmid); err != nil {
		return fmt.Errorf("update vm network identity: %w", err)
	}
	return nil
}

func (r *vmRepository) UpdateVMID(ctx context.Context, id int64, vmid int) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE vms SET vmid = ?, last_modified = CURRENT_TIMESTAMP WHERE id = ?;`, vmid, id); err != nil {
		return fmt.Errorf("update vm vmid: %w", err)
	}
	return nil
}

func (r *vmRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM vms WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	return nil
}

// --- deployments ---

type deploymentRepository struct {
	exec executor
}

var _ db.DeploymentRepository = (*deploymentRepository)(nil)

const deploymentColumns = `id, deployment_id, type, status, progress, error_message, payload, created_at, completed_at, user_id, vm_id`

func (r *deploymentRepository) Create(ctx context.Context, d *db.Deployment) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO deployments (deployment_id, type, status, progress, payload, user_id, vm_id)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		d.DeploymentID,
		string(d.Type),
		string(d.Status),
		d.Progress,
		d.Payload,
		d.UserID,
		nullableID(d.VMID),
	)
	if err != nil {
		return 0, fmt.Errorf("insert deployment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("deployment last insert id: %w", err)
	}
	return id, nil
}

func (r *deploymentRepository) GetByDeploymentID(ctx context.Context, deploymentID string) (*db.Deployment, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE deployment_id = ?;`, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *deploymentRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]db.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.exec.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var result []db.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return result, nil
}

// UpdateStatus guards terminal rows in SQL so two racing finishers
// cannot both land: the loser sees zero rows affected.
func (r *deploymentRepository) UpdateStatus(ctx context.Context, deploymentID string, status db.DeploymentStatus, errorMessage string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if status.Terminal() {
		res, err = r.exec.ExecContext(
			ctx,
			`UPDATE deployments SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
	         WHERE deployment_id = ? AND status NOT IN ('completed', 'failed');`,
			string(status), nullableString(errorMessage), deploymentID,
		)
	} else {
		res, err = r.exec.ExecContext(
			ctx,
			`UPDATE deployments SET status = ?, error_message = ?
	         WHERE deployment_id = ? AND status NOT IN ('completed', 'failed');`,
			string(status), nullableString(errorMessage), deploymentID,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("update deployment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update deployment status rows affected: %w", err)
	}
	return affected, nil
}

func (r *deploymentRepository) UpdateProgress(ctx context.Context, deploymentID string, progress int) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE deployments SET progress = ? WHERE deployment_id = ?;`, progress, deploymentID); err != nil {
		return fmt.Errorf("update deployment progress: %w", err)
	}
	return nil
}

func (r *deploymentRepository) AttachVM(ctx context.Context, deploymentID string, vmID int64) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE deployments SET vm_id = ? WHERE deployment_id = ?;`, vmID, deploymentID); err != nil {
		return fmt.Errorf("attach deployment vm: %w", err)
	}
	return nil
}

func (r *deploymentRepository) DeleteTerminalOlderThan(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`DELETE FROM deployments WHERE user_id = ? AND status IN ('completed', 'failed') AND created_at < ?;`,
		userID, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup deployments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup deployments rows affected: %w", err)
	}
	return affected, nil
}

// --- snapshots ---

type snapshotRepository struct {
	exec executor
}

var _ db.SnapshotRepository = (*snapshotRepository)(nil)

func (r *snapshotRepository) Create(ctx context.Context, s *db.Snapshot) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO snapshots (name, description, vm_id) VALUES (?, ?, ?);`,
		s.Name, nullableString(s.Description), s.VMID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("snapshot last insert id: %w", err)
	}
	return id, nil
}

func (r *snapshotRepository) ListByVM(ctx context.Context, vmID int64) ([]db.Snapshot, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, name, description, created_at, vm_id FROM snapshots WHERE vm_id = ? ORDER BY created_at ASC;`, vmID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var result []db.Snapshot
	for rows.Next() {
		var (
			s          db.Snapshot
			desc       sql.NullString
			createdRaw any
		)
		if err := rows.Scan(&s.ID, &s.Name, &desc, &createdRaw, &s.VMID); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if desc.Valid {
			s.Description = desc.String
		}
		if s.CreatedAt, err = coerceTime(createdRaw); err != nil {
			return nil, fmt.Errorf("parse snapshot created_at: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return result, nil
}

func (r *snapshotRepository) DeleteByName(ctx context.Context, vmID int64, name string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM snapshots WHERE vm_id = ? AND name = ?;`, vmID, name); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// --- backups ---

type backupRepository struct {
	exec executor
}

var _ db.BackupRepository = (*backupRepository)(nil)

const backupColumns = `id, backup_id, backup_type, status, size_bytes, created_at, completed_at, retention_until, backup_data, vm_id`

func (r *backupRepository) Create(ctx context.Context, b *db.Backup) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO backups (backup_id, backup_type, status, size_bytes, retention_until, backup_data, vm_id)
         VALUES (?, ?, ?, ?, ?, ?, ?);`,
		b.BackupID,
		b.Type,
		b.Status,
		b.SizeBytes,
		nullableTime(b.RetentionUntil),
		b.Data,
		b.VMID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert backup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("backup last insert id: %w", err)
	}
	return id, nil
}

func (r *backupRepository) ListByVM(ctx context.Context, vmID int64) ([]db.Backup, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE vm_id = ? ORDER BY created_at DESC;`, vmID)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	var result []db.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return result, nil
}

func (r *backupRepository) UpdateStatus(ctx context.Context, backupID string, status string, sizeBytes int64) error {
	var err error
	if status == "completed" || status == "failed" {
		_, err = r.exec.ExecContext(ctx, `UPDATE backups SET status = ?, size_bytes = ?, completed_at = CURRENT_TIMESTAMP WHERE backup_id = ?;`, status, sizeBytes, backupID)
	} else {
		_, err = r.exec.ExecContext(ctx, `UPDATE backups SET status = ?, size_bytes = ? WHERE backup_id = ?;`, status, sizeBytes, backupID)
	}
	if err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	return nil
}

func (r *backupRepository) Delete(ctx context.Context, backupID string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?;`, backupID); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

// --- backup schedules ---

type backupScheduleRepository struct {
	exec executor
}

var _ db.BackupScheduleRepository = (*backupScheduleRepository)(nil)

const backupScheduleColumns = `id, vm_id, interval_seconds, retention, compress, enabled, next_run, last_run, created_at`

func (r *backupScheduleRepository) Upsert(ctx context.Context, s *db.BackupSchedule) error {
	_, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO backup_schedules (vm_id, interval_seconds, retention, compress, enabled, next_run)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(vm_id) DO UPDATE SET interval_seconds = excluded.interval_seconds,
             retention = excluded.retention, compress = excluded.compress,
             enabled = excluded.enabled, next_run = excluded.next_run;`,
		s.VMID, int64(s.Interval/time.Second), s.Retention, s.Compress, boolToInt(s.Enabled), s.NextRun.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert backup schedule: %w", err)
	}
	return nil
}

func (r *backupScheduleRepository) GetByVM(ctx context.Context, vmID int64) (*db.BackupSchedule, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+backupScheduleColumns+` FROM backup_schedules WHERE vm_id = ?;`, vmID)
	s, err := scanBackupSchedule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *backupScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.BackupSchedule, error) {
	rows, err := r.exec.QueryContext(
		ctx,
		`SELECT `+backupScheduleColumns+` FROM backup_schedules WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC;`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query due backup schedules: %w", err)
	}
	defer rows.Close()

	var result []db.BackupSchedule
	for rows.Next() {
		s, err := scanBackupSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup schedules: %w", err)
	}
	return result, nil
}

func (r *backupScheduleRepository) MarkRan(ctx context.Context, id int64, ranAt, nextRun time.Time) error {
	if _, err := r.exec.ExecContext(
		ctx,
		`UPDATE backup_schedules SET last_run = ?, next_run = ? WHERE id = ?;`,
		ranAt.UTC(), nextRun.UTC(), id,
	); err != nil {
		return fmt.Errorf("mark backup schedule ran: %w", err)
	}
	return nil
}

func (r *backupScheduleRepository) DeleteByVM(ctx context.Context, vmID int64) (int64, error) {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM backup_schedules WHERE vm_id = ?;`, vmID)
	if err != nil {
		return 0, fmt.Errorf("delete backup schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete backup schedule rows affected: %w", err)
	}
	return affected, nil
}

// --- templates ---

type templateRepository struct {
	exec executor
}

var _ db.TemplateRepository = (*templateRepository)(nil)

const templateColumns = `id, name, display_name, template_file, min_memory, min_cores, min_disk, default_user, ssh_port, is_active, created_by, created_at`

func (r *templateRepository) Create(ctx context.Context, t *db.Template) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO templates (name, display_name, template_file, min_memory, min_cores, min_disk, default_user, ssh_port, is_active, created_by)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.Name, t.DisplayName, t.File, t.MinMemoryMB, t.MinCores, t.MinDiskGB, t.DefaultUser, t.SSHPort, boolToInt(t.IsActive), t.CreatedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("insert template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("template last insert id: %w", err)
	}
	return id, nil
}

func (r *templateRepository) GetByName(ctx context.Context, name string) (*db.Template, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = ?;`, name)
	t, err := scanTemplate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *templateRepository) List(ctx context.Context) ([]db.Template, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var result []db.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return result, nil
}

func (r *templateRepository) Delete(ctx context.Context, name string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM templates WHERE name = ?;`, name); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// --- nodes ---

type nodeRepository struct {
	exec executor
}

var _ db.NodeRepository = (*nodeRepository)(nil)

const nodeColumns = `id, name, status, cpu_cores, memory_total_mb, memory_used_mb, disk_total_gb, disk_used_gb, last_updated`

func (r *nodeRepository) Upsert(ctx context.Context, n *db.Node) error {
	_, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO nodes (name, status, cpu_cores, memory_total_mb, memory_used_mb, disk_total_gb, disk_used_gb, last_updated)
         VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(name) DO UPDATE SET status = excluded.status, cpu_cores = excluded.cpu_cores,
             memory_total_mb = excluded.memory_total_mb, memory_used_mb = excluded.memory_used_mb,
             disk_total_gb = excluded.disk_total_gb, disk_used_gb = excluded.disk_used_gb,
             last_updated = CURRENT_TIMESTAMP;`,
		n.Name, n.Status, n.CPUCores, n.MemoryTotalMB, n.MemoryUsedMB, n.DiskTotalGB, n.DiskUsedGB,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (r *nodeRepository) List(ctx context.Context) ([]db.Node, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var result []db.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return result, nil
}

func (r *nodeRepository) GetByName(ctx context.Context, name string) (*db.Node, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?;`, name)
	n, err := scanNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// --- scanners ---

func scanUser(row rowScanner) (db.User, error) {
	var (
		user       db.User
		adminInt   int64
		activeInt  int64
		createdRaw any
		seenRaw    any
	)
	if err := row.Scan(&user.ID, &user.ExternalID, &user.DisplayName, &adminInt, &activeInt, &createdRaw, &seenRaw); err != nil {
		if err == sql.ErrNoRows {
			return db.User{}, err
		}
		return db.User{}, fmt.Errorf("scan user: %w", err)
	}
	user.IsAdmin = adminInt != 0
	user.IsActive = activeInt != 0

	var err error
	if user.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.User{}, fmt.Errorf("parse user created_at: %w", err)
	}
	if user.LastSeen, err = coerceTime(seenRaw); err != nil {
		return db.User{}, fmt.Errorf("parse user last_seen: %w", err)
	}
	return user, nil
}

func scanVM(row rowScanner) (db.VM, error) {
	var (
		vm          db.VM
		status      string
		ip          sql.NullString
		mac         sql.NullString
		config      []byte
		createdRaw  any
		modifiedRaw any
	)

	if err := row.Scan(
		&vm.ID,
		&vm.VMID,
		&vm.Name,
		&status,
		&vm.Template,
		&vm.MemoryMB,
		&vm.Cores,
		&vm.DiskGB,
		&vm.Node,
		&vm.Storage,
		&vm.NetworkBridge,
		&ip,
		&mac,
		&config,
		&createdRaw,
		&modifiedRaw,
		&vm.OwnerID,
	); err != nil {
		if err == sql.ErrNoRows {
			return db.VM{}, err
		}
		return db.VM{}, fmt.Errorf("scan vm: %w", err)
	}

	vm.Status = db.VMStatus(status)
	if ip.Valid {
		vm.IPAddress = ip.String
	}
	if mac.Valid {
		vm.MACAddress = mac.String
	}
	vm.ProxmoxConfig = append([]byte(nil), config...)

	var err error
	if vm.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.VM{}, fmt.Errorf("parse vm created_at: %w", err)
	}
	if vm.LastModified, err = coerceTime(modifiedRaw); err != nil {
		return db.VM{}, fmt.Errorf("parse vm last_modified: %w", err)
	}
	return vm, nil
}

func scanDeployment(row rowScanner) (db.Deployment, error) {
	var (
		d            db.Deployment
		typ          string
		status       string
		errMsg       sql.NullString
		payload      []byte
		createdRaw   any
		completedRaw any
		vmID         sql.NullInt64
	)

	if err := row.Scan(&d.ID, &d.DeploymentID, &typ, &status, &d.Progress, &errMsg, &payload, &createdRaw, &completedRaw, &d.UserID, &vmID); err != nil {
		if err == sql.ErrNoRows {
			return db.Deployment{}, err
		}
		return db.Deployment{}, fmt.Errorf("scan deployment: %w", err)
	}

	d.Type = db.DeploymentType(typ)
	d.Status = db.DeploymentStatus(status)
	if errMsg.Valid {
		d.ErrorMessage = errMsg.String
	}
	d.Payload = append([]byte(nil), payload...)
	if vmID.Valid {
		value := vmID.Int64
		d.VMID = &value
	}

	var err error
	if d.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Deployment{}, fmt.Errorf("parse deployment created_at: %w", err)
	}
	if completedRaw != nil {
		ts, err := coerceTime(completedRaw)
		if err != nil {
			return db.Deployment{}, fmt.Errorf("parse deployment completed_at: %w", err)
		}
		if !ts.IsZero() {
			d.CompletedAt = &ts
		}
	}
	return d, nil
}

func scanBackup(row rowScanner) (db.Backup, error) {
	var (
		b            db.Backup
		createdRaw   any
		completedRaw any
		retentionRaw any
		data         []byte
	)

	if err := row.Scan(&b.ID, &b.BackupID, &b.Type, &b.Status, &b.SizeBytes, &createdRaw, &completedRaw, &retentionRaw, &data, &b.VMID); err != nil {
		if err == sql.ErrNoRows {
			return db.Backup{}, err
		}
		return db.Backup{}, fmt.Errorf("scan backup: %w", err)
	}
	b.Data = append([]byte(nil), data...)

	var err error
	if b.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Backup{}, fmt.Errorf("parse backup created_at: %w", err)
	}
	if completedRaw != nil {
		ts, err := coerceTime(completedRaw)
		if err != nil {
			return db.Backup{}, fmt.Errorf("parse backup completed_at: %w", err)
		}
		if !ts.IsZero() {
			b.CompletedAt = &ts
		}
	}
	if retentionRaw != nil {
		ts, err := coerceTime(retentionRaw)
		if err != nil {
			return db.Backup{}, fmt.Errorf("parse backup retention_until: %w", err)
		}
		if !ts.IsZero() {
			b.RetentionUntil = &ts
		}
	}
	return b, nil
}

func scanBackupSchedule(row rowScanner) (db.BackupSchedule, error) {
	var (
		s          db.BackupSchedule
		secs       int64
		enabledInt int64
		nextRaw    any
		lastRaw    any
		createdRaw any
	)
	if err := row.Scan(&s.ID, &s.VMID, &secs, &s.Retention, &s.Compress, &enabledInt, &nextRaw, &lastRaw, &createdRaw); err != nil {
		if err == sql.ErrNoRows {
			return db.BackupSchedule{}, err
		}
		return db.BackupSchedule{}, fmt.Errorf("scan backup schedule: %w", err)
	}
	s.Interval = time.Duration(secs) * time.Second
	s.Enabled = enabledInt != 0

	var err error
	if s.NextRun, err = coerceTime(nextRaw); err != nil {
		return db.BackupSchedule{}, fmt.Errorf("parse backup schedule next_run: %w", err)
	}
	if lastRaw != nil {
		ts, err := coerceTime(lastRaw)
		if err != nil {
			return db.BackupSchedule{}, fmt.Errorf("parse backup schedule last_run: %w", err)
		}
		if !ts.IsZero() {
			s.LastRun = &ts
		}
	}
	if s.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.BackupSchedule{}, fmt.Errorf("parse backup schedule created_at: %w", err)
	}
	return s, nil
}

func scanTemplate(row rowScanner) (db.Template, error) {
	var (
		t          db.Template
		activeInt  int64
		createdRaw any
	)
	if err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.File, &t.MinMemoryMB, &t.MinCores, &t.MinDiskGB, &t.DefaultUser, &t.SSHPort, &activeInt, &t.CreatedBy, &createdRaw); err != nil {
		if err == sql.ErrNoRows {
			return db.Template{}, err
		}
		return db.Template{}, fmt.Errorf("scan template: %w", err)
	}
	t.IsActive = activeInt != 0

	var err error
	if t.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Template{}, fmt.Errorf("parse template created_at: %w", err)
	}
	return t, nil
}

func scanNode(row rowScanner) (db.Node, error) {
	var (
		n          db.Node
		updatedRaw any
	)
	if err := row.Scan(&n.ID, &n.Name, &n.Status, &n.CPUCores, &n.MemoryTotalMB, &n.MemoryUsedMB, &n.DiskTotalGB, &n.DiskUsedGB, &updatedRaw); err != nil {
		if err == sql.ErrNoRows {
			return db.Node{}, err
		}
		return db.Node{}, fmt.Errorf("scan node: %w", err)
	}

	var err error
	if n.LastUpdated, err = coerceTime(updatedRaw); err != nil {
		return db.Node{}, fmt.Errorf("parse node last_updated: %w", err)
	}
	return n, nil
}

// --- helpers ---

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time format: %q", v)
	case []byte:
		s := string(v)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time format bytes: %q", s)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
