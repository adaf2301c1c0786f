package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client wraps REST access to the pvecd API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	identity   Identity
	httpClient *http.Client
}

// Identity is forwarded on every request so the daemon can attribute
// and authorize the call.
type Identity struct {
	ExternalID  string
	DisplayName string
	Roles       []string
}

// New creates a client with the provided base URL
// (e.g. http://127.0.0.1:7070).
func New(rawURL, apiKey string, identity Identity) (*Client, error) {
	if rawURL == "" {
		rawURL = "http://127.0.0.1:7070"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if identity.ExternalID == "" {
		return nil, fmt.Errorf("client: identity external id required")
	}
	return &Client{
		baseURL:  parsed,
		apiKey:   apiKey,
		identity: identity,
		httpClient: &http.Client{
			Timeout: 15 * time.Minute, // mutating calls block until the remote task settles
		},
	}, nil
}

// VM represents the API response for a managed machine.
type VM struct {
	ID            int64      `json:"id"`
	VMID          int        `json:"vmid"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Template      string     `json:"template"`
	MemoryMB      int        `json:"memory_mb"`
	Cores         int        `json:"cores"`
	DiskGB        int        `json:"disk_gb"`
	Node          string     `json:"node"`
	Storage       string     `json:"storage"`
	NetworkBridge string     `json:"network_bridge"`
	IPAddress     string     `json:"ip_address,omitempty"`
	MACAddress    string     `json:"mac_address,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	OwnerID       int64      `json:"owner_id"`
}

// Deployment represents tracked work returned by mutating calls.
type Deployment struct {
	DeploymentID string     `json:"deployment_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is a point-in-time record attached to a machine.
type Snapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backup is an archived machine image.
type Backup struct {
	BackupID  string    `json:"backup_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupSchedule is the recurring backup policy for a machine.
type BackupSchedule struct {
	Every     string     `json:"every"`
	Retention int        `json:"retention"`
	Compress  string     `json:"compress"`
	Enabled   bool       `json:"enabled"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RRDPoint is one sample from the hypervisor's metric history.
type RRDPoint struct {
	Time    int64   `json:"time"`
	CPU     float64 `json:"cpu"`
	MaxCPU  float64 `json:"maxcpu"`
	Mem     float64 `json:"mem"`
	MaxMem  float64 `json:"maxmem"`
	Disk    float64 `json:"disk"`
	MaxDisk float64 `json:"maxdisk"`
	NetIn   float64 `json:"netin"`
	NetOut  float64 `json:"netout"`
}

// NodeMetrics bundles a node's live status with its metric history.
type NodeMetrics struct {
	Node   string `json:"node"`
	Status struct {
		CPU    float64 `json:"cpu"`
		Memory struct {
			Total int64 `json:"total"`
			Used  int64 `json:"used"`
		} `json:"memory"`
		Uptime int64 `json:"uptime"`
	} `json:"status"`
	Series []RRDPoint `json:"series"`
}

// Template is an OS image descriptor.
type Template struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	File        string `json:"file"`
	MinMemoryMB int    `json:"min_memory_mb"`
	MinCores    int    `json:"min_cores"`
	MinDiskGB   int    `json:"min_disk_gb"`
	DefaultUser string `json:"default_user"`
	SSHPort     int    `json:"ssh_port"`
	BuiltIn     bool   `json:"built_in"`
}

// Node is a hypervisor host summary.
type Node struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CPUCores      int       `json:"cpu_cores"`
	MemoryTotalMB int64     `json:"memory_total_mb"`
	MemoryUsedMB  int64     `json:"memory_used_mb"`
	DiskTotalGB   int64     `json:"disk_total_gb"`
	DiskUsedGB    int64     `json:"disk_used_gb"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Alert is a resource saturation finding.
type Alert struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Resource  string  `json:"resource"`
	Name      string  `json:"name"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Profile reports the resolved caller and their usage.
type Profile struct {
	ExternalID        string       `json:"external_id"`
	DisplayName       string       `json:"display_name"`
	IsAdmin           bool         `json:"is_admin"`
	VMCount           int          `json:"vm_count"`
	RecentDeployments []Deployment `json:"recent_deployments"`
}

// CreateVMRequest contains creation parameters.
type CreateVMRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	Cores    int    `json:"cores,omitempty"`
	DiskGB   int    `json:"disk_gb,omitempty"`
	Node     string `json:"node,omitempty"`
}

// deploymentEnvelope is the common mutating-call response shape.
type deploymentEnvelope struct {
	Deployment Deployment `json:"deployment"`
	VM         *VM        `json:"vm,omitempty"`
}

func vmPath(vmid int) string {
	return "/api/v1/vms/" + strconv.Itoa(vmid)
}

func (c *Client) ListVMs(ctx context.Context, all bool) ([]VM, error) {
	path := "/api/v1/vms"
	if all {
		path += "?all=true"
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var vms []VM
	if err := c.do(req, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (c *Client) GetVM(ctx context.Context, vmid int) (*VM, error) {
	req, err := c.newRequest(ctx, http.MethodGet, vmPath(vmid), nil)
	if err != nil {
		return nil, err
	}
	var vm VM
	if err := c.do(req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (c *Client) CreateVM(ctx context.Context, payload CreateVMRequest) (*Deployment, *VM, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/vms", payload)
	if err != nil {
		return nil, nil, err
	}
	var env deploymentEnvelope
	if err := c.do(req, &env); err != nil {
		return nil, nil, err
	}
	return &env.Deployment, env.VM, nil
}

func (c *Client) CloneVM(ctx context.Context, vmid int, name string) (*Deployment, *VM, error) {
	req, err := c.newRequest(ctx, http.MethodPost, vmPath(vmid)+"/clone", map[string]string{"name": name})
	if err != nil {
		return nil, nil, err
	}
	var env deploymentEnvelope
	if err := c.do(req, &env); err != nil {
		return nil, nil, err
	}
	return &env.Deployment, env.VM, nil
}

func (c *Client) DeleteVM(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodDelete, vmPath(vmid), nil)
}

func (c *Client) StartVM(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/start", nil)
}

func (c *Client) StopVM(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/stop", nil)
}

func (c *Client) ShutdownVM(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/shutdown", nil)
}

func (c *Client) RebootVM(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/reboot", nil)
}

func (c *Client) ResizeDisk(ctx context.Context, vmid, diskGB int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/resize", map[string]int{"disk_gb": diskGB})
}

func (c *Client) MigrateVM(ctx context.Context, vmid int, target string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/migrate", map[string]string{"target": target})
}

func (c *Client) RefreshVM(ctx context.Context, vmid int) (*VM, error) {
	req, err := c.newRequest(ctx, http.MethodPost, vmPath(vmid)+"/refresh", nil)
	if err != nil {
		return nil, err
	}
	var vm VM
	if err := c.do(req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (c *Client) CreateSnapshot(ctx context.Context, vmid int, name, description string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/snapshots", map[string]string{
		"name":        name,
		"description": description,
	})
}

func (c *Client) ListSnapshots(ctx context.Context, vmid int) ([]Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, vmPath(vmid)+"/snapshots", nil)
	if err != nil {
		return nil, err
	}
	var snaps []Snapshot
	if err := c.do(req, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *Client) RollbackSnapshot(ctx context.Context, vmid int, name string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/snapshots/"+url.PathEscape(name)+"/rollback", nil)
}

func (c *Client) DeleteSnapshot(ctx context.Context, vmid int, name string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodDelete, vmPath(vmid)+"/snapshots/"+url.PathEscape(name), nil)
}

func (c *Client) CreateBackup(ctx context.Context, vmid int) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/backups", nil)
}

func (c *Client) ListBackups(ctx context.Context, vmid int) ([]Backup, error) {
	req, err := c.newRequest(ctx, http.MethodGet, vmPath(vmid)+"/backups", nil)
	if err != nil {
		return nil, err
	}
	var backups []Backup
	if err := c.do(req, &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

func (c *Client) CleanupBackups(ctx context.Context, vmid int) (int, error) {
	req, err := c.newRequest(ctx, http.MethodPost, vmPath(vmid)+"/backups/cleanup", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *Client) ScheduleBackup(ctx context.Context, vmid int, every time.Duration, retention int, compress string) (*BackupSchedule, error) {
	req, err := c.newRequest(ctx, http.MethodPut, vmPath(vmid)+"/backup-schedule", map[string]any{
		"every":     every.String(),
		"retention": retention,
		"compress":  compress,
	})
	if err != nil {
		return nil, err
	}
	var sched BackupSchedule
	if err := c.do(req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (c *Client) GetBackupSchedule(ctx context.Context, vmid int) (*BackupSchedule, error) {
	req, err := c.newRequest(ctx, http.MethodGet, vmPath(vmid)+"/backup-schedule", nil)
	if err != nil {
		return nil, err
	}
	var sched BackupSchedule
	if err := c.do(req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (c *Client) UnscheduleBackup(ctx context.Context, vmid int) error {
	req, err := c.newRequest(ctx, http.MethodDelete, vmPath(vmid)+"/backup-schedule", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) RestoreBackup(ctx context.Context, vmid int, backupID string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/backups/"+url.PathEscape(backupID)+"/restore", nil)
}

func (c *Client) ConvertToTemplate(ctx context.Context, vmid int, name string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, vmPath(vmid)+"/convert", map[string]string{"name": name})
}

func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/templates", nil)
	if err != nil {
		return nil, err
	}
	var templates []Template
	if err := c.do(req, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

func (c *Client) DownloadTemplate(ctx context.Context, node, storage, filename string) (*Deployment, error) {
	return c.deploymentCall(ctx, http.MethodPost, "/api/v1/templates/download", map[string]string{
		"node":     node,
		"storage":  storage,
		"filename": filename,
	})
}

func (c *Client) DeleteTemplate(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/templates/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	path := "/api/v1/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var deps []Deployment
	if err := c.do(req, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var dep Deployment
	if err := c.do(req, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (c *Client) CancelDeployment(ctx context.Context, id string) (*Deployment, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var dep Deployment
	if err := c.do(req, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (c *Client) CleanupDeployments(ctx context.Context, olderThan time.Duration) (int64, error) {
	path := "/api/v1/deployments/cleanup"
	if olderThan > 0 {
		path += "?older_than=" + url.QueryEscape(olderThan.String())
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *Client) Whoami(ctx context.Context) (*Profile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/me", nil)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := c.do(req, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/nodes", nil)
	if err != nil {
		return nil, err
	}
	var nodes []Node
	if err := c.do(req, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) NodeMetrics(ctx context.Context, node string) (*NodeMetrics, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(node)+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	var metrics NodeMetrics
	if err := c.do(req, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (c *Client) VMMetrics(ctx context.Context, vmid int) ([]RRDPoint, error) {
	req, err := c.newRequest(ctx, http.MethodGet, vmPath(vmid)+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Series []RRDPoint `json:"series"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Series, nil
}

func (c *Client) ListAlerts(ctx context.Context) ([]Alert, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/alerts", nil)
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	if err := c.do(req, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// WatchEvents streams server events and invokes handler with the raw
// JSON payload of each until the context is cancelled or the server
// closes the connection.
func (c *Client) WatchEvents(ctx context.Context, handler func(event string, data []byte)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: watch events http %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	event := ""
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload != "" && handler != nil {
				handler(event, []byte(payload))
			}
			event = ""
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("client: event stream error: %w", err)
		}
	}
	return nil
}

func (c *Client) deploymentCall(ctx context.Context, method, path string, body any) (*Deployment, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var env deploymentEnvelope
	if err := c.do(req, &env); err != nil {
		return nil, err
	}
	return &env.Deployment, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved := c.baseURL.ResolveReference(mustParseRef(path))
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Pvec-User", c.identity.ExternalID)
	if c.identity.DisplayName != "" {
		req.Header.Set("X-Pvec-Name", c.identity.DisplayName)
	}
	if len(c.identity.Roles) > 0 {
		req.Header.Set("X-Pvec-Roles", strings.Join(c.identity.Roles, ","))
	}
	if c.apiKey != "" {
		req.Header.Set("X-Pvec-API-Key", c.apiKey)
	}
	return req, nil
}

func mustParseRef(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		return &url.URL{Path: path}
	}
	return ref
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
