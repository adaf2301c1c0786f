package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = 3 * time.Second
	transportRetries    = 3
	retryBackoffBase    = 250 * time.Millisecond
)

// Params configures a Client.
type Params struct {
	Host      string
	User      string
	Password  string
	Realm     string
	VerifySSL bool

	// BaseURL overrides the derived https://{host}:8006/api2/json
	// endpoint. Used by tests.
	BaseURL string

	// PollInterval is the task status poll cadence. Defaults to 3s.
	PollInterval time.Duration

	// RequestsPerSecond bounds outbound request rate. Zero disables
	// pacing.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// Client is an authenticated wrapper over the Proxmox management API.
// It is safe for concurrent use.
type Client struct {
	baseURL      string
	user         string
	password     string
	realm        string
	pollInterval time.Duration
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu        sync.RWMutex
	ticket    string
	csrf      string
	connected bool

	// refreshMu serializes session re-authentication so concurrent
	// 401s trigger a single refresh.
	refreshMu sync.Mutex
}

// NewClient validates params and constructs a disconnected client.
func NewClient(params Params) (*Client, error) {
	if strings.TrimSpace(params.Host) == "" && strings.TrimSpace(params.BaseURL) == "" {
		return nil, fmt.Errorf("proxmox: host is required")
	}
	if strings.TrimSpace(params.User) == "" {
		return nil, fmt.Errorf("proxmox: user is required")
	}
	if params.Password == "" {
		return nil, fmt.Errorf("proxmox: password is required")
	}

	realm := params.Realm
	if realm == "" {
		realm = "pam"
	}
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s:8006/api2/json", params.Host)
	}
	pollInterval := params.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !params.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var limiter *rate.Limiter
	if params.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), int(params.RequestsPerSecond)+1)
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		user:         params.User,
		password:     params.Password,
		realm:        realm,
		pollInterval: pollInterval,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		limiter: limiter,
		logger:  logger.With("component", "proxmox"),
	}, nil
}

// Connect authenticates against access/ticket and marks the client
// usable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("connected to proxmox", "endpoint", c.baseURL)
	return nil
}

// Disconnect drops session state. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.ticket = ""
	c.csrf = ""
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
}

func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", fmt.Sprintf("%s@%s", c.user, c.realm))
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("proxmox: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: authenticate: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &RemoteAPIError{Status: resp.StatusCode, Message: "authentication failed"}
	}

	var envelope struct {
		Data struct {
			Ticket string `json:"ticket"`
			CSRF   string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("proxmox: decode auth response: %w", err)
	}
	if envelope.Data.Ticket == "" {
		return &RemoteAPIError{Status: resp.StatusCode, Message: "authentication response missing ticket"}
	}

	c.mu.Lock()
	c.ticket = envelope.Data.Ticket
	c.csrf = envelope.Data.CSRF
	c.mu.Unlock()
	return nil
}

// refreshSession re-authenticates once per stale ticket. Concurrent
// callers that observed the same stale ticket share one refresh.
func (c *Client) refreshSession(ctx context.Context, staleTicket string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	current := c.ticket
	c.mu.RUnlock()
	if current != staleTicket {
		// Another caller already refreshed.
		return nil
	}
	c.logger.Debug("refreshing expired session")
	return c.authenticate(ctx)
}

type apiEnvelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors"`
}

func (c *Client) request(ctx context.Context, method, path string, payload any, out any) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("proxmox: rate limit wait: %w", err)
		}
	}

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("proxmox: encode request body: %w", err)
		}
		body = encoded
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < transportRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		c.mu.RLock()
		ticket, csrf := c.ticket, c.csrf
		c.mu.RUnlock()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimPrefix(path, "/"), reader)
		if err != nil {
			return fmt.Errorf("proxmox: build request: %w", err)
		}
		req.Header.Set("Authorization", "PVEAPIToken="+ticket)
		req.Header.Set("CSRFPreventionToken", csrf)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("transport failure", "method", method, "path", path, "attempt", attempt+1, "error", err)
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			if err := c.refreshSession(ctx, ticket); err != nil {
				return fmt.Errorf("proxmox: session refresh: %w", err)
			}
			attempt--
			continue
		}

		var envelope apiEnvelope
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode == http.StatusOK {
				return fmt.Errorf("proxmox: decode response for %s %s: %w", method, path, err)
			}
		}

		if resp.StatusCode != http.StatusOK {
			return &RemoteAPIError{Status: resp.StatusCode, Message: envelopeMessage(envelope, resp.StatusCode)}
		}

		if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("proxmox: decode data for %s %s: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, method, path, lastErr)
}

func envelopeMessage(envelope apiEnvelope, status int) string {
	if msg, ok := envelope.Errors["message"]; ok && msg != "" {
		return msg
	}
	if len(envelope.Errors) > 0 {
		parts := make([]string, 0, len(envelope.Errors))
		for field, msg := range envelope.Errors {
			parts = append(parts, field+": "+msg)
		}
		return strings.Join(parts, "; ")
	}
	return http.StatusText(status)
}

// --- nodes ---

func (c *Client) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var nodes []NodeInfo
	if err := c.request(ctx, http.MethodGet, "nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) NodeStatus(ctx context.Context, node string) (*NodeStatus, error) {
	var status NodeStatus
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/status", node), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) NodeRRD(ctx context.Context, node string) ([]RRDPoint, error) {
	var points []RRDPoint
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/rrddata?timeframe=hour", node), nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// --- virtual machines ---

func (c *Client) VMs(ctx context.Context, node string) ([]VMInfo, error) {
	var vms []VMInfo
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/qemu", node), nil, &vms); err != nil {
		return nil, err
	}
	for i := range vms {
		vms[i].Node = node
	}
	return vms, nil
}

// AllVMs aggregates guests across every node. Nodes that fail to answer
// are skipped with a warning rather than failing the whole listing.
func (c *Client) AllVMs(ctx context.Context) ([]VMInfo, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	var all []VMInfo
	for _, node := range nodes {
		vms, err := c.VMs(ctx, node.Node)
		if err != nil {
			c.logger.Warn("failed to list vms on node", "node", node.Node, "error", err)
			continue
		}
		all = append(all, vms...)
	}
	return all, nil
}

func (c *Client) VMConfig(ctx context.Context, node string, vmid int) (map[string]any, error) {
	var config map[string]any
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/qemu/%d/config", node, vmid), nil, &config); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Client) VMStatus(ctx context.Context, node string, vmid int) (*VMInfo, error) {
	var status VMInfo
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/qemu/%d/status/current", node, vmid), nil, &status); err != nil {
		return nil, err
	}
	status.Node = node
	return &status, nil
}

func (c *Client) VMRRD(ctx context.Context, node string, vmid int) ([]RRDPoint, error) {
	var points []RRDPoint
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/qemu/%d/rrddata?timeframe=hour", node, vmid), nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// CreateVM submits the guest definition and returns the task UPID.
func (c *Client) CreateVM(ctx context.Context, node string, config map[string]any) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu", node), config, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) CloneVM(ctx context.Context, node string, vmid, newid int, name string, options map[string]any) (string, error) {
	payload := map[string]any{
		"newid": newid,
		"name":  name,
	}
	for k, v := range options {
		payload[k] = v
	}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu/%d/clone", node, vmid), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) StartVM(ctx context.Context, node string, vmid int) (string, error) {
	return c.statusAction(ctx, node, vmid, "start")
}

func (c *Client) StopVM(ctx context.Context, node string, vmid int) (string, error) {
	return c.statusAction(ctx, node, vmid, "stop")
}

func (c *Client) ShutdownVM(ctx context.Context, node string, vmid int) (string, error) {
	return c.statusAction(ctx, node, vmid, "shutdown")
}

func (c *Client) RebootVM(ctx context.Context, node string, vmid int) (string, error) {
	return c.statusAction(ctx, node, vmid, "reboot")
}

func (c *Client) statusAction(ctx context.Context, node string, vmid int, action string) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu/%d/status/%s", node, vmid, action), nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodDelete, fmt.Sprintf("nodes/%s/qemu/%d", node, vmid), nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) MigrateVM(ctx context.Context, node string, vmid int, target string, options map[string]any) (string, error) {
	payload := map[string]any{"target": target}
	for k, v := range options {
		payload[k] = v
	}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu/%d/migrate", node, vmid), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) UpdateVMConfig(ctx context.Context, node string, vmid int, config map[string]any) error {
	return c.request(ctx, http.MethodPut, fmt.Sprintf("nodes/%s/qemu/%d/config", node, vmid), config, nil)
}

// ResizeDisk grows a disk. Size uses the API's suffix grammar, e.g.
// "+32G" or an absolute "64G".
func (c *Client) ResizeDisk(ctx context.Context, node string, vmid int, disk, size string) error {
	payload := map[string]any{"disk": disk, "size": size}
	return c.request(ctx, http.MethodPut, fmt.Sprintf("nodes/%s/qemu/%d/resize", node, vmid), payload, nil)
}

// --- snapshots ---

func (c *Client) CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) (string, error) {
	payload := map[string]any{"snapname": name, "description": description}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu/%d/snapshot", node, vmid), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) Snapshots(ctx context.Context, node string, vmid int) ([]SnapshotInfo, error) {
	var snaps []SnapshotInfo
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/qemu/%d/snapshot", node, vmid), nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *Client) RollbackSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu/%d/snapshot/%s/rollback", node, vmid, name), nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	var upid string
	if err := c.request(ctx, http.MethodDelete, fmt.Sprintf("nodes/%s/qemu/%d/snapshot/%s", node, vmid, name), nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// --- backups ---

// CreateBackup issues a vzdump for a single guest on its node.
func (c *Client) CreateBackup(ctx context.Context, node string, vmid int, options map[string]any) (string, error) {
	payload := map[string]any{"vmid": strconv.Itoa(vmid)}
	for k, v := range options {
		payload[k] = v
	}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/vzdump", node), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// Backups lists backup volumes for a guest on the given storage.
func (c *Client) Backups(ctx context.Context, node, storage string, vmid int) ([]StorageItem, error) {
	items, err := c.StorageContent(ctx, node, storage)
	if err != nil {
		return nil, err
	}
	var backups []StorageItem
	for _, item := range items {
		if item.Content == "backup" && item.VMID == vmid {
			backups = append(backups, item)
		}
	}
	return backups, nil
}

// DeleteBackup removes a backup volume by volid.
func (c *Client) DeleteBackup(ctx context.Context, node, storage, volid string) (string, error) {
	var upid string
	path := fmt.Sprintf("nodes/%s/storage/%s/content/%s", node, storage, url.PathEscape(volid))
	if err := c.request(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// RestoreBackup recreates a guest from an archive volume.
func (c *Client) RestoreBackup(ctx context.Context, node string, vmid int, archive string, options map[string]any) (string, error) {
	payload := map[string]any{
		"vmid":    vmid,
		"archive": archive,
		"force":   1,
	}
	for k, v := range options {
		payload[k] = v
	}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/qemu", node), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// --- storage / network / templates ---

func (c *Client) Storages(ctx context.Context, node string) ([]StorageInfo, error) {
	var storages []StorageInfo
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/storage", node), nil, &storages); err != nil {
		return nil, err
	}
	return storages, nil
}

func (c *Client) StorageContent(ctx context.Context, node, storage string) ([]StorageItem, error) {
	var items []StorageItem
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/storage/%s/content", node, storage), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) Networks(ctx context.Context, node string) ([]NetworkInfo, error) {
	var networks []NetworkInfo
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/network", node), nil, &networks); err != nil {
		return nil, err
	}
	return networks, nil
}

// Templates lists container/image templates available on a storage.
func (c *Client) Templates(ctx context.Context, node, storage string) ([]StorageItem, error) {
	items, err := c.StorageContent(ctx, node, storage)
	if err != nil {
		return nil, err
	}
	var templates []StorageItem
	for _, item := range items {
		if item.Content == "vztmpl" {
			templates = append(templates, item)
		}
	}
	return templates, nil
}

// DownloadTemplate asks the node to fetch a template into storage.
func (c *Client) DownloadTemplate(ctx context.Context, node, storage, filename string) (string, error) {
	payload := map[string]any{"content": "vztmpl", "filename": filename}
	var upid string
	if err := c.request(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/storage/%s/download-url", node, storage), payload, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// --- cluster ---

// NextID returns the next free guest id from the cluster.
func (c *Client) NextID(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.request(ctx, http.MethodGet, "cluster/nextid", nil, &raw); err != nil {
		return 0, err
	}
	// The API historically returns the id as a JSON string.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		id, err := strconv.Atoi(asString)
		if err != nil {
			return 0, fmt.Errorf("proxmox: parse nextid %q: %w", asString, err)
		}
		return id, nil
	}
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err != nil {
		return 0, fmt.Errorf("proxmox: decode nextid: %w", err)
	}
	return asInt, nil
}

// --- tasks ---

func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	var status TaskStatus
	path := fmt.Sprintf("nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
	if err := c.request(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForTask polls a task until it stops or the timeout elapses. The
// optional progress callback receives the task status on every poll.
// A timeout only abandons the local poll; the remote task keeps
// running.
func (c *Client) WaitForTask(ctx context.Context, node, upid string, timeout time.Duration, progress func(TaskStatus)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.TaskStatus(ctx, node, upid)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(*status)
		}
		if status.Finished() {
			if !status.OK() {
				return &RemoteAPIError{Message: fmt.Sprintf("task %s failed: %s", upid, status.ExitStatus)}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TaskTimeoutError{Node: node, UPID: upid, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// IsUnavailable reports whether err represents a transport-level
// gateway failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
