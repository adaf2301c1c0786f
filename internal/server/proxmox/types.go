package proxmox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by every operation before Connect
	// has succeeded.
	ErrNotConnected = errors.New("proxmox: not connected")

	// ErrGatewayUnavailable wraps transport-level failures that
	// survived the retry budget. Callers must treat the remote state
	// as unknown.
	ErrGatewayUnavailable = errors.New("proxmox: gateway unavailable")
)

// RemoteAPIError carries an application-level rejection from the
// hypervisor API. These are never retried automatically.
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("proxmox: api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("proxmox: api error: %s", e.Message)
}

// TaskTimeoutError signals that a remote task did not reach a terminal
// state within the polling deadline. The task may still be running on
// the hypervisor.
type TaskTimeoutError struct {
	Node    string
	UPID    string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("proxmox: task %s on %s did not finish within %s", e.UPID, e.Node, e.Timeout)
}

// NodeInfo is a cluster membership entry from GET nodes.
type NodeInfo struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	MaxCPU  int     `json:"maxcpu"`
	MaxMem  int64   `json:"maxmem"`
	Mem     int64   `json:"mem"`
	MaxDisk int64   `json:"maxdisk"`
	Disk    int64   `json:"disk"`
	Uptime  int64   `json:"uptime"`
	CPU     float64 `json:"cpu"`
}

// NodeStatus is the detailed resource view from GET nodes/{node}/status.
type NodeStatus struct {
	CPU     float64 `json:"cpu"`
	Memory  Usage   `json:"memory"`
	RootFS  Usage   `json:"rootfs"`
	Swap    Usage   `json:"swap"`
	Uptime  int64   `json:"uptime"`
	LoadAvg []any   `json:"loadavg"`
	CPUInfo struct {
		Cores   int    `json:"cores"`
		Sockets int    `json:"sockets"`
		Model   string `json:"model"`
	} `json:"cpuinfo"`
}

// Usage is a total/used byte pair as reported by the API.
type Usage struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// VMInfo is a guest listing entry from GET nodes/{node}/qemu. Node is
// filled in locally; the per-node listing omits it.
type VMInfo struct {
	VMID    int     `json:"vmid"`
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Node    string  `json:"node,omitempty"`
	CPUs    int     `json:"cpus"`
	CPU     float64 `json:"cpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
}

// TaskStatus mirrors GET nodes/{node}/tasks/{upid}/status.
type TaskStatus struct {
	UPID       string `json:"upid"`
	Node       string `json:"node"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// Finished reports whether the task reached a terminal state.
func (t TaskStatus) Finished() bool { return t.Status == "stopped" }

// OK reports whether a finished task succeeded.
func (t TaskStatus) OK() bool { return t.ExitStatus == "OK" }

// SnapshotInfo is an entry from GET .../snapshot. The synthetic
// "current" entry has no SnapTime.
type SnapshotInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SnapTime    int64  `json:"snaptime"`
	Parent      string `json:"parent"`
	VMState     int    `json:"vmstate"`
}

// StorageInfo is an entry from GET nodes/{node}/storage.
type StorageInfo struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Active  int    `json:"active"`
	Total   int64  `json:"total"`
	Used    int64  `json:"used"`
	Avail   int64  `json:"avail"`
}

// StorageItem is a volume from GET nodes/{node}/storage/{storage}/content.
type StorageItem struct {
	VolID   string `json:"volid"`
	Content string `json:"content"`
	Format  string `json:"format"`
	Size    int64  `json:"size"`
	VMID    int    `json:"vmid"`
	CTime   int64  `json:"ctime"`
	Notes   string `json:"notes"`
}

// NetworkInfo is an interface entry from GET nodes/{node}/network.
type NetworkInfo struct {
	Iface   string `json:"iface"`
	Type    string `json:"type"`
	Method  string `json:"method"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
	Active  int    `json:"active"`
}

// RRDPoint is one sample from an rrddata series. Field presence
// depends on whether the series describes a node or a guest.
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
