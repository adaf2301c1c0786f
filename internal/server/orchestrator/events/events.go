// Package events defines the payloads published on the internal bus
// and mirrored to API event streams.
package events

import "time"

type Type string

const (
	DeploymentOpened     Type = "deployment.opened"
	DeploymentInProgress Type = "deployment.in_progress"
	DeploymentCompleted  Type = "deployment.completed"
	DeploymentFailed     Type = "deployment.failed"
	VMStatusChanged      Type = "vm.status_changed"
	AlertRaised          Type = "alert.raised"
)

// DeploymentEvent mirrors a tracker transition.
type DeploymentEvent struct {
	Type           Type      `json:"type"`
	DeploymentID   string    `json:"deployment_id"`
	DeploymentType string    `json:"deployment_type"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress,omitempty"`
	Error          string    `json:"error,omitempty"`
	VMID           int       `json:"vmid,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// VMEvent reports a machine status change observed by the registry.
type VMEvent struct {
	Type      Type      `json:"type"`
	VMID      int       `json:"vmid"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Node      string    `json:"node,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is a threshold violation detected during a monitoring sweep.
type Alert struct {
	Type      Type      `json:"type"`
	Severity  string    `json:"severity"`
	Resource  string    `json:"resource"` // "node" or "vm"
	Name      string    `json:"name"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}
