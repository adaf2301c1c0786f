package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/eventbus"
	"github.com/pvecloud/pvec/internal/server/orchestrator/events"
	"github.com/pvecloud/pvec/internal/server/proxmox"
)

// Alert thresholds: hosts warn earlier than guests because host
// saturation affects every tenant on it.
const (
	nodeAlertThreshold = 0.90
	vmAlertThreshold   = 0.95
)

// Nodes refreshes the read-through node cache from the hypervisor and
// returns the cached rows. When the gateway is unreachable the stale
// cache is served instead.
func (e *engine) Nodes(ctx context.Context) ([]db.Node, error) {
	remote, err := e.gateway.Nodes(ctx)
	if err != nil {
		e.logger.Warn("node refresh failed, serving cached rows", "error", err)
		return e.store.Queries().Nodes().List(ctx)
	}

	for _, n := range remote {
		row := &db.Node{
			Name:          n.Node,
			Status:        n.Status,
			CPUCores:      n.MaxCPU,
			MemoryTotalMB: n.MaxMem / (1 << 20),
			MemoryUsedMB:  n.Mem / (1 << 20),
			DiskTotalGB:   n.MaxDisk / (1 << 30),
			DiskUsedGB:    n.Disk / (1 << 30),
		}
		if err := e.store.Queries().Nodes().Upsert(ctx, row); err != nil {
			e.logger.Warn("failed to cache node", "node", n.Node, "error", err)
		}
	}
	return e.store.Queries().Nodes().List(ctx)
}

// NodeMetrics couples a host's live status with its rrddata usage
// series for dashboards and capacity checks.
type NodeMetrics struct {
	Node   string              `json:"node"`
	Status *proxmox.NodeStatus `json:"status"`
	Series []proxmox.RRDPoint  `json:"series"`
}

func (e *engine) NodeMetrics(ctx context.Context, node string) (*NodeMetrics, error) {
	known, err := e.gateway.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, n := range known {
		if n.Node == node {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	status, err := e.gateway.NodeStatus(ctx, node)
	if err != nil {
		return nil, err
	}
	series, err := e.gateway.NodeRRD(ctx, node)
	if err != nil {
		return nil, err
	}
	return &NodeMetrics{Node: node, Status: status, Series: series}, nil
}

// VMMetrics returns the guest's rrddata usage series. Owner-scoped
// like every other per-machine read.
func (e *engine) VMMetrics(ctx context.Context, user *db.User, vmid int) ([]proxmox.RRDPoint, error) {
	vm, err := e.GetVM(ctx, user, vmid)
	if err != nil {
		return nil, err
	}
	return e.gateway.VMRRD(ctx, vm.Node, vmid)
}

// CollectAlerts sweeps hosts and guests for resource saturation and
// publishes each finding on the alert topic.
func (e *engine) CollectAlerts(ctx context.Context) ([]events.Alert, error) {
	nodes, err := e.gateway.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var alerts []events.Alert

	for _, n := range nodes {
		if n.Status != "online" {
			alerts = append(alerts, events.Alert{
				Type:      events.AlertRaised,
				Severity:  "critical",
				Resource:  "node",
				Name:      n.Node,
				Metric:    "status",
				Timestamp: now,
			})
			continue
		}
		if n.CPU >= nodeAlertThreshold {
			alerts = append(alerts, nodeAlert(n.Node, "cpu", n.CPU, now))
		}
		if n.MaxMem > 0 {
			if usage := float64(n.Mem) / float64(n.MaxMem); usage >= nodeAlertThreshold {
				alerts = append(alerts, nodeAlert(n.Node, "memory", usage, now))
			}
		}
		if n.MaxDisk > 0 {
			if usage := float64(n.Disk) / float64(n.MaxDisk); usage >= nodeAlertThreshold {
				alerts = append(alerts, nodeAlert(n.Node, "disk", usage, now))
			}
		}
	}

	vms, err := e.gateway.AllVMs(ctx)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Status != "running" {
			continue
		}
		if vm.CPU >= vmAlertThreshold {
			alerts = append(alerts, vmAlertRecord(vm, "cpu", vm.CPU, now))
		}
		if vm.MaxMem > 0 {
			if usage := float64(vm.Mem) / float64(vm.MaxMem); usage >= vmAlertThreshold {
				alerts = append(alerts, vmAlertRecord(vm, "memory", usage, now))
			}
		}
	}

	for _, alert := range alerts {
		if err := e.bus.Publish(ctx, eventbus.TopicAlerts, alert); err != nil {
			e.logger.Warn("failed to publish alert", "resource", alert.Name, "error", err)
		}
	}
	return alerts, nil
}

func nodeAlert(name, metric string, value float64, at time.Time) events.Alert {
	return events.Alert{
		Type:      events.AlertRaised,
		Severity:  "warning",
		Resource:  "node",
		Name:      name,
		Metric:    metric,
		Value:     value,
		Threshold: nodeAlertThreshold,
		Timestamp: at,
	}
}

func vmAlertRecord(vm proxmox.VMInfo, metric string, value float64, at time.Time) events.Alert {
	return events.Alert{
		Type:      events.AlertRaised,
		Severity:  "warning",
		Resource:  "vm",
		Name:      fmt.Sprintf("%d (%s)", vm.VMID, vm.Name),
		Metric:    metric,
		Value:     value,
		Threshold: vmAlertThreshold,
		Timestamp: at,
	}
}
