package eventbus

import (
	"context"
	"fmt"
)

// Well-known topics. Per-resource topics are derived so a subscriber
// can follow a single deployment or machine without filtering the
// firehose.
const (
	TopicDeployments = "deployments"
	TopicVMs         = "vms"
	TopicAlerts      = "alerts"
)

// DeploymentTopic is the per-deployment event stream.
func DeploymentTopic(deploymentID string) string {
	return fmt.Sprintf("%s/%s", TopicDeployments, deploymentID)
}

// VMTopic is the per-machine event stream.
func VMTopic(vmid int) string {
	return fmt.Sprintf("%s/%d", TopicVMs, vmid)
}

// Bus is a thin abstraction over the internal event distribution
// mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}
