package workload

import (
	"context"
	"fmt"
	"net"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// AgentService is the local chassis agent that programs flows for bound ports
type AgentService interface {
	Restart(ctx context.Context) error
}

// SystemdAgent restarts a systemd unit
type SystemdAgent struct {
	Unit string
}

var _ AgentService = &SystemdAgent{}

func NewSystemdAgent(unit string) *SystemdAgent {
	return &SystemdAgent{Unit: unit}
}

func (s *SystemdAgent) Restart(ctx context.Context) error {
	klog.Infof("Restarting %s", s.Unit)
	_, stderr, err := util.RunSystemctl(ctx, "restart", s.Unit)
	if err != nil {
		return fmt.Errorf("failed to restart %s, stderr: %q, error: %w", s.Unit, stderr, err)
	}
	return nil
}

// ConnectivityChecker pings from inside one workload
type ConnectivityChecker interface {
	Ping(ctx context.Context, source string, destination net.IP) error
}

// RuntimePinger runs ping through the container runtime
type RuntimePinger struct{}

var _ ConnectivityChecker = &RuntimePinger{}

func NewRuntimePinger() *RuntimePinger {
	return &RuntimePinger{}
}

func (p *RuntimePinger) Ping(ctx context.Context, source string, destination net.IP) error {
	out, stderr, err := util.RunRuntime(ctx, "exec", source, "ping", "-c", "2", "-W", "2", destination.String())
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = lastLine(out)
		}
		return fmt.Errorf("%s cannot reach %s: %v: %s", source, destination, err, detail)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
