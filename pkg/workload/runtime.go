// Package workload inspects workload containers and manipulates their
// network namespaces.
package workload

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// Info is the runtime view of one workload
type Info struct {
	Running bool
	Pid     int
	// NetnsPath is empty when the workload is not running
	NetnsPath string
}

// Runtime resolves workloads through the container runtime
type Runtime interface {
	// Inspect returns a non-running Info when the workload does not exist
	Inspect(ctx context.Context, name string) (*Info, error)
	ListRunning(ctx context.Context) ([]string, error)
}

// DockerRuntime implements Runtime with the docker CLI
type DockerRuntime struct{}

var _ Runtime = &DockerRuntime{}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{}
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") || strings.Contains(s, "no such container")
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (*Info, error) {
	out, stderr, err := util.RunRuntime(ctx, "inspect", "-f", "{{.State.Running}} {{.State.Pid}}", name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return &Info{}, nil
		}
		return nil, fmt.Errorf("failed to inspect workload %s, stderr: %q, error: %w", name, stderr, err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return nil, fmt.Errorf("unexpected inspect output for workload %s: %q", name, out)
	}
	running, err := strconv.ParseBool(fields[0])
	if err != nil {
		return nil, fmt.Errorf("unexpected running state for workload %s: %q", name, fields[0])
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected pid for workload %s: %q", name, fields[1])
	}
	info := &Info{Running: running && pid > 0, Pid: pid}
	if info.Running {
		info.NetnsPath = fmt.Sprintf("/proc/%d/ns/net", pid)
	}
	return info, nil
}

func (d *DockerRuntime) ListRunning(ctx context.Context) ([]string, error) {
	out, stderr, err := util.RunRuntime(ctx, "ps", "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list running workloads, stderr: %q, error: %w", stderr, err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
