package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

// State is the observed attachment of one workload across all layers
type State struct {
	Workload           string `json:"workload"`
	WorkloadRunning    bool   `json:"workloadRunning"`
	NamespaceInterface bool   `json:"namespaceInterface"`
	VSwitchPort        bool   `json:"vswitchPort"`
	LogicalPort        bool   `json:"logicalPort"`
	// IP is the first address of the namespace interface
	IP string `json:"ip,omitempty"`

	netnsPath string
}

// Healthy is true when the workload runs and every layer is present
func (s *State) Healthy() bool {
	return s.WorkloadRunning && s.NamespaceInterface && s.VSwitchPort && s.LogicalPort
}

// NeedsRepair is true when the workload runs but some layer is missing
func (s *State) NeedsRepair() bool {
	return s.WorkloadRunning && !s.Healthy()
}

// Prober observes workloads without changing anything. Every call queries
// the live state.
type Prober struct {
	nb      nbctl.LogicalNetworkStore
	vs      vswitch.VirtualSwitchStore
	runtime workload.Runtime
	netns   workload.NetnsOps
	opts    Options
}

func NewProber(nb nbctl.LogicalNetworkStore, vs vswitch.VirtualSwitchStore, runtime workload.Runtime,
	netns workload.NetnsOps, opts Options) *Prober {
	return &Prober{nb: nb, vs: vs, runtime: runtime, netns: netns, opts: opts.withDefaults()}
}

// Probe checks the runtime, the namespace interface, the switch port list
// and the logical port addresses, in that order. It stops after the runtime
// when the workload is not running. A failed query is returned as an error.
func (p *Prober) Probe(ctx context.Context, name string) (*State, error) {
	state := &State{Workload: name}
	info, err := p.runtime.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.Running {
		return state, nil
	}
	state.WorkloadRunning = true
	state.netnsPath = info.NetnsPath

	exists, err := p.netns.LinkExists(info.NetnsPath, p.opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s of %s: %w", p.opts.Interface, name, err)
	}
	if exists {
		state.NamespaceInterface = true
		addrs, err := p.netns.LinkAddresses(info.NetnsPath, p.opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to read addresses of %s in %s: %w", p.opts.Interface, name, err)
		}
		if len(addrs) > 0 {
			state.IP = addrs[0].IP.String()
		}
	}

	ports, err := p.vs.ListPorts(ctx, p.opts.Bridge)
	if err != nil {
		return nil, err
	}
	veth := p.opts.Namer.VethName(name)
	for _, port := range ports {
		if port == veth {
			state.VSwitchPort = true
			break
		}
	}

	lsp, err := p.nb.GetLogicalPort(ctx, types.LogicalPortName(name))
	switch {
	case errors.Is(err, nbctl.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		state.LogicalPort = lsp.Addresses != nil
	}
	return state, nil
}
