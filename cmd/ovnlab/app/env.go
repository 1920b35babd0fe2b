package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/portbinder"
	"github.com/ovs-container-lab/ovnlab/pkg/reconciler"
	"github.com/ovs-container-lab/ovnlab/pkg/server"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	"github.com/ovs-container-lab/ovnlab/pkg/topology"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

// Stores are the external systems a host talks to
type Stores struct {
	NB      nbctl.LogicalNetworkStore
	VS      vswitch.VirtualSwitchStore
	Runtime workload.Runtime
	Netns   workload.NetnsOps
	Agent   workload.AgentService
	Pinger  workload.ConnectivityChecker
}

// LinuxStores returns the CLI and netlink backed stores
func LinuxStores() Stores {
	return Stores{
		NB:      nbctl.NewNbctlClient(),
		VS:      vswitch.NewVsctlClient(),
		Runtime: workload.NewDockerRuntime(),
		Netns:   workload.NewLinuxNetns(),
		Agent:   workload.NewSystemdAgent(config.Reconcile.AgentService),
		Pinger:  workload.NewRuntimePinger(),
	}
}

// Env is one validated model wired to the stores of the local host
type Env struct {
	Stores
	Topology   *model.Topology
	Host       string
	Registry   *tenant.Registry
	Builder    *topology.Builder
	Binder     *portbinder.Binder
	Reconciler *reconciler.Reconciler
	Out        io.Writer
	// LockFile serializes mutating commands across processes; empty disables it
	LockFile string
}

var _ server.Backend = &Env{}

// NewEnv wires t to the stores. t must already be validated.
func NewEnv(t *model.Topology, host string, stores Stores, clk clock.PassiveClock) *Env {
	namer := types.NewNamer(config.NamingScheme)
	registry := tenant.NewRegistry(t, stores.NB, config.Reconcile.Creator, host, clk)
	binder := portbinder.New(stores.NB, stores.VS, stores.Runtime, stores.Netns, registry, portbinder.Options{
		Bridge:    config.OVS.Bridge,
		Interface: config.Workload.Interface,
		Namer:     namer,
	})
	rec := reconciler.New(stores.NB, stores.VS, stores.Runtime, stores.Netns, stores.Agent, binder, reconciler.Options{
		Bridge:           config.OVS.Bridge,
		Interface:        config.Workload.Interface,
		Namer:            namer,
		Host:             host,
		SkipAgentRestart: config.Reconcile.SkipAgentRestart,
	})
	return &Env{
		Stores:     stores,
		Topology:   t,
		Host:       host,
		Registry:   registry,
		Builder:    topology.NewBuilder(stores.NB, registry, namer),
		Binder:     binder,
		Reconciler: rec,
		Out:        os.Stdout,
		LockFile:   config.Default.LockFile,
	}
}

// LoadModel reads and validates the configured model file
func LoadModel(fs afero.Fs) (*model.Topology, error) {
	t, err := model.Load(fs, config.Default.ModelFile)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(types.NewNamer(config.NamingScheme)); err != nil {
		return nil, fmt.Errorf("invalid network model %s: %w", config.Default.ModelFile, err)
	}
	return t, nil
}

// newEnv builds the Env every command but validate runs against
var newEnv = func() (*Env, error) {
	t, err := LoadModel(afero.NewOsFs())
	if err != nil {
		return nil, err
	}
	host := config.LocalHost()
	if _, ok := t.Hosts[host]; !ok {
		klog.Warningf("Host %q is not in the network model; no workloads will be attached", host)
	}
	return NewEnv(t, host, LinuxStores(), clock.RealClock{}), nil
}

// lock takes the host lock for one mutating command
func (e *Env) lock() (func(), error) {
	if e.LockFile == "" {
		return func() {}, nil
	}
	l, err := util.LockHost(e.LockFile)
	if err != nil {
		return nil, err
	}
	return l.Unlock, nil
}

// LocalAttachments are the workloads placed on this host
func (e *Env) LocalAttachments() ([]model.Attachment, error) {
	return e.Topology.Attachments(e.Host)
}

// localAttachment resolves a workload that must live on this host
func (e *Env) localAttachment(name string) (*model.Attachment, error) {
	a, err := e.Topology.Attachment(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", server.ErrUnknownWorkload, err)
	}
	if a.Host != e.Host {
		return nil, fmt.Errorf("%w: %s runs on host %q, not %q", server.ErrUnknownWorkload, name, a.Host, e.Host)
	}
	return a, nil
}

// Probe observes one local workload
func (e *Env) Probe(ctx context.Context, name string) (*reconciler.State, error) {
	if _, err := e.localAttachment(name); err != nil {
		return nil, err
	}
	return e.Reconciler.Prober().Probe(ctx, name)
}

// ReconcileAll runs one pass over every local workload under the host lock
func (e *Env) ReconcileAll(ctx context.Context) (*reconciler.BatchResult, error) {
	attachments, err := e.LocalAttachments()
	if err != nil {
		return nil, err
	}
	unlock, err := e.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.Reconciler.ReconcileAll(ctx, attachments)
}
