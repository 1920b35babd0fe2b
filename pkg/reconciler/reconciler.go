// Package reconciler probes workload attachments and repairs the ones that
// drifted, garbage collecting ports nothing owns anymore.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/portbinder"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

// Outcome is the result of reconciling one workload
type Outcome string

const (
	Healthy    Outcome = metrics.OutcomeHealthy
	Repaired   Outcome = metrics.OutcomeRepaired
	NotRunning Outcome = metrics.OutcomeNotRunning
	Failed     Outcome = metrics.OutcomeFailed
)

// Options are the per-host reconcile parameters
type Options struct {
	Bridge    string
	Interface string
	Namer     types.Namer
	// Host is the local host name; logical ports tagged for other hosts are
	// never garbage collected here
	Host             string
	SkipAgentRestart bool
}

func (o Options) withDefaults() Options {
	if o.Bridge == "" {
		o.Bridge = types.IntegrationBridge
	}
	if o.Interface == "" {
		o.Interface = types.ContainerInterface
	}
	return o
}

// BatchResult summarizes one ReconcileAll pass
type BatchResult struct {
	Pass                      string             `json:"pass"`
	Healthy                   int                `json:"healthy"`
	Repaired                  int                `json:"repaired"`
	Skipped                   int                `json:"skipped"`
	Failed                    int                `json:"failed"`
	FailedWorkloads           []string           `json:"failedWorkloads,omitempty"`
	OrphanPortsDeleted        int                `json:"orphanPortsDeleted"`
	OrphanLogicalPortsDeleted int                `json:"orphanLogicalPortsDeleted"`
	AgentRestarted            bool               `json:"agentRestarted"`
	Outcomes                  map[string]Outcome `json:"outcomes"`
}

func (b *BatchResult) add(name string, outcome Outcome) {
	b.Outcomes[name] = outcome
	switch outcome {
	case Healthy:
		b.Healthy++
	case Repaired:
		b.Repaired++
	case NotRunning:
		b.Skipped++
	case Failed:
		b.Failed++
		b.FailedWorkloads = append(b.FailedWorkloads, name)
	}
}

func (b *BatchResult) String() string {
	return fmt.Sprintf("%d healthy, %d repaired, %d skipped, %d failed, %d orphan switch ports and %d orphan logical ports deleted",
		b.Healthy, b.Repaired, b.Skipped, b.Failed, b.OrphanPortsDeleted, b.OrphanLogicalPortsDeleted)
}

// Reconciler repairs workload attachments. All mutating passes, single or
// batch, run one at a time.
type Reconciler struct {
	nb      nbctl.LogicalNetworkStore
	vs      vswitch.VirtualSwitchStore
	runtime workload.Runtime
	netns   workload.NetnsOps
	agent   workload.AgentService
	binder  *portbinder.Binder
	prober  *Prober
	opts    Options

	sem *semaphore.Weighted
}

func New(nb nbctl.LogicalNetworkStore, vs vswitch.VirtualSwitchStore, runtime workload.Runtime,
	netns workload.NetnsOps, agent workload.AgentService, binder *portbinder.Binder, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		nb:      nb,
		vs:      vs,
		runtime: runtime,
		netns:   netns,
		agent:   agent,
		binder:  binder,
		prober:  NewProber(nb, vs, runtime, netns, opts),
		opts:    opts,
		sem:     semaphore.NewWeighted(1),
	}
}

// Prober returns the prober the reconciler decides with
func (r *Reconciler) Prober() *Prober {
	return r.prober
}

func newPassID() string {
	return uuid.New().String()[:8]
}

// Reconcile repairs one workload. A successful repair restarts the chassis
// agent unless that is disabled.
func (r *Reconciler) Reconcile(ctx context.Context, a model.Attachment) (Outcome, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Failed, err
	}
	defer r.sem.Release(1)

	pass := newPassID()
	outcome, err := r.reconcile(ctx, pass, a)
	metrics.MetricReconcileWorkloads.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		return outcome, err
	}
	if outcome == Repaired {
		if _, err := r.restartAgent(ctx, pass); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// ReconcileAll garbage collects orphaned ports, then reconciles every
// attachment. It never stops at a failed workload; every failure is part of
// the returned aggregate error. The chassis agent is restarted once when at
// least one workload was repaired.
func (r *Reconciler) ReconcileAll(ctx context.Context, attachments []model.Attachment) (*BatchResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	start := time.Now()
	defer metrics.RecordPassDuration(start)

	pass := newPassID()
	result := &BatchResult{Pass: pass, Outcomes: map[string]Outcome{}}
	klog.Infof("[%s] Reconciling %d workloads", pass, len(attachments))

	var errs []error
	if err := r.collectGarbage(ctx, pass, result); err != nil {
		klog.Errorf("[%s] Garbage collection incomplete: %v", pass, err)
		errs = append(errs, err)
	}

	for _, a := range attachments {
		outcome, err := r.reconcile(ctx, pass, a)
		result.add(a.Workload, outcome)
		metrics.MetricReconcileWorkloads.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			klog.Errorf("[%s] Failed to reconcile %s: %v", pass, a.Workload, err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Workload, err))
		}
	}
	sort.Strings(result.FailedWorkloads)

	if result.Repaired > 0 {
		restarted, err := r.restartAgent(ctx, pass)
		if err != nil {
			errs = append(errs, err)
		}
		result.AgentRestarted = restarted
	}
	klog.Infof("[%s] Reconcile pass done in %v: %s", pass, time.Since(start), result)
	return result, utilerrors.NewAggregate(errs)
}

func (r *Reconciler) restartAgent(ctx context.Context, pass string) (bool, error) {
	if r.opts.SkipAgentRestart {
		klog.Infof("[%s] Skipping chassis agent restart", pass)
		return false, nil
	}
	if err := r.agent.Restart(ctx); err != nil {
		return false, fmt.Errorf("failed to restart the chassis agent: %w", err)
	}
	metrics.MetricAgentRestarts.Inc()
	return true, nil
}

func (r *Reconciler) reconcile(ctx context.Context, pass string, a model.Attachment) (Outcome, error) {
	state, err := r.prober.Probe(ctx, a.Workload)
	if err != nil {
		return Failed, err
	}
	switch {
	case !state.WorkloadRunning:
		klog.V(5).Infof("[%s] %s is not running, skipping", pass, a.Workload)
		return NotRunning, nil
	case state.Healthy():
		klog.V(5).Infof("[%s] %s is healthy", pass, a.Workload)
		return Healthy, nil
	}

	klog.Infof("[%s] Repairing %s: namespace interface %v, switch port %v, logical port %v",
		pass, a.Workload, state.NamespaceInterface, state.VSwitchPort, state.LogicalPort)
	previous, err := r.teardown(ctx, a, state)
	if err != nil {
		return Failed, err
	}
	bound, err := r.binder.Bind(ctx, portbinder.Request{Attachment: a, Previous: previous})
	switch {
	case errors.Is(err, portbinder.ErrNotRunning):
		klog.Infof("[%s] %s stopped during repair", pass, a.Workload)
		return NotRunning, nil
	case err != nil:
		return Failed, err
	case !bound:
		return Failed, fmt.Errorf("%s could not be bound", a.Workload)
	}
	klog.Infof("[%s] Repaired %s", pass, a.Workload)
	return Repaired, nil
}

// teardown removes every layer that is present and returns the logical port
// as it was, so that the rebuilt port keeps its addresses and creation tags
func (r *Reconciler) teardown(ctx context.Context, a model.Attachment, state *State) (*nbctl.LogicalPort, error) {
	lsp := types.LogicalPortName(a.Workload)
	previous, err := r.nb.GetLogicalPort(ctx, lsp)
	if errors.Is(err, nbctl.ErrNotFound) {
		previous = nil
	} else if err != nil {
		return nil, err
	}

	veth := r.opts.Namer.VethName(a.Workload)
	if state.NamespaceInterface {
		if err := r.netns.DeleteLink(state.netnsPath, r.opts.Interface); err != nil {
			return nil, fmt.Errorf("failed to delete %s in %s: %w", r.opts.Interface, a.Workload, err)
		}
	}
	if state.VSwitchPort {
		if err := r.vs.DeletePort(ctx, r.opts.Bridge, veth); err != nil {
			return nil, err
		}
	}
	// a port left by the other naming scheme is replaced by the rebind
	oldVeth := r.opts.Namer.Alternate().VethName(a.Workload)
	ports, err := r.vs.ListPorts(ctx, r.opts.Bridge)
	if err != nil {
		return nil, err
	}
	if sets.NewString(ports...).Has(oldVeth) {
		klog.Infof("Removing %s of %s left by the previous naming scheme", oldVeth, a.Workload)
		if err := r.vs.DeletePort(ctx, r.opts.Bridge, oldVeth); err != nil {
			return nil, err
		}
	}
	for _, link := range []string{veth, oldVeth} {
		exists, err := r.netns.LinkExists("", link)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", link, err)
		}
		if exists {
			if err := r.netns.DeleteLink("", link); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", link, err)
			}
		}
	}
	if previous != nil {
		if err := r.nb.DeleteLogicalPort(ctx, lsp); err != nil {
			return nil, err
		}
	}
	return previous, nil
}

// collectGarbage deletes switch ports and logical ports derived from
// workloads that are no longer running. Without the list of running
// workloads nothing is deleted.
func (r *Reconciler) collectGarbage(ctx context.Context, pass string, result *BatchResult) error {
	names, err := r.runtime.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("cannot list running workloads: %w", err)
	}
	running := sets.NewString(names...)
	// ports named under the previous scheme stay until their workload is
	// rebound or stops
	alternate := r.opts.Namer.Alternate()
	expected := sets.NewString()
	for _, name := range names {
		expected.Insert(r.opts.Namer.VethName(name), alternate.VethName(name))
	}

	var errs []error
	ports, err := r.vs.ListPorts(ctx, r.opts.Bridge)
	if err != nil {
		errs = append(errs, err)
	}
	for _, port := range ports {
		if !(r.opts.Namer.IsVethName(port) || alternate.IsVethName(port)) || expected.Has(port) {
			continue
		}
		klog.Infof("[%s] Deleting orphaned switch port %s", pass, port)
		if err := r.vs.DeletePort(ctx, r.opts.Bridge, port); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.netns.DeleteLink("", port); err != nil {
			klog.Warningf("[%s] Failed to delete orphaned link %s: %v", pass, port, err)
		}
		result.OrphanPortsDeleted++
		metrics.MetricOrphansDeleted.WithLabelValues("vswitch").Inc()
	}

	lsps, err := r.nb.ListLogicalPorts(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, lsp := range lsps {
		name, ok := types.WorkloadFromLogicalPort(lsp.Name)
		if !ok || running.Has(name) {
			continue
		}
		if lsp.ExternalIDs[types.OwnerKey] == types.OwnerTopology {
			continue
		}
		if host := lsp.ExternalIDs[types.HostKey]; host != "" && host != r.opts.Host {
			continue
		}
		klog.Infof("[%s] Deleting orphaned logical port %s", pass, lsp.Name)
		if err := r.nb.DeleteLogicalPort(ctx, lsp.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		result.OrphanLogicalPortsDeleted++
		metrics.MetricOrphansDeleted.WithLabelValues("logical").Inc()
	}
	return utilerrors.NewAggregate(errs)
}
