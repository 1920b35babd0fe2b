// Package topology builds the shared logical topology: one router per VPC, a
// gateway router, the transit switch, tier switches, their links, static
// routes and the NAT egress port.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// Object kinds, in build order
const (
	KindRouter     = "router"
	KindSwitch     = "switch"
	KindRouterPort = "router_port"
	KindSwitchPort = "switch_port"
	KindRoute      = "route"
	KindEgressPort = "egress_port"
)

// Kinds lists every object kind in the order BuildTopology ensures them
var Kinds = []string{KindRouter, KindSwitch, KindRouterPort, KindSwitchPort, KindRoute, KindEgressPort}

// BuildResult counts, per kind, the objects a build created and the ones it
// found already present
type BuildResult struct {
	Created  map[string]int
	Existing map[string]int
}

func newBuildResult() *BuildResult {
	return &BuildResult{Created: map[string]int{}, Existing: map[string]int{}}
}

func (r *BuildResult) count(kind string, status nbctl.Status) {
	metrics.MetricTopologyObjects.WithLabelValues(kind, status.String()).Inc()
	if status == nbctl.AlreadyExists {
		r.Existing[kind]++
		return
	}
	r.Created[kind]++
}

// TotalCreated is the number of objects the build created
func (r *BuildResult) TotalCreated() int {
	n := 0
	for _, c := range r.Created {
		n += c
	}
	return n
}

// TotalExisting is the number of objects the build found in place
func (r *BuildResult) TotalExisting() int {
	n := 0
	for _, c := range r.Existing {
		n += c
	}
	return n
}

func (r *BuildResult) String() string {
	var parts []string
	for _, kind := range Kinds {
		if r.Created[kind]+r.Existing[kind] == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %d created, %d existing", kind, r.Created[kind], r.Existing[kind]))
	}
	return strings.Join(parts, "; ")
}

// Builder ensures the logical topology of a model exists
type Builder struct {
	nb       nbctl.LogicalNetworkStore
	registry *tenant.Registry
	namer    types.Namer
}

// NewBuilder returns a Builder validating models with namer
func NewBuilder(nb nbctl.LogicalNetworkStore, registry *tenant.Registry, namer types.Namer) *Builder {
	return &Builder{nb: nb, registry: registry, namer: namer}
}

// BuildTopology creates every missing object of t and leaves existing ones
// alone. A model that fails validation is rejected before anything is
// created. A failed build leaves a partial topology that the next build
// completes.
func (b *Builder) BuildTopology(ctx context.Context, t *model.Topology) (*BuildResult, error) {
	if err := t.Validate(b.namer); err != nil {
		return nil, fmt.Errorf("refusing to build an invalid network model: %w", err)
	}
	plan, err := t.Plan()
	if err != nil {
		return nil, err
	}
	result := newBuildResult()
	klog.Infof("Building logical topology: %d routers, %d switches, %d links",
		len(plan.Routers), len(plan.Switches), len(plan.Links))

	if err := b.ensureRouters(ctx, plan, result); err != nil {
		return result, err
	}
	if err := b.ensureSwitches(ctx, plan, result); err != nil {
		return result, err
	}
	if err := b.ensureRouterPorts(ctx, plan, result); err != nil {
		return result, err
	}
	if err := b.ensureSwitchPorts(ctx, plan, result); err != nil {
		return result, err
	}
	if err := b.ensureRoutes(ctx, plan, result); err != nil {
		return result, err
	}
	if plan.Egress != nil {
		if err := b.ensureEgressPort(ctx, plan.Egress, result); err != nil {
			return result, err
		}
	}
	klog.Infof("Logical topology ready: %s", result)
	return result, nil
}

func (b *Builder) ensureRouters(ctx context.Context, plan *model.Plan, result *BuildResult) error {
	names, err := b.nb.ListRouters(ctx)
	if err != nil {
		return err
	}
	existing := sets.NewString(names...)
	for _, r := range plan.Routers {
		if existing.Has(r.Name) {
			result.count(KindRouter, nbctl.AlreadyExists)
			continue
		}
		ids := map[string]string{types.TenantIDKey: r.Tenant}
		if r.VPC != "" {
			ids[types.VPCIDKey] = r.VPC
		}
		if r.Comment != "" {
			ids[types.CommentKey] = r.Comment
		}
		status, err := b.nb.CreateRouter(ctx, r.Name, ids)
		if err != nil {
			return err
		}
		if status == nbctl.Created {
			klog.Infof("Created logical router %s for tenant %s", r.Name, r.Tenant)
		}
		result.count(KindRouter, status)
	}
	return nil
}

func (b *Builder) ensureSwitches(ctx context.Context, plan *model.Plan, result *BuildResult) error {
	names, err := b.nb.ListSwitches(ctx)
	if err != nil {
		return err
	}
	existing := sets.NewString(names...)
	for _, s := range plan.Switches {
		if existing.Has(s.Name) {
			result.count(KindSwitch, nbctl.AlreadyExists)
			continue
		}
		ids := map[string]string{types.TenantIDKey: s.Tenant}
		if s.VPC != "" {
			ids[types.VPCIDKey] = s.VPC
		}
		if s.Tier != "" {
			ids[types.TierKey] = s.Tier
		}
		status, err := b.nb.CreateSwitch(ctx, s.Name, s.Subnet, ids)
		if err != nil {
			return err
		}
		if status == nbctl.Created {
			klog.Infof("Created logical switch %s (%s)", s.Name, s.Subnet)
		}
		result.count(KindSwitch, status)
	}
	return nil
}

func (b *Builder) ensureRouterPorts(ctx context.Context, plan *model.Plan, result *BuildResult) error {
	for _, r := range plan.Routers {
		names, err := b.nb.ListRouterPorts(ctx, r.Name)
		if err != nil {
			return err
		}
		existing := sets.NewString(names...)
		for _, p := range r.Ports {
			if existing.Has(p.Name) {
				result.count(KindRouterPort, nbctl.AlreadyExists)
				continue
			}
			status, err := b.nb.AddRouterPort(ctx, r.Name, p.Name, p.MAC, p.Network)
			if err != nil {
				return err
			}
			klog.V(5).Infof("Router port %s %s (%s %s)", p.Name, status, p.MAC, p.Network)
			result.count(KindRouterPort, status)
		}
	}
	return nil
}

func (b *Builder) ensureSwitchPorts(ctx context.Context, plan *model.Plan, result *BuildResult) error {
	bySwitch := map[string][]model.Link{}
	var switches []string
	for _, l := range plan.Links {
		if _, seen := bySwitch[l.Switch]; !seen {
			switches = append(switches, l.Switch)
		}
		bySwitch[l.Switch] = append(bySwitch[l.Switch], l)
	}

	for _, sw := range switches {
		names, err := b.nb.ListSwitchPorts(ctx, sw)
		if err != nil {
			return err
		}
		existing := sets.NewString(names...)
		for _, l := range bySwitch[sw] {
			if existing.Has(l.SwitchPort) {
				result.count(KindSwitchPort, nbctl.AlreadyExists)
				continue
			}
			status, err := b.nb.AddRouterTypeSwitchPort(ctx, sw, l.SwitchPort, l.RouterPort)
			if err != nil {
				return err
			}
			klog.V(5).Infof("Switch port %s %s, peer %s", l.SwitchPort, status, l.RouterPort)
			result.count(KindSwitchPort, status)
		}
	}
	return nil
}

func (b *Builder) ensureRoutes(ctx context.Context, plan *model.Plan, result *BuildResult) error {
	for _, r := range plan.Routers {
		routes, err := b.nb.ListRoutes(ctx, r.Name)
		if err != nil {
			return err
		}
		for _, route := range r.Routes {
			if nbctl.HasRoute(routes, route.Prefix, route.NextHop) {
				result.count(KindRoute, nbctl.AlreadyExists)
				continue
			}
			status, err := b.nb.AddRoute(ctx, r.Name, route.Prefix, route.NextHop)
			if err != nil {
				return err
			}
			if status == nbctl.Created {
				klog.Infof("Added route %s on %s", route, r.Name)
			}
			result.count(KindRoute, status)
		}
	}
	return nil
}

// ensureEgressPort creates the NAT gateway port on the transit switch. It
// forwards traffic for addresses it does not own, so port security is off.
// A port missing its addresses or its topology owner tag is completed.
func (b *Builder) ensureEgressPort(ctx context.Context, egress *model.EgressPort, result *BuildResult) error {
	current, err := b.nb.GetLogicalPort(ctx, egress.Port)
	switch {
	case err == nil && current.Addresses != nil && current.ExternalIDs[types.OwnerKey] == types.OwnerTopology:
		result.count(KindEgressPort, nbctl.AlreadyExists)
		return nil
	case err != nil && !errors.Is(err, nbctl.ErrNotFound):
		return err
	}

	addresses, err := util.ParsePortAddresses(egress.MAC + " " + egress.IP)
	if err != nil {
		return fmt.Errorf("invalid NAT gateway address: %w", err)
	}
	status := nbctl.AlreadyExists
	if current == nil {
		if status, err = b.nb.CreateLogicalPort(ctx, egress.Switch, egress.Port); err != nil {
			return err
		}
	}
	if err := b.nb.SetPortAddresses(ctx, egress.Port, *addresses); err != nil {
		return err
	}
	if err := b.nb.SetPortSecurity(ctx, egress.Port, nil); err != nil {
		return err
	}
	owner := map[string]string{types.OwnerKey: types.OwnerTopology}
	if current != nil {
		for k, v := range current.ExternalIDs {
			owner[k] = v
		}
		owner[types.OwnerKey] = types.OwnerTopology
	}
	if err := b.registry.StampOwnershipPreserving(ctx, egress.Port, types.TenantShared, "", owner); err != nil {
		klog.Warningf("Egress port %s is untagged until the next build: %v", egress.Port, err)
	}
	klog.Infof("Egress port %s %s on %s (%s)", egress.Port, status, egress.Switch, addresses)
	result.count(KindEgressPort, status)
	return nil
}
