// Package portbinder attaches a running workload to its logical switch port:
// a veth pair into the workload namespace, the host end on the integration
// bridge with the binding metadata, and the logical port with matching
// addresses.
package portbinder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

var (
	// ErrNotRunning is returned when the workload has no network namespace to attach to
	ErrNotRunning = errors.New("workload is not running")
	// ErrVerification is returned when an attachment could not be observed after binding
	ErrVerification = errors.New("attachment verification failed")
)

// Request is one workload to bind
type Request struct {
	model.Attachment
	// Previous is the logical port as it was before a teardown. Its
	// addresses and creation tags are reused so the port keeps its identity.
	Previous *nbctl.LogicalPort
}

// Options are the per-host attachment parameters
type Options struct {
	Bridge    string
	Interface string
	Namer     types.Namer
	// VerifyTimeout bounds post-bind verification; zero uses types.BindVerifyTimeout
	VerifyTimeout time.Duration
}

// Binder binds workloads. It holds no state between calls.
type Binder struct {
	nb       nbctl.LogicalNetworkStore
	vs       vswitch.VirtualSwitchStore
	runtime  workload.Runtime
	netns    workload.NetnsOps
	registry *tenant.Registry
	opts     Options
}

func New(nb nbctl.LogicalNetworkStore, vs vswitch.VirtualSwitchStore, runtime workload.Runtime,
	netns workload.NetnsOps, registry *tenant.Registry, opts Options) *Binder {
	if opts.Bridge == "" {
		opts.Bridge = types.IntegrationBridge
	}
	if opts.Interface == "" {
		opts.Interface = types.ContainerInterface
	}
	if opts.VerifyTimeout == 0 {
		opts.VerifyTimeout = types.BindVerifyTimeout
	}
	return &Binder{nb: nb, vs: vs, runtime: runtime, netns: netns, registry: registry, opts: opts}
}

// binding is the resolved state of one Bind call
type binding struct {
	req       *Request
	lsp       string
	veth      string
	netnsPath string
	tenant    string
	addresses util.PortAddresses
	// attached is set once the host end is on the bridge
	attached bool
}

// Bind attaches req and reports whether the attachment was verified. A
// non-running workload returns ErrNotRunning and changes nothing.
func (b *Binder) Bind(ctx context.Context, req Request) (bool, error) {
	start := time.Now()
	defer metrics.RecordBindDuration(start)

	name := req.Workload
	info, err := b.runtime.Inspect(ctx, name)
	if err != nil {
		return false, err
	}
	if !info.Running {
		return false, fmt.Errorf("cannot bind %s: %w", name, ErrNotRunning)
	}

	bd := &binding{
		req:       &req,
		lsp:       types.LogicalPortName(name),
		veth:      b.opts.Namer.VethName(name),
		netnsPath: info.NetnsPath,
		tenant:    b.tenantOf(&req.Attachment),
	}
	if req.Subnet == nil {
		return false, fmt.Errorf("cannot bind %s: no subnet", name)
	}
	if err := b.ensureLogicalPort(ctx, bd); err != nil {
		return false, err
	}

	exists, err := b.netns.LinkExists(bd.netnsPath, b.opts.Interface)
	if err != nil {
		return false, fmt.Errorf("failed to check %s in %s: %w", b.opts.Interface, name, err)
	}
	if exists {
		klog.V(5).Infof("%s already has %s, checking switch side metadata only", name, b.opts.Interface)
		if err := b.repairMetadata(ctx, bd); err != nil {
			return false, err
		}
		if err := b.verify(ctx, bd, false); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := b.attach(ctx, bd); err != nil {
		b.cleanup(ctx, bd)
		return false, err
	}
	if err := b.netns.AnnounceAddress(bd.netnsPath, b.opts.Interface, bd.addresses.IP); err != nil {
		klog.Warningf("Failed to announce %s from %s: %v", bd.addresses.IP, name, err)
	}
	if err := b.verify(ctx, bd, true); err != nil {
		b.cleanup(ctx, bd)
		return false, err
	}
	klog.Infof("Bound %s to %s (%s) on %s", name, bd.lsp, bd.addresses, bd.veth)
	return true, nil
}

// tenantOf asks the registry for VPC workloads; shared workloads keep the
// tenant the model gives them
func (b *Binder) tenantOf(a *model.Attachment) string {
	if a.VPC != "" {
		return b.registry.TenantFor(a.VPC)
	}
	if a.Tenant != "" {
		return a.Tenant
	}
	return types.TenantShared
}

func (b *Binder) switchIDs(bd *binding) map[string]string {
	ids := map[string]string{
		types.IfaceIDKey:   bd.lsp,
		types.TenantIDKey:  bd.tenant,
		types.ContainerKey: bd.req.Workload,
	}
	if bd.req.VPC != "" {
		ids[types.VPCIDKey] = bd.req.VPC
	}
	return ids
}

// ensureLogicalPort creates the logical port if needed and settles the
// addresses the workload will use. Stored addresses win over the request so
// a rebind never changes a port's MAC.
func (b *Binder) ensureLogicalPort(ctx context.Context, bd *binding) error {
	current, err := b.nb.GetLogicalPort(ctx, bd.lsp)
	if errors.Is(err, nbctl.ErrNotFound) {
		current = nil
	} else if err != nil {
		return err
	}

	switch {
	case current != nil && current.Addresses != nil:
		bd.addresses = *current.Addresses
		if !bd.addresses.IP.Equal(bd.req.IP) {
			klog.Warningf("Logical port %s stores %s but %s is modelled with %s; keeping the stored address",
				bd.lsp, bd.addresses.IP, bd.req.Workload, bd.req.IP)
		}
		if current.ExternalIDs[types.TenantIDKey] == "" {
			b.stamp(ctx, bd, current.ExternalIDs)
		}
		return nil
	case bd.req.Previous != nil && bd.req.Previous.Addresses != nil:
		bd.addresses = *bd.req.Previous.Addresses
	default:
		addresses, err := b.modelAddresses(&bd.req.Attachment)
		if err != nil {
			return err
		}
		bd.addresses = *addresses
	}

	if current == nil {
		if _, err := b.nb.CreateLogicalPort(ctx, bd.req.Switch, bd.lsp); err != nil {
			return err
		}
	}
	if err := b.nb.SetPortAddresses(ctx, bd.lsp, bd.addresses); err != nil {
		return err
	}
	var security *util.PortAddresses
	if bd.req.Role != types.RoleEgress {
		security = &bd.addresses
	}
	if err := b.nb.SetPortSecurity(ctx, bd.lsp, security); err != nil {
		return err
	}
	var previous map[string]string
	if bd.req.Previous != nil {
		previous = bd.req.Previous.ExternalIDs
	} else if current != nil {
		previous = current.ExternalIDs
	}
	b.stamp(ctx, bd, previous)
	return nil
}

func (b *Binder) modelAddresses(a *model.Attachment) (*util.PortAddresses, error) {
	mac := a.MAC
	if mac == "" {
		var err error
		if mac, err = util.GenerateMac(); err != nil {
			return nil, err
		}
		klog.V(5).Infof("Generated MAC %s for %s", mac, a.Workload)
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC %q for %s: %v", mac, a.Workload, err)
	}
	if a.IP == nil {
		return nil, fmt.Errorf("workload %s has no IP", a.Workload)
	}
	return &util.PortAddresses{MAC: hw, IP: a.IP}, nil
}

// stamp failures never fail a bind
func (b *Binder) stamp(ctx context.Context, bd *binding, previous map[string]string) {
	if err := b.registry.StampOwnershipPreserving(ctx, bd.lsp, bd.tenant, bd.req.VPC, previous); err != nil {
		klog.Warningf("%v", err)
	}
}

// repairMetadata restores missing binding metadata on an existing switch port
func (b *Binder) repairMetadata(ctx context.Context, bd *binding) error {
	ports, err := b.vs.ListPorts(ctx, b.opts.Bridge)
	if err != nil {
		return err
	}
	if !contains(ports, bd.veth) {
		klog.V(5).Infof("%s is not on %s, nothing to repair", bd.veth, b.opts.Bridge)
		return nil
	}
	current, err := b.vs.GetInterfaceExternalIDs(ctx, bd.veth)
	if err != nil {
		return err
	}
	want := b.switchIDs(bd)
	for k, v := range want {
		if current[k] != v {
			klog.Infof("Restoring binding metadata of %s", bd.veth)
			return b.vs.SetInterfaceExternalIDs(ctx, bd.veth, want)
		}
	}
	return nil
}

// attach creates the veth pair and wires both ends. The host end is brought
// up first so the gateway route inside the namespace can be installed.
func (b *Binder) attach(ctx context.Context, bd *binding) error {
	peer := b.opts.Namer.PeerTempName(bd.req.Workload)
	for _, stale := range []string{bd.veth, peer} {
		if err := b.netns.DeleteLink("", stale); err != nil {
			return fmt.Errorf("failed to remove stale link %s: %w", stale, err)
		}
	}
	if err := b.netns.CreateVethPair(bd.veth, peer); err != nil {
		return fmt.Errorf("failed to create veth pair for %s: %w", bd.req.Workload, err)
	}
	if err := b.netns.SetLinkUp("", bd.veth); err != nil {
		return fmt.Errorf("failed to set %s up: %w", bd.veth, err)
	}
	if err := b.netns.MoveLinkToNetns(peer, bd.netnsPath); err != nil {
		return fmt.Errorf("failed to move %s into %s: %w", peer, bd.req.Workload, err)
	}
	cfg := workload.LinkConfig{
		CurrentName: peer,
		Name:        b.opts.Interface,
		MAC:         bd.addresses.MAC,
		Address:     &net.IPNet{IP: bd.addresses.IP, Mask: bd.req.Subnet.Mask},
		Gateway:     bd.req.Gateway,
	}
	if err := b.netns.ConfigureLink(bd.netnsPath, cfg); err != nil {
		return fmt.Errorf("failed to configure %s in %s: %w", b.opts.Interface, bd.req.Workload, err)
	}
	if err := b.netns.DisableOffloads(bd.netnsPath, b.opts.Interface); err != nil {
		return fmt.Errorf("failed to disable offloads on %s in %s: %w", b.opts.Interface, bd.req.Workload, err)
	}
	if err := b.netns.DisableOffloads("", bd.veth); err != nil {
		return fmt.Errorf("failed to disable offloads on %s: %w", bd.veth, err)
	}
	bd.attached = true
	// the port and all of its binding metadata go in one transaction so the
	// chassis agent never sees a port without iface-id
	return b.vs.AddPort(ctx, b.opts.Bridge, bd.veth, b.switchIDs(bd))
}

// cleanup removes what a failed attach left behind. Deleting the host end
// removes its peer wherever it is.
func (b *Binder) cleanup(ctx context.Context, bd *binding) {
	klog.Infof("Cleaning up partial attachment of %s", bd.req.Workload)
	if bd.attached {
		if err := b.vs.DeletePort(ctx, b.opts.Bridge, bd.veth); err != nil {
			klog.Warningf("Failed to remove %s from %s: %v", bd.veth, b.opts.Bridge, err)
		}
	}
	if err := b.netns.DeleteLink("", bd.veth); err != nil {
		klog.Warningf("Failed to delete %s: %v", bd.veth, err)
	}
	if err := b.netns.DeleteLink(bd.netnsPath, b.opts.Interface); err != nil {
		klog.Warningf("Failed to delete %s in %s: %v", b.opts.Interface, bd.req.Workload, err)
	}
}

// verify waits for the namespace interface to show up. A full check also
// requires the bound MAC and IP on it, the host end on the bridge and the
// bound addresses on the logical port.
func (b *Binder) verify(ctx context.Context, bd *binding, full bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = b.opts.VerifyTimeout

	check := func() error {
		exists, err := b.netns.LinkExists(bd.netnsPath, b.opts.Interface)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s not present in %s", b.opts.Interface, bd.req.Workload)
		}
		if !full {
			return nil
		}
		hw, err := b.netns.LinkHardwareAddr(bd.netnsPath, b.opts.Interface)
		if err != nil {
			return err
		}
		if !strings.EqualFold(hw.String(), bd.addresses.MAC.String()) {
			return fmt.Errorf("%s in %s has MAC %s, want %s", b.opts.Interface, bd.req.Workload, hw, bd.addresses.MAC)
		}
		addrs, err := b.netns.LinkAddresses(bd.netnsPath, b.opts.Interface)
		if err != nil {
			return err
		}
		if !hasIP(addrs, bd.addresses.IP) {
			return fmt.Errorf("%s in %s does not carry %s", b.opts.Interface, bd.req.Workload, bd.addresses.IP)
		}
		ports, err := b.vs.ListPorts(ctx, b.opts.Bridge)
		if err != nil {
			return err
		}
		if !contains(ports, bd.veth) {
			return fmt.Errorf("%s is not on %s", bd.veth, b.opts.Bridge)
		}
		lsp, err := b.nb.GetLogicalPort(ctx, bd.lsp)
		if err != nil {
			return err
		}
		if lsp.Addresses == nil || lsp.Addresses.String() != bd.addresses.String() {
			return fmt.Errorf("logical port %s does not carry %s", bd.lsp, bd.addresses)
		}
		return nil
	}
	if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrVerification, bd.req.Workload, err)
	}
	return nil
}

func hasIP(addrs []net.IPNet, ip net.IP) bool {
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
