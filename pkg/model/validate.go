package model

import (
	"fmt"
	"net"
	"strings"

	"github.com/asaskevich/govalidator"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

type namedNet struct {
	owner string
	net   *net.IPNet
}

// Validate checks every uniqueness and reference rule of the model and
// returns all problems at once. Nothing may be created from a model that
// fails validation.
func (t *Topology) Validate(namer types.Namer) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	transit, err := parseCIDR(t.Transit.CIDR)
	if err != nil {
		add("transit: %v", err)
	}

	switchNames := map[string]string{}
	claimSwitch := func(name, owner string) {
		if name == "" {
			add("%s: switch with an empty name", owner)
			return
		}
		if other, ok := switchNames[name]; ok {
			add("switch %q is defined by both %s and %s", name, other, owner)
			return
		}
		switchNames[name] = owner
	}
	claimSwitch(t.Transit.Switch, "transit")

	var networks []namedNet
	if transit != nil {
		networks = append(networks, namedNet{"transit", transit})
	}
	claimNet := func(owner string, n *net.IPNet) {
		for _, other := range networks {
			if util.CIDRsOverlap(n, other.net) {
				add("%s CIDR %s overlaps %s CIDR %s", owner, n, other.owner, other.net)
			}
		}
		networks = append(networks, namedNet{owner, n})
	}

	for name, h := range t.Hosts {
		for _, ip := range []string{h.ManagementIP, h.TunnelIP} {
			if ip != "" && !govalidator.IsIPv4(ip) {
				add("host %q: invalid IPv4 address %q", name, ip)
			}
		}
	}

	routerNames := map[string]string{t.Transit.GatewayRouter: "transit"}
	transitSlots := map[int]string{}
	for _, id := range t.VPCIDs() {
		vpc := t.VPCs[id]
		owner := fmt.Sprintf("vpc %q", id)
		if _, ok := t.Tenants[vpc.Tenant]; !ok {
			add("%s references unknown tenant %q", owner, vpc.Tenant)
		}
		if other, ok := routerNames[vpc.Router.Name]; ok {
			add("router %q is used by both %s and %s", vpc.Router.Name, other, owner)
		}
		routerNames[vpc.Router.Name] = owner

		if n, err := TransitIndex(id); err != nil {
			add("%s: %v", owner, err)
		} else if other, ok := transitSlots[n]; ok {
			add("%s and vpc %q map to the same transit address", owner, other)
		} else {
			transitSlots[n] = id
			if transit != nil {
				if _, err := t.VPCTransitIP(id); err != nil {
					add("%s: %v", owner, err)
				}
			}
		}

		vpcNet, err := parseCIDR(vpc.CIDR)
		if err != nil {
			add("%s: %v", owner, err)
		} else {
			claimNet(owner, vpcNet)
		}
		if len(vpc.Switches) > 255 {
			add("%s has more than 255 switches", owner)
		}
		var tiers []namedNet
		for _, sw := range vpc.Switches {
			swOwner := fmt.Sprintf("switch %q", sw.Name)
			claimSwitch(sw.Name, owner)
			swNet, err := parseCIDR(sw.CIDR)
			if err != nil {
				add("%s: %v", swOwner, err)
				continue
			}
			if vpcNet != nil && !containsNet(vpcNet, swNet) {
				add("%s CIDR %s is not inside %s CIDR %s", swOwner, swNet, owner, vpcNet)
			}
			for _, other := range tiers {
				if util.CIDRsOverlap(swNet, other.net) {
					add("%s CIDR %s overlaps %s CIDR %s", swOwner, swNet, other.owner, other.net)
				}
			}
			tiers = append(tiers, namedNet{swOwner, swNet})
		}
	}

	for _, tn := range t.TestNetworks {
		owner := fmt.Sprintf("test network %q", tn.Name)
		claimSwitch(tn.Name, owner)
		n, err := parseCIDR(tn.CIDR)
		if err != nil {
			add("%s: %v", owner, err)
			continue
		}
		claimNet(owner, n)
	}

	ips := map[string]string{}
	macs := map[string]string{}
	veths := map[string]string{}
	claimAddress := func(owner, ip, mac string) {
		if other, ok := ips[ip]; ok {
			add("duplicate IP %s on %s and %s", ip, other, owner)
		}
		ips[ip] = owner
		if mac == "" {
			return
		}
		mac = strings.ToLower(mac)
		if other, ok := macs[mac]; ok {
			add("duplicate MAC %s on %s and %s", mac, other, owner)
		}
		macs[mac] = owner
	}
	claimVeth := func(owner, workload string) {
		veth := namer.VethName(workload)
		if other, ok := veths[veth]; ok {
			add("%s and %s both derive virtual switch port %q; use the hashed naming scheme or rename one",
				owner, other, veth)
		}
		veths[veth] = owner
	}

	// router addresses on the transit switch are taken before any workload
	if transit != nil {
		ips[util.FirstHost(transit).String()] = fmt.Sprintf("router %q", t.Transit.GatewayRouter)
		for _, id := range t.VPCIDs() {
			if ip, err := t.VPCTransitIP(id); err == nil {
				ips[ip.String()] = fmt.Sprintf("router %q", t.VPCs[id].Router.Name)
			}
		}
	}

	if nat := t.Transit.NAT; nat != nil {
		owner := fmt.Sprintf("NAT gateway %q", nat.Name)
		if nat.Name == "" {
			add("NAT gateway has no name")
		}
		if _, dup := t.Containers[nat.Name]; dup {
			add("%s is also defined as a container", owner)
		}
		if nat.Host != "" {
			if _, ok := t.Hosts[nat.Host]; !ok {
				add("%s references unknown host %q", owner, nat.Host)
			}
		}
		ip := net.ParseIP(nat.IP)
		if ip == nil || !govalidator.IsIPv4(nat.IP) {
			add("%s: invalid IP %q", owner, nat.IP)
		} else if transit != nil && !transit.Contains(ip) {
			add("%s IP %s is outside the transit CIDR %s", owner, ip, transit)
		}
		if !govalidator.IsMAC(nat.MAC) {
			add("%s: invalid MAC %q", owner, nat.MAC)
		}
		claimAddress(owner, nat.IP, nat.MAC)
		claimVeth(owner, nat.Name)
	}

	for _, name := range t.ContainerNames() {
		c := t.Containers[name]
		owner := fmt.Sprintf("container %q", name)
		if c.Host == "" {
			add("%s has no host", owner)
		} else if _, ok := t.Hosts[c.Host]; !ok {
			add("%s references unknown host %q", owner, c.Host)
		}
		if c.VPC != "" {
			if _, ok := t.VPCs[c.VPC]; !ok {
				add("%s references unknown vpc %q", owner, c.VPC)
			}
		}
		var swNet *net.IPNet
		if vpc, i, ok := t.vpcForSwitch(c.Switch); ok {
			if c.VPC != "" && c.VPC != vpc.ID {
				add("%s is in vpc %q but switch %q belongs to vpc %q", owner, c.VPC, c.Switch, vpc.ID)
			}
			swNet, _ = parseCIDR(vpc.Switches[i].CIDR)
		} else if tn, ok := t.testNetwork(c.Switch); ok {
			swNet, _ = parseCIDR(tn.CIDR)
		} else if c.Switch == t.Transit.Switch {
			swNet = transit
		} else {
			add("%s references unknown switch %q", owner, c.Switch)
		}

		ip := net.ParseIP(c.IP)
		if ip == nil || !govalidator.IsIPv4(c.IP) {
			add("%s: invalid IP %q", owner, c.IP)
		} else if swNet != nil {
			if !swNet.Contains(ip) {
				add("%s IP %s is outside switch %q CIDR %s", owner, ip, c.Switch, swNet)
			} else if ip.Equal(util.FirstHost(swNet)) {
				add("%s IP %s is the router address of switch %q", owner, ip, c.Switch)
			}
		}
		if c.MAC != "" && !govalidator.IsMAC(c.MAC) {
			add("%s: invalid MAC %q", owner, c.MAC)
		}
		claimAddress(owner, c.IP, c.MAC)
		claimVeth(owner, name)
	}

	return utilerrors.NewAggregate(errs)
}

func parseCIDR(cidr string) (*net.IPNet, error) {
	if !govalidator.IsCIDR(cidr) {
		return nil, fmt.Errorf("invalid CIDR %q", cidr)
	}
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %v", cidr, err)
	}
	return n, nil
}

// containsNet reports whether inner lies entirely inside outer
func containsNet(outer, inner *net.IPNet) bool {
	outerSize, _ := outer.Mask.Size()
	innerSize, _ := inner.Mask.Size()
	return innerSize >= outerSize && outer.Contains(inner.IP)
}
