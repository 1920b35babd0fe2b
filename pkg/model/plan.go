package model

import (
	"fmt"
	"net"
	"sort"

	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

const (
	maxTransitIndex  = 15
	transitIPStride  = 10
	transitMACStride = 0x10
)

// LogicalRouter is a router the builder must ensure, with its ports and routes
type LogicalRouter struct {
	Name    string
	Comment string
	Tenant  string
	VPC     string
	Ports   []RouterPort
	Routes  []StaticRoute
}

// RouterPort is a router port; Network is the CIDR-qualified router address
type RouterPort struct {
	Name    string
	MAC     string
	Network string
}

// StaticRoute is a destination prefix and its next hop
type StaticRoute struct {
	Prefix  string
	NextHop string
}

func (r StaticRoute) String() string {
	return r.Prefix + " via " + r.NextHop
}

// LogicalSwitch is a switch the builder must ensure
type LogicalSwitch struct {
	Name   string
	Subnet string
	Tenant string
	VPC    string
	Tier   string
}

// Link pairs a router port with the router-type switch port that peers it
type Link struct {
	Router     string
	Switch     string
	RouterPort string
	SwitchPort string
}

// EgressPort is the logical port of the NAT gateway on the transit switch
type EgressPort struct {
	Switch string
	Port   string
	MAC    string
	IP     string
}

// Plan is the complete derived logical topology
type Plan struct {
	Routers  []LogicalRouter
	Switches []LogicalSwitch
	Links    []Link
	Egress   *EgressPort
}

// TransitIndex maps the last character of a VPC identifier to its slot on
// the transit switch: a..o map to 1..15 and 1..9 map to 1..9.
func TransitIndex(vpcID string) (int, error) {
	if vpcID == "" {
		return 0, fmt.Errorf("empty VPC identifier")
	}
	c := vpcID[len(vpcID)-1]
	switch {
	case c >= 'a' && c <= 'z':
		n := int(c-'a') + 1
		if n > maxTransitIndex {
			return 0, fmt.Errorf("VPC %q suffix %q maps outside the transit range 1..%d", vpcID, c, maxTransitIndex)
		}
		return n, nil
	case c >= '1' && c <= '9':
		return int(c - '0'), nil
	}
	return 0, fmt.Errorf("VPC %q must end in a letter a..o or a digit 1..9 to derive its transit address", vpcID)
}

func (t *Topology) transitSubnet() (*net.IPNet, error) {
	_, subnet, err := net.ParseCIDR(t.Transit.CIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid transit CIDR %q: %v", t.Transit.CIDR, err)
	}
	return subnet, nil
}

// GatewayTransitIP is the gateway router address on the transit switch
func (t *Topology) GatewayTransitIP() (net.IP, error) {
	subnet, err := t.transitSubnet()
	if err != nil {
		return nil, err
	}
	return util.FirstHost(subnet), nil
}

// VPCTransitIP is the VPC router address on the transit switch
func (t *Topology) VPCTransitIP(vpcID string) (net.IP, error) {
	n, err := TransitIndex(vpcID)
	if err != nil {
		return nil, err
	}
	subnet, err := t.transitSubnet()
	if err != nil {
		return nil, err
	}
	ip := util.OffsetIP(subnet.IP, int64(n*transitIPStride))
	if !subnet.Contains(ip) {
		return nil, fmt.Errorf("transit address %s of VPC %q is outside %s", ip, vpcID, subnet)
	}
	return ip, nil
}

// VPCTransitMAC is the MAC of the VPC router port on the transit switch
func VPCTransitMAC(vpcID string) (string, error) {
	n, err := TransitIndex(vpcID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("00:00:00:00:00:%02x", n*transitMACStride), nil
}

// TierRouterMAC is the MAC of the router port of the ordinal'th tier of a VPC
func TierRouterMAC(vpcIndex, ordinal int) string {
	return fmt.Sprintf("00:00:00:%02x:%02x:01", vpcIndex, ordinal)
}

// RouterPortName names the router side of a router to switch link
func RouterPortName(router, sw string) string {
	return router + "-" + sw
}

// SwitchPortName names the switch side of a router to switch link
func SwitchPortName(sw, router string) string {
	return sw + "-" + router
}

func routerNetwork(ip net.IP, subnet *net.IPNet) string {
	prefix, _ := subnet.Mask.Size()
	return fmt.Sprintf("%s/%d", ip, prefix)
}

// Plan derives the logical topology. It performs no I/O; Validate should have
// accepted the model first.
func (t *Topology) Plan() (*Plan, error) {
	transit, err := t.transitSubnet()
	if err != nil {
		return nil, err
	}
	gwIP := util.FirstHost(transit)
	p := &Plan{}

	gateway := LogicalRouter{
		Name:    t.Transit.GatewayRouter,
		Comment: "External gateway router",
		Tenant:  types.TenantShared,
		Ports: []RouterPort{{
			Name:    RouterPortName(t.Transit.GatewayRouter, t.Transit.Switch),
			MAC:     types.GatewayTransitMAC,
			Network: routerNetwork(gwIP, transit),
		}},
	}

	vpcIDs := t.VPCIDs()
	var vpcRouters []LogicalRouter
	for _, id := range vpcIDs {
		vpc := t.VPCs[id]
		n, err := TransitIndex(id)
		if err != nil {
			return nil, err
		}
		transitIP, err := t.VPCTransitIP(id)
		if err != nil {
			return nil, err
		}
		transitMAC, err := VPCTransitMAC(id)
		if err != nil {
			return nil, err
		}
		comment := vpc.Router.Comment
		if comment == "" {
			comment = fmt.Sprintf("Router for %s", id)
		}
		router := LogicalRouter{
			Name:    vpc.Router.Name,
			Comment: comment,
			Tenant:  vpc.Tenant,
			VPC:     id,
		}
		for i, sw := range vpc.Switches {
			_, subnet, err := net.ParseCIDR(sw.CIDR)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q of switch %s: %v", sw.CIDR, sw.Name, err)
			}
			p.Switches = append(p.Switches, LogicalSwitch{
				Name:   sw.Name,
				Subnet: subnet.String(),
				Tenant: vpc.Tenant,
				VPC:    id,
				Tier:   sw.Tier,
			})
			router.Ports = append(router.Ports, RouterPort{
				Name:    RouterPortName(router.Name, sw.Name),
				MAC:     TierRouterMAC(n, i+1),
				Network: routerNetwork(util.FirstHost(subnet), subnet),
			})
		}
		router.Ports = append(router.Ports, RouterPort{
			Name:    RouterPortName(router.Name, t.Transit.Switch),
			MAC:     transitMAC,
			Network: routerNetwork(transitIP, transit),
		})
		router.Routes = append(router.Routes, StaticRoute{Prefix: types.RouteAny, NextHop: gwIP.String()})
		gateway.Routes = append(gateway.Routes, StaticRoute{Prefix: vpc.CIDR, NextHop: transitIP.String()})
		vpcRouters = append(vpcRouters, router)
	}

	// full mesh of direct inter-VPC routes over the transit switch
	for i := range vpcRouters {
		for _, otherID := range vpcIDs {
			if otherID == vpcRouters[i].VPC {
				continue
			}
			otherIP, err := t.VPCTransitIP(otherID)
			if err != nil {
				return nil, err
			}
			vpcRouters[i].Routes = append(vpcRouters[i].Routes, StaticRoute{
				Prefix:  t.VPCs[otherID].CIDR,
				NextHop: otherIP.String(),
			})
		}
	}

	if nat := t.Transit.NAT; nat != nil {
		gateway.Routes = append(gateway.Routes, StaticRoute{Prefix: types.RouteAny, NextHop: nat.IP})
		p.Egress = &EgressPort{
			Switch: t.Transit.Switch,
			Port:   types.LogicalPortName(nat.Name),
			MAC:    nat.MAC,
			IP:     nat.IP,
		}
	}

	p.Routers = append([]LogicalRouter{gateway}, vpcRouters...)
	p.Switches = append(p.Switches, LogicalSwitch{
		Name:   t.Transit.Switch,
		Subnet: transit.String(),
		Tenant: types.TenantShared,
	})
	for _, tn := range t.TestNetworks {
		_, subnet, err := net.ParseCIDR(tn.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q of test network %s: %v", tn.CIDR, tn.Name, err)
		}
		p.Switches = append(p.Switches, LogicalSwitch{
			Name:   tn.Name,
			Subnet: subnet.String(),
			Tenant: types.TenantShared,
		})
	}

	for _, r := range p.Routers {
		for _, port := range r.Ports {
			sw := port.Name[len(r.Name)+1:]
			p.Links = append(p.Links, Link{
				Router:     r.Name,
				Switch:     sw,
				RouterPort: port.Name,
				SwitchPort: SwitchPortName(sw, r.Name),
			})
		}
	}
	return p, nil
}

// Attachment is everything the port binder needs to attach one workload
type Attachment struct {
	Workload string
	Host     string
	Switch   string
	IP       net.IP
	// MAC is empty when the binder should generate one
	MAC     string
	Subnet  *net.IPNet
	Gateway net.IP
	// Tenant is the tenant the model assigns; the registry is authoritative
	Tenant string
	VPC    string
	Tier   string
	Role   string
}

// Attachment resolves a workload by name
func (t *Topology) Attachment(name string) (*Attachment, error) {
	if nat := t.Transit.NAT; nat != nil && nat.Name == name {
		return t.natAttachment()
	}
	c, ok := t.Containers[name]
	if !ok {
		return nil, fmt.Errorf("workload %q is not in the network model", name)
	}
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return nil, fmt.Errorf("workload %q has an invalid IP %q", name, c.IP)
	}
	a := &Attachment{
		Workload: name,
		Host:     c.Host,
		Switch:   c.Switch,
		IP:       ip,
		MAC:      c.MAC,
		VPC:      c.VPC,
		Tier:     c.Tier,
		Role:     c.Role,
	}
	var cidr string
	switch {
	case c.Switch == t.Transit.Switch:
		cidr = t.Transit.CIDR
		a.Tenant = types.TenantShared
	default:
		if vpc, i, ok := t.vpcForSwitch(c.Switch); ok {
			cidr = vpc.Switches[i].CIDR
			a.Tenant = vpc.Tenant
			if a.VPC == "" {
				a.VPC = vpc.ID
			}
			if a.Tier == "" {
				a.Tier = vpc.Switches[i].Tier
			}
		} else if tn, ok := t.testNetwork(c.Switch); ok {
			cidr = tn.CIDR
			a.Tenant = types.TenantShared
		} else {
			return nil, fmt.Errorf("workload %q attaches to unknown switch %q", name, c.Switch)
		}
	}
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("workload %q switch %q has an invalid CIDR %q: %v", name, c.Switch, cidr, err)
	}
	a.Subnet = subnet
	if _, isTest := t.testNetwork(c.Switch); !isTest {
		a.Gateway = util.FirstHost(subnet)
	}
	return a, nil
}

func (t *Topology) natAttachment() (*Attachment, error) {
	nat := t.Transit.NAT
	transit, err := t.transitSubnet()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(nat.IP)
	if ip == nil {
		return nil, fmt.Errorf("NAT gateway %q has an invalid IP %q", nat.Name, nat.IP)
	}
	return &Attachment{
		Workload: nat.Name,
		Host:     nat.Host,
		Switch:   t.Transit.Switch,
		IP:       ip,
		MAC:      nat.MAC,
		Subnet:   transit,
		Gateway:  util.FirstHost(transit),
		Tenant:   types.TenantShared,
		Role:     types.RoleEgress,
	}, nil
}

// Attachments resolves every workload placed on host, or every workload when
// host is empty, sorted by name.
func (t *Topology) Attachments(host string) ([]Attachment, error) {
	names := t.ContainerNames()
	if nat := t.Transit.NAT; nat != nil && nat.Name != "" {
		if _, dup := t.Containers[nat.Name]; !dup {
			names = append(names, nat.Name)
			sort.Strings(names)
		}
	}
	var out []Attachment
	for _, name := range names {
		a, err := t.Attachment(name)
		if err != nil {
			return nil, err
		}
		if host != "" && a.Host != host {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}
