// Package model holds the declarative description of the lab network: tenants,
// hosts, VPCs with their tiers, and the workloads attached to them. Everything
// the topology builder and the reconciler create is derived from it.
package model

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"

	"github.com/ovs-container-lab/ovnlab/pkg/types"
)

// Topology is the desired state of the whole lab
type Topology struct {
	Transit      Transit              `json:"transit,omitempty"`
	Tenants      map[string]Tenant    `json:"tenants,omitempty"`
	Hosts        map[string]Host      `json:"hosts,omitempty"`
	VPCs         map[string]VPC       `json:"vpcs,omitempty"`
	TestNetworks []TestNetwork        `json:"testNetworks,omitempty"`
	Containers   map[string]Container `json:"containers,omitempty"`
}

// Transit describes the switch shared by the gateway router and every VPC router
type Transit struct {
	Switch        string      `json:"switch,omitempty"`
	CIDR          string      `json:"cidr,omitempty"`
	GatewayRouter string      `json:"gatewayRouter,omitempty"`
	NAT           *NATGateway `json:"nat,omitempty"`
}

// NATGateway is the forwarding workload that provides external egress
type NATGateway struct {
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
}

// Tenant is immutable for the lifetime of a run
type Tenant struct {
	ID          string `json:"-"`
	Name        string `json:"name,omitempty"`
	BillingID   string `json:"billingID,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Host is one chassis of the lab
type Host struct {
	Name         string   `json:"-"`
	ChassisName  string   `json:"chassisName,omitempty"`
	ManagementIP string   `json:"managementIP,omitempty"`
	TunnelIP     string   `json:"tunnelIP,omitempty"`
	Zone         string   `json:"zone,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// VPC is a tenant's routed network made of ordered tiers
type VPC struct {
	ID       string   `json:"-"`
	Tenant   string   `json:"tenant"`
	CIDR     string   `json:"cidr"`
	Router   Router   `json:"router,omitempty"`
	Switches []Switch `json:"switches,omitempty"`
}

// Router describes the logical router of a VPC
type Router struct {
	Name    string `json:"name,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Switch is one tier of a VPC
type Switch struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
	Tier string `json:"tier,omitempty"`
}

// TestNetwork is a standalone switch that is not attached to any router
type TestNetwork struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
}

// Container is one workload and where it attaches
type Container struct {
	Name   string `json:"-"`
	Host   string `json:"host"`
	VPC    string `json:"vpc,omitempty"`
	Switch string `json:"switch"`
	IP     string `json:"ip"`
	MAC    string `json:"mac,omitempty"`
	Tier   string `json:"tier,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Load reads and parses the model at path. The model is not validated.
func Load(fs afero.Fs, path string) (*Topology, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read network model %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse network model %s", path)
	}
	return t, nil
}

// Parse decodes a YAML model and fills in defaults
func Parse(data []byte) (*Topology, error) {
	t := &Topology{}
	if err := yaml.UnmarshalStrict(data, t); err != nil {
		return nil, err
	}
	t.applyDefaults()
	return t, nil
}

func (t *Topology) applyDefaults() {
	if t.Transit.Switch == "" {
		t.Transit.Switch = types.TransitSwitch
	}
	if t.Transit.CIDR == "" {
		t.Transit.CIDR = types.TransitCIDR
	}
	if t.Transit.GatewayRouter == "" {
		t.Transit.GatewayRouter = types.GatewayRouter
	}
	for id, tenant := range t.Tenants {
		tenant.ID = id
		t.Tenants[id] = tenant
	}
	for name, host := range t.Hosts {
		host.Name = name
		t.Hosts[name] = host
	}
	for id, vpc := range t.VPCs {
		vpc.ID = id
		if vpc.Router.Name == "" {
			vpc.Router.Name = types.RouterPrefix + id
		}
		t.VPCs[id] = vpc
	}
	for name, c := range t.Containers {
		c.Name = name
		t.Containers[name] = c
	}
}

// VPCIDs returns the VPC identifiers in a stable order
func (t *Topology) VPCIDs() []string {
	ids := make([]string, 0, len(t.VPCs))
	for id := range t.VPCs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ContainerNames returns the workload names in a stable order
func (t *Topology) ContainerNames() []string {
	names := make([]string, 0, len(t.Containers))
	for name := range t.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TenantIDs returns the tenant identifiers in a stable order
func (t *Topology) TenantIDs() []string {
	ids := make([]string, 0, len(t.Tenants))
	for id := range t.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// vpcForSwitch returns the VPC that owns a tier switch
func (t *Topology) vpcForSwitch(name string) (*VPC, int, bool) {
	for _, id := range t.VPCIDs() {
		vpc := t.VPCs[id]
		for i, sw := range vpc.Switches {
			if sw.Name == name {
				return &vpc, i, true
			}
		}
	}
	return nil, 0, false
}

func (t *Topology) testNetwork(name string) (*TestNetwork, bool) {
	for i := range t.TestNetworks {
		if t.TestNetworks[i].Name == name {
			return &t.TestNetworks[i], true
		}
	}
	return nil, false
}
