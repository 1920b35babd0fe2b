package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// Router is a logical router held by FakeLogicalNetwork
type Router struct {
	ExternalIDs map[string]string
	// Ports maps a router port name to "MAC NETWORK"
	Ports  map[string]string
	Routes []nbctl.Route
}

// Switch is a logical switch held by FakeLogicalNetwork
type Switch struct {
	Subnet      string
	ExternalIDs map[string]string
	Ports       map[string]bool
}

// SwitchPort is a logical switch port held by FakeLogicalNetwork
type SwitchPort struct {
	Switch string
	// RouterPort is set for router type ports
	RouterPort   string
	Addresses    *util.PortAddresses
	PortSecurity *util.PortAddresses
	// Secured is false when port security is disabled
	Secured     bool
	ExternalIDs map[string]string
}

// FakeLogicalNetwork is an in-memory nbctl.LogicalNetworkStore
type FakeLogicalNetwork struct {
	faults
	mutations

	mu       sync.Mutex
	routers  map[string]*Router
	switches map[string]*Switch
	ports    map[string]*SwitchPort
}

var _ nbctl.LogicalNetworkStore = &FakeLogicalNetwork{}

func NewFakeLogicalNetwork() *FakeLogicalNetwork {
	return &FakeLogicalNetwork{
		routers:  map[string]*Router{},
		switches: map[string]*Switch{},
		ports:    map[string]*SwitchPort{},
	}
}

func (f *FakeLogicalNetwork) ListRouters(ctx context.Context) ([]string, error) {
	if err := f.injected("ListRouters"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.routers), nil
}

func (f *FakeLogicalNetwork) CreateRouter(ctx context.Context, name string, externalIDs map[string]string) (nbctl.Status, error) {
	if err := f.injected("CreateRouter"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.routers[name]; ok {
		return nbctl.AlreadyExists, nil
	}
	f.routers[name] = &Router{ExternalIDs: copyIDs(externalIDs), Ports: map[string]string{}}
	f.record("CreateRouter %s", name)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) ListSwitches(ctx context.Context) ([]string, error) {
	if err := f.injected("ListSwitches"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.switches), nil
}

func (f *FakeLogicalNetwork) CreateSwitch(ctx context.Context, name, subnet string, externalIDs map[string]string) (nbctl.Status, error) {
	if err := f.injected("CreateSwitch"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.switches[name]; ok {
		return nbctl.AlreadyExists, nil
	}
	f.switches[name] = &Switch{Subnet: subnet, ExternalIDs: copyIDs(externalIDs), Ports: map[string]bool{}}
	f.record("CreateSwitch %s", name)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) ListRouterPorts(ctx context.Context, router string) ([]string, error) {
	if err := f.injected("ListRouterPorts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[router]
	if !ok {
		return nil, fmt.Errorf("%s: router name not found", router)
	}
	return sortedKeys(r.Ports), nil
}

func (f *FakeLogicalNetwork) AddRouterPort(ctx context.Context, router, port, mac, network string) (nbctl.Status, error) {
	if err := f.injected("AddRouterPort"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[router]
	if !ok {
		return nbctl.Created, fmt.Errorf("%s: router name not found", router)
	}
	if _, ok := r.Ports[port]; ok {
		return nbctl.AlreadyExists, nil
	}
	r.Ports[port] = mac + " " + network
	f.record("AddRouterPort %s %s", router, port)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) ListSwitchPorts(ctx context.Context, sw string) ([]string, error) {
	if err := f.injected("ListSwitchPorts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.switches[sw]
	if !ok {
		return nil, fmt.Errorf("%s: switch name not found", sw)
	}
	return sortedKeys(s.Ports), nil
}

func (f *FakeLogicalNetwork) addSwitchPort(sw, port string) (*SwitchPort, nbctl.Status, error) {
	s, ok := f.switches[sw]
	if !ok {
		return nil, nbctl.Created, fmt.Errorf("%s: switch name not found", sw)
	}
	if _, ok := f.ports[port]; ok {
		return nil, nbctl.AlreadyExists, nil
	}
	p := &SwitchPort{Switch: sw, Secured: true}
	f.ports[port] = p
	s.Ports[port] = true
	return p, nbctl.Created, nil
}

func (f *FakeLogicalNetwork) AddRouterTypeSwitchPort(ctx context.Context, sw, port, routerPort string) (nbctl.Status, error) {
	if err := f.injected("AddRouterTypeSwitchPort"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, status, err := f.addSwitchPort(sw, port)
	if err != nil || status == nbctl.AlreadyExists {
		return status, err
	}
	p.RouterPort = routerPort
	f.record("AddRouterTypeSwitchPort %s %s", sw, port)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) ListRoutes(ctx context.Context, router string) ([]nbctl.Route, error) {
	if err := f.injected("ListRoutes"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[router]
	if !ok {
		return nil, fmt.Errorf("%s: router name not found", router)
	}
	return append([]nbctl.Route(nil), r.Routes...), nil
}

func (f *FakeLogicalNetwork) AddRoute(ctx context.Context, router, prefix, nextHop string) (nbctl.Status, error) {
	if err := f.injected("AddRoute"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[router]
	if !ok {
		return nbctl.Created, fmt.Errorf("%s: router name not found", router)
	}
	if nbctl.HasRoute(r.Routes, prefix, nextHop) {
		return nbctl.AlreadyExists, nil
	}
	r.Routes = append(r.Routes, nbctl.Route{Prefix: prefix, NextHop: nextHop})
	f.record("AddRoute %s %s %s", router, prefix, nextHop)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) GetLogicalPort(ctx context.Context, name string) (*nbctl.LogicalPort, error) {
	if err := f.injected("GetLogicalPort"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[name]
	if !ok {
		return nil, fmt.Errorf("logical port %s: %w", name, nbctl.ErrNotFound)
	}
	return f.logicalPort(name, p, true), nil
}

func (f *FakeLogicalNetwork) logicalPort(name string, p *SwitchPort, withAddresses bool) *nbctl.LogicalPort {
	lp := &nbctl.LogicalPort{Name: name, ExternalIDs: copyIDs(p.ExternalIDs)}
	if lp.ExternalIDs == nil {
		lp.ExternalIDs = map[string]string{}
	}
	if withAddresses && p.Addresses != nil {
		a := copyAddresses(*p.Addresses)
		lp.Addresses = &a
	}
	return lp
}

func (f *FakeLogicalNetwork) ListLogicalPorts(ctx context.Context) ([]nbctl.LogicalPort, error) {
	if err := f.injected("ListLogicalPorts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []nbctl.LogicalPort
	for _, name := range sortedKeys(f.ports) {
		out = append(out, *f.logicalPort(name, f.ports[name], false))
	}
	return out, nil
}

func (f *FakeLogicalNetwork) CreateLogicalPort(ctx context.Context, sw, port string) (nbctl.Status, error) {
	if err := f.injected("CreateLogicalPort"); err != nil {
		return nbctl.Created, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, status, err := f.addSwitchPort(sw, port)
	if err != nil || status == nbctl.AlreadyExists {
		return status, err
	}
	f.record("CreateLogicalPort %s %s", sw, port)
	return nbctl.Created, nil
}

func (f *FakeLogicalNetwork) port(name string) (*SwitchPort, error) {
	p, ok := f.ports[name]
	if !ok {
		return nil, fmt.Errorf("%s: port name not found", name)
	}
	return p, nil
}

func (f *FakeLogicalNetwork) SetPortAddresses(ctx context.Context, port string, addresses util.PortAddresses) error {
	if err := f.injected("SetPortAddresses"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.port(port)
	if err != nil {
		return err
	}
	a := copyAddresses(addresses)
	p.Addresses = &a
	f.record("SetPortAddresses %s %s", port, addresses)
	return nil
}

func (f *FakeLogicalNetwork) SetPortSecurity(ctx context.Context, port string, addresses *util.PortAddresses) error {
	if err := f.injected("SetPortSecurity"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.port(port)
	if err != nil {
		return err
	}
	p.PortSecurity = nil
	p.Secured = addresses != nil
	if addresses != nil {
		a := copyAddresses(*addresses)
		p.PortSecurity = &a
	}
	f.record("SetPortSecurity %s %v", port, p.Secured)
	return nil
}

func (f *FakeLogicalNetwork) SetPortExternalIDs(ctx context.Context, port string, externalIDs map[string]string) error {
	if err := f.injected("SetPortExternalIDs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.port(port)
	if err != nil {
		return err
	}
	p.ExternalIDs = mergeIDs(p.ExternalIDs, externalIDs)
	f.record("SetPortExternalIDs %s", port)
	return nil
}

func (f *FakeLogicalNetwork) DeleteLogicalPort(ctx context.Context, port string) error {
	if err := f.injected("DeleteLogicalPort"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[port]
	if !ok {
		return nil
	}
	if s, ok := f.switches[p.Switch]; ok {
		delete(s.Ports, port)
	}
	delete(f.ports, port)
	f.record("DeleteLogicalPort %s", port)
	return nil
}

func (f *FakeLogicalNetwork) Show(ctx context.Context) (string, error) {
	if err := f.injected("Show"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out string
	for _, name := range sortedKeys(f.switches) {
		out += fmt.Sprintf("switch %s\n", name)
		for _, port := range sortedKeys(f.switches[name].Ports) {
			out += fmt.Sprintf("    port %s\n", port)
		}
	}
	for _, name := range sortedKeys(f.routers) {
		out += fmt.Sprintf("router %s\n", name)
		for _, port := range sortedKeys(f.routers[name].Ports) {
			out += fmt.Sprintf("    port %s\n", port)
		}
	}
	return out, nil
}

// Router returns a copy of the named router
func (f *FakeLogicalNetwork) Router(name string) (*Router, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routers[name]
	if !ok {
		return nil, false
	}
	return copyRouter(r), true
}

// Switch returns a copy of the named switch
func (f *FakeLogicalNetwork) Switch(name string) (*Switch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.switches[name]
	if !ok {
		return nil, false
	}
	return &Switch{
		Subnet:      s.Subnet,
		ExternalIDs: copyIDs(s.ExternalIDs),
		Ports:       copyBools(s.Ports),
	}, true
}

// SwitchPort returns a copy of the named logical switch port
func (f *FakeLogicalNetwork) SwitchPort(name string) (*SwitchPort, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[name]
	if !ok {
		return nil, false
	}
	c := *p
	c.ExternalIDs = copyIDs(p.ExternalIDs)
	if p.Addresses != nil {
		a := copyAddresses(*p.Addresses)
		c.Addresses = &a
	}
	if p.PortSecurity != nil {
		a := copyAddresses(*p.PortSecurity)
		c.PortSecurity = &a
	}
	return &c, true
}

// LogicalPortNames lists every logical switch port
func (f *FakeLogicalNetwork) LogicalPortNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.ports)
}

// AddStalePort creates a workload port out of band, as a crashed run or
// another host would leave it behind
func (f *FakeLogicalNetwork) AddStalePort(sw, port string, addresses *util.PortAddresses, externalIDs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _, err := f.addSwitchPort(sw, port)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("port %s already exists", port)
	}
	if addresses != nil {
		a := copyAddresses(*addresses)
		p.Addresses = &a
	}
	p.ExternalIDs = copyIDs(externalIDs)
	return nil
}

// ClearAddresses drops the stored addresses of port out of band
func (f *FakeLogicalNetwork) ClearAddresses(port string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.ports[port]; ok {
		p.Addresses = nil
	}
}

func copyAddresses(a util.PortAddresses) util.PortAddresses {
	return util.PortAddresses{
		MAC: append([]byte(nil), a.MAC...),
		IP:  append([]byte(nil), a.IP...),
	}
}

func copyRouter(r *Router) *Router {
	return &Router{
		ExternalIDs: copyIDs(r.ExternalIDs),
		Ports:       copyIDs(r.Ports),
		Routes:      append([]nbctl.Route(nil), r.Routes...),
	}
}

func copyBools(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
