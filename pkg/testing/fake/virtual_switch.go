package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
)

// FakeVirtualSwitch is an in-memory vswitch.VirtualSwitchStore. Interfaces
// share the name of the port they belong to.
type FakeVirtualSwitch struct {
	faults
	mutations

	mu         sync.Mutex
	bridges    map[string]map[string]bool
	interfaces map[string]map[string]string
	chassis    map[string]string
}

var _ vswitch.VirtualSwitchStore = &FakeVirtualSwitch{}

// NewFakeVirtualSwitch returns a switch that already has the given bridges
func NewFakeVirtualSwitch(bridges ...string) *FakeVirtualSwitch {
	f := &FakeVirtualSwitch{
		bridges:    map[string]map[string]bool{},
		interfaces: map[string]map[string]string{},
		chassis:    map[string]string{},
	}
	for _, br := range bridges {
		f.bridges[br] = map[string]bool{}
	}
	return f
}

func (f *FakeVirtualSwitch) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	if err := f.injected("ListPorts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ports, ok := f.bridges[bridge]
	if !ok {
		return nil, fmt.Errorf("no bridge named %s", bridge)
	}
	return sortedKeys(ports), nil
}

func (f *FakeVirtualSwitch) AddPort(ctx context.Context, bridge, port string, externalIDs map[string]string) error {
	if err := f.injected("AddPort"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ports, ok := f.bridges[bridge]
	if !ok {
		return fmt.Errorf("no bridge named %s", bridge)
	}
	ports[port] = true
	f.interfaces[port] = mergeIDs(f.interfaces[port], externalIDs)
	f.record("AddPort %s %s", bridge, port)
	return nil
}

func (f *FakeVirtualSwitch) DeletePort(ctx context.Context, bridge, port string) error {
	if err := f.injected("DeletePort"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ports := f.bridges[bridge]
	if !ports[port] {
		return nil
	}
	delete(ports, port)
	delete(f.interfaces, port)
	f.record("DeletePort %s %s", bridge, port)
	return nil
}

func (f *FakeVirtualSwitch) GetInterfaceExternalIDs(ctx context.Context, iface string) (map[string]string, error) {
	if err := f.injected("GetInterfaceExternalIDs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.interfaces[iface]
	if !ok {
		return nil, nil
	}
	if ids == nil {
		return map[string]string{}, nil
	}
	return copyIDs(ids), nil
}

func (f *FakeVirtualSwitch) SetInterfaceExternalIDs(ctx context.Context, iface string, externalIDs map[string]string) error {
	if err := f.injected("SetInterfaceExternalIDs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.interfaces[iface]; !ok {
		return fmt.Errorf("no row %q in table Interface", iface)
	}
	f.interfaces[iface] = mergeIDs(f.interfaces[iface], externalIDs)
	f.record("SetInterfaceExternalIDs %s", iface)
	return nil
}

func (f *FakeVirtualSwitch) EnsureBridge(ctx context.Context, bridge string) error {
	if err := f.injected("EnsureBridge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bridges[bridge]; ok {
		return nil
	}
	f.bridges[bridge] = map[string]bool{}
	f.record("EnsureBridge %s", bridge)
	return nil
}

func (f *FakeVirtualSwitch) ConfigureChassis(ctx context.Context, cfg vswitch.ChassisConfig) error {
	if err := f.injected("ConfigureChassis"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range map[string]string{
		"ovn-remote":     cfg.Remote,
		"ovn-encap-type": cfg.EncapType,
		"ovn-encap-ip":   cfg.EncapIP,
		"system-id":      cfg.SystemID,
	} {
		if v != "" {
			f.chassis[k] = v
		}
	}
	f.record("ConfigureChassis")
	return nil
}

// HasPort reports whether port is attached to bridge
func (f *FakeVirtualSwitch) HasPort(bridge, port string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bridges[bridge][port]
}

// InterfaceIDs returns a copy of the external_ids of iface
func (f *FakeVirtualSwitch) InterfaceIDs(iface string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyIDs(f.interfaces[iface])
}

// ChassisIDs returns a copy of the Open_vSwitch external_ids
func (f *FakeVirtualSwitch) ChassisIDs() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyIDs(f.chassis)
}

// AddStalePort attaches port out of band without counting a mutation
func (f *FakeVirtualSwitch) AddStalePort(bridge, port string, externalIDs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bridges[bridge] == nil {
		f.bridges[bridge] = map[string]bool{}
	}
	f.bridges[bridge][port] = true
	f.interfaces[port] = copyIDs(externalIDs)
}

// RemovePort detaches port out of band without counting a mutation
func (f *FakeVirtualSwitch) RemovePort(bridge, port string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bridges[bridge], port)
	delete(f.interfaces, port)
}

// StripInterfaceIDs drops the external_ids of iface out of band
func (f *FakeVirtualSwitch) StripInterfaceIDs(iface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.interfaces[iface]; ok {
		f.interfaces[iface] = map[string]string{}
	}
}
