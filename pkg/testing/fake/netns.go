package fake

import (
	"fmt"
	"net"
	"sync"

	"github.com/ovs-container-lab/ovnlab/pkg/workload"
)

// Link is one end of a veth pair held by FakeNetns
type Link struct {
	MAC              net.HardwareAddr
	Addresses        []net.IPNet
	Gateway          net.IP
	Up               bool
	OffloadsDisabled bool

	peerNetns string
	peerName  string
}

type linkRef struct {
	netns string
	name  string
}

// Announcement is one gratuitous ARP sent through FakeNetns
type Announcement struct {
	Netns string
	Iface string
	IP    string
}

// FakeNetns is an in-memory workload.NetnsOps. The host namespace is "".
// Deleting either end of a pair deletes both, as the kernel does.
type FakeNetns struct {
	faults
	mutations

	mu            sync.Mutex
	links         map[linkRef]*Link
	announcements []Announcement
}

var _ workload.NetnsOps = &FakeNetns{}

func NewFakeNetns() *FakeNetns {
	return &FakeNetns{links: map[linkRef]*Link{}}
}

func (f *FakeNetns) LinkExists(netnsPath, ifname string) (bool, error) {
	if err := f.injected("LinkExists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[linkRef{netnsPath, ifname}]
	return ok, nil
}

func (f *FakeNetns) link(netnsPath, ifname string) (*Link, error) {
	l, ok := f.links[linkRef{netnsPath, ifname}]
	if !ok {
		return nil, fmt.Errorf("link %s not found in namespace %q", ifname, netnsPath)
	}
	return l, nil
}

func (f *FakeNetns) LinkAddresses(netnsPath, ifname string) ([]net.IPNet, error) {
	if err := f.injected("LinkAddresses"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(netnsPath, ifname)
	if err != nil {
		return nil, err
	}
	return append([]net.IPNet(nil), l.Addresses...), nil
}

func (f *FakeNetns) LinkHardwareAddr(netnsPath, ifname string) (net.HardwareAddr, error) {
	if err := f.injected("LinkHardwareAddr"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(netnsPath, ifname)
	if err != nil {
		return nil, err
	}
	return append(net.HardwareAddr(nil), l.MAC...), nil
}

func (f *FakeNetns) CreateVethPair(hostName, peerName string) error {
	if err := f.injected("CreateVethPair"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range []string{hostName, peerName} {
		if _, ok := f.links[linkRef{"", name}]; ok {
			return fmt.Errorf("failed to create veth pair %s/%s: file exists", hostName, peerName)
		}
	}
	f.links[linkRef{"", hostName}] = &Link{peerName: peerName}
	f.links[linkRef{"", peerName}] = &Link{peerName: hostName}
	f.record("CreateVethPair %s %s", hostName, peerName)
	return nil
}

// relink moves the link at from to to and points its peer at the new place
func (f *FakeNetns) relink(from, to linkRef) {
	l := f.links[from]
	delete(f.links, from)
	f.links[to] = l
	if peer, ok := f.links[linkRef{l.peerNetns, l.peerName}]; ok {
		peer.peerNetns = to.netns
		peer.peerName = to.name
	}
}

func (f *FakeNetns) MoveLinkToNetns(ifname, netnsPath string) error {
	if err := f.injected("MoveLinkToNetns"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.link("", ifname); err != nil {
		return err
	}
	if _, ok := f.links[linkRef{netnsPath, ifname}]; ok {
		return fmt.Errorf("failed to move %s to %s: file exists", ifname, netnsPath)
	}
	f.relink(linkRef{"", ifname}, linkRef{netnsPath, ifname})
	f.record("MoveLinkToNetns %s %s", ifname, netnsPath)
	return nil
}

func (f *FakeNetns) ConfigureLink(netnsPath string, cfg workload.LinkConfig) error {
	if err := f.injected("ConfigureLink"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current := cfg.CurrentName
	if current == "" {
		current = cfg.Name
	}
	l, err := f.link(netnsPath, current)
	if err != nil {
		return err
	}
	if current != cfg.Name {
		if _, ok := f.links[linkRef{netnsPath, cfg.Name}]; ok {
			return fmt.Errorf("failed to rename %s to %s: file exists", current, cfg.Name)
		}
		f.relink(linkRef{netnsPath, current}, linkRef{netnsPath, cfg.Name})
	}
	if cfg.MAC != nil {
		l.MAC = append(net.HardwareAddr(nil), cfg.MAC...)
	}
	if cfg.Address != nil {
		l.Addresses = []net.IPNet{*cfg.Address}
	}
	l.Gateway = cfg.Gateway
	l.Up = true
	f.record("ConfigureLink %s %s", netnsPath, cfg.Name)
	return nil
}

func (f *FakeNetns) SetLinkUp(netnsPath, ifname string) error {
	if err := f.injected("SetLinkUp"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(netnsPath, ifname)
	if err != nil {
		return err
	}
	l.Up = true
	f.record("SetLinkUp %s %s", netnsPath, ifname)
	return nil
}

func (f *FakeNetns) DisableOffloads(netnsPath, ifname string) error {
	if err := f.injected("DisableOffloads"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.link(netnsPath, ifname)
	if err != nil {
		return err
	}
	l.OffloadsDisabled = true
	f.record("DisableOffloads %s %s", netnsPath, ifname)
	return nil
}

func (f *FakeNetns) DeleteLink(netnsPath, ifname string) error {
	if err := f.injected("DeleteLink"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := linkRef{netnsPath, ifname}
	l, ok := f.links[ref]
	if !ok {
		return nil
	}
	delete(f.links, ref)
	delete(f.links, linkRef{l.peerNetns, l.peerName})
	f.record("DeleteLink %s %s", netnsPath, ifname)
	return nil
}

func (f *FakeNetns) AnnounceAddress(netnsPath, ifname string, ip net.IP) error {
	if err := f.injected("AnnounceAddress"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.link(netnsPath, ifname); err != nil {
		return err
	}
	f.announcements = append(f.announcements, Announcement{Netns: netnsPath, Iface: ifname, IP: ip.String()})
	return nil
}

// Link returns a copy of the named link
func (f *FakeNetns) Link(netnsPath, ifname string) (*Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[linkRef{netnsPath, ifname}]
	if !ok {
		return nil, false
	}
	c := *l
	c.MAC = append(net.HardwareAddr(nil), l.MAC...)
	c.Addresses = append([]net.IPNet(nil), l.Addresses...)
	return &c, true
}

// Links counts the links in netnsPath
func (f *FakeNetns) Links(netnsPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for ref := range f.links {
		if ref.netns == netnsPath {
			n++
		}
	}
	return n
}

// Announcements returns every gratuitous ARP sent so far
func (f *FakeNetns) Announcements() []Announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Announcement(nil), f.announcements...)
}

// RemoveLink deletes one end of a pair out of band, leaving its peer behind.
// No kernel does that, but it isolates a single missing layer.
func (f *FakeNetns) RemoveLink(netnsPath, ifname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := linkRef{netnsPath, ifname}
	l, ok := f.links[ref]
	if !ok {
		return
	}
	delete(f.links, ref)
	if peer, ok := f.links[linkRef{l.peerNetns, l.peerName}]; ok {
		peer.peerNetns, peer.peerName = "", ""
	}
}

// AddStaleLink creates a single host link out of band
func (f *FakeNetns) AddStaleLink(netnsPath, ifname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[linkRef{netnsPath, ifname}] = &Link{}
}
