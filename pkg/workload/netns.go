package workload

import (
	"net"
)

// LinkConfig describes the workload side of an attachment once it is inside
// the workload namespace
type LinkConfig struct {
	// CurrentName is the temporary name the link was moved in with
	CurrentName string
	Name        string
	MAC         net.HardwareAddr
	Address     *net.IPNet
	// Gateway is optional; when set a default route is installed through it
	Gateway net.IP
}

// NetnsOps are the link operations the binder and prober need. An empty
// netnsPath means the host namespace.
type NetnsOps interface {
	LinkExists(netnsPath, ifname string) (bool, error)
	LinkAddresses(netnsPath, ifname string) ([]net.IPNet, error)
	LinkHardwareAddr(netnsPath, ifname string) (net.HardwareAddr, error)
	// CreateVethPair creates hostName and peerName in the host namespace
	CreateVethPair(hostName, peerName string) error
	MoveLinkToNetns(ifname, netnsPath string) error
	ConfigureLink(netnsPath string, cfg LinkConfig) error
	SetLinkUp(netnsPath, ifname string) error
	// DisableOffloads turns off checksum, segmentation and receive offloads,
	// which a software datapath mishandles on veth links
	DisableOffloads(netnsPath, ifname string) error
	// DeleteLink succeeds when the link is already gone
	DeleteLink(netnsPath, ifname string) error
	// AnnounceAddress sends a gratuitous ARP for ip from ifname
	AnnounceAddress(netnsPath, ifname string, ip net.IP) error
}

// offloadFeatures are the ethtool features switched off on both veth ends
var offloadFeatures = map[string]bool{
	"rx-checksum":             false,
	"tx-checksum-ip-generic":  false,
	"tx-scatter-gather":       false,
	"tx-tcp-segmentation":     false,
	"tx-generic-segmentation": false,
	"rx-gro":                  false,
}
