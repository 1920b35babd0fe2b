//go:build !linux
// +build !linux

package workload

import (
	"fmt"
	"net"
)

// LinuxNetns is only functional on linux
type LinuxNetns struct{}

var _ NetnsOps = &LinuxNetns{}

var errUnsupported = fmt.Errorf("network namespaces are not supported on this platform")

func NewLinuxNetns() *LinuxNetns {
	return &LinuxNetns{}
}

func (l *LinuxNetns) LinkExists(string, string) (bool, error) { return false, errUnsupported }
func (l *LinuxNetns) LinkAddresses(string, string) ([]net.IPNet, error) { return nil, errUnsupported }
func (l *LinuxNetns) LinkHardwareAddr(string, string) (net.HardwareAddr, error) {
	return nil, errUnsupported
}
func (l *LinuxNetns) CreateVethPair(string, string) error { return errUnsupported }
func (l *LinuxNetns) MoveLinkToNetns(string, string) error { return errUnsupported }
func (l *LinuxNetns) ConfigureLink(string, LinkConfig) error { return errUnsupported }
func (l *LinuxNetns) SetLinkUp(string, string) error { return errUnsupported }
func (l *LinuxNetns) DisableOffloads(string, string) error { return errUnsupported }
func (l *LinuxNetns) DeleteLink(string, string) error { return errUnsupported }
func (l *LinuxNetns) AnnounceAddress(string, string, net.IP) error { return errUnsupported }
