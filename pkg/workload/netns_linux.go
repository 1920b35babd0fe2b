//go:build linux
// +build linux

package workload

import (
	"errors"
	"fmt"
	"net"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/j-keck/arping"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"
)

// LinuxNetns implements NetnsOps with netlink
type LinuxNetns struct{}

var _ NetnsOps = &LinuxNetns{}

func NewLinuxNetns() *LinuxNetns {
	return &LinuxNetns{}
}

func isLinkNotFoundError(err error) bool {
	return errors.As(err, &netlink.LinkNotFoundError{})
}

// inNetns runs f in the namespace at netnsPath, or in the current one when
// netnsPath is empty
func inNetns(netnsPath string, f func() error) error {
	if netnsPath == "" {
		return f()
	}
	return ns.WithNetNSPath(netnsPath, func(ns.NetNS) error {
		return f()
	})
}

func (l *LinuxNetns) LinkExists(netnsPath, ifname string) (bool, error) {
	exists := false
	err := inNetns(netnsPath, func() error {
		_, err := netlink.LinkByName(ifname)
		if err != nil {
			if isLinkNotFoundError(err) {
				return nil
			}
			return fmt.Errorf("failed to look up link %s: %w", ifname, err)
		}
		exists = true
		return nil
	})
	return exists, err
}

func (l *LinuxNetns) LinkAddresses(netnsPath, ifname string) ([]net.IPNet, error) {
	var out []net.IPNet
	err := inNetns(netnsPath, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return fmt.Errorf("failed to look up link %s: %w", ifname, err)
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return fmt.Errorf("failed to list addresses of %s: %w", ifname, err)
		}
		for _, a := range addrs {
			out = append(out, *a.IPNet)
		}
		return nil
	})
	return out, err
}

func (l *LinuxNetns) LinkHardwareAddr(netnsPath, ifname string) (net.HardwareAddr, error) {
	var mac net.HardwareAddr
	err := inNetns(netnsPath, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return fmt.Errorf("failed to look up link %s: %w", ifname, err)
		}
		mac = link.Attrs().HardwareAddr
		return nil
	})
	return mac, err
}

func (l *LinuxNetns) CreateVethPair(hostName, peerName string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %w", hostName, peerName, err)
	}
	return nil
}

func (l *LinuxNetns) MoveLinkToNetns(ifname, netnsPath string) error {
	netns, err := ns.GetNS(netnsPath)
	if err != nil {
		return fmt.Errorf("failed to open namespace %s: %w", netnsPath, err)
	}
	defer netns.Close()

	dev, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("failed to lookup device %v: %q", ifname, err)
	}
	if err = netlink.LinkSetNsFd(dev, int(netns.Fd())); err != nil {
		return fmt.Errorf("failed to move device %+v to netns: %q", ifname, err)
	}
	return nil
}

func (l *LinuxNetns) ConfigureLink(netnsPath string, cfg LinkConfig) error {
	return inNetns(netnsPath, func() error {
		current := cfg.CurrentName
		if current == "" {
			current = cfg.Name
		}
		link, err := netlink.LinkByName(current)
		if err != nil {
			return fmt.Errorf("failed to look up link %s: %w", current, err)
		}
		if err := netlink.LinkSetDown(link); err != nil {
			return fmt.Errorf("failed to set %s down: %w", current, err)
		}
		if current != cfg.Name {
			if err := netlink.LinkSetName(link, cfg.Name); err != nil {
				return fmt.Errorf("failed to rename %s to %s: %w", current, cfg.Name, err)
			}
		}
		if cfg.MAC != nil {
			if err := netlink.LinkSetHardwareAddr(link, cfg.MAC); err != nil {
				return fmt.Errorf("failed to set MAC %s on %s: %w", cfg.MAC, cfg.Name, err)
			}
		}
		if cfg.Address != nil {
			if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: cfg.Address}); err != nil {
				return fmt.Errorf("failed to add IP addr %s to %s: %w", cfg.Address, cfg.Name, err)
			}
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("failed to set up interface %s: %w", cfg.Name, err)
		}
		if cfg.Gateway != nil {
			route := &netlink.Route{
				LinkIndex: link.Attrs().Index,
				Scope:     netlink.SCOPE_UNIVERSE,
				Gw:        cfg.Gateway,
			}
			if err := netlink.RouteReplace(route); err != nil {
				return fmt.Errorf("failed to add default route via %s on %s: %w", cfg.Gateway, cfg.Name, err)
			}
		}
		return nil
	})
}

func (l *LinuxNetns) SetLinkUp(netnsPath, ifname string) error {
	return inNetns(netnsPath, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return fmt.Errorf("failed to look up link %s: %w", ifname, err)
		}
		if link.Attrs().Flags&net.FlagUp != 0 {
			return nil
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("failed to set up interface %s: %w", ifname, err)
		}
		return nil
	})
}

func (l *LinuxNetns) DisableOffloads(netnsPath, ifname string) error {
	return inNetns(netnsPath, func() error {
		e, err := ethtool.NewEthtool()
		if err != nil {
			return fmt.Errorf("failed to initialize ethtool: %v", err)
		}
		defer e.Close()

		if err := e.Change(ifname, offloadFeatures); err != nil {
			return fmt.Errorf("could not disable offloads on %s: %v", ifname, err)
		}
		return nil
	})
}

func (l *LinuxNetns) DeleteLink(netnsPath, ifname string) error {
	return inNetns(netnsPath, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			if isLinkNotFoundError(err) {
				return nil
			}
			return fmt.Errorf("failed to look up link %s: %w", ifname, err)
		}
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("failed to delete link %s: %w", ifname, err)
		}
		klog.V(5).Infof("Deleted link %s in %q", ifname, netnsPath)
		return nil
	})
}

func (l *LinuxNetns) AnnounceAddress(netnsPath, ifname string, ip net.IP) error {
	return inNetns(netnsPath, func() error {
		if err := arping.GratuitousArpOverIfaceByName(ip, ifname); err != nil {
			return fmt.Errorf("failed to send gratuitous ARP for %s on %s: %v", ip, ifname, err)
		}
		return nil
	})
}
