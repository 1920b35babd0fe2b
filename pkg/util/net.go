package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"
)

// GenerateMac returns a random locally administered unicast MAC in the 02:
// range so that generated addresses never collide with vendor space.
func GenerateMac() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate MAC address: %v", err)
	}
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4]), nil
}

// NextIP returns IP incremented by 1
func NextIP(ip net.IP) net.IP {
	i := ipToInt(ip)
	return intToIP(i.Add(i, big.NewInt(1)), ip.To4() != nil)
}

// OffsetIP returns ip incremented by n
func OffsetIP(ip net.IP, n int64) net.IP {
	i := ipToInt(ip)
	return intToIP(i.Add(i, big.NewInt(n)), ip.To4() != nil)
}

func ipToInt(ip net.IP) *big.Int {
	if v := ip.To4(); v != nil {
		return big.NewInt(0).SetBytes(v)
	}
	return big.NewInt(0).SetBytes(ip.To16())
}

func intToIP(i *big.Int, v4 bool) net.IP {
	size := net.IPv6len
	if v4 {
		size = net.IPv4len
	}
	b := i.Bytes()
	if len(b) > size {
		b = b[len(b)-size:]
	}
	ip := make(net.IP, size)
	copy(ip[size-len(b):], b)
	return ip
}

// FirstHost returns the first usable address of subnet, which is where the
// router port of every logical switch lives.
func FirstHost(subnet *net.IPNet) net.IP {
	return NextIP(subnet.IP.Mask(subnet.Mask))
}

// CIDRsOverlap returns true if the two networks share any address
func CIDRsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// PortAddresses is one "MAC IP" entry of a logical switch port
type PortAddresses struct {
	MAC net.HardwareAddr
	IP  net.IP
}

func (p PortAddresses) String() string {
	return fmt.Sprintf("%s %s", p.MAC, p.IP)
}

// ParsePortAddresses parses the output of lsp-get-addresses. Static addresses
// have the format "0a:00:00:00:00:01 192.168.1.3", possibly quoted or in a
// set. It returns nil when no "MAC IP" pair is stored.
func ParsePortAddresses(out string) (*PortAddresses, error) {
	out = strings.TrimSpace(strings.Trim(out, `"[]`))
	if out == "" || out == "dynamic" || out == "router" || out == "unknown" {
		return nil, nil
	}
	// only the first address set is used
	line := strings.Split(out, "\n")[0]
	fields := strings.Fields(strings.Trim(line, `"`))
	if len(fields) < 2 {
		return nil, fmt.Errorf("failed to parse port addresses %q", out)
	}
	mac, err := net.ParseMAC(fields[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse port MAC %q: %v", fields[0], err)
	}
	ip := net.ParseIP(fields[1])
	if ip == nil {
		return nil, fmt.Errorf("failed to parse port IP %q", fields[1])
	}
	return &PortAddresses{MAC: mac, IP: ip}, nil
}
