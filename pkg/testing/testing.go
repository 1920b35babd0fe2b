package testing

import (
	"net"
	"os"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega/format"
)

// OnSupportedPlatformsIt is a wrapper around ginkgo.It to determine if running
// the test is applicable for the current test environment. This is used to skip
// tests that are unable to execute in certain environments. Such as those without
// root or cap_net_admin privileges
func OnSupportedPlatformsIt(description string, f interface{}) {
	if os.Getenv("NOROOT") != "TRUE" {
		ginkgo.It(description, f)
	} else {
		defer ginkgo.GinkgoRecover()
		ginkgo.Skip(description)
	}
}

// MustParseIPNet is like net.ParseCIDR but panics on error and keeps the host bits
func MustParseIPNet(cidr string) *net.IPNet {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	ipNet.IP = ip
	return ipNet
}

// MustParseSubnet is like net.ParseCIDR but panics on error
func MustParseSubnet(cidr string) *net.IPNet {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return ipNet
}

func init() {
	// Gomega's default string diff behavior makes it impossible to figure
	// out what fake command is failing, so turn it off
	format.TruncatedDiff = false
}
