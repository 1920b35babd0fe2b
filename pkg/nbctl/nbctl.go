// Package nbctl reads and writes the logical topology held in the OVN
// northbound database.
package nbctl

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// Status tells a caller whether a create call made a new object or found one
// already there. Both are success.
type Status int

const (
	Created Status = iota
	AlreadyExists
)

func (s Status) String() string {
	if s == AlreadyExists {
		return "existing"
	}
	return "created"
}

// ErrNotFound is returned when a named object does not exist
var ErrNotFound = errors.New("object not found")

// Route is one static route of a logical router
type Route struct {
	Prefix  string
	NextHop string
}

// LogicalPort is a logical switch port and its binding metadata
type LogicalPort struct {
	Name string
	// Addresses is nil when no static "MAC IP" pair is stored
	Addresses   *util.PortAddresses
	ExternalIDs map[string]string
}

// LogicalNetworkStore is the northbound database as the builder, binder and
// reconciler use it. Every call maps onto one nbctl transaction.
type LogicalNetworkStore interface {
	ListRouters(ctx context.Context) ([]string, error)
	CreateRouter(ctx context.Context, name string, externalIDs map[string]string) (Status, error)

	ListSwitches(ctx context.Context) ([]string, error)
	CreateSwitch(ctx context.Context, name, subnet string, externalIDs map[string]string) (Status, error)

	ListRouterPorts(ctx context.Context, router string) ([]string, error)
	AddRouterPort(ctx context.Context, router, port, mac, network string) (Status, error)

	ListSwitchPorts(ctx context.Context, sw string) ([]string, error)
	// AddRouterTypeSwitchPort creates the switch side of a router link
	AddRouterTypeSwitchPort(ctx context.Context, sw, port, routerPort string) (Status, error)

	ListRoutes(ctx context.Context, router string) ([]Route, error)
	AddRoute(ctx context.Context, router, prefix, nextHop string) (Status, error)

	// GetLogicalPort returns ErrNotFound when the port does not exist
	GetLogicalPort(ctx context.Context, name string) (*LogicalPort, error)
	// ListLogicalPorts returns every logical switch port with its
	// external_ids but without addresses
	ListLogicalPorts(ctx context.Context) ([]LogicalPort, error)
	CreateLogicalPort(ctx context.Context, sw, port string) (Status, error)
	SetPortAddresses(ctx context.Context, port string, addresses util.PortAddresses) error
	// SetPortSecurity restricts the port to addresses; nil disables port security
	SetPortSecurity(ctx context.Context, port string, addresses *util.PortAddresses) error
	SetPortExternalIDs(ctx context.Context, port string, externalIDs map[string]string) error
	// DeleteLogicalPort succeeds when the port is already gone
	DeleteLogicalPort(ctx context.Context, port string) error

	Show(ctx context.Context) (string, error)
}

// HasRoute reports whether routes already carries prefix via nextHop
func HasRoute(routes []Route, prefix, nextHop string) bool {
	for _, r := range routes {
		if r.NextHop == nextHop && samePrefix(r.Prefix, prefix) {
			return true
		}
	}
	return false
}

// samePrefix compares prefixes by network so that 10.0.0.0/16 matches a
// route listed as 10.0.0.0/16 regardless of host bits.
func samePrefix(a, b string) bool {
	if a == b {
		return true
	}
	_, na, errA := net.ParseCIDR(a)
	_, nb, errB := net.ParseCIDR(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return na.String() == nb.String()
}
