package nbctl

import (
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// NbctlClient implements LogicalNetworkStore on top of ovn-nbctl
type NbctlClient struct{}

var _ LogicalNetworkStore = &NbctlClient{}

// NewNbctlClient returns a client that runs ovn-nbctl through the exec
// runner configured with util.SetExec
func NewNbctlClient() *NbctlClient {
	return &NbctlClient{}
}

func isAlreadyExists(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "already exists") || strings.Contains(s, "duplicate")
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no row") || strings.Contains(s, "not found")
}

// create runs a create transaction and classifies a duplicate as success
func create(ctx context.Context, what string, args ...string) (Status, error) {
	_, stderr, err := util.RunOVNNbctl(ctx, args...)
	if err == nil {
		return Created, nil
	}
	if isAlreadyExists(stderr) {
		klog.V(5).Infof("%s already exists", what)
		return AlreadyExists, nil
	}
	return Created, fmt.Errorf("failed to create %s, stderr: %q, error: %w", what, stderr, err)
}

// withTags appends a "set" of map column values as a second command of the
// same transaction
func withTags(args []string, table, name string, settings ...[]string) []string {
	var cols []string
	for _, s := range settings {
		cols = append(cols, s...)
	}
	if len(cols) == 0 {
		return args
	}
	args = append(args, "--", "set", table, name)
	return append(args, cols...)
}

// parseNamedList parses the "UUID (name)" lines printed by lr-list, ls-list,
// lrp-list and lsp-list.
func parseNamedList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		open := strings.Index(line, "(")
		end := strings.LastIndex(line, ")")
		if open < 0 || end <= open {
			continue
		}
		names = append(names, line[open+1:end])
	}
	return names
}

func (c *NbctlClient) list(ctx context.Context, what string, args ...string) ([]string, error) {
	out, stderr, err := util.RunOVNNbctl(ctx, args...)
	if err != nil {
		if isNotFound(stderr) {
			return nil, fmt.Errorf("failed to list %s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list %s, stderr: %q, error: %w", what, stderr, err)
	}
	return parseNamedList(out), nil
}

func (c *NbctlClient) ListRouters(ctx context.Context) ([]string, error) {
	return c.list(ctx, "logical routers", "lr-list")
}

func (c *NbctlClient) CreateRouter(ctx context.Context, name string, externalIDs map[string]string) (Status, error) {
	args := withTags([]string{"lr-add", name}, "Logical_Router", name,
		util.FormatMapColumn("external_ids", externalIDs))
	return create(ctx, "logical router "+name, args...)
}

func (c *NbctlClient) ListSwitches(ctx context.Context) ([]string, error) {
	return c.list(ctx, "logical switches", "ls-list")
}

func (c *NbctlClient) CreateSwitch(ctx context.Context, name, subnet string, externalIDs map[string]string) (Status, error) {
	var otherConfig []string
	if subnet != "" {
		otherConfig = []string{"other_config:subnet=" + subnet}
	}
	args := withTags([]string{"ls-add", name}, "Logical_Switch", name,
		otherConfig, util.FormatMapColumn("external_ids", externalIDs))
	return create(ctx, "logical switch "+name, args...)
}

func (c *NbctlClient) ListRouterPorts(ctx context.Context, router string) ([]string, error) {
	return c.list(ctx, "ports of router "+router, "lrp-list", router)
}

func (c *NbctlClient) AddRouterPort(ctx context.Context, router, port, mac, network string) (Status, error) {
	return create(ctx, "logical router port "+port, "lrp-add", router, port, mac, network)
}

func (c *NbctlClient) ListSwitchPorts(ctx context.Context, sw string) ([]string, error) {
	return c.list(ctx, "ports of switch "+sw, "lsp-list", sw)
}

func (c *NbctlClient) AddRouterTypeSwitchPort(ctx context.Context, sw, port, routerPort string) (Status, error) {
	return create(ctx, "logical switch port "+port,
		"lsp-add", sw, port,
		"--", "lsp-set-type", port, "router",
		"--", "lsp-set-addresses", port, "router",
		"--", "lsp-set-options", port, "router-port="+routerPort)
}

// parseRoutes parses lr-route-list output:
//
//	IPv4 Routes
//	Route Table <main>:
//	              10.0.0.0/16            192.168.100.10 dst-ip
func parseRoutes(out string) []Route {
	var routes []Route
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, _, err := net.ParseCIDR(fields[0]); err != nil {
			continue
		}
		if net.ParseIP(fields[1]) == nil {
			continue
		}
		routes = append(routes, Route{Prefix: fields[0], NextHop: fields[1]})
	}
	return routes
}

func (c *NbctlClient) ListRoutes(ctx context.Context, router string) ([]Route, error) {
	out, stderr, err := util.RunOVNNbctl(ctx, "lr-route-list", router)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes of router %s, stderr: %q, error: %w", router, stderr, err)
	}
	return parseRoutes(out), nil
}

func (c *NbctlClient) AddRoute(ctx context.Context, router, prefix, nextHop string) (Status, error) {
	return create(ctx, fmt.Sprintf("route %s via %s on %s", prefix, nextHop, router),
		"lr-route-add", router, prefix, nextHop)
}

func (c *NbctlClient) GetLogicalPort(ctx context.Context, name string) (*LogicalPort, error) {
	out, stderr, err := util.RunOVNNbctl(ctx, "get", "Logical_Switch_Port", name, "external_ids")
	if err != nil {
		if isNotFound(stderr) {
			return nil, fmt.Errorf("logical switch port %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get external_ids of logical switch port %s, stderr: %q, error: %w",
			name, stderr, err)
	}
	ids, err := util.ParseMapColumn(out)
	if err != nil {
		return nil, err
	}
	lsp := &LogicalPort{Name: name, ExternalIDs: ids}

	out, stderr, err = util.RunOVNNbctl(ctx, "lsp-get-addresses", name)
	if err != nil {
		if isNotFound(stderr) {
			return nil, fmt.Errorf("logical switch port %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get addresses of logical switch port %s, stderr: %q, error: %w",
			name, stderr, err)
	}
	if lsp.Addresses, err = util.ParsePortAddresses(out); err != nil {
		return nil, err
	}
	return lsp, nil
}

func (c *NbctlClient) ListLogicalPorts(ctx context.Context) ([]LogicalPort, error) {
	out, stderr, err := util.RunOVNNbctlRawOutput(ctx, "--format=csv", "--data=bare", "--no-heading",
		"--columns=name,external_ids", "list", "Logical_Switch_Port")
	if err != nil {
		return nil, fmt.Errorf("failed to list logical switch ports, stderr: %q, error: %w", stderr, err)
	}
	if out == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse logical switch port list: %v", err)
	}
	ports := make([]LogicalPort, 0, len(records))
	for _, rec := range records {
		if len(rec) == 0 || rec[0] == "" {
			continue
		}
		lsp := LogicalPort{Name: rec[0], ExternalIDs: map[string]string{}}
		if len(rec) > 1 {
			lsp.ExternalIDs = util.ParseBareMap(rec[1])
		}
		ports = append(ports, lsp)
	}
	return ports, nil
}

func (c *NbctlClient) CreateLogicalPort(ctx context.Context, sw, port string) (Status, error) {
	return create(ctx, "logical switch port "+port, "lsp-add", sw, port)
}

func (c *NbctlClient) SetPortAddresses(ctx context.Context, port string, addresses util.PortAddresses) error {
	_, stderr, err := util.RunOVNNbctl(ctx, "lsp-set-addresses", port, addresses.String())
	if err != nil {
		return fmt.Errorf("failed to set addresses of %s, stderr: %q, error: %w", port, stderr, err)
	}
	return nil
}

func (c *NbctlClient) SetPortSecurity(ctx context.Context, port string, addresses *util.PortAddresses) error {
	args := []string{"lsp-set-port-security", port}
	if addresses != nil {
		args = append(args, addresses.String())
	}
	_, stderr, err := util.RunOVNNbctl(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to set port security of %s, stderr: %q, error: %w", port, stderr, err)
	}
	return nil
}

func (c *NbctlClient) SetPortExternalIDs(ctx context.Context, port string, externalIDs map[string]string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	args := append([]string{"set", "Logical_Switch_Port", port}, util.FormatMapColumn("external_ids", externalIDs)...)
	_, stderr, err := util.RunOVNNbctl(ctx, args...)
	if err != nil {
		if isNotFound(stderr) {
			return fmt.Errorf("logical switch port %s: %w", port, ErrNotFound)
		}
		return fmt.Errorf("failed to set external_ids of %s, stderr: %q, error: %w", port, stderr, err)
	}
	return nil
}

func (c *NbctlClient) DeleteLogicalPort(ctx context.Context, port string) error {
	_, stderr, err := util.RunOVNNbctl(ctx, "--if-exists", "lsp-del", port)
	if err != nil {
		return fmt.Errorf("failed to delete logical switch port %s, stderr: %q, error: %w", port, stderr, err)
	}
	return nil
}

func (c *NbctlClient) Show(ctx context.Context) (string, error) {
	out, stderr, err := util.RunOVNNbctl(ctx, "show")
	if err != nil {
		return "", fmt.Errorf("failed to show the northbound database, stderr: %q, error: %w", stderr, err)
	}
	return out, nil
}
