// Package vswitch manages ports and chassis settings of the local Open vSwitch.
package vswitch

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

// ChassisConfig is what ovn-controller needs to join the overlay
type ChassisConfig struct {
	Remote    string
	EncapType string
	EncapIP   string
	SystemID  string
}

// VirtualSwitchStore is the per-host virtual switch port table
type VirtualSwitchStore interface {
	ListPorts(ctx context.Context, bridge string) ([]string, error)
	// AddPort attaches port to bridge and sets its interface external_ids in
	// the same transaction. Adding an existing port only updates the ids.
	AddPort(ctx context.Context, bridge, port string, externalIDs map[string]string) error
	// DeletePort succeeds when the port is already gone
	DeletePort(ctx context.Context, bridge, port string) error
	// GetInterfaceExternalIDs returns nil when the interface does not exist
	GetInterfaceExternalIDs(ctx context.Context, iface string) (map[string]string, error)
	SetInterfaceExternalIDs(ctx context.Context, iface string, externalIDs map[string]string) error
	EnsureBridge(ctx context.Context, bridge string) error
	ConfigureChassis(ctx context.Context, cfg ChassisConfig) error
}

// VsctlClient implements VirtualSwitchStore with ovs-vsctl
type VsctlClient struct{}

var _ VirtualSwitchStore = &VsctlClient{}

// NewVsctlClient returns a client that runs ovs-vsctl through the exec
// runner configured with util.SetExec
func NewVsctlClient() *VsctlClient {
	return &VsctlClient{}
}

func ovsExec(ctx context.Context, args ...string) (string, error) {
	out, stderr, err := util.RunOVSVsctl(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run 'ovs-vsctl %s': %v\n  %q", strings.Join(args, " "), err, stderr)
	}
	return out, nil
}

func (c *VsctlClient) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	out, err := ovsExec(ctx, "list-ports", bridge)
	if err != nil {
		return nil, err
	}
	var ports []string
	for _, p := range strings.Split(out, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

func (c *VsctlClient) AddPort(ctx context.Context, bridge, port string, externalIDs map[string]string) error {
	args := []string{"--may-exist", "add-port", bridge, port}
	if len(externalIDs) > 0 {
		args = append(args, "--", "set", "Interface", port)
		args = append(args, util.FormatMapColumn("external_ids", externalIDs)...)
	}
	if _, err := ovsExec(ctx, args...); err != nil {
		return err
	}
	klog.V(5).Infof("Attached %s to %s with %v", port, bridge, externalIDs)
	return nil
}

func (c *VsctlClient) DeletePort(ctx context.Context, bridge, port string) error {
	_, err := ovsExec(ctx, "--if-exists", "del-port", bridge, port)
	return err
}

func (c *VsctlClient) GetInterfaceExternalIDs(ctx context.Context, iface string) (map[string]string, error) {
	out, err := ovsExec(ctx, "--if-exists", "get", "Interface", iface, "external_ids")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return util.ParseMapColumn(out)
}

func (c *VsctlClient) SetInterfaceExternalIDs(ctx context.Context, iface string, externalIDs map[string]string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	args := append([]string{"set", "Interface", iface}, util.FormatMapColumn("external_ids", externalIDs)...)
	_, err := ovsExec(ctx, args...)
	return err
}

func (c *VsctlClient) EnsureBridge(ctx context.Context, bridge string) error {
	_, err := ovsExec(ctx, "--may-exist", "add-br", bridge)
	return err
}

// ConfigureChassis points the local ovn-controller at the southbound
// database and sets its tunnel endpoint. Empty settings are left untouched.
func (c *VsctlClient) ConfigureChassis(ctx context.Context, cfg ChassisConfig) error {
	ids := map[string]string{}
	for key, value := range map[string]string{
		types.OVNRemoteKey:    cfg.Remote,
		types.OVNEncapTypeKey: cfg.EncapType,
		types.OVNEncapIPKey:   cfg.EncapIP,
		types.SystemIDKey:     cfg.SystemID,
	} {
		if value != "" {
			ids[key] = value
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no chassis settings to apply")
	}
	args := append([]string{"set", "Open_vSwitch", "."}, util.FormatMapColumn("external_ids", ids)...)
	_, err := ovsExec(ctx, args...)
	return err
}
