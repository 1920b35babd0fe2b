package types

import "time"

const (
	// LogicalPortPrefix prefixes every workload logical switch port
	LogicalPortPrefix = "lsp-"

	// VethPrefix prefixes every host-side veth created with the hashed naming scheme
	VethPrefix = "veth"

	// LegacyVethPrefix is the host veth prefix of the legacy naming scheme
	LegacyVethPrefix = "veth-"

	// TrafficGenPrefix marks the per-VPC generator workloads that share a name prefix
	TrafficGenPrefix     = "traffic-gen"
	TrafficGenVethPrefix = "veth-tg-"

	// PeerTempPrefix names the container side of a veth pair until it is moved
	// into the workload namespace and renamed
	PeerTempPrefix = "vp"

	RouterPrefix = "lr-"
	SwitchPrefix = "ls-"

	// GatewayRouter is the shared router that connects every VPC router through the transit switch
	GatewayRouter = "lr-gateway"
	TransitSwitch = "ls-transit"
	TransitCIDR   = "192.168.100.0/24"

	// GatewayTransitMAC is the MAC of the gateway router port on the transit switch
	GatewayTransitMAC = "00:00:00:00:00:01"

	// IntegrationBridge is the default per-host virtual switch bridge
	IntegrationBridge = "br-int"

	// ContainerInterface is the default name of the overlay interface inside a workload
	ContainerInterface = "eth1"

	// OVNController is the name of the local chassis agent service
	OVNController = "ovn-controller"

	// TenantUnknown is returned for VPCs with no registered tenant
	TenantUnknown = "unknown"
	// TenantShared owns the objects that are common to every VPC
	TenantShared = "shared"

	// RoleEgress marks a forwarding workload; its port security is disabled
	RoleEgress = "egress"

	// OwnerTopology marks logical ports created by the topology builder
	OwnerTopology = "topology"

	DefaultCreator = "ovnlab"

	// MaxInterfaceNameLength is IFNAMSIZ minus the trailing NUL
	MaxInterfaceNameLength = 15

	RouteAny = "0.0.0.0/0"

	// BindVerifyTimeout bounds how long the binder waits for an attachment to show up
	BindVerifyTimeout = 3 * time.Second
)

// external_ids keys
const (
	IfaceIDKey     = "iface-id"
	ContainerKey   = "container"
	TenantIDKey    = "tenant-id"
	VPCIDKey       = "vpc-id"
	TierKey        = "tier"
	CreatedAtKey   = "created-at"
	CreatedByKey   = "created-by"
	HostKey        = "host"
	OwnerKey       = "owner"
	CommentKey     = "comment"
	EnvironmentKey = "environment"

	SubnetKey = "subnet"

	OVNRemoteKey    = "ovn-remote"
	OVNEncapIPKey   = "ovn-encap-ip"
	OVNEncapTypeKey = "ovn-encap-type"
	SystemIDKey     = "system-id"
)
