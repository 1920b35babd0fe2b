package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NamingScheme selects how host veth names are derived from workload names.
type NamingScheme string

const (
	// NamingLegacy derives veth-<first 8 chars>, and veth-tg-<last char> for
	// traffic generators. Collisions are rejected when the model is validated.
	NamingLegacy NamingScheme = "legacy"
	// NamingHashed derives veth<11 hex chars of sha256(name)>.
	NamingHashed NamingScheme = "hashed"
)

const (
	legacyNameLength = 8
	hashedNameLength = MaxInterfaceNameLength - len(VethPrefix)
)

// ParseNamingScheme returns the scheme named by s.
func ParseNamingScheme(s string) (NamingScheme, error) {
	switch NamingScheme(s) {
	case NamingLegacy, "":
		return NamingLegacy, nil
	case NamingHashed:
		return NamingHashed, nil
	}
	return "", fmt.Errorf("unknown veth naming scheme %q", s)
}

// Namer derives every per-workload object name. It is a pure function of the
// workload name so that probe, bind and garbage collection agree on names.
type Namer struct {
	Scheme NamingScheme
}

// NewNamer returns a Namer for the given scheme.
func NewNamer(scheme NamingScheme) Namer {
	if scheme == "" {
		scheme = NamingLegacy
	}
	return Namer{Scheme: scheme}
}

// LogicalPortName returns the logical switch port of a workload.
func LogicalPortName(workload string) string {
	return LogicalPortPrefix + workload
}

// WorkloadFromLogicalPort returns the workload a logical port was derived
// from, and false when the port does not carry the workload prefix.
func WorkloadFromLogicalPort(port string) (string, bool) {
	if !strings.HasPrefix(port, LogicalPortPrefix) || len(port) == len(LogicalPortPrefix) {
		return "", false
	}
	return strings.TrimPrefix(port, LogicalPortPrefix), true
}

// VethName returns the host side veth name of a workload.
func (n Namer) VethName(workload string) string {
	if n.Scheme == NamingHashed {
		return VethPrefix + nameHash(workload)[:hashedNameLength]
	}
	if strings.HasPrefix(workload, TrafficGenPrefix) && len(workload) > len(TrafficGenPrefix) {
		return TrafficGenVethPrefix + workload[len(workload)-1:]
	}
	if len(workload) > legacyNameLength {
		workload = workload[:legacyNameLength]
	}
	return LegacyVethPrefix + workload
}

// Alternate returns a Namer for the other scheme. Ports named by it are
// what a previous configuration may have left on the bridge.
func (n Namer) Alternate() Namer {
	if n.Scheme == NamingHashed {
		return NewNamer(NamingLegacy)
	}
	return NewNamer(NamingHashed)
}

// PeerTempName returns the temporary name of the container end of the veth
// pair while it still lives in the host namespace.
func (n Namer) PeerTempName(workload string) string {
	return PeerTempPrefix + nameHash(workload)[:MaxInterfaceNameLength-len(PeerTempPrefix)]
}

// IsVethName reports whether port is a name the scheme of n can derive.
// Names of the other scheme are not recognized.
func (n Namer) IsVethName(port string) bool {
	if n.Scheme == NamingHashed {
		suffix := strings.TrimPrefix(port, VethPrefix)
		return len(suffix) == hashedNameLength && len(port) > len(suffix) && isLowerHex(suffix)
	}
	suffix := strings.TrimPrefix(port, LegacyVethPrefix)
	return len(suffix) > 0 && len(suffix) <= legacyNameLength && len(port) > len(suffix)
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func nameHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
