// Package tenant maps VPCs to their owning tenants and stamps ownership
// metadata on logical ports.
package tenant

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
)

// PortTagger is the part of the logical network store the registry writes to
type PortTagger interface {
	SetPortExternalIDs(ctx context.Context, port string, externalIDs map[string]string) error
}

// Registry is built once from the model and never changes
type Registry struct {
	tenants map[string]model.Tenant
	vpcs    map[string]string
	creator string
	host    string
	clock   clock.PassiveClock
	tagger  PortTagger
}

// NewRegistry indexes the tenants of t. creator and host are written into
// every ownership stamp.
func NewRegistry(t *model.Topology, tagger PortTagger, creator, host string, clk clock.PassiveClock) *Registry {
	r := &Registry{
		tenants: map[string]model.Tenant{},
		vpcs:    map[string]string{},
		creator: creator,
		host:    host,
		clock:   clk,
		tagger:  tagger,
	}
	if r.creator == "" {
		r.creator = types.DefaultCreator
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	for id, tenant := range t.Tenants {
		r.tenants[id] = tenant
	}
	for id, vpc := range t.VPCs {
		r.vpcs[id] = vpc.Tenant
	}
	return r
}

// TenantFor returns the tenant owning vpcID, or types.TenantUnknown
func (r *Registry) TenantFor(vpcID string) string {
	if tenant, ok := r.vpcs[vpcID]; ok && tenant != "" {
		return tenant
	}
	return types.TenantUnknown
}

// Tenant returns the registered tenant with the given id
func (r *Registry) Tenant(id string) (model.Tenant, bool) {
	t, ok := r.tenants[id]
	return t, ok
}

// OwnershipTags are the external_ids that identify who owns a logical port
func (r *Registry) OwnershipTags(tenantID, vpcID string) map[string]string {
	tags := map[string]string{
		types.TenantIDKey:  tenantID,
		types.CreatedByKey: r.creator,
	}
	if vpcID != "" {
		tags[types.VPCIDKey] = vpcID
	}
	if r.host != "" {
		tags[types.HostKey] = r.host
	}
	if t, ok := r.tenants[tenantID]; ok && t.Environment != "" {
		tags[types.EnvironmentKey] = t.Environment
	}
	return tags
}

// StampOwnership tags lsp with tenant, VPC, creation time and creator
func (r *Registry) StampOwnership(ctx context.Context, lsp, tenantID, vpcID string) error {
	return r.StampOwnershipPreserving(ctx, lsp, tenantID, vpcID, nil)
}

// StampOwnershipPreserving is StampOwnership but keeps the creation time,
// creator and owner recorded in previous, so a rebuilt port keeps its identity.
func (r *Registry) StampOwnershipPreserving(ctx context.Context, lsp, tenantID, vpcID string, previous map[string]string) error {
	tags := r.OwnershipTags(tenantID, vpcID)
	tags[types.CreatedAtKey] = r.clock.Now().UTC().Format(time.RFC3339)
	for _, key := range []string{types.CreatedAtKey, types.CreatedByKey, types.OwnerKey} {
		if v, ok := previous[key]; ok && v != "" {
			tags[key] = v
		}
	}
	if err := r.tagger.SetPortExternalIDs(ctx, lsp, tags); err != nil {
		return fmt.Errorf("failed to stamp ownership of %s: %w", lsp, err)
	}
	return nil
}
