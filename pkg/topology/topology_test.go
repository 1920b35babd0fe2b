package topology

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	ovntest "github.com/ovs-container-lab/ovnlab/pkg/testing"
	"github.com/ovs-container-lab/ovnlab/pkg/testing/fake"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

const singleVPCModel = `
tenants:
  tenant-1: {name: Acme}
vpcs:
  vpc-a:
    tenant: tenant-1
    cidr: 10.0.0.0/16
    switches:
      - {name: ls-vpc-a-web, cidr: 10.0.1.0/24, tier: web}
`

// staleListing hides existing routers from the list call, as when another
// process creates them between list and create
type staleListing struct {
	*fake.FakeLogicalNetwork
}

func (s staleListing) ListRouters(context.Context) ([]string, error) {
	return nil, nil
}

var legacyNames = types.NewNamer(types.NamingLegacy)

func newRegistry(t *model.Topology, nb nbctl.LogicalNetworkStore) *tenant.Registry {
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	return tenant.NewRegistry(t, nb, "lab-admin", "host-1", clocktesting.NewFakePassiveClock(now))
}

var _ = Describe("Topology builder", func() {
	var (
		ctx  context.Context
		lab  *model.Topology
		nb   *fake.FakeLogicalNetwork
		err  error
		want map[string]int
	)

	BeforeEach(func() {
		ctx = context.Background()
		lab, err = model.Parse([]byte(ovntest.LabModelYAML))
		Expect(err).NotTo(HaveOccurred())
		nb = fake.NewFakeLogicalNetwork()
		want = map[string]int{
			KindRouter:     3,
			KindSwitch:     5,
			KindRouterPort: 6,
			KindSwitchPort: 6,
			KindRoute:      7,
			KindEgressPort: 1,
		}
	})

	It("builds the whole lab topology from nothing", func() {
		before := testutil.ToFloat64(metrics.MetricTopologyObjects.WithLabelValues(KindRouter, "created"))

		result, err := NewBuilder(nb, newRegistry(lab, nb), legacyNames).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created).To(Equal(want))
		Expect(result.Existing).To(BeEmpty())
		Expect(testutil.ToFloat64(metrics.MetricTopologyObjects.WithLabelValues(KindRouter, "created")) - before).To(Equal(3.0))

		router, ok := nb.Router("lr-vpc-a")
		Expect(ok).To(BeTrue())
		Expect(router.ExternalIDs).To(Equal(map[string]string{
			types.TenantIDKey: "tenant-1",
			types.VPCIDKey:    "vpc-a",
			types.CommentKey:  "VPC A router",
		}))
		Expect(router.Ports).To(HaveKeyWithValue("lr-vpc-a-ls-vpc-a-app", "00:00:00:01:02:01 10.0.2.1/24"))
		Expect(router.Ports).To(HaveKeyWithValue("lr-vpc-a-ls-transit", "00:00:00:00:00:10 192.168.100.10/24"))
		Expect(router.Routes).To(ConsistOf(
			nbctl.Route{Prefix: "0.0.0.0/0", NextHop: "192.168.100.1"},
			nbctl.Route{Prefix: "10.1.0.0/16", NextHop: "192.168.100.20"},
		))

		gateway, ok := nb.Router("lr-gateway")
		Expect(ok).To(BeTrue())
		Expect(gateway.Routes).To(ConsistOf(
			nbctl.Route{Prefix: "10.0.0.0/16", NextHop: "192.168.100.10"},
			nbctl.Route{Prefix: "10.1.0.0/16", NextHop: "192.168.100.20"},
			nbctl.Route{Prefix: "0.0.0.0/0", NextHop: "192.168.100.254"},
		))

		sw, ok := nb.Switch("ls-vpc-a-web")
		Expect(ok).To(BeTrue())
		Expect(sw.Subnet).To(Equal("10.0.1.0/24"))
		Expect(sw.ExternalIDs).To(HaveKeyWithValue(types.TierKey, "web"))
		Expect(sw.Ports).To(HaveKey("ls-vpc-a-web-lr-vpc-a"))

		link, ok := nb.SwitchPort("ls-transit-lr-vpc-b")
		Expect(ok).To(BeTrue())
		Expect(link.RouterPort).To(Equal("lr-vpc-b-ls-transit"))
	})

	It("creates the NAT egress port without port security and owned by the topology", func() {
		_, err := NewBuilder(nb, newRegistry(lab, nb), legacyNames).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())

		port, ok := nb.SwitchPort("lsp-nat-gateway")
		Expect(ok).To(BeTrue())
		Expect(port.Switch).To(Equal(types.TransitSwitch))
		Expect(port.Secured).To(BeFalse())
		Expect(port.Addresses.String()).To(Equal("02:00:00:00:00:fe 192.168.100.254"))
		Expect(port.ExternalIDs).To(Equal(map[string]string{
			types.OwnerKey:     types.OwnerTopology,
			types.TenantIDKey:  types.TenantShared,
			types.CreatedAtKey: "2026-10-14T08:00:00Z",
			types.CreatedByKey: "lab-admin",
			types.HostKey:      "host-1",
		}))
	})

	It("is idempotent", func() {
		builder := NewBuilder(nb, newRegistry(lab, nb), legacyNames)
		_, err := builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		mutations := nb.Mutations()

		result, err := builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.TotalCreated()).To(Equal(0))
		Expect(result.Existing).To(Equal(want))
		Expect(nb.Mutations()).To(Equal(mutations))
	})

	It("rejects a model with overlapping VPCs without creating anything", func() {
		vpc := lab.VPCs["vpc-b"]
		vpc.CIDR = "10.0.0.0/16"
		lab.VPCs["vpc-b"] = vpc

		result, err := NewBuilder(nb, newRegistry(lab, nb), legacyNames).BuildTopology(ctx, lab)
		Expect(err).To(MatchError(ContainSubstring(`vpc "vpc-b" CIDR 10.0.0.0/16 overlaps vpc "vpc-a"`)))
		Expect(result).To(BeNil())
		Expect(nb.Mutations()).To(Equal(0))
		_, ok := nb.Router("lr-gateway")
		Expect(ok).To(BeFalse())
	})

	It("completes a partial topology left by a failed build", func() {
		builder := NewBuilder(nb, newRegistry(lab, nb), legacyNames)
		nb.FailOnce("AddRoute", errors.New("connection refused"))
		result, err := builder.BuildTopology(ctx, lab)
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(result.Created[KindSwitchPort]).To(Equal(6))
		Expect(result.Created[KindRoute]).To(Equal(0))
		_, ok := nb.SwitchPort("lsp-nat-gateway")
		Expect(ok).To(BeFalse())

		result, err = builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created).To(Equal(map[string]int{KindRoute: 7, KindEgressPort: 1}))
		Expect(result.Existing[KindRouter]).To(Equal(3))
	})

	It("restores the egress port addresses when they were lost", func() {
		builder := NewBuilder(nb, newRegistry(lab, nb), legacyNames)
		_, err := builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		nb.ClearAddresses("lsp-nat-gateway")

		result, err := builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Existing[KindEgressPort]).To(Equal(1))
		port, _ := nb.SwitchPort("lsp-nat-gateway")
		Expect(port.Addresses).NotTo(BeNil())
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.OwnerKey, types.OwnerTopology))
	})

	It("keeps building when the egress port cannot be tagged and tags it next time", func() {
		builder := NewBuilder(nb, newRegistry(lab, nb), legacyNames)
		nb.FailOnce("SetPortExternalIDs", errors.New("transaction aborted"))
		result, err := builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created[KindEgressPort]).To(Equal(1))
		port, ok := nb.SwitchPort("lsp-nat-gateway")
		Expect(ok).To(BeTrue())
		Expect(port.ExternalIDs).NotTo(HaveKey(types.OwnerKey))

		result, err = builder.BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Existing[KindEgressPort]).To(Equal(1))
		port, _ = nb.SwitchPort("lsp-nat-gateway")
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.OwnerKey, types.OwnerTopology))
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.CreatedAtKey, "2026-10-14T08:00:00Z"))
	})

	It("counts an object created concurrently as existing", func() {
		_, err := NewBuilder(nb, newRegistry(lab, nb), legacyNames).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())

		stale := staleListing{nb}
		result, err := NewBuilder(stale, newRegistry(lab, stale), legacyNames).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Existing[KindRouter]).To(Equal(3))
		Expect(result.TotalCreated()).To(Equal(0))
	})

	It("aborts on an unexpected error", func() {
		nb.FailOn("CreateSwitch", errors.New("database connection failed"))
		result, err := NewBuilder(nb, newRegistry(lab, nb), legacyNames).BuildTopology(ctx, lab)
		Expect(err).To(MatchError(ContainSubstring("database connection failed")))
		Expect(result.Created).To(Equal(map[string]int{KindRouter: 3}))
	})

	Context("over ovn-nbctl", func() {
		var fexec *ovntest.FakeExec

		BeforeEach(func() {
			Expect(config.PrepareTestConfig()).To(Succeed())
			fexec = ovntest.NewFakeExec()
			Expect(util.SetExec(fexec)).To(Succeed())
		})

		AfterEach(func() {
			util.ResetRunner()
		})

		It("issues commands in dependency order", func() {
			t, err := model.Parse([]byte(singleVPCModel))
			Expect(err).NotTo(HaveOccurred())

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovn-nbctl --timeout=10 lr-list",
				`ovn-nbctl --timeout=10 lr-add lr-gateway -- set Logical_Router lr-gateway external_ids:comment="External gateway router" external_ids:tenant-id="shared"`,
				`ovn-nbctl --timeout=10 lr-add lr-vpc-a -- set Logical_Router lr-vpc-a external_ids:comment="Router for vpc-a" external_ids:tenant-id="tenant-1" external_ids:vpc-id="vpc-a"`,
				"ovn-nbctl --timeout=10 ls-list",
				`ovn-nbctl --timeout=10 ls-add ls-vpc-a-web -- set Logical_Switch ls-vpc-a-web other_config:subnet=10.0.1.0/24 external_ids:tenant-id="tenant-1" external_ids:tier="web" external_ids:vpc-id="vpc-a"`,
				`ovn-nbctl --timeout=10 ls-add ls-transit -- set Logical_Switch ls-transit other_config:subnet=192.168.100.0/24 external_ids:tenant-id="shared"`,
				"ovn-nbctl --timeout=10 lrp-list lr-gateway",
				"ovn-nbctl --timeout=10 lrp-add lr-gateway lr-gateway-ls-transit 00:00:00:00:00:01 192.168.100.1/24",
				"ovn-nbctl --timeout=10 lrp-list lr-vpc-a",
				"ovn-nbctl --timeout=10 lrp-add lr-vpc-a lr-vpc-a-ls-vpc-a-web 00:00:00:01:01:01 10.0.1.1/24",
				"ovn-nbctl --timeout=10 lrp-add lr-vpc-a lr-vpc-a-ls-transit 00:00:00:00:00:10 192.168.100.10/24",
				"ovn-nbctl --timeout=10 lsp-list ls-transit",
				"ovn-nbctl --timeout=10 lsp-add ls-transit ls-transit-lr-gateway" +
					" -- lsp-set-type ls-transit-lr-gateway router" +
					" -- lsp-set-addresses ls-transit-lr-gateway router" +
					" -- lsp-set-options ls-transit-lr-gateway router-port=lr-gateway-ls-transit",
				"ovn-nbctl --timeout=10 lsp-add ls-transit ls-transit-lr-vpc-a" +
					" -- lsp-set-type ls-transit-lr-vpc-a router" +
					" -- lsp-set-addresses ls-transit-lr-vpc-a router" +
					" -- lsp-set-options ls-transit-lr-vpc-a router-port=lr-vpc-a-ls-transit",
				"ovn-nbctl --timeout=10 lsp-list ls-vpc-a-web",
				"ovn-nbctl --timeout=10 lsp-add ls-vpc-a-web ls-vpc-a-web-lr-vpc-a" +
					" -- lsp-set-type ls-vpc-a-web-lr-vpc-a router" +
					" -- lsp-set-addresses ls-vpc-a-web-lr-vpc-a router" +
					" -- lsp-set-options ls-vpc-a-web-lr-vpc-a router-port=lr-vpc-a-ls-vpc-a-web",
				"ovn-nbctl --timeout=10 lr-route-list lr-gateway",
				"ovn-nbctl --timeout=10 lr-route-add lr-gateway 10.0.0.0/16 192.168.100.10",
				"ovn-nbctl --timeout=10 lr-route-list lr-vpc-a",
				"ovn-nbctl --timeout=10 lr-route-add lr-vpc-a 0.0.0.0/0 192.168.100.1",
			})

			client := nbctl.NewNbctlClient()
			result, err := NewBuilder(client, newRegistry(t, client), legacyNames).BuildTopology(ctx, t)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TotalCreated()).To(Equal(12))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc)
		})
	})
})
