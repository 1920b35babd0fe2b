package portbinder

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/nbctl"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	ovntest "github.com/ovs-container-lab/ovnlab/pkg/testing"
	"github.com/ovs-container-lab/ovnlab/pkg/testing/fake"
	"github.com/ovs-container-lab/ovnlab/pkg/topology"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

func mustAddresses(s string) *util.PortAddresses {
	a, err := util.ParsePortAddresses(s)
	Expect(err).NotTo(HaveOccurred())
	return a
}

// portlessBridge never lists the ports it holds
type portlessBridge struct {
	*fake.FakeVirtualSwitch
}

func (portlessBridge) ListPorts(context.Context, string) ([]string, error) {
	return nil, nil
}

// unaddressedNetns reports interfaces without addresses
type unaddressedNetns struct {
	*fake.FakeNetns
}

func (unaddressedNetns) LinkAddresses(string, string) ([]net.IPNet, error) {
	return nil, nil
}

var _ = Describe("Port binder", func() {
	var (
		ctx      context.Context
		lab      *model.Topology
		nb       *fake.FakeLogicalNetwork
		vs       *fake.FakeVirtualSwitch
		rt       *fake.FakeRuntime
		netns    *fake.FakeNetns
		registry *tenant.Registry
		binder   *Binder
		namer    types.Namer
	)

	request := func(name string) Request {
		a, err := lab.Attachment(name)
		Expect(err).NotTo(HaveOccurred())
		return Request{Attachment: *a}
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		lab, err = model.Parse([]byte(ovntest.LabModelYAML))
		Expect(err).NotTo(HaveOccurred())

		nb = fake.NewFakeLogicalNetwork()
		vs = fake.NewFakeVirtualSwitch(types.IntegrationBridge)
		rt = fake.NewFakeRuntime("vpc-a-web", "vpc-a-app", "traffic-gen-a", "nat-gateway")
		netns = fake.NewFakeNetns()
		now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
		registry = tenant.NewRegistry(lab, nb, "lab-admin", "host-1", clocktesting.NewFakePassiveClock(now))
		_, err = topology.NewBuilder(nb, registry, types.NewNamer(types.NamingLegacy)).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		nb.ResetMutations()

		namer = types.NewNamer(types.NamingLegacy)
		binder = New(nb, vs, rt, netns, registry, Options{Namer: namer, VerifyTimeout: 200 * time.Millisecond})
	})

	It("binds a VPC workload end to end", func() {
		bound, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())

		port, ok := nb.SwitchPort("lsp-vpc-a-web")
		Expect(ok).To(BeTrue())
		Expect(port.Switch).To(Equal("ls-vpc-a-web"))
		Expect(port.Addresses.String()).To(Equal("02:00:00:01:01:0a 10.0.1.10"))
		Expect(port.Secured).To(BeTrue())
		Expect(port.PortSecurity.String()).To(Equal("02:00:00:01:01:0a 10.0.1.10"))
		Expect(port.ExternalIDs).To(Equal(map[string]string{
			types.TenantIDKey:    "tenant-1",
			types.VPCIDKey:       "vpc-a",
			types.CreatedAtKey:   "2026-10-14T08:00:00Z",
			types.CreatedByKey:   "lab-admin",
			types.HostKey:        "host-1",
			types.EnvironmentKey: "prod",
		}))

		veth := namer.VethName("vpc-a-web")
		Expect(veth).To(Equal("veth-vpc-a-we"))
		Expect(vs.HasPort(types.IntegrationBridge, veth)).To(BeTrue())
		Expect(vs.InterfaceIDs(veth)).To(Equal(map[string]string{
			types.IfaceIDKey:   "lsp-vpc-a-web",
			types.TenantIDKey:  "tenant-1",
			types.VPCIDKey:     "vpc-a",
			types.ContainerKey: "vpc-a-web",
		}))

		nsPath := rt.Netns("vpc-a-web")
		link, ok := netns.Link(nsPath, types.ContainerInterface)
		Expect(ok).To(BeTrue())
		Expect(link.MAC.String()).To(Equal("02:00:00:01:01:0a"))
		Expect(link.Addresses).To(HaveLen(1))
		Expect(link.Addresses[0].String()).To(Equal("10.0.1.10/24"))
		Expect(link.Gateway.String()).To(Equal("10.0.1.1"))
		Expect(link.Up).To(BeTrue())
		Expect(link.OffloadsDisabled).To(BeTrue())

		host, ok := netns.Link("", veth)
		Expect(ok).To(BeTrue())
		Expect(host.Up).To(BeTrue())
		Expect(host.OffloadsDisabled).To(BeTrue())
		_, ok = netns.Link("", namer.PeerTempName("vpc-a-web"))
		Expect(ok).To(BeFalse())

		Expect(netns.Announcements()).To(ConsistOf(fake.Announcement{
			Netns: nsPath, Iface: types.ContainerInterface, IP: "10.0.1.10",
		}))
	})

	It("changes nothing for a workload that is not running", func() {
		rt.Stop("vpc-a-web")
		bound, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(bound).To(BeFalse())
		Expect(errors.Is(err, ErrNotRunning)).To(BeTrue())
		Expect(nb.Mutations()).To(Equal(0))
		Expect(vs.Mutations()).To(Equal(0))
		Expect(netns.Mutations()).To(Equal(0))
	})

	It("generates a locally administered MAC when the model has none", func() {
		bound, err := binder.Bind(ctx, request("vpc-a-app"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())

		port, _ := nb.SwitchPort("lsp-vpc-a-app")
		mac := port.Addresses.MAC.String()
		Expect(strings.HasPrefix(mac, "02:")).To(BeTrue())
		link, _ := netns.Link(rt.Netns("vpc-a-app"), types.ContainerInterface)
		Expect(link.MAC.String()).To(Equal(mac))
	})

	It("reuses the addresses a logical port already stores", func() {
		Expect(nb.AddStalePort("ls-vpc-a-app", "lsp-vpc-a-app", mustAddresses("02:00:00:aa:bb:cc 10.0.2.10"),
			map[string]string{types.TenantIDKey: "tenant-1"})).To(Succeed())

		bound, err := binder.Bind(ctx, request("vpc-a-app"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())
		link, _ := netns.Link(rt.Netns("vpc-a-app"), types.ContainerInterface)
		Expect(link.MAC.String()).To(Equal("02:00:00:aa:bb:cc"))
		Expect(nb.Mutations()).To(Equal(0))
	})

	It("keeps the identity of a port rebuilt from a previous one", func() {
		req := request("vpc-a-app")
		req.Previous = &nbctl.LogicalPort{
			Name:      "lsp-vpc-a-app",
			Addresses: mustAddresses("02:00:00:11:22:33 10.0.2.10"),
			ExternalIDs: map[string]string{
				types.TenantIDKey:  "tenant-1",
				types.CreatedAtKey: "2026-01-01T00:00:00Z",
				types.CreatedByKey: "alice",
			},
		}
		bound, err := binder.Bind(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())

		port, _ := nb.SwitchPort("lsp-vpc-a-app")
		Expect(port.Addresses.String()).To(Equal("02:00:00:11:22:33 10.0.2.10"))
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.CreatedAtKey, "2026-01-01T00:00:00Z"))
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.CreatedByKey, "alice"))
	})

	It("binds the NAT gateway without port security", func() {
		bound, err := binder.Bind(ctx, request("nat-gateway"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())

		port, _ := nb.SwitchPort("lsp-nat-gateway")
		Expect(port.Secured).To(BeFalse())
		Expect(port.ExternalIDs).To(HaveKeyWithValue(types.OwnerKey, types.OwnerTopology))
		veth := namer.VethName("nat-gateway")
		Expect(vs.InterfaceIDs(veth)).To(Equal(map[string]string{
			types.IfaceIDKey:   "lsp-nat-gateway",
			types.TenantIDKey:  types.TenantShared,
			types.ContainerKey: "nat-gateway",
		}))
	})

	It("only repairs switch side metadata when the namespace interface exists", func() {
		_, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		veth := namer.VethName("vpc-a-web")
		nsMutations := netns.Mutations()

		vs.StripInterfaceIDs(veth)
		vs.ResetMutations()
		bound, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())
		Expect(netns.Mutations()).To(Equal(nsMutations))
		Expect(vs.MutatingCalls()).To(Equal([]string{"SetInterfaceExternalIDs " + veth}))
		Expect(vs.InterfaceIDs(veth)).To(HaveKeyWithValue(types.IfaceIDKey, "lsp-vpc-a-web"))

		vs.ResetMutations()
		_, err = binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(vs.Mutations()).To(Equal(0))
	})

	DescribeTable("cleans up a partial attachment",
		func(inject func()) {
			inject()
			bound, err := binder.Bind(ctx, request("vpc-a-web"))
			Expect(err).To(HaveOccurred())
			Expect(bound).To(BeFalse())

			Expect(netns.Links("")).To(Equal(0))
			Expect(netns.Links(rt.Netns("vpc-a-web"))).To(Equal(0))
			Expect(vs.HasPort(types.IntegrationBridge, namer.VethName("vpc-a-web"))).To(BeFalse())
		},
		Entry("when the move fails", func() { netns.FailOnce("MoveLinkToNetns", errors.New("no such process")) }),
		Entry("when configuring fails", func() { netns.FailOnce("ConfigureLink", errors.New("file exists")) }),
		Entry("when offloads cannot be disabled", func() { netns.FailOnce("DisableOffloads", errors.New("operation not supported")) }),
		Entry("when the bridge rejects the port", func() { vs.FailOnce("AddPort", errors.New("database connection failed")) }),
		Entry("when the attachment cannot be verified", func() { netns.FailOn("LinkHardwareAddr", errors.New("device busy")) }),
	)

	DescribeTable("does not accept an attachment missing a layer",
		func(build func() *Binder, expected string) {
			bound, err := build().Bind(ctx, request("vpc-a-web"))
			Expect(bound).To(BeFalse())
			Expect(errors.Is(err, ErrVerification)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(expected))

			Expect(netns.Links("")).To(Equal(0))
			Expect(netns.Links(rt.Netns("vpc-a-web"))).To(Equal(0))
			Expect(vs.HasPort(types.IntegrationBridge, namer.VethName("vpc-a-web"))).To(BeFalse())
		},
		Entry("when the namespace interface lacks the bound IP", func() *Binder {
			return New(nb, vs, rt, unaddressedNetns{netns}, registry, Options{Namer: namer, VerifyTimeout: 200 * time.Millisecond})
		}, "does not carry 10.0.1.10"),
		Entry("when the host end is not on the bridge", func() *Binder {
			return New(nb, portlessBridge{vs}, rt, netns, registry, Options{Namer: namer, VerifyTimeout: 200 * time.Millisecond})
		}, "is not on br-int"),
	)

	It("reports a verification failure", func() {
		netns.FailOn("LinkHardwareAddr", errors.New("device busy"))
		_, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(errors.Is(err, ErrVerification)).To(BeTrue())
	})

	It("does not fail a bind over metadata it could not stamp or announce", func() {
		nb.FailOnce("SetPortExternalIDs", errors.New("timeout"))
		netns.FailOnce("AnnounceAddress", errors.New("network is down"))
		bound, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())
	})

	It("removes stale host links before creating the pair", func() {
		netns.AddStaleLink("", namer.VethName("vpc-a-web"))
		bound, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())
	})

	It("binds a traffic generator on the legacy generator name", func() {
		bound, err := binder.Bind(ctx, request("traffic-gen-a"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(BeTrue())
		Expect(vs.HasPort(types.IntegrationBridge, "veth-tg-a")).To(BeTrue())
	})

	It("uses hashed interface names when configured", func() {
		hashed := types.NewNamer(types.NamingHashed)
		binder = New(nb, vs, rt, netns, registry, Options{Namer: hashed})
		_, err := binder.Bind(ctx, request("vpc-a-web"))
		Expect(err).NotTo(HaveOccurred())
		veth := hashed.VethName("vpc-a-web")
		Expect(len(veth)).To(BeNumerically("<=", types.MaxInterfaceNameLength))
		Expect(vs.HasPort(types.IntegrationBridge, veth)).To(BeTrue())
		_, ok := netns.Link("", veth)
		Expect(ok).To(BeTrue())
	})
})
