package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
	"github.com/ovs-container-lab/ovnlab/pkg/model"
	"github.com/ovs-container-lab/ovnlab/pkg/portbinder"
	"github.com/ovs-container-lab/ovnlab/pkg/tenant"
	ovntest "github.com/ovs-container-lab/ovnlab/pkg/testing"
	"github.com/ovs-container-lab/ovnlab/pkg/testing/fake"
	"github.com/ovs-container-lab/ovnlab/pkg/topology"
	"github.com/ovs-container-lab/ovnlab/pkg/types"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx         context.Context
		lab         *model.Topology
		attachments []model.Attachment
		nb          *fake.FakeLogicalNetwork
		vs          *fake.FakeVirtualSwitch
		rt          *fake.FakeRuntime
		netns       *fake.FakeNetns
		agent       *fake.FakeAgent
		clk         *clocktesting.FakePassiveClock
		namer       types.Namer
		opts        Options
		r           *Reconciler
	)

	newReconciler := func() *Reconciler {
		registry := tenant.NewRegistry(lab, nb, "lab-admin", "host-1", clk)
		binder := portbinder.New(nb, vs, rt, netns, registry, portbinder.Options{
			Namer:         namer,
			VerifyTimeout: 200 * time.Millisecond,
		})
		return New(nb, vs, rt, netns, agent, binder, opts)
	}

	attachment := func(name string) model.Attachment {
		a, err := lab.Attachment(name)
		Expect(err).NotTo(HaveOccurred())
		return *a
	}

	resetMutations := func() {
		nb.ResetMutations()
		vs.ResetMutations()
		netns.ResetMutations()
	}

	expectNoMutations := func() {
		Expect(nb.MutatingCalls()).To(BeEmpty())
		Expect(vs.MutatingCalls()).To(BeEmpty())
		Expect(netns.MutatingCalls()).To(BeEmpty())
	}

	expectHealthy := func(name string) {
		state, err := r.Prober().Probe(ctx, name)
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Healthy()).To(BeTrue(), "%s: %+v", name, state)
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		lab, err = model.Parse([]byte(ovntest.LabModelYAML))
		Expect(err).NotTo(HaveOccurred())
		attachments, err = lab.Attachments("host-1")
		Expect(err).NotTo(HaveOccurred())

		nb = fake.NewFakeLogicalNetwork()
		vs = fake.NewFakeVirtualSwitch(types.IntegrationBridge)
		rt = fake.NewFakeRuntime("nat-gateway", "traffic-gen-a", "vpc-a-app", "vpc-a-web")
		netns = fake.NewFakeNetns()
		agent = &fake.FakeAgent{}
		clk = clocktesting.NewFakePassiveClock(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC))
		namer = types.NewNamer(types.NamingLegacy)
		opts = Options{Namer: namer, Host: "host-1"}

		registry := tenant.NewRegistry(lab, nb, "lab-admin", "host-1", clk)
		_, err = topology.NewBuilder(nb, registry, types.NewNamer(types.NamingLegacy)).BuildTopology(ctx, lab)
		Expect(err).NotTo(HaveOccurred())
		r = newReconciler()
	})

	Context("probing", func() {
		It("stops after the runtime for a workload that is not running", func() {
			rt.Stop("vpc-a-web")
			state, err := r.Prober().Probe(ctx, "vpc-a-web")
			Expect(err).NotTo(HaveOccurred())
			Expect(*state).To(Equal(State{Workload: "vpc-a-web"}))
			Expect(state.NeedsRepair()).To(BeFalse())
		})

		It("reports every missing layer of an unbound workload", func() {
			state, err := r.Prober().Probe(ctx, "vpc-a-web")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.WorkloadRunning).To(BeTrue())
			Expect(state.NamespaceInterface).To(BeFalse())
			Expect(state.VSwitchPort).To(BeFalse())
			Expect(state.LogicalPort).To(BeFalse())
			Expect(state.NeedsRepair()).To(BeTrue())
		})

		It("reports a bound workload with its address", func() {
			_, err := r.Reconcile(ctx, attachment("vpc-a-web"))
			Expect(err).NotTo(HaveOccurred())
			state, err := r.Prober().Probe(ctx, "vpc-a-web")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Healthy()).To(BeTrue())
			Expect(state.IP).To(Equal("10.0.1.10"))
		})

		It("returns query failures instead of guessing", func() {
			vs.FailOnce("ListPorts", errors.New("database connection failed"))
			_, err := r.Prober().Probe(ctx, "vpc-a-web")
			Expect(err).To(MatchError(ContainSubstring("database connection failed")))
		})
	})

	Context("a full pass", func() {
		It("binds every local workload and restarts the agent once", func() {
			before := testutil.ToFloat64(metrics.MetricReconcileWorkloads.WithLabelValues(metrics.OutcomeRepaired))

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Repaired).To(Equal(4))
			Expect(result.Failed).To(Equal(0))
			Expect(result.AgentRestarted).To(BeTrue())
			Expect(result.Pass).To(HaveLen(8))
			Expect(agent.Restarts()).To(Equal(1))
			Expect(testutil.ToFloat64(metrics.MetricReconcileWorkloads.WithLabelValues(metrics.OutcomeRepaired)) - before).To(Equal(4.0))

			for _, a := range attachments {
				expectHealthy(a.Workload)
			}
			nat, _ := nb.SwitchPort("lsp-nat-gateway")
			Expect(nat.Secured).To(BeFalse())
			Expect(nat.ExternalIDs).To(HaveKeyWithValue(types.OwnerKey, types.OwnerTopology))
		})

		It("changes nothing on a converged host", func() {
			_, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			resetMutations()

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Healthy).To(Equal(4))
			Expect(result.Repaired).To(Equal(0))
			Expect(result.AgentRestarted).To(BeFalse())
			Expect(agent.Restarts()).To(Equal(1))
			expectNoMutations()
		})

		It("skips workloads that are not running", func() {
			rt.Stop("vpc-a-app")
			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Skipped).To(Equal(1))
			Expect(result.Outcomes).To(HaveKeyWithValue("vpc-a-app", NotRunning))
			_, ok := nb.SwitchPort("lsp-vpc-a-app")
			Expect(ok).To(BeFalse())
		})

		It("keeps going after a failed workload", func() {
			netns.FailOnce("CreateVethPair", errors.New("no buffer space available"))
			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).To(MatchError(ContainSubstring("nat-gateway")))
			Expect(result.Failed).To(Equal(1))
			Expect(result.FailedWorkloads).To(Equal([]string{"nat-gateway"}))
			Expect(result.Repaired).To(Equal(3))
			Expect(agent.Restarts()).To(Equal(1))

			// the next pass repairs what the failed one left
			result, err = r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Repaired).To(Equal(1))
			Expect(result.Healthy).To(Equal(3))
		})

		It("does not restart the agent when disabled", func() {
			opts.SkipAgentRestart = true
			r = newReconciler()
			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Repaired).To(Equal(4))
			Expect(result.AgentRestarted).To(BeFalse())
			Expect(agent.Restarts()).To(Equal(0))
		})

		It("reports a failed agent restart", func() {
			agent.FailOnce("Restart", errors.New("unit not found"))
			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).To(MatchError(ContainSubstring("unit not found")))
			Expect(result.Repaired).To(Equal(4))
			Expect(result.AgentRestarted).To(BeFalse())
		})

		It("waits for a pass already in progress", func() {
			Expect(r.sem.Acquire(ctx, 1)).To(Succeed())
			defer r.sem.Release(1)
			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err := r.ReconcileAll(short, attachments)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(netns.Mutations()).To(Equal(0))
		})
	})

	Context("repairing a single workload", func() {
		BeforeEach(func() {
			_, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			resetMutations()
		})

		It("does nothing for a healthy workload", func() {
			outcome, err := r.Reconcile(ctx, attachment("vpc-a-web"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(Healthy))
			expectNoMutations()
		})

		It("does nothing for a stopped workload", func() {
			rt.Stop("vpc-a-web")
			outcome, err := r.Reconcile(ctx, attachment("vpc-a-web"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(NotRunning))
			expectNoMutations()
		})

		DescribeTable("rebuilds every layer when one is missing",
			func(breakLayer func()) {
				breakLayer()
				restarts := agent.Restarts()

				outcome, err := r.Reconcile(ctx, attachment("vpc-a-web"))
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(Repaired))
				Expect(agent.Restarts()).To(Equal(restarts + 1))
				expectHealthy("vpc-a-web")

				port, _ := nb.SwitchPort("lsp-vpc-a-web")
				Expect(port.Addresses.String()).To(Equal("02:00:00:01:01:0a 10.0.1.10"))
				Expect(port.ExternalIDs).To(HaveKeyWithValue(types.TenantIDKey, "tenant-1"))
				veth := namer.VethName("vpc-a-web")
				Expect(vs.InterfaceIDs(veth)).To(HaveKeyWithValue(types.IfaceIDKey, "lsp-vpc-a-web"))
				link, _ := netns.Link(rt.Netns("vpc-a-web"), types.ContainerInterface)
				Expect(link.MAC.String()).To(Equal("02:00:00:01:01:0a"))
			},
			Entry("namespace interface", func() {
				netns.RemoveLink(rt.Netns("vpc-a-web"), types.ContainerInterface)
			}),
			Entry("virtual switch port", func() {
				vs.RemovePort(types.IntegrationBridge, namer.VethName("vpc-a-web"))
			}),
			Entry("logical port", func() {
				Expect(nb.DeleteLogicalPort(ctx, "lsp-vpc-a-web")).To(Succeed())
			}),
			Entry("logical port addresses", func() {
				nb.ClearAddresses("lsp-vpc-a-web")
			}),
		)

		It("keeps the logical port identity when the interface is killed out of band", func() {
			before, _ := nb.SwitchPort("lsp-vpc-a-app")
			mac := before.Addresses.MAC.String()
			Expect(before.ExternalIDs).To(HaveKeyWithValue(types.CreatedAtKey, "2026-10-14T08:00:00Z"))

			clk.SetTime(time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC))
			nsPath := rt.Netns("vpc-a-app")
			Expect(netns.DeleteLink(nsPath, types.ContainerInterface)).To(Succeed())

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Repaired).To(Equal(1))
			Expect(result.Healthy).To(Equal(3))
			Expect(result.Outcomes).To(HaveKeyWithValue("vpc-a-app", Repaired))

			after, _ := nb.SwitchPort("lsp-vpc-a-app")
			Expect(after.Addresses.MAC.String()).To(Equal(mac))
			Expect(after.ExternalIDs).To(HaveKeyWithValue(types.CreatedAtKey, "2026-10-14T08:00:00Z"))
			link, ok := netns.Link(nsPath, types.ContainerInterface)
			Expect(ok).To(BeTrue())
			Expect(link.MAC.String()).To(Equal(mac))
		})

		It("rebuilds the NAT gateway as an egress port", func() {
			vs.RemovePort(types.IntegrationBridge, namer.VethName("nat-gateway"))
			outcome, err := r.Reconcile(ctx, attachment("nat-gateway"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(Repaired))

			port, _ := nb.SwitchPort("lsp-nat-gateway")
			Expect(port.Secured).To(BeFalse())
			Expect(port.Addresses.String()).To(Equal("02:00:00:00:00:fe 192.168.100.254"))
			Expect(port.ExternalIDs).To(HaveKeyWithValue(types.OwnerKey, types.OwnerTopology))
		})

		It("fails a workload whose repair cannot be verified and leaves no orphan", func() {
			netns.RemoveLink(rt.Netns("vpc-a-web"), types.ContainerInterface)
			netns.FailOn("LinkHardwareAddr", errors.New("device busy"))
			outcome, err := r.Reconcile(ctx, attachment("vpc-a-web"))
			Expect(errors.Is(err, portbinder.ErrVerification)).To(BeTrue())
			Expect(outcome).To(Equal(Failed))

			veth := namer.VethName("vpc-a-web")
			_, ok := netns.Link("", veth)
			Expect(ok).To(BeFalse())
			Expect(vs.HasPort(types.IntegrationBridge, veth)).To(BeFalse())
		})
	})

	Context("garbage collection", func() {
		BeforeEach(func() {
			_, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
		})

		It("deletes the ports of workloads that stopped and nothing else", func() {
			rt.Stop("vpc-a-app")
			rt.Stop("traffic-gen-a")
			rt.Stop("nat-gateway")
			vs.AddStalePort(types.IntegrationBridge, "patch-br-int-to-ext", nil)
			addresses, err := util.ParsePortAddresses("02:00:00:00:09:09 172.16.0.9")
			Expect(err).NotTo(HaveOccurred())
			Expect(nb.AddStalePort("ls-test-1", "lsp-ghost", addresses, nil)).To(Succeed())
			Expect(nb.AddStalePort("ls-vpc-b-web", "lsp-vpc-b-web", nil,
				map[string]string{types.HostKey: "host-2"})).To(Succeed())

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.OrphanPortsDeleted).To(Equal(3))
			Expect(result.OrphanLogicalPortsDeleted).To(Equal(3))
			Expect(result.Skipped).To(Equal(3))
			Expect(result.Healthy).To(Equal(1))

			ports, err := vs.ListPorts(ctx, types.IntegrationBridge)
			Expect(err).NotTo(HaveOccurred())
			Expect(ports).To(ConsistOf("patch-br-int-to-ext", namer.VethName("vpc-a-web")))

			names := nb.LogicalPortNames()
			Expect(names).To(ContainElements("lsp-vpc-a-web", "lsp-nat-gateway", "lsp-vpc-b-web"))
			Expect(names).NotTo(ContainElements("lsp-vpc-a-app", "lsp-traffic-gen-a", "lsp-ghost"))
			for _, name := range []string{"vpc-a-app", "traffic-gen-a", "nat-gateway"} {
				_, ok := netns.Link("", namer.VethName(name))
				Expect(ok).To(BeFalse(), name)
			}
		})

		It("moves running workloads to a new naming scheme instead of collecting their ports", func() {
			legacy := namer
			rt.Stop("traffic-gen-a")
			namer = types.NewNamer(types.NamingHashed)
			opts.Namer = namer
			r = newReconciler()

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.OrphanPortsDeleted).To(Equal(1))
			Expect(result.OrphanLogicalPortsDeleted).To(Equal(1))
			Expect(result.Repaired).To(Equal(3))
			Expect(result.Skipped).To(Equal(1))

			ports, err := vs.ListPorts(ctx, types.IntegrationBridge)
			Expect(err).NotTo(HaveOccurred())
			Expect(ports).To(ConsistOf(namer.VethName("nat-gateway"), namer.VethName("vpc-a-app"), namer.VethName("vpc-a-web")))
			for _, name := range []string{"nat-gateway", "vpc-a-app", "vpc-a-web", "traffic-gen-a"} {
				_, ok := netns.Link("", legacy.VethName(name))
				Expect(ok).To(BeFalse(), name)
			}
			for _, name := range []string{"nat-gateway", "vpc-a-app", "vpc-a-web"} {
				expectHealthy(name)
			}

			resetMutations()
			_, err = r.ReconcileAll(ctx, attachments)
			Expect(err).NotTo(HaveOccurred())
			expectNoMutations()
		})

		It("deletes nothing when the running workloads are unknown", func() {
			rt.Stop("vpc-a-app")
			rt.FailOnce("ListRunning", errors.New("Cannot connect to the Docker daemon"))
			resetMutations()

			result, err := r.ReconcileAll(ctx, attachments)
			Expect(err).To(MatchError(ContainSubstring("Cannot connect to the Docker daemon")))
			Expect(result.OrphanPortsDeleted).To(Equal(0))
			Expect(result.OrphanLogicalPortsDeleted).To(Equal(0))
			Expect(result.Skipped).To(Equal(1))
			Expect(vs.HasPort(types.IntegrationBridge, namer.VethName("vpc-a-app"))).To(BeTrue())
			expectNoMutations()
		})
	})
})
