package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/portbinder"
	"github.com/ovs-container-lab/ovnlab/pkg/vswitch"
)

// Commands returns every ovnlab subcommand
func Commands() []*cli.Command {
	return []*cli.Command{
		&ValidateCommand,
		&SetupCommand,
		&SetupChassisCommand,
		&BindCommand,
		&ProbeCommand,
		&ReconcileCommand,
		&ReconcileAllCommand,
		&ShowCommand,
		&CheckConnectivityCommand,
		&DaemonCommand,
	}
}

// withEnv runs f against the Env of this host
func withEnv(f func(ctx context.Context, env *Env, args cli.Args) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := newEnv()
		if err != nil {
			return err
		}
		return f(c.Context, env, c.Args())
	}
}

func oneArg(args cli.Args, what string) (string, error) {
	if args.Len() != 1 {
		return "", fmt.Errorf("expected exactly one %s, got %d arguments", what, args.Len())
	}
	return args.First(), nil
}

// ValidateCommand checks the model without touching any external system
var ValidateCommand = cli.Command{
	Name:  "validate",
	Usage: "Validate the network model",
	Action: func(c *cli.Context) error {
		t, err := LoadModel(afero.NewOsFs())
		if err != nil {
			return err
		}
		plan, err := t.Plan()
		if err != nil {
			return err
		}
		attachments, err := t.Attachments("")
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s is valid: %d tenants, %d VPCs, %d routers, %d switches, %d workloads\n",
			config.Default.ModelFile, len(t.Tenants), len(t.VPCs), len(plan.Routers), len(plan.Switches), len(attachments))
		return nil
	},
}

// SetupCommand builds the logical topology
var SetupCommand = cli.Command{
	Name:   "setup",
	Usage:  "Create the logical routers, switches, ports and routes of the model",
	Action: withEnv(func(ctx context.Context, env *Env, _ cli.Args) error { return env.Setup(ctx) }),
}

// SetupChassisCommand prepares the local virtual switch to join the overlay
var SetupChassisCommand = cli.Command{
	Name:   "setup-chassis",
	Usage:  "Create the integration bridge and register this host as a chassis",
	Action: withEnv(func(ctx context.Context, env *Env, _ cli.Args) error { return env.SetupChassis(ctx) }),
}

// BindCommand attaches one workload
var BindCommand = cli.Command{
	Name:      "bind",
	Usage:     "Attach a running workload to its logical switch port",
	ArgsUsage: "WORKLOAD",
	Action: withEnv(func(ctx context.Context, env *Env, args cli.Args) error {
		name, err := oneArg(args, "workload")
		if err != nil {
			return err
		}
		return env.Bind(ctx, name)
	}),
}

// ProbeCommand prints the observed state of one workload
var ProbeCommand = cli.Command{
	Name:      "probe",
	Usage:     "Show which attachment layers of a workload are present",
	ArgsUsage: "WORKLOAD",
	Action: withEnv(func(ctx context.Context, env *Env, args cli.Args) error {
		name, err := oneArg(args, "workload")
		if err != nil {
			return err
		}
		state, err := env.Probe(ctx, name)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(env.Out, string(out))
		return nil
	}),
}

// ReconcileCommand repairs one workload
var ReconcileCommand = cli.Command{
	Name:      "reconcile",
	Usage:     "Repair the attachment of one workload",
	ArgsUsage: "WORKLOAD",
	Action: withEnv(func(ctx context.Context, env *Env, args cli.Args) error {
		name, err := oneArg(args, "workload")
		if err != nil {
			return err
		}
		return env.ReconcileOne(ctx, name)
	}),
}

// ReconcileAllCommand repairs every workload of this host
var ReconcileAllCommand = cli.Command{
	Name:  "reconcile-all",
	Usage: "Garbage collect orphaned ports and repair every workload on this host",
	Action: withEnv(func(ctx context.Context, env *Env, _ cli.Args) error {
		return env.ReportReconcileAll(ctx)
	}),
}

// ShowCommand prints the logical network and the local workloads
var ShowCommand = cli.Command{
	Name:   "show",
	Usage:  "Show the logical network and the attachment state of local workloads",
	Action: withEnv(func(ctx context.Context, env *Env, _ cli.Args) error { return env.Show(ctx) }),
}

// CheckConnectivityCommand pings between workloads
var CheckConnectivityCommand = cli.Command{
	Name:      "check-connectivity",
	Usage:     "Ping a workload or address from inside a workload",
	ArgsUsage: "SOURCE DESTINATION",
	Action: withEnv(func(ctx context.Context, env *Env, args cli.Args) error {
		if args.Len() != 2 {
			return fmt.Errorf("expected a source workload and a destination, got %d arguments", args.Len())
		}
		return env.CheckConnectivity(ctx, args.Get(0), args.Get(1))
	}),
}

// Setup builds the topology once; rerunning it creates nothing new
func (e *Env) Setup(ctx context.Context) error {
	unlock, err := e.lock()
	if err != nil {
		return err
	}
	defer unlock()

	result, err := e.Builder.BuildTopology(ctx, e.Topology)
	if result != nil {
		fmt.Fprintf(e.Out, "Topology: %s\n", result)
	}
	return err
}

// SetupChassis ensures the integration bridge and the chassis settings. Values
// that are not configured come from the model entry of this host.
func (e *Env) SetupChassis(ctx context.Context) error {
	cfg := vswitch.ChassisConfig{
		Remote:    config.OVS.Remote,
		EncapType: config.OVS.EncapType,
		EncapIP:   config.OVS.EncapIP,
		SystemID:  config.OVS.SystemID,
	}
	if host, ok := e.Topology.Hosts[e.Host]; ok {
		if cfg.EncapIP == "" {
			cfg.EncapIP = host.TunnelIP
		}
		if cfg.SystemID == "" {
			cfg.SystemID = host.ChassisName
		}
	}
	if cfg.SystemID == "" {
		cfg.SystemID = e.Host
	}
	if cfg.EncapIP == "" {
		return fmt.Errorf("no tunnel address configured for host %q", e.Host)
	}

	unlock, err := e.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.VS.EnsureBridge(ctx, config.OVS.Bridge); err != nil {
		return err
	}
	if err := e.VS.ConfigureChassis(ctx, cfg); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "Chassis %s configured on %s (encap %s %s)\n", cfg.SystemID, config.OVS.Bridge, cfg.EncapType, cfg.EncapIP)
	return nil
}

// Bind attaches one local workload
func (e *Env) Bind(ctx context.Context, name string) error {
	a, err := e.localAttachment(name)
	if err != nil {
		return err
	}
	unlock, err := e.lock()
	if err != nil {
		return err
	}
	defer unlock()

	bound, err := e.Binder.Bind(ctx, portbinder.Request{Attachment: *a})
	if err != nil {
		return err
	}
	if !bound {
		return fmt.Errorf("%s could not be bound", name)
	}
	fmt.Fprintf(e.Out, "Bound %s\n", name)
	return nil
}

// ReconcileOne repairs one local workload
func (e *Env) ReconcileOne(ctx context.Context, name string) error {
	a, err := e.localAttachment(name)
	if err != nil {
		return err
	}
	unlock, err := e.lock()
	if err != nil {
		return err
	}
	defer unlock()

	outcome, err := e.Reconciler.Reconcile(ctx, *a)
	fmt.Fprintf(e.Out, "%s: %s\n", name, outcome)
	return err
}

// ReportReconcileAll runs one pass and prints its counts. Any failed workload
// makes it return an error.
func (e *Env) ReportReconcileAll(ctx context.Context) error {
	result, err := e.ReconcileAll(ctx)
	if result == nil {
		return err
	}
	fmt.Fprintf(e.Out, "Reconciled: %s\n", result)
	if len(result.FailedWorkloads) > 0 {
		fmt.Fprintf(e.Out, "Failed workloads: %s\n", strings.Join(result.FailedWorkloads, ", "))
	}
	if err != nil {
		return fmt.Errorf("reconcile pass %s failed: %w", result.Pass, err)
	}
	return nil
}

// Show prints the logical network followed by a table of local workloads
func (e *Env) Show(ctx context.Context) error {
	out, err := e.NB.Show(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.Out, strings.TrimRight(out, "\n"))

	attachments, err := e.LocalAttachments()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(e.Out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tRUNNING\tINTERFACE\tVSWITCH\tLOGICAL\tIP")
	for _, a := range attachments {
		state, err := e.Reconciler.Prober().Probe(ctx, a.Workload)
		if err != nil {
			klog.Warningf("Failed to probe %s: %v", a.Workload, err)
			fmt.Fprintf(w, "%s\t?\t?\t?\t?\t\n", a.Workload)
			continue
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\t%s\n", a.Workload, state.WorkloadRunning,
			state.NamespaceInterface, state.VSwitchPort, state.LogicalPort, state.IP)
	}
	return w.Flush()
}

// CheckConnectivity pings destination, a workload name or an address, from
// inside source
func (e *Env) CheckConnectivity(ctx context.Context, source, destination string) error {
	ip := net.ParseIP(destination)
	if ip == nil {
		a, err := e.Topology.Attachment(destination)
		if err != nil {
			return err
		}
		ip = a.IP
	}
	ctx, cancel := context.WithTimeout(ctx, config.CommandTimeout())
	defer cancel()
	if err := e.Pinger.Ping(ctx, source, ip); err != nil {
		return err
	}
	fmt.Fprintf(e.Out, "%s can reach %s (%s)\n", source, destination, ip)
	return nil
}
