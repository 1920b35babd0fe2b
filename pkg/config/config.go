package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	gcfg "gopkg.in/gcfg.v1"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/ovs-container-lab/ovnlab/pkg/types"
)

// DefaultConfigFilePath is the config file read when --config-file is not given.
const DefaultConfigFilePath = "/etc/ovnlab/ovnlab.conf"

// Version is set at build time
var Version = "0.0.0"

// The following are global config parameters that other modules may access directly
var (
	// Default holds parsed config file parameters and command-line overrides
	Default = DefaultConfig{
		ModelFile:      "/etc/ovnlab/network-config.yaml",
		CommandTimeout: 10,
		LockFile:       "/var/run/ovnlab.lock",
	}

	// Logging holds logging-related parsed config file parameters and command-line overrides
	Logging = LoggingConfig{
		Level:             4,
		LogFileMaxSize:    100,
		LogFileMaxBackups: 5,
		LogFileMaxAge:     5,
	}

	// OvnNorth holds the northbound database client parameters
	OvnNorth = OvnNorthConfig{}

	// OVS holds per-host virtual switch parameters
	OVS = OVSConfig{
		Bridge:    types.IntegrationBridge,
		EncapType: "geneve",
	}

	// Workload holds container-side attachment parameters
	Workload = WorkloadConfig{
		Interface:     types.ContainerInterface,
		VethNaming:    string(types.NamingLegacy),
		RuntimeBinary: "docker",
	}

	// Reconcile holds reconciler parameters
	Reconcile = ReconcileConfig{
		Creator:      types.DefaultCreator,
		AgentService: types.OVNController,
		Interval:     60,
	}

	// Metrics holds diagnostics server parameters
	Metrics = MetricsConfig{
		BindAddress: "127.0.0.1:9476",
	}

	// NamingScheme is the parsed Workload.VethNaming
	NamingScheme = types.NamingLegacy
)

// DefaultConfig holds parsed config file parameters and command-line overrides
type DefaultConfig struct {
	// ModelFile is the declarative network model
	ModelFile string `gcfg:"model-file"`
	// Host is the name of the local host in the model; defaults to $OVN_HOST, then the hostname
	Host string `gcfg:"host"`
	// CommandTimeout bounds every external command, in seconds
	CommandTimeout int `gcfg:"command-timeout"`
	// LockFile serializes mutating passes between processes on a host
	LockFile string `gcfg:"lock-file"`
}

// LoggingConfig holds logging-related parsed config file parameters and command-line overrides
type LoggingConfig struct {
	// File is the path of the file to log to
	File string `gcfg:"logfile"`
	// Level is the logging verbosity level
	Level int `gcfg:"loglevel"`
	// LogFileMaxSize is the maximum size in megabytes of the logfile
	// before it gets rolled.
	LogFileMaxSize int `gcfg:"logfile-maxsize"`
	// LogFileMaxBackups represents the maximum number of old log files to retain
	LogFileMaxBackups int `gcfg:"logfile-maxbackups"`
	// LogFileMaxAge represents the maximum number of days to retain old log files
	LogFileMaxAge int `gcfg:"logfile-maxage"`
}

// OvnNorthConfig holds northbound database client parameters
type OvnNorthConfig struct {
	// Address is passed to ovn-nbctl --db when set
	Address string `gcfg:"address"`
	// Container runs ovn-nbctl through the workload runtime inside the named
	// container, for labs where the central components are containerized
	Container string `gcfg:"container"`
	PrivKey   string `gcfg:"client-privkey"`
	Cert      string `gcfg:"client-cert"`
	CACert    string `gcfg:"client-cacert"`
}

// OVSConfig holds per-host virtual switch parameters
type OVSConfig struct {
	Bridge string `gcfg:"bridge"`
	// Remote is the southbound address written into ovn-remote on chassis setup
	Remote    string `gcfg:"remote"`
	EncapType string `gcfg:"encap-type"`
	EncapIP   string `gcfg:"encap-ip"`
	SystemID  string `gcfg:"system-id"`
}

// WorkloadConfig holds container-side attachment parameters
type WorkloadConfig struct {
	// Interface is the overlay interface name inside each workload
	Interface string `gcfg:"interface"`
	// VethNaming is legacy or hashed
	VethNaming    string `gcfg:"veth-naming"`
	RuntimeBinary string `gcfg:"runtime"`
}

// ReconcileConfig holds reconciler parameters
type ReconcileConfig struct {
	// Creator is stamped into created-by
	Creator string `gcfg:"creator"`
	// AgentService is restarted once after a pass that repaired anything
	AgentService string `gcfg:"agent-service"`
	// Interval between passes in daemon mode, in seconds
	Interval int `gcfg:"interval"`
	// SkipAgentRestart disables the post-repair agent restart
	SkipAgentRestart bool `gcfg:"skip-agent-restart"`
}

// MetricsConfig holds diagnostics server parameters
type MetricsConfig struct {
	BindAddress string `gcfg:"bind-address"`
	EnablePprof bool   `gcfg:"enable-pprof"`
}

// config is used to read the structured config file and to cache config in testcases
type config struct {
	Default   DefaultConfig
	Logging   LoggingConfig
	OvnNorth  OvnNorthConfig
	OVS       OVSConfig
	Workload  WorkloadConfig
	Reconcile ReconcileConfig
	Metrics   MetricsConfig
}

var (
	savedDefault   DefaultConfig
	savedLogging   LoggingConfig
	savedOvnNorth  OvnNorthConfig
	savedOVS       OVSConfig
	savedWorkload  WorkloadConfig
	savedReconcile ReconcileConfig
	savedMetrics   MetricsConfig
)

func init() {
	savedDefault = Default
	savedLogging = Logging
	savedOvnNorth = OvnNorth
	savedOVS = OVS
	savedWorkload = Workload
	savedReconcile = Reconcile
	savedMetrics = Metrics
	Flags = GetFlags(nil)
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("Version: %s\n", Version)
	}
}

// PrepareTestConfig restores default config values. Used by testcases to
// provide a pristine environment between tests.
func PrepareTestConfig() error {
	Default = savedDefault
	Logging = savedLogging
	OvnNorth = savedOvnNorth
	OVS = savedOVS
	Workload = savedWorkload
	Reconcile = savedReconcile
	Metrics = savedMetrics
	NamingScheme = types.NamingLegacy
	cliConfig = config{}
	configFile = ""
	return nil
}

// CommandTimeout returns the per-command timeout as a duration
func CommandTimeout() time.Duration {
	return time.Duration(Default.CommandTimeout) * time.Second
}

// LocalHost returns the name of this host in the model
func LocalHost() string {
	if Default.Host != "" {
		return Default.Host
	}
	if h := os.Getenv("OVN_HOST"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		klog.Warningf("Unable to determine hostname: %v", err)
		return ""
	}
	return h
}

var configFile string

// CommonFlags capture general options.
var CommonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config-file",
		Usage:       "configuration file path (default: " + DefaultConfigFilePath + ")",
		Destination: &configFile,
	},
	&cli.StringFlag{
		Name:        "model",
		Usage:       "network model file",
		Destination: &cliConfig.Default.ModelFile,
	},
	&cli.StringFlag{
		Name:        "host",
		Usage:       "name of the local host in the network model (default: $OVN_HOST or hostname)",
		Destination: &cliConfig.Default.Host,
	},
	&cli.IntFlag{
		Name:        "command-timeout",
		Usage:       "timeout in seconds for every external command (default: 10)",
		Destination: &cliConfig.Default.CommandTimeout,
	},
	&cli.StringFlag{
		Name:        "lock-file",
		Usage:       "lock file serializing mutating passes on this host",
		Destination: &cliConfig.Default.LockFile,
	},
	&cli.IntFlag{
		Name:        "loglevel",
		Usage:       "klog verbosity level (default: 4). Info, warn, fatal, error are always printed. For debug messages, use 5.",
		Destination: &cliConfig.Logging.Level,
	},
	&cli.StringFlag{
		Name:        "logfile",
		Usage:       "path of a file to direct log output to",
		Destination: &cliConfig.Logging.File,
	},
	&cli.IntFlag{
		Name:        "logfile-maxsize",
		Usage:       "maximum size in megabytes of the log file before it gets rotated",
		Destination: &cliConfig.Logging.LogFileMaxSize,
	},
	&cli.IntFlag{
		Name:        "logfile-maxbackups",
		Usage:       "maximum number of old log files to retain",
		Destination: &cliConfig.Logging.LogFileMaxBackups,
	},
	&cli.IntFlag{
		Name:        "logfile-maxage",
		Usage:       "maximum number of days to retain old log files",
		Destination: &cliConfig.Logging.LogFileMaxAge,
	},
}

// OvnNBFlags capture northbound database options
var OvnNBFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "nb-address",
		Usage:       "IP address and port of the OVN northbound API (eg, ssl:1.2.3.4:6641). Leave empty to use the local socket.",
		Destination: &cliConfig.OvnNorth.Address,
	},
	&cli.StringFlag{
		Name:        "nb-container",
		Usage:       "run ovn-nbctl inside this container",
		Destination: &cliConfig.OvnNorth.Container,
	},
	&cli.StringFlag{
		Name:        "nb-client-privkey",
		Usage:       "private key used to connect to an SSL northbound API",
		Destination: &cliConfig.OvnNorth.PrivKey,
	},
	&cli.StringFlag{
		Name:        "nb-client-cert",
		Usage:       "client certificate used to connect to an SSL northbound API",
		Destination: &cliConfig.OvnNorth.Cert,
	},
	&cli.StringFlag{
		Name:        "nb-client-cacert",
		Usage:       "CA certificate used to verify an SSL northbound API",
		Destination: &cliConfig.OvnNorth.CACert,
	},
}

// OVSFlags capture virtual switch and chassis options
var OVSFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "bridge",
		Usage:       "integration bridge workloads are attached to (default: " + types.IntegrationBridge + ")",
		Destination: &cliConfig.OVS.Bridge,
	},
	&cli.StringFlag{
		Name:        "sb-remote",
		Usage:       "southbound address written into ovn-remote by setup-chassis",
		Destination: &cliConfig.OVS.Remote,
	},
	&cli.StringFlag{
		Name:        "encap-type",
		Usage:       "tunnel encapsulation type (default: geneve)",
		Destination: &cliConfig.OVS.EncapType,
	},
	&cli.StringFlag{
		Name:        "encap-ip",
		Usage:       "tunnel endpoint address of this chassis",
		Destination: &cliConfig.OVS.EncapIP,
	},
	&cli.StringFlag{
		Name:        "system-id",
		Usage:       "chassis system-id",
		Destination: &cliConfig.OVS.SystemID,
	},
}

// WorkloadFlags capture container attachment options
var WorkloadFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "container-interface",
		Usage:       "overlay interface name inside workloads (default: " + types.ContainerInterface + ")",
		Destination: &cliConfig.Workload.Interface,
	},
	&cli.StringFlag{
		Name:        "veth-naming",
		Usage:       "host veth naming scheme: legacy or hashed (default: legacy)",
		Destination: &cliConfig.Workload.VethNaming,
	},
	&cli.StringFlag{
		Name:        "runtime",
		Usage:       "container runtime binary (default: docker)",
		Destination: &cliConfig.Workload.RuntimeBinary,
	},
}

// ReconcileFlags capture reconciler options
var ReconcileFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "creator",
		Usage:       "value stamped into the created-by tag",
		Destination: &cliConfig.Reconcile.Creator,
	},
	&cli.StringFlag{
		Name:        "agent-service",
		Usage:       "local chassis agent restarted after repairs (default: " + types.OVNController + ")",
		Destination: &cliConfig.Reconcile.AgentService,
	},
	&cli.IntFlag{
		Name:        "interval",
		Usage:       "seconds between reconcile passes in daemon mode (default: 60)",
		Destination: &cliConfig.Reconcile.Interval,
	},
	&cli.BoolFlag{
		Name:        "skip-agent-restart",
		Usage:       "do not restart the chassis agent after repairs",
		Destination: &cliConfig.Reconcile.SkipAgentRestart,
	},
}

// MetricsFlags capture diagnostics server options
var MetricsFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "metrics-bind-address",
		Usage:       "address the diagnostics server listens on (default: 127.0.0.1:9476)",
		Destination: &cliConfig.Metrics.BindAddress,
	},
	&cli.BoolFlag{
		Name:        "metrics-enable-pprof",
		Usage:       "enable pprof and runtime log level changes on the diagnostics server",
		Destination: &cliConfig.Metrics.EnablePprof,
	},
}

// Flags are general command-line flags. Apps should add these flags to their
// own urfave/cli flags and call InitConfig() early in the application.
var Flags []cli.Flag

// cliConfig captures values from the command line
var cliConfig config

// GetFlags returns an array of all command-line flags necessary to configure
// ovnlab
func GetFlags(customFlags []cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{}, CommonFlags...)
	flags = append(flags, OvnNBFlags...)
	flags = append(flags, OVSFlags...)
	flags = append(flags, WorkloadFlags...)
	flags = append(flags, ReconcileFlags...)
	flags = append(flags, MetricsFlags...)
	flags = append(flags, customFlags...)
	return flags
}

// InitConfig reads the config file and command-line arguments, validates the
// result and sets up logging. It returns the path of the config file that was
// used, or "" when none was found.
func InitConfig(ctx *cli.Context, exec kexec.Interface) (string, error) {
	return initConfig(ctx, exec)
}

func initConfig(ctx *cli.Context, exec kexec.Interface) (string, error) {
	var retConfigFile string
	var f *os.File
	var err error

	if configFile != "" {
		klog.Infof("Parsing config file %s", configFile)
		f, err = os.Open(configFile)
		if err != nil {
			return "", fmt.Errorf("failed to open config file %s: %v", configFile, err)
		}
		retConfigFile = configFile
	} else {
		f, err = os.Open(DefaultConfigFilePath)
		if err == nil {
			klog.Infof("Parsing config file %s", DefaultConfigFilePath)
			retConfigFile = DefaultConfigFilePath
		}
	}

	var cfg config
	if f != nil {
		defer f.Close()
		if err = gcfg.ReadInto(&cfg, f); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %v", f.Name(), err)
		}
		klog.Infof("Parsed config file %s", f.Name())
	}

	overrideConfig(&cfg)
	overrideConfig(&cliConfig)

	if err := completeConfig(); err != nil {
		return "", err
	}

	if err := setupLogging(); err != nil {
		return "", err
	}

	if exec != nil && OvnNorth.Container != "" {
		if _, err := exec.LookPath(Workload.RuntimeBinary); err != nil {
			return "", fmt.Errorf("runtime %q is required to reach the northbound database in %q: %v",
				Workload.RuntimeBinary, OvnNorth.Container, err)
		}
	}

	klog.V(5).Infof("Default config: %+v", Default)
	klog.V(5).Infof("Logging config: %+v", Logging)
	klog.V(5).Infof("OVN North config: %+v", OvnNorth)
	klog.V(5).Infof("OVS config: %+v", OVS)
	klog.V(5).Infof("Workload config: %+v", Workload)
	klog.V(5).Infof("Reconcile config: %+v", Reconcile)
	klog.V(5).Infof("Metrics config: %+v", Metrics)
	return retConfigFile, nil
}

func overrideConfig(cfg *config) {
	overrideFields(&Default, &cfg.Default)
	overrideFields(&Logging, &cfg.Logging)
	overrideFields(&OvnNorth, &cfg.OvnNorth)
	overrideFields(&OVS, &cfg.OVS)
	overrideFields(&Workload, &cfg.Workload)
	overrideFields(&Reconcile, &cfg.Reconcile)
	overrideFields(&Metrics, &cfg.Metrics)
}

func completeConfig() error {
	var err error
	NamingScheme, err = types.ParseNamingScheme(Workload.VethNaming)
	if err != nil {
		return err
	}
	if Default.CommandTimeout <= 0 {
		return fmt.Errorf("invalid command-timeout %d", Default.CommandTimeout)
	}
	if Reconcile.Interval <= 0 {
		return fmt.Errorf("invalid reconcile interval %d", Reconcile.Interval)
	}
	if len(Workload.Interface) == 0 || len(Workload.Interface) > types.MaxInterfaceNameLength {
		return fmt.Errorf("invalid container interface name %q", Workload.Interface)
	}
	if OvnNorth.Address != "" {
		if _, err := ParseNBAddress(OvnNorth.Address); err != nil {
			return err
		}
		if strings.HasPrefix(OvnNorth.Address, "ssl:") &&
			(OvnNorth.PrivKey == "" || OvnNorth.Cert == "" || OvnNorth.CACert == "") {
			return fmt.Errorf("ssl northbound address %q requires client-privkey, client-cert and client-cacert", OvnNorth.Address)
		}
	}
	return nil
}

func setupLogging() error {
	var level klog.Level
	if err := level.Set(strconv.Itoa(Logging.Level)); err != nil {
		return fmt.Errorf("failed to set klog log level %v", err)
	}
	if Logging.File != "" {
		klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
		klog.InitFlags(klogFlags)
		if err := klogFlags.Set("logtostderr", "false"); err != nil {
			klog.Errorf("Error setting klog logtostderr: %v", err)
		}
		if err := klogFlags.Set("alsologtostderr", "true"); err != nil {
			klog.Errorf("Error setting klog alsologtostderr: %v", err)
		}
		klog.SetOutput(&lumberjack.Logger{
			Filename:   Logging.File,
			MaxSize:    Logging.LogFileMaxSize,
			MaxBackups: Logging.LogFileMaxBackups,
			MaxAge:     Logging.LogFileMaxAge,
			Compress:   true,
		})
	}
	return nil
}
