package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/metrics"
)

const (
	ovsVsctlCommand  = "ovs-vsctl"
	ovnNbctlCommand  = "ovn-nbctl"
	systemctlCommand = "systemctl"
)

// ExecRunner runs one external command and returns its output
type ExecRunner interface {
	RunCmd(ctx context.Context, cmdPath string, envVars []string, args ...string) (*bytes.Buffer, *bytes.Buffer, error)
}

type execHelper struct {
	exec          kexec.Interface
	vsctlPath     string
	nbctlPath     string
	runtimePath   string
	systemctlPath string
}

var runner *execHelper

var runCounter uint64

// SetExec validates executable paths and saves the given exec interface
// to be used for running the OVS, OVN, runtime and service utilities.
// A binary that cannot be found only fails the commands that need it, so
// hosts without a local northbound client can still bind workloads.
func SetExec(exec kexec.Interface) error {
	runner = &execHelper{exec: exec}
	var missing []string
	lookup := func(name string) string {
		path, err := exec.LookPath(name)
		if err != nil {
			missing = append(missing, name)
			return ""
		}
		return path
	}
	runner.vsctlPath = lookup(ovsVsctlCommand)
	runner.runtimePath = lookup(config.Workload.RuntimeBinary)
	runner.systemctlPath = lookup(systemctlCommand)
	if config.OvnNorth.Container == "" {
		runner.nbctlPath = lookup(ovnNbctlCommand)
	}
	if len(missing) > 0 {
		klog.Warningf("Commands not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ResetRunner used by unit-tests to reset runner to its initial (un-initialized) value
func ResetRunner() {
	runner = nil
}

// GetExec returns the exec interface saved by SetExec
func GetExec() kexec.Interface {
	if runner == nil {
		return nil
	}
	return runner.exec
}

// RunCmd runs cmdPath with its own bounded timeout derived from ctx.
func (r *execHelper) RunCmd(ctx context.Context, cmdPath string, envVars []string, args ...string) (*bytes.Buffer, *bytes.Buffer, error) {
	ctx, cancel := context.WithTimeout(ctx, config.CommandTimeout())
	defer cancel()

	cmd := r.exec.CommandContext(ctx, cmdPath, args...)
	if len(envVars) != 0 {
		cmd.SetEnv(envVars)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetStdout(stdout)
	cmd.SetStderr(stderr)

	counter := atomic.AddUint64(&runCounter, 1)
	logCmd := fmt.Sprintf("%s %s", cmdPath, strings.Join(args, " "))
	klog.V(5).Infof("exec(%d): %s", counter, logCmd)

	err := cmd.Run()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %v: %w", config.CommandTimeout(), ctx.Err())
	}
	klog.V(5).Infof("exec(%d): stdout: %q", counter, stdout)
	klog.V(5).Infof("exec(%d): stderr: %q", counter, stderr)
	if err != nil {
		klog.V(5).Infof("exec(%d): err: %v", counter, err)
	}
	metrics.RecordExec(baseName(cmdPath), err)
	return stdout, stderr, err
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func run(ctx context.Context, cmdPath, name string, args ...string) (*bytes.Buffer, *bytes.Buffer, error) {
	if runner == nil {
		return nil, nil, fmt.Errorf("exec runner not initialized")
	}
	if cmdPath == "" {
		return nil, nil, fmt.Errorf("%s is not available on this host", name)
	}
	return runner.RunCmd(ctx, cmdPath, nil, args...)
}

func trimOutput(stdout, stderr *bytes.Buffer, err error) (string, string, error) {
	if stdout == nil || stderr == nil {
		return "", "", err
	}
	return strings.Trim(strings.TrimSpace(stdout.String()), "\""), stderr.String(), err
}

// RunOVSVsctl runs a command via ovs-vsctl.
func RunOVSVsctl(ctx context.Context, args ...string) (string, string, error) {
	cmdArgs := []string{fmt.Sprintf("--timeout=%d", config.Default.CommandTimeout)}
	cmdArgs = append(cmdArgs, args...)
	var path string
	if runner != nil {
		path = runner.vsctlPath
	}
	return trimOutput(run(ctx, path, ovsVsctlCommand, cmdArgs...))
}

func nbctlDBArgs() []string {
	if config.OvnNorth.Address == "" {
		return nil
	}
	var args []string
	if strings.HasPrefix(config.OvnNorth.Address, "ssl:") {
		args = append(args,
			fmt.Sprintf("--private-key=%s", config.OvnNorth.PrivKey),
			fmt.Sprintf("--certificate=%s", config.OvnNorth.Cert),
			fmt.Sprintf("--bootstrap-ca-cert=%s", config.OvnNorth.CACert),
		)
	}
	return append(args, fmt.Sprintf("--db=%s", config.OvnNorth.Address))
}

// RunOVNNbctl runs a command via ovn-nbctl, inside the configured northbound
// container when there is one.
func RunOVNNbctl(ctx context.Context, args ...string) (string, string, error) {
	return trimOutput(runNbctl(ctx, args...))
}

// RunOVNNbctlRawOutput is RunOVNNbctl without stripping quotes from stdout,
// for output formats such as csv where they are significant.
func RunOVNNbctlRawOutput(ctx context.Context, args ...string) (string, string, error) {
	stdout, stderr, err := runNbctl(ctx, args...)
	if stdout == nil || stderr == nil {
		return "", "", err
	}
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

func runNbctl(ctx context.Context, args ...string) (*bytes.Buffer, *bytes.Buffer, error) {
	cmdArgs := nbctlDBArgs()
	cmdArgs = append(cmdArgs, fmt.Sprintf("--timeout=%d", config.Default.CommandTimeout))
	cmdArgs = append(cmdArgs, args...)
	if runner == nil {
		return nil, nil, fmt.Errorf("exec runner not initialized")
	}
	if config.OvnNorth.Container != "" {
		cmdArgs = append([]string{"exec", config.OvnNorth.Container, ovnNbctlCommand}, cmdArgs...)
		return run(ctx, runner.runtimePath, config.Workload.RuntimeBinary, cmdArgs...)
	}
	return run(ctx, runner.nbctlPath, ovnNbctlCommand, cmdArgs...)
}

// RunRuntime runs a command via the container runtime CLI.
func RunRuntime(ctx context.Context, args ...string) (string, string, error) {
	var path string
	if runner != nil {
		path = runner.runtimePath
	}
	return trimOutput(run(ctx, path, config.Workload.RuntimeBinary, args...))
}

// RunSystemctl runs a command via systemctl.
func RunSystemctl(ctx context.Context, args ...string) (string, string, error) {
	var path string
	if runner != nil {
		path = runner.systemctlPath
	}
	return trimOutput(run(ctx, path, systemctlCommand, args...))
}
