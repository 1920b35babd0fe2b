package app

import (
	"context"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/server"
)

const (
	triggeredPassRate  = 0.2
	triggeredPassBurst = 3
)

// DaemonCommand reconciles periodically and serves diagnostics until stopped
var DaemonCommand = cli.Command{
	Name:  "daemon",
	Usage: "Reconcile the workloads of this host periodically and serve metrics and probes",
	Action: withEnv(func(ctx context.Context, env *Env, _ cli.Args) error {
		interval := time.Duration(config.Reconcile.Interval) * time.Second
		return env.RunDaemon(ctx, interval, config.Metrics.BindAddress, server.Options{
			EnablePprof:    config.Metrics.EnablePprof,
			ReconcileRate:  triggeredPassRate,
			ReconcileBurst: triggeredPassBurst,
		})
	}),
}

// RunDaemon runs a pass every interval until ctx is done. An empty
// bindAddress disables the diagnostics server. Passes triggered over HTTP and
// periodic passes never overlap.
func (e *Env) RunDaemon(ctx context.Context, interval time.Duration, bindAddress string, opts server.Options) error {
	stopChan := make(chan struct{})
	wg := &sync.WaitGroup{}
	if bindAddress != "" {
		server.Start(bindAddress, e, opts, stopChan, wg)
	}

	klog.Infof("Reconciling the workloads of %s every %v", e.Host, interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		result, err := e.ReconcileAll(ctx)
		if err != nil {
			klog.Errorf("Reconcile pass failed: %v", err)
		}
		if result != nil && len(result.FailedWorkloads) > 0 {
			klog.Warningf("Reconcile pass %s left %d workloads failed: %v", result.Pass, result.Failed, result.FailedWorkloads)
		}
	}, interval)

	close(stopChan)
	wg.Wait()
	klog.Infof("Daemon stopped")
	return nil
}
