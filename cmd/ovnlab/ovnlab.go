package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/ovs-container-lab/ovnlab/cmd/ovnlab/app"
	"github.com/ovs-container-lab/ovnlab/pkg/config"
	"github.com/ovs-container-lab/ovnlab/pkg/util"
)

func main() {
	c := cli.NewApp()
	c.Name = "ovnlab"
	c.Usage = "Build and repair a multi-tenant OVN lab network"
	c.Version = config.Version
	c.Flags = config.GetFlags(nil)
	c.Commands = app.Commands()

	c.Before = func(ctx *cli.Context) error {
		exec := kexec.New()
		if _, err := config.InitConfig(ctx, exec); err != nil {
			return err
		}
		return util.SetExec(exec)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// trap SIGHUP, SIGINT, SIGTERM, SIGQUIT and
	// cancel the context
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh,
		unix.SIGHUP,
		unix.SIGINT,
		unix.SIGTERM,
		unix.SIGQUIT)
	defer func() {
		signal.Stop(exitCh)
		cancel()
	}()
	go func() {
		select {
		case s := <-exitCh:
			klog.Infof("Received signal %s. Shutting down", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.RunContext(ctx, os.Args); err != nil {
		klog.Exit(err)
	}
}
