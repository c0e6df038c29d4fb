package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kstrand/macvm/internal/instance"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Configure and start the VM",
	Long: `Run opens the instance, builds its device configuration, starts the VM,
and blocks until the guest stops or the process receives an interrupt.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	dir, err := resolveDir()
	if err != nil {
		return err
	}
	host, err := newHost()
	if err != nil {
		return err
	}
	inst, err := instance.Open(dir, host)
	if err != nil {
		return err
	}
	if err := inst.Configure(cmd.Context()); err != nil {
		return err
	}
	if err := inst.Start(cmd.Context()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var g errgroup.Group
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logrus.WithField("signal", sig).Info("stopping VM")
			return inst.Stop(context.Background())
		case <-inst.Done():
			return inst.LastError()
		}
	})
	return g.Wait()
}
