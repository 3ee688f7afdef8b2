// Command melloos boots the kernel core against a simulated hardware
// handoff and runs until the process is interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/n4ar/melloos/internal/bootinfo"
	"github.com/n4ar/melloos/internal/kernel"
	"github.com/n4ar/melloos/internal/topology"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "melloos",
		Short: "MelloOS kernel core",
	}
	root.AddCommand(newBootCmd())
	return root
}

func newBootCmd() *cobra.Command {
	var cmdline string
	var cpuCount int

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Run the fixed boot sequence and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			handoff := &bootinfo.Handoff{CommandLine: cmdline}

			ids := make([]uint32, cpuCount)
			for i := range ids {
				ids[i] = uint32(i)
			}
			src := topology.StaticSource(ids)

			k, err := kernel.Boot(ctx, handoff, int(os.Stderr.Fd()), src)
			if err != nil {
				return fmt.Errorf("boot failed: %w", err)
			}
			fmt.Fprintf(os.Stdout, "melloos: booted with %d cpu(s), %d ports, %d process slots\n",
				k.Scheduler.CPUCount(), k.Options.PortCount, k.Options.ProcessSlots)

			<-ctx.Done()
			k.Scheduler.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdline, "cmdline", strings.Join(os.Args[1:], " "), "boot command line forwarded to bootinfo.ParseCommandLine")
	cmd.Flags().IntVar(&cpuCount, "cpus", 1, "number of simulated enabled cores")
	return cmd
}
