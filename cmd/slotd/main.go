package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"slotd/internal/app"
	"slotd/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "slotd",
	Short: "Task slot table for a worker node",
	Long: `slotd owns the task slots of one worker node. It hands out static and
dynamic slots against the node's resource budget, frees slots that are not
activated in time, and reports slot state to the cluster.

Examples:
  slotd --config /etc/slotd/config.yaml
  slotd validate --config ./config.json`,
	SilenceUsage: true,
	RunE:         runNode,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the slot service (default)",
	RunE:  runNode,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and print the resolved node layout",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "Path to config file (json or yaml)")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify is a no-op then.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewManager(cfgPath, config.Validate).Load(cmd.Context())
	if err != nil {
		return err
	}
	n, err := cfg.ResolveNode()
	if err != nil {
		return err
	}
	r, err := cfg.ResolveReport()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: %s\n", cfgPath)
	fmt.Fprintf(out, "  resource_id:  %s\n", n.ResourceID)
	fmt.Fprintf(out, "  static slots: %d x %s\n", n.Slots, n.SlotProfile)
	fmt.Fprintf(out, "  total:        %s\n", n.TotalProfile)
	fmt.Fprintf(out, "  slot timeout: %s\n", n.SlotTimeout)
	fmt.Fprintf(out, "  report:       %s\n", r.Schedule)
	return nil
}
