// pkdd is the ICAO local PKD daemon: it ingests certificate bundles,
// validates trust chains, mirrors the material into LDAP and keeps both
// stores reconciled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iland112/icao-local-pkd/daemon"
	"github.com/iland112/icao-local-pkd/daemon/config"
)

func main() {
	cmd := newDaemonCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newDaemonCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "pkdd",
		Short:         "ICAO local PKD daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(logLevel)
		},
	}
	installFlags(cmd.Flags(), &logLevel)
	return cmd
}

func installFlags(flags *pflag.FlagSet, logLevel *string) {
	flags.StringVarP(logLevel, "log-level", "l", "", `log level ("debug"|"info"|"warn"|"error"), overrides LOG_LEVEL`)
}

func runDaemon(logLevel string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := log.SetFormat(log.TextFormat); err != nil {
		return err
	}

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	go func() {
		<-ctx.Done()
		log.G(ctx).Info("shutdown signal received")
	}()
	return d.Run(ctx)
}
