package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/tether/internal/config"
	"github.com/gosuda/tether/internal/daemon"
	"github.com/gosuda/tether/internal/sealbox"
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command
	Use:   "daemon",
	Short: "Run the daemon in the foreground",
	Long:  "Connects to the hub, serves the local control surface and relays every spawned session until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadDaemon()
	if err != nil {
		return err
	}
	cfg.Log.Apply()

	if cmd.Flags().Changed("control-addr") {
		cfg.ControlAddr = controlAddr
	}

	key, err := sealbox.ParseKey(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("TETHER_SECRET_KEY: %w", err)
	}

	mgr, err := daemon.NewManager(daemon.ManagerOptions{
		Endpoint:    cfg.Endpoint,
		Token:       cfg.Token,
		MachineID:   cfg.MachineID,
		Key:         key,
		Resolver:    daemon.NewResolver(nil, cfg.HealthTimeout, nil),
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}

	d := daemon.New(mgr, daemon.Options{ApprovalTimeout: cfg.ApprovalTimeout})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctl, err := daemon.NewControlServer(cfg.ControlAddr, d, cancel)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(ctl.Start)

	g.Go(func() error {
		log.Info().Str("endpoint", cfg.Endpoint).Str("machine_id", cfg.MachineID).Msg("daemon starting")
		return d.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("daemon shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		return errors.Join(d.Shutdown(shutdownCtx), ctl.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("daemon stopped")
	return nil
}
