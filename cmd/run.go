package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/bnema/vdsurface/internal/pipeline"
	"github.com/bnema/vdsurface/internal/remote"
	"github.com/bnema/vdsurface/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var noIPC bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the configured virtual displays",
	Long: `Run the frame loop for every configured display against the software
composer. Displays with a negative id hand their sink out directly; all
others go through an interposer. Statuses are served on the diagnostics
socket while running.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().IntP("frames", "n", 0, "Frames per display (0 runs until interrupted)")
	runCmd.Flags().Duration("interval", 0, "Time between frames")
	runCmd.Flags().BoolVar(&noIPC, "no-ipc", false, "Do not serve the diagnostics socket")

	// Bind flags to viper
	viper.BindPFlag("pipeline.frames", runCmd.Flags().Lookup("frames"))
	viper.BindPFlag("pipeline.interval", runCmd.Flags().Lookup("interval"))
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	composer := hwc.NewSoftware()
	runner, err := pipeline.NewRunner(cfg, composer)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer runner.Close()

	// Create root context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, stopping frame loop...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if !noIPC {
		server, err := ipc.NewSocketServer(cfg.IPC.SocketPath, runner)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	if cfg.Remote.Enabled {
		sshServer := remote.NewSSHServer(cfg.Remote.Address, cfg.GetHostKeyPath(), cfg.Remote.AllowedKeys, runner)
		if err := sshServer.Start(ctx); err != nil {
			return err
		}
		defer sshServer.Stop()
	}

	logger.Info("Starting frame loop", "displays", len(cfg.Displays), "frames", cfg.Pipeline.Frames, "interval", cfg.Pipeline.Interval)
	if err := runner.Run(ctx, cfg.Pipeline.Frames); err != nil {
		return fmt.Errorf("frame loop failed: %w", err)
	}

	fmt.Println(ui.FormatStatusTable(ipc.FromStatuses(runner.Statuses())))
	return nil
}
