package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/bnema/vdsurface/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running pipeline live",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(config.Get().IPC.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to create IPC client: %w", err)
		}
		client.SetTimeout(monitorInterval)

		// Keep log lines from tearing the alt screen.
		logger.SetOutput(io.Discard)

		model := ui.NewMonitorModel(client.Status, monitorInterval)
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("monitor failed: %w", err)
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", time.Second, "Refresh interval")
}
