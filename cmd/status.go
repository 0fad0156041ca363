package cmd

import (
	"fmt"
	"strings"

	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/bnema/vdsurface/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the displays of a running pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(config.Get().IPC.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to create IPC client: %w", err)
		}

		statuses, err := client.Status()
		if err != nil {
			return fmt.Errorf("failed to get pipeline status: %w", err)
		}

		var output strings.Builder
		output.WriteString(ui.TitleStyle.Render("VIRTUAL DISPLAYS"))
		output.WriteString("\n\n")
		output.WriteString(ui.FormatStatusTable(statuses))
		output.WriteString("\n\n")
		output.WriteString(ui.BoxStyle.Render(ui.FormatLegend()))
		fmt.Println(output.String())
		return nil
	},
}
