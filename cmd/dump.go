package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/hwc"
	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/bnema/vdsurface/internal/pipeline"
	"github.com/spf13/cobra"
)

var dumpOffline bool

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print surface and composer state",
	Long: `Print the diagnostic dump of a running pipeline. With --offline a single
frame is driven through the configured displays locally and the resulting
state is dumped instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dumpOffline {
			return dumpLocal(cmd.Context())
		}

		client, err := ipc.NewClient(config.Get().IPC.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to create IPC client: %w", err)
		}
		text, err := client.Dump()
		if err != nil {
			return fmt.Errorf("failed to get dump: %w", err)
		}
		fmt.Print(text)
		return nil
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpOffline, "offline", false, "Drive one frame locally instead of querying a running pipeline")
}

func dumpLocal(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runner, err := pipeline.NewRunner(config.Get(), hwc.NewSoftware())
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer runner.Close()

	if err := runner.Run(ctx, 1); err != nil {
		return fmt.Errorf("frame loop failed: %w", err)
	}
	runner.Dump(os.Stdout)
	return nil
}
