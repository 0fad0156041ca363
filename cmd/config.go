package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bnema/vdsurface/internal/bufferqueue"
	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage vdsurface configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		logger.Infof("Config file: %s", config.GetConfigPath())
		logger.Infof("Frames: %d, interval: %s, pull timeout: %s",
			cfg.Pipeline.Frames, cfg.Pipeline.Interval, cfg.Pipeline.PullTimeout)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		if _, err := fmt.Fprintln(w, "NAME\tID\tMODE\tSIZE\tFORMAT\tBUFFERS\tRENDER"); err != nil {
			return err
		}
		for _, d := range cfg.Displays {
			mode := "interposed"
			if d.ID < 0 {
				mode = "direct"
			}
			if _, err := fmt.Fprintf(w, "%s\t%d\t%s\t%dx%d\t%s\t%d\t%v\n",
				d.Name, d.ID, mode, d.Width, d.Height, d.Format, d.Buffers, d.Render); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration saved to: %s", config.GetConfigPath())
		return nil
	},
}

var configDisplayCmd = &cobra.Command{
	Use:   "display",
	Short: "Manage virtual displays",
}

var configDisplayAddCmd = &cobra.Command{
	Use:   "add <name> <id>",
	Short: "Add or replace a display",
	Long:  `Add a display. A negative id hands the sink out directly instead of interposing it.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int32
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			return fmt.Errorf("invalid display id %q: %w", args[1], err)
		}

		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		buffers, _ := cmd.Flags().GetInt("buffers")
		format, _ := cmd.Flags().GetString("format")
		render, _ := cmd.Flags().GetBool("render")

		display := config.DisplayConfig{
			ID:      id,
			Name:    args[0],
			Width:   width,
			Height:  height,
			Format:  format,
			Buffers: buffers,
			Render:  render,
		}
		if err := config.AddDisplay(display); err != nil {
			return err
		}

		logger.Infof("Added display '%s' (id %d)", display.Name, display.ID)
		return nil
	},
}

var configDisplayRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a display",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RemoveDisplay(args[0]); err != nil {
			return err
		}
		logger.Infof("Removed display '%s'", args[0])
		return nil
	},
}

func init() {
	configDisplayAddCmd.Flags().Int("width", 1280, "Buffer width")
	configDisplayAddCmd.Flags().Int("height", 720, "Buffer height")
	configDisplayAddCmd.Flags().Int("buffers", 3, "Sink buffer count")
	configDisplayAddCmd.Flags().String("format", string(bufferqueue.FormatRGBA8888), "Pixel format")
	configDisplayAddCmd.Flags().Bool("render", true, "Queue a rendered frame every tick")

	configDisplayCmd.AddCommand(configDisplayAddCmd)
	configDisplayCmd.AddCommand(configDisplayRemoveCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configDisplayCmd)
}
