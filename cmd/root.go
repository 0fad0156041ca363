package cmd

import (
	"github.com/bnema/vdsurface/internal/config"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"

	configPath string

	rootCmd = &cobra.Command{
		Use:   "vdsurface",
		Short: "vdsurface - virtual display buffer hand-off",
		Long: `vdsurface drives virtual display surfaces: it acquires frames from an
upstream producer, posts them to a compositor, and releases them to a
downstream sink guarded by the compositor's completion fences.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Init(); err != nil {
				return err
			}
			if level := config.Get().Logging.LogLevel; level != "" {
				logger.SetLevel(level)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default searches /etc/vdsurface, ~/.config/vdsurface, .)")
	rootCmd.PersistentFlags().String("socket", "", "Diagnostics socket path")
	viper.BindPFlag("ipc.socket_path", rootCmd.PersistentFlags().Lookup("socket"))

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
