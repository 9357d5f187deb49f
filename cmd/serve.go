package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"mcpgate/internal/app"
	"mcpgate/internal/config"
	"mcpgate/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway: spawn the configured backends, aggregate their
catalogs, and serve the authenticated HTTP endpoint until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}

		level := logging.ParseLevel(cfg.LogLevel)
		if serveDebug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stdout)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return app.New(cfg, version).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "config.json", "path to the gateway configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging regardless of configuration")
	rootCmd.AddCommand(serveCmd)
}
