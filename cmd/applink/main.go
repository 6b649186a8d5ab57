// Command applink links a local app project to a remote builder and keeps it
// in sync while you edit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/config"
	"github.com/applinkdev/applink/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger
	loader = config.NewLoader()
)

var rootCmd = &cobra.Command{
	Use:           "applink",
	Short:         "Link a local app to the remote builder",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("config")
		loaded, err := loader.Load(file)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Config{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}
		if used := loader.ConfigFileUsed(); used != "" {
			logger.Debug("loaded config", zap.String("file", used))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "link", Title: "Linking:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
	rootCmd.PersistentFlags().String("config", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().String("log-level", "info", "Diagnostic log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this file, rotated by size")
	cobra.CheckErr(loader.BindFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")))
	cobra.CheckErr(loader.BindFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file")))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
