// Command paygate runs the pay-per-fetch gateway and its agent-side tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/polycrawl/paygate/config"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "paygate",
		Short:         "Signed, paid data access for AI agents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PAYGATE_CONFIG"), "YAML configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	root.AddCommand(serveCmd(load))
	root.AddCommand(keygenCmd())
	root.AddCommand(signCmd())
	root.AddCommand(proxyCmd(load))
	root.AddCommand(receiptCmd())
	return root
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h), nil
}
