package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudbera60-web/Gifted-bot/internal/config"
	"github.com/cloudbera60-web/Gifted-bot/internal/logging"
	"github.com/cloudbera60-web/Gifted-bot/internal/session"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "giftedbot",
		Short:        "GIFTED-MD WhatsApp bot",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// setup loads configuration and builds the root logger.
func setup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func newSessions(cfg config.Config, log zerolog.Logger) *session.Manager {
	opts := []session.Option{session.WithLogger(log)}
	if cfg.ServiceID != "" && cfg.ServiceID != "not-set" {
		opts = append(opts, session.WithServiceID(cfg.ServiceID))
	}
	return session.NewManager(cfg.SessionDir, opts...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "giftedbot", version)
		},
	}
}
