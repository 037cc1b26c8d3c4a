package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbera60-web/Gifted-bot/internal/bot"
	"github.com/cloudbera60-web/Gifted-bot/internal/control"
)

const autoStartDelay = 3 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the control panel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			noPanel, _ := cmd.Flags().GetBool("no-panel")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessions := newSessions(cfg, log)
			defer sessions.Close()

			manager, err := bot.New(cfg, sessions, bot.WithLogger(log), bot.WithTerminal(os.Stdout))
			if err != nil {
				return err
			}
			defer manager.Stop()

			if sessions.Exists() || noPanel {
				log.Info().Msg("Session found, starting bot")
				time.AfterFunc(autoStartDelay, func() {
					if err := manager.Start(ctx); err != nil && !errors.Is(err, bot.ErrAlreadyRunning) {
						log.Error().Err(err).Msg("Auto-start failed")
					}
				})
			} else {
				log.Info().Msg("No session found, deploy one from the control panel")
			}

			if noPanel {
				<-ctx.Done()
				log.Info().Msg("Shutting down")
				return nil
			}

			srv := control.NewServer(manager, control.Options{
				Port:      cfg.Port,
				APISecret: cfg.APISecret,
				ServiceID: cfg.ServiceID,
				Metrics:   manager.Metrics().Handler(),
				Logger:    log,
			})
			err = srv.Run(ctx)
			log.Info().Msg("Shutting down")
			return err
		},
	}
	cmd.Flags().Bool("no-panel", false, "Start the bot directly without the HTTP control panel.")
	return cmd
}
