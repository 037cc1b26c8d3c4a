package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cloudbera60-web/Gifted-bot/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored WhatsApp session",
	}
	cmd.AddCommand(newSessionImportCmd())
	cmd.AddCommand(newSessionInfoCmd())
	cmd.AddCommand(newSessionClearCmd())
	cmd.AddCommand(newSessionExportCmd())
	return cmd
}

func newSessionImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [SESSION_ID|-]",
		Short: "Save a Gifted~ session id (reads stdin when omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 && args[0] != "-" {
				id = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read session id: %w", err)
				}
				id = string(raw)
			}

			sessions := newSessions(cfg, log)
			defer sessions.Close()
			hash, err := sessions.Save(strings.TrimSpace(id))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session saved to %s (hash %s)\n", sessions.DBPath(), hash)
			return nil
		},
	}
}

func newSessionInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			sessions := newSessions(cfg, log)
			defer sessions.Close()

			info, err := sessions.Info()
			if errors.Is(err, session.ErrNoSession) {
				fmt.Fprintln(cmd.OutOrStdout(), "No session stored")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path:     %s\n", info.Path)
			fmt.Fprintf(out, "Size:     %s\n", humanize.Bytes(uint64(info.Size)))
			fmt.Fprintf(out, "Modified: %s (%s)\n", info.Modified.Format("2006-01-02 15:04:05"), humanize.Time(info.Modified))
			fmt.Fprintf(out, "Hash:     %s\n", info.Hash)

			backups, err := sessions.Backups()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Backups:  %d\n", len(backups))
			return nil
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			sessions := newSessions(cfg, log)
			defer sessions.Close()
			if err := sessions.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session cleared")
			return nil
		},
	}
}

func newSessionExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the stored session as a Gifted~ session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			sessions := newSessions(cfg, log)
			defer sessions.Close()

			db, err := os.ReadFile(sessions.DBPath())
			if errors.Is(err, os.ErrNotExist) {
				return session.ErrNoSession
			}
			if err != nil {
				return fmt.Errorf("read session: %w", err)
			}
			id, err := session.Encode(db)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
