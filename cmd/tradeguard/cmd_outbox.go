package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeguard/internal/bootstrap"
	"tradeguard/internal/outbox"
	"tradeguard/internal/store"
	"tradeguard/pkg/cli"

	"github.com/spf13/cobra"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair outbox rows in the configured store",
	}
	cmd.AddCommand(newOutboxStatsCmd(), newOutboxListCmd(), newOutboxRequeueCmd(), newOutboxPurgeCmd())
	return cmd
}

func openStore() (store.Store, error) {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func newOutboxStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count rows per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printOrJSON(cmd, asJSON, stats, func() error {
				return cli.PrintTable(cmd.OutOrStdout(),
					[]string{"PENDING", "PROCESSING", "COMPLETED", "FAILED", "OLDEST PENDING"},
					[][]string{{
						strconv.FormatInt(stats.Pending, 10),
						strconv.FormatInt(stats.Processing, 10),
						strconv.FormatInt(stats.Completed, 10),
						strconv.FormatInt(stats.Failed, 10),
						cli.FormatTime(stats.OldestPending),
					}})
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newOutboxListCmd() *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := outbox.Status(strings.ToUpper(status))
			switch st {
			case "", outbox.StatusPending, outbox.StatusProcessing, outbox.StatusCompleted, outbox.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			return printOrJSON(cmd, asJSON, events, func() error {
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						strconv.FormatInt(e.ID, 10),
						e.EventType,
						string(e.Status),
						strconv.Itoa(e.RetryCount),
						e.IdempotencyKey,
						e.NextAttemptAt.UTC().Format(time.RFC3339),
						e.LastError,
					})
				}
				return cli.PrintTable(cmd.OutOrStdout(),
					[]string{"ID", "TYPE", "STATUS", "RETRIES", "KEY", "NEXT ATTEMPT", "LAST ERROR"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, PROCESSING, COMPLETED or FAILED; empty lists all")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newOutboxRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a FAILED row to PENDING with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cli.ParseID(args[0])
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Requeue(cmd.Context(), id, time.Now().UTC()); err != nil {
				return fmt.Errorf("requeue %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outbox event %d requeued\n", id)
			return nil
		},
	}
}

func newOutboxPurgeCmd() *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete COMPLETED and FAILED rows older than the given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := cli.ParseAge(olderThan)
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			cutoff := time.Now().UTC().Add(-age)
			n, err := s.DeleteTerminalBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d outbox events processed before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "3d", "age such as 72h or 3d")
	return cmd
}
