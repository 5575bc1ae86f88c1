package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"tradeguard/internal/infrastructure/server"
	"tradeguard/pkg/cli"
	tghttp "tradeguard/pkg/http"
	"tradeguard/pkg/liveserver"
	"tradeguard/pkg/logging"
	"tradeguard/pkg/websocket"

	"github.com/spf13/cobra"
)

func statusClient(base string) *tghttp.Client {
	opts := tghttp.DefaultOptions()
	opts.MaxRetries = 1
	return tghttp.NewClient(base, opts)
}

func newStatusCmd() *cobra.Command {
	var (
		base   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the mode, components and queues of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			body, err := statusClient(base).Get(ctx, "/status", nil)
			if err != nil {
				return err
			}
			var doc server.StatusDocument
			if err := json.Unmarshal(body, &doc); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printOrJSON(cmd, asJSON, doc, func() error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "mode %s since %s (seq %d): %s\n", doc.Mode.Name,
					doc.Mode.Since.UTC().Format(time.RFC3339), doc.Mode.Seq, doc.Mode.Reason)
				fmt.Fprintf(out, "new orders allowed: %t, closes allowed: %t\n\n", doc.CanSubmitNewOrder, doc.IsCloseAllowed)

				rows := make([][]string, 0, len(doc.Components))
				for _, c := range doc.Components {
					rows = append(rows, []string{string(c.Component), c.StatusStr, c.Reason})
				}
				if err := cli.PrintTable(out, []string{"COMPONENT", "STATUS", "REASON"}, rows); err != nil {
					return err
				}
				if doc.Outbox != nil {
					fmt.Fprintf(out, "\noutbox: %d pending, %d processing, %d failed\n",
						doc.Outbox.Pending, doc.Outbox.Processing, doc.Outbox.Failed)
				}
				if doc.OutboxError != "" {
					fmt.Fprintf(out, "\noutbox unavailable: %s\n", doc.OutboxError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "url", "http://localhost:8080", "status server base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func newRecoveryCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Operate the recovery orchestrator of a running service",
	}
	trigger := &cobra.Command{
		Use:   "trigger <component>",
		Short: "Start or restart recovery of a component, unfreezing it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			path := "/recovery/trigger?" + url.Values{"component": {args[0]}}.Encode()
			if _, err := statusClient(base).PostJSON(ctx, path, struct{}{}); err != nil {
				var apiErr *tghttp.APIError
				if errors.As(err, &apiErr) {
					return fmt.Errorf("recovery of %s refused (%d): %s", args[0], apiErr.StatusCode, apiErr.Body)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovery of %s triggered\n", args[0])
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&base, "url", "http://localhost:8080", "status server base URL")
	cmd.AddCommand(trigger)
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		wsURL    string
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the system event stream of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			var seqs liveserver.SeqTracker
			client := websocket.NewClient(wsURL, func(message []byte) {
				var frame liveserver.Message
				if err := json.Unmarshal(message, &frame); err == nil {
					if missed := seqs.Observe(frame.Seq); missed > 0 {
						fmt.Fprintf(errOut, "warning: missed %d events before seq %d\n", missed, frame.Seq)
					}
				}
				fmt.Fprintln(out, string(message))
			}, logging.NewNopLogger())
			client.SetReconnect(500*time.Millisecond, 10*time.Second)
			return client.Run(cmd.Context(), attempts)
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "ws://localhost:8081/ws", "event stream URL")
	cmd.Flags().IntVar(&attempts, "attempts", 5, "consecutive failed connects before giving up, 0 retries forever")
	return cmd
}
