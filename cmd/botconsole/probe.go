package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/antoniostano/botconsole/internal/webhook"
)

var errUnhealthy = errors.New("webhook is unhealthy")

func newProbeCmd() *cobra.Command {
	var (
		timeout time.Duration
		message string
	)
	cmd := &cobra.Command{
		Use:   "probe <webhook-url>",
		Short: "Health-check a bot webhook and optionally send one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, ok := webhook.ParseURL(args[0])
			if !ok {
				return fmt.Errorf("%w: %q", webhook.ErrInvalidURL, args[0])
			}
			out := cmd.OutOrStdout()

			start := time.Now()
			healthy := webhook.NewHealthChecker(timeout, nil).CheckHealth(cmd.Context(), target)
			fmt.Fprintf(out, "health: healthy=%t elapsed=%s\n", healthy, time.Since(start).Round(time.Millisecond))
			if !healthy {
				return errUnhealthy
			}
			if message == "" {
				return nil
			}

			res, err := webhook.NewClient(webhook.DefaultSendTimeout, nil).Send(cmd.Context(), target, webhook.MessageRequest{
				Message:   message,
				SessionID: "probe-" + uuid.NewString(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(out, "reply: status=%d text=%q\n", res.StatusCode, res.Reply)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 8*time.Second, "health check timeout (clamped to 5s..10s)")
	cmd.Flags().StringVar(&message, "message", "", "send this message after a healthy check")
	return cmd
}
