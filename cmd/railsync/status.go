package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Metaphorme/railsync/pkg/api"
	"github.com/Metaphorme/railsync/pkg/ui"
)

type statusOptions struct {
	journal  int
	timeout  time.Duration
	attempts int
}

func newStatusCmd() *cobra.Command {
	opts := statusOptions{timeout: 30 * time.Second, attempts: 5}
	cmd := &cobra.Command{
		Use:   "status <url>",
		Short: "Show a host's session status",
		Long: `Query the HTTP status plane of a host started with --status-listen.

Examples:
  railsync status http://10.0.0.2:30080
  railsync status http://10.0.0.2:30080 --journal 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			c := api.NewClient(args[0])
			c.MaxAttempts = opts.attempts
			return runStatus(ctx, c, cmd.OutOrStdout(), opts.journal)
		},
	}
	cmd.Flags().IntVarP(&opts.journal, "journal", "j", 0, "also print the last N join/leave events")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", opts.timeout, "give up after this long")
	cmd.Flags().IntVar(&opts.attempts, "attempts", opts.attempts, "HTTP attempts before giving up")
	return cmd
}

func runStatus(ctx context.Context, c *api.Client, out io.Writer, journal int) error {
	st, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("session status: %w", err)
	}
	fmt.Fprintf(out, "protocol %d\n", st.Protocol)
	fmt.Fprintln(out, ui.FormatStatus(st.Status))
	if len(st.Addrs) > 0 {
		fmt.Fprintln(out, "addresses:")
		for _, a := range st.Addrs {
			fmt.Fprintln(out, "  "+a)
		}
	}
	if journal <= 0 {
		return nil
	}
	j, err := c.Journal(ctx, journal)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	fmt.Fprintln(out, "journal:")
	for _, e := range j.Events {
		line := fmt.Sprintf("  %s %-8s %s", e.At.UTC().Format(time.RFC3339), e.Kind, e.User)
		if e.Train != 0 {
			line += fmt.Sprintf(" train %d", e.Train)
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
	return nil
}
