package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkguard/internal/linkcheck"
)

// ErrFlagged is returned by check --fail-on-flagged when any link is flagged.
var ErrFlagged = errors.New("flagged links found")

type checkOptions struct {
	concurrency   int
	file          string
	failOnFlagged bool
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check [URL...]",
		Short: "Classifies links once and prints one line per link",
		Long: `Classifies the given links, plus any read from --file (one per line,
"-" for stdin), and prints the result of each. No notifications are sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, args)
		},
	}
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "parallel probes (default: monitor.concurrency)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read links from a file, one per line")
	cmd.Flags().BoolVar(&opts.failOnFlagged, "fail-on-flagged", false, "exit non-zero when a link is flagged")
	return cmd
}

func runCheck(cmd *cobra.Command, opts checkOptions, args []string) error {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	urls := append([]string(nil), args...)
	if opts.file != "" {
		fromFile, err := readLinks(cmd.InOrStdin(), opts.file)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	urls = linkcheck.Dedupe(urls)
	if len(urls) == 0 {
		return errors.New("no links given")
	}

	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()

	results := app.Dispatcher().ClassifyAll(cmd.Context(), urls, opts.concurrency)
	out := cmd.OutOrStdout()
	flagged := 0
	for _, res := range results {
		if res.Outcome.Flagged() {
			flagged++
		}
		fmt.Fprintln(out, res.String())
	}
	fmt.Fprintf(out, "%d checked, %d flagged\n", len(results), flagged)

	if opts.failOnFlagged && flagged > 0 {
		return ErrFlagged
	}
	return nil
}

func readLinks(stdin io.Reader, path string) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read links: %w", err)
	}
	return linkcheck.ParseLinks(string(data)), nil
}
