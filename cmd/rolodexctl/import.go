package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/okian/rolodex/internal/adapters/parser"
	service "github.com/okian/rolodex/internal/app"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/model"
)

type importOptions struct {
	format    string
	strategy  string
	threshold float64
	jsonOut   bool
	progress  bool
}

func newImportCmd(c *cli) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Run a contact file through the import pipeline against the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), c, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "", "File format: csv, json, vcard, xlsx (default: detect)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "Merge strategy for conflicts with stored contacts")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Similarity threshold in (0,1] (default: configured)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the analytics as JSON")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "Report progress on stderr")

	return cmd
}

func runImport(ctx context.Context, c *cli, path string, opts importOptions, out, errOut io.Writer) error {
	req := service.ImportRequest{Filename: filepath.Base(path), Threshold: opts.threshold}
	if opts.format != "" {
		if req.Format = parser.ParseFormat(opts.format); req.Format == parser.FormatUnknown {
			return fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, opts.format)
		}
	}
	if opts.strategy != "" {
		s, err := merge.ParseStrategy(opts.strategy)
		if err != nil {
			return err
		}
		req.Strategy = s
	}
	if opts.threshold < 0 || opts.threshold > 1 {
		return fmt.Errorf("threshold must be in (0,1], got %v", opts.threshold)
	}
	if opts.progress {
		req.OnProgress = func(percent float64, stage string) {
			fmt.Fprintf(errOut, "\r%5.1f%% %-12s", percent, stage)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	req.Data = data

	svcOpts, closeSinks, err := service.FromConfig(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()

	svc := service.New(svcOpts...)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(context.WithoutCancel(ctx)) }()

	res, err := svc.Import(ctx, req)
	if opts.progress {
		fmt.Fprintln(errOut)
	}
	if res != nil {
		if perr := printResult(out, res, opts.jsonOut); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func printResult(w io.Writer, res *service.ImportResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printAnalytics(w, res.Analytics)
	for _, ie := range res.Errors {
		fmt.Fprintf(w, "%-8s %-20s %s\n", ie.Severity, ie.Kind, ie.Message)
	}
	return nil
}

func printAnalytics(w io.Writer, a model.ImportAnalytics) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value any
	}{
		{"run", a.RunID},
		{"source", a.Source},
		{"format", a.Format},
		{"status", a.Status},
		{"total", a.Total},
		{"duplicates", a.DuplicatesFound},
		{"collapsed", a.Collapsed},
		{"conflicts", a.ConflictsDetected},
		{"merged", a.MergedCount},
		{"skipped", a.SkippedCount},
		{"kept both", a.KeptBothCount},
		{"inserted", a.InsertedCount},
		{"invalid", a.InvalidCount},
		{"errors", a.ErrorCount},
		{"warnings", a.WarningCount},
		{"time", a.ProcessingTime},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r.label, r.value)
	}
	_ = tw.Flush()
}
