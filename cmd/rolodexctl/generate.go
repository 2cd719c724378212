package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/contactgen"
)

type generateOptions struct {
	count    int
	seed     int64
	dupRatio float64
	format   string
	output   string
}

func newGenerateCmd() *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic contact book with near-duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := parser.ParseFormat(opts.format)
			if format == parser.FormatUnknown {
				return fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, opts.format)
			}

			ds, err := contactgen.New(
				contactgen.WithSeed(opts.seed),
				contactgen.WithDuplicateRatio(opts.dupRatio),
			).Generate(cmd.Context(), opts.count)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if opts.output != "" && opts.output != "-" {
				f, err := os.Create(opts.output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := contactgen.Write(w, format, ds.Records); err != nil {
				return err
			}
			if opts.output != "" && opts.output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d contacts (%d near-duplicates) to %s\n",
					len(ds.Records), len(ds.DuplicateOf), opts.output)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.count, "count", 100, "Number of contacts")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Random seed (0 picks one)")
	cmd.Flags().Float64Var(&opts.dupRatio, "dup-ratio", contactgen.DefaultDuplicateRatio, "Share of near-duplicate rows")
	cmd.Flags().StringVar(&opts.format, "format", "csv", "Output format: csv, json, vcard, xlsx")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default: stdout)")

	return cmd
}
