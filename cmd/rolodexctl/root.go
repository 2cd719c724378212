package main

import (
	"github.com/spf13/cobra"

	"github.com/okian/rolodex/internal/config"
	"github.com/okian/rolodex/pkg/logger"
)

// cli holds state shared by the subcommands.
type cli struct {
	cfg      *config.Config
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:           "rolodexctl",
		Short:         "Import, generate and submit contact files",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			c.cfg = cfg

			if err := logger.Init(logger.WithFormat(cfg.LogFormat), logger.WithWriter(cmd.ErrOrStderr())); err != nil {
				return err
			}
			level := cfg.LogLevel
			if c.logLevel != "" {
				level = c.logLevel
			}
			return logger.SetLevelString(level)
		},
	}
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(newImportCmd(c), newGenerateCmd(), newSubmitCmd())
	return cmd
}
