// Package cmd implements the slotkeeper command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// Version info set by the main package.
var versionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SetVersionInfo is called by the main package to set version information.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// env carries what every subcommand needs once configuration is loaded.
type env struct {
	cfg *config.Config
	log *logger.Logger

	logLevel string
}

// Execute runs the root command. It is called by main.main.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:          "slotkeeper",
		Short:        "Fixed-window rate limiting for the booking site",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
	}

	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	root.AddCommand(
		newServeCmd(e),
		newMigrateCmd(e),
		newCleanupCmd(e),
		newListCmd(e),
		newResetCmd(e),
		newVersionCmd(),
	)
	return root
}

// load reads configuration from the environment and builds the logger.
func (e *env) load() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := strings.ToLower(strings.TrimSpace(e.logLevel)); lvl != "" {
		cfg.App.LogLevel = lvl
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	e.cfg = cfg
	e.log = logger.New(os.Stderr, cfg.App.LogLevel)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Version needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			v := versionInfo.Version
			if v == "" {
				v = "dev"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "slotkeeper %s (commit %s, built %s)\n",
				v, orUnknown(versionInfo.Commit), orUnknown(versionInfo.BuildDate))
			return err
		},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
