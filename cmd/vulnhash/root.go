package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/spf13/cobra"
)

var version = "dev"

// rootFlags override configuration values for a single invocation
type rootFlags struct {
	force    bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "vulnhash",
		Short: "Detect known-vulnerable artifacts by their content hashes",
		Long: `vulnhash keeps a local database of known-vulnerable artifacts in sync with a
remote feed and answers lookups by combined hash, embedded file hashes or
metadata properties.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&flags.force, "force", false, "resynchronize from the epoch, ignoring the stored cursor")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newLookupCmd(flags),
		newPurgeCmd(flags),
		newStatsCmd(flags),
	)
	return root
}

// loadConfig loads and validates configuration, applying command line overrides
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("force") {
		cfg.Sync.Force = flags.force
	}
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// cliLogger logs to stderr so that command output on stdout stays parseable
func cliLogger(cfg *config.Config) *slog.Logger {
	return observability.NewLoggerTo(os.Stderr, cfg.Observability.LogLevel)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePairs turns k=v arguments into a map
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
