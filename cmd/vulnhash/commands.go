package main

import (
	"context"
	"fmt"
	"time"

	"github.com/daimoniac/vulnhash/internal/policy"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/spf13/cobra"
)

// withApp loads configuration, wires the engine and runs fn with it
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func newSyncCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local database with the remote feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				result, err := a.engine.Synchronize(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

// lookupOutput is printed by the lookup command
type lookupOutput struct {
	Hash       string                 `json:"hash,omitempty"`
	CVEs       []string               `json:"cves"`
	Vulnerable bool                   `json:"vulnerable"`
	Policy     *policy.PolicyDecision `json:"policy"`
}

func newLookupCmd(flags *rootFlags) *cobra.Command {
	var (
		fileHashes []string
		props      []string
	)

	cmd := &cobra.Command{
		Use:   "lookup [combined-hash]",
		Short: "Look up the CVEs of an artifact",
		Long: `Look up the CVEs of an artifact by its combined hash and the hashes of the
files it contains, or by metadata properties. Exits non-zero when the
configured policy rejects the result.`,
		Example: `  vulnhash lookup 3f2a... --file-hash 9c1e... --file-hash 77ab...
  vulnhash lookup --prop groupId=org.example --prop version=1.0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hash string
			if len(args) == 1 {
				hash = args[0]
			}
			properties, err := parsePairs(props)
			if err != nil {
				return err
			}
			if hash == "" && len(fileHashes) == 0 && len(properties) == 0 {
				return fmt.Errorf("nothing to look up: give a hash, --file-hash or --prop")
			}

			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var cves []string
				if hash == "" && len(fileHashes) == 0 {
					cves, err = a.engine.LookupProperties(ctx, properties)
				} else {
					artifact := types.Artifact{
						CombinedHash: hash,
						FileHashes:   make(map[string]string, len(fileHashes)),
						Metadata:     properties,
					}
					for _, h := range fileHashes {
						artifact.FileHashes[h] = ""
					}
					cves, err = a.engine.Lookup(ctx, artifact)
				}
				if err != nil {
					return err
				}
				if cves == nil {
					cves = []string{}
				}

				decision, err := a.policy.Evaluate(ctx, hash, cves, a.cfg.Tolerations)
				if err != nil {
					return err
				}
				out := lookupOutput{
					Hash:       hash,
					CVEs:       cves,
					Vulnerable: len(cves) > 0,
					Policy:     decision,
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if !decision.Passed {
					return fmt.Errorf("policy failed: %s", decision.Reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&fileHashes, "file-hash", nil, "hash of a file embedded in the artifact (repeatable)")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "metadata property as key=value (repeatable)")
	return cmd
}

func newPurgeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop every cached lookup result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.engine.Purge(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "result cache purged")
				return nil
			})
		},
	}
}

// statsOutput is printed by the stats command
type statsOutput struct {
	LastUpdated  *time.Time `json:"last_updated"`
	Records      int        `json:"records"`
	FileHashes   int        `json:"file_hashes"`
	CVERows      int        `json:"cve_rows"`
	CacheEntries int        `json:"cache_entries"`
	Home         string     `json:"home"`
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database size and the last synchronization time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				stats, err := a.engine.Stats(ctx)
				if err != nil {
					return err
				}
				entries, err := a.cache.Len()
				if err != nil {
					a.logger.Warn("cannot count cache entries",
						"error", err.Error())
				}
				out := statsOutput{
					Records:      stats.Records,
					FileHashes:   stats.FileHashes,
					CVERows:      stats.CVEs,
					CacheEntries: entries,
					Home:         a.cfg.Home,
				}
				last, err := a.engine.LastUpdated()
				if err != nil {
					return err
				}
				if !last.Equal(syncer.Epoch) {
					out.LastUpdated = &last
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}
