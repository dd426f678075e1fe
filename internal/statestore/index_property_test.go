package statestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEmbeddedContainmentProperty checks that a record matches an embedded
// lookup exactly when every one of its file hashes is in the query.
func TestEmbeddedContainmentProperty(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	toHashes := func(ids []int) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = fmt.Sprintf("fh-%d", id)
		}
		return out
	}

	properties.Property("match iff record files are a subset of the query", prop.ForAll(
		func(recordFiles []int, queryFiles []int) bool {
			files := make(map[string]string)
			for _, h := range toHashes(recordFiles) {
				files[h] = h + ".class"
			}
			_, err := store.Apply(ctx, func(w Writer) error {
				return w.Replace(ctx, &types.VulnerabilityRecord{Hash: "subject", FileHashes: files, CVEs: []string{"CVE-P"}})
			})
			if err != nil {
				return false
			}

			query := toHashes(queryFiles)
			inQuery := make(map[string]bool, len(query))
			for _, h := range query {
				inQuery[h] = true
			}
			subset := len(files) > 0
			for h := range files {
				if !inQuery[h] {
					subset = false
				}
			}

			got, err := store.ByEmbeddedHashes(ctx, query)
			if err != nil {
				return false
			}
			return (len(got) == 1) == subset
		},
		gen.SliceOf(gen.IntRange(0, 6)),
		gen.SliceOf(gen.IntRange(0, 6)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
