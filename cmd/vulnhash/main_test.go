package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHome points the configuration at a fresh home directory
func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("VULNHASH_HOME", home)
	t.Setenv("VULNHASH_CONFIG", "")
	t.Setenv("VULNHASH_DB_DRIVER", "")
	t.Setenv("VULNHASH_DB_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, home string, records ...*types.VulnerabilityRecord) {
	t.Helper()
	ctx := context.Background()
	store, err := statestore.DefaultRegistry().Open(ctx, statestore.Settings{Home: home}, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Apply(ctx, func(w statestore.Writer) error {
		for _, r := range records {
			if err := w.Replace(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestParsePairs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, map[string]string{}, false},
		{"pairs", []string{"groupId=org.example", "version=1.0"}, map[string]string{"groupId": "org.example", "version": "1.0"}, false},
		{"value with equals", []string{"k=a=b"}, map[string]string{"k": "a=b"}, false},
		{"empty value", []string{"k="}, map[string]string{"k": ""}, false},
		{"missing separator", []string{"k"}, nil, true},
		{"missing key", []string{"=v"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePairs(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatsCommand_FreshHome(t *testing.T) {
	home := testHome(t)

	out, err := run(t, "stats")
	require.NoError(t, err)

	var stats statsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Nil(t, stats.LastUpdated, "a never-synced database has no last update")
	assert.Equal(t, 0, stats.Records)
	assert.Equal(t, home, stats.Home)
}

func TestLookupCommand(t *testing.T) {
	home := testHome(t)
	seed(t, home, &types.VulnerabilityRecord{
		Hash:       "deadbeef",
		CVEs:       []string{"CVE-2099-0001"},
		FileHashes: map[string]string{"abc": "x.class"},
		Metadata:   map[string]string{"artifactId": "bad", "version": "1.0"},
	})

	t.Run("clean artifact passes", func(t *testing.T) {
		out, err := run(t, "lookup", "cafebabe")
		require.NoError(t, err)

		var got lookupOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Empty(t, got.CVEs)
		assert.False(t, got.Vulnerable)
		assert.True(t, got.Policy.Passed)
	})

	t.Run("vulnerable artifact fails the policy", func(t *testing.T) {
		out, err := run(t, "lookup", "deadbeef")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy failed")

		var got lookupOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, []string{"CVE-2099-0001"}, got.CVEs)
		assert.True(t, got.Vulnerable)
	})

	t.Run("embedded file hashes", func(t *testing.T) {
		out, err := run(t, "lookup", "--file-hash", "abc", "--file-hash", "def")
		require.Error(t, err)

		var got lookupOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, []string{"CVE-2099-0001"}, got.CVEs, "every file of the record is embedded")
	})

	t.Run("properties", func(t *testing.T) {
		out, err := run(t, "lookup", "--prop", "artifactId=bad", "--prop", "version=2.0")
		require.NoError(t, err)

		var got lookupOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Empty(t, got.CVEs)
	})

	t.Run("nothing to look up", func(t *testing.T) {
		_, err := run(t, "lookup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to look up")
	})

	t.Run("malformed property", func(t *testing.T) {
		_, err := run(t, "lookup", "--prop", "artifactId")
		assert.Error(t, err)
	})
}

func TestPurgeCommand(t *testing.T) {
	testHome(t)

	out, err := run(t, "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "result cache purged")
}

func TestInvalidConfiguration(t *testing.T) {
	testHome(t)
	t.Setenv("VULNHASH_SYNC_RETRY_ATTEMPTS", "0")

	_, err := run(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
