// Package cache keeps lookup results on disk so repeated lookups of the same
// artifact skip the index. Entries are files named by the sha256 of the key
// and hold the comma-joined CVE identifiers; an empty file is a cached
// "no vulnerabilities" answer.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
)

// DirName is the cache directory created under the home directory
const DirName = "lib.results.cache"

// ResultCache is a write-through on-disk cache of lookup results
type ResultCache struct {
	dir          string
	purgeOnStart bool
	logger       *slog.Logger

	// mu serializes Add, Delete and Purge. Reads go straight to disk.
	mu     sync.Mutex
	gen    uint64 // incremented by every Purge, guarded by mu
	purged sync.Once
}

// New creates the cache directory under home if needed
func New(home string, purgeOnStart bool, logger *slog.Logger) (*ResultCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(home, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewCacheIO(dir, fmt.Errorf("could not create cache directory: %w", err))
	}

	return &ResultCache{
		dir:          dir,
		purgeOnStart: purgeOnStart,
		logger:       logger,
	}, nil
}

// Dir returns the cache directory
func (c *ResultCache) Dir() string {
	return c.dir
}

// Key hashes a cache key into its entry file name
func Key(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *ResultCache) path(key string) string {
	return filepath.Join(c.dir, Key(key))
}

// Exists reports whether an entry is cached for key
func (c *ResultCache) Exists(key string) bool {
	info, err := os.Stat(c.path(key))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the cached CVEs for key. A missing entry is a CacheIOError;
// callers check Exists first when they only want a hit or miss.
func (c *ResultCache) Get(key string) ([]string, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, errors.NewCacheIO(Key(key), err)
	}
	return types.MergeCVEs(strings.Split(strings.TrimSpace(string(data)), ",")), nil
}

// Add stores cves under key, replacing any previous entry. The entry is
// written to a temporary file and renamed into place so readers never see a
// partial list.
func (c *ResultCache) Add(key string, cves []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(key, cves)
}

// Generation returns the purge generation. Read it before computing a result
// that will be stored with AddIfGeneration.
func (c *ResultCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// AddIfGeneration stores cves under key only if no purge happened since gen
// was read. A result computed before a purge may describe data the purge was
// meant to invalidate. It reports whether the entry was written.
func (c *ResultCache) AddIfGeneration(key string, cves []string, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		c.logger.Debug("discarding lookup result computed before a purge",
			"key", Key(key))
		return false, nil
	}
	if err := c.write(key, cves); err != nil {
		return false, err
	}
	return true, nil
}

// write stores an entry. Callers hold mu.
func (c *ResultCache) write(key string, cves []string) error {
	name := Key(key)
	tmp, err := os.CreateTemp(c.dir, "."+name+".*")
	if err != nil {
		return errors.NewCacheIO(name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strings.Join(types.MergeCVEs(cves), ",")); err != nil {
		tmp.Close()
		return errors.NewCacheIO(name, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewCacheIO(name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, name)); err != nil {
		return errors.NewCacheIO(name, err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing entry is not an error.
func (c *ResultCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := Key(key)
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
		return errors.NewCacheIO(name, err)
	}
	return nil
}

// Purge removes every entry by recreating the cache directory
func (c *ResultCache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Bumped before removal so a failed purge still rejects in-flight writes
	c.gen++

	if err := os.RemoveAll(c.dir); err != nil {
		return errors.NewCacheIO(c.dir, fmt.Errorf("could not purge cache: %w", err))
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.NewCacheIO(c.dir, fmt.Errorf("could not recreate cache directory: %w", err))
	}

	c.logger.Info("result cache purged", "dir", c.dir)
	return nil
}

// PurgeOnce purges the cache the first time it is called if the cache was
// configured to purge on start. Later calls do nothing.
func (c *ResultCache) PurgeOnce() error {
	var err error
	c.purged.Do(func() {
		if c.purgeOnStart {
			err = c.Purge()
		}
	})
	return err
}

// Len returns the number of cached entries
func (c *ResultCache) Len() (int, error) {
	n := 0
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.NewCacheIO(c.dir, err)
	}
	return n, nil
}
