package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
)

// CursorFile is the name of the cursor file under the home directory
const CursorFile = "lastUpdate"

// CursorLayout is the on-disk and on-the-wire cursor format, always UTC
const CursorLayout = "2006-01-02T15:04:05"

// Epoch is the cursor value before the first successful sync
var Epoch = time.Unix(0, 0).UTC()

// Cursor persists the time of the last successful synchronization
type Cursor struct {
	path  string
	force bool
	mu    sync.Mutex
}

// NewCursor returns the cursor stored under home. With force set, LastUpdated
// always reports the epoch so every sync fetches the full feed.
func NewCursor(home string, force bool) *Cursor {
	return &Cursor{
		path:  filepath.Join(home, CursorFile),
		force: force,
	}
}

// Path returns the cursor file location
func (c *Cursor) Path() string {
	return c.path
}

// LastUpdated returns the time deltas should be requested from
func (c *Cursor) LastUpdated() (time.Time, error) {
	if c.force {
		return Epoch, nil
	}
	return c.stored()
}

// stored reads the persisted value, ignoring force mode. A missing file is
// the epoch. An unreadable or corrupt file also yields the epoch, together
// with an error describing the problem.
func (c *Cursor) stored() (time.Time, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return Epoch, nil
	}
	if err != nil {
		return Epoch, errors.NewStorage("read cursor", err)
	}

	t, err := time.Parse(CursorLayout, strings.TrimSpace(string(data)))
	if err != nil {
		return Epoch, errors.NewStorage("read cursor", fmt.Errorf("corrupt cursor %q: %w", c.path, err))
	}
	return t.UTC(), nil
}

// Save persists t, truncated to seconds. The stored value never moves
// backwards: saving a time older than the current cursor keeps the current
// one. Save returns the value actually stored.
func (c *Cursor) Save(t time.Time) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = t.UTC().Truncate(time.Second)
	if prev, err := c.stored(); err == nil && prev.After(t) {
		t = prev
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return time.Time{}, errors.NewStorage("save cursor", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+CursorFile+".*")
	if err != nil {
		return time.Time{}, errors.NewStorage("save cursor", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(t.Format(CursorLayout)); err != nil {
		tmp.Close()
		return time.Time{}, errors.NewStorage("save cursor", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, errors.NewStorage("save cursor", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return time.Time{}, errors.NewStorage("save cursor", err)
	}
	return t, nil
}
