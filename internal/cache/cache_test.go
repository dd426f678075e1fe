package cache

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/daimoniac/vulnhash/internal/errors"
)

func newTestCache(t *testing.T, purge bool) *ResultCache {
	t.Helper()
	c, err := New(t.TempDir(), purge, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestKey(t *testing.T) {
	// sha256("deadbeef")
	const want = "2baf1f40105d9501fe319a8ec463fdf4325a2a5df445adf3f572f626253678c9"
	if got := Key("deadbeef"); got != want {
		t.Errorf("Key = %s, want %s", got, want)
	}
	if len(Key("")) != 64 {
		t.Error("keys must be 64 hex chars")
	}
}

func TestCacheLifecycle(t *testing.T) {
	c := newTestCache(t, false)

	if c.Exists("k") {
		t.Fatal("fresh cache should be empty")
	}
	if _, err := c.Get("k"); !errors.IsCacheIO(err) {
		t.Fatalf("Get on missing entry: got %v, want cache io error", err)
	}

	if err := c.Add("k", []string{"CVE-2", "CVE-1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !c.Exists("k") {
		t.Fatal("entry should exist after Add")
	}
	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"CVE-1", "CVE-2"}) {
		t.Errorf("Get = %v", got)
	}

	raw, err := os.ReadFile(filepath.Join(c.Dir(), Key("k")))
	if err != nil {
		t.Fatalf("entry file missing: %v", err)
	}
	if string(raw) != "CVE-1,CVE-2" {
		t.Errorf("entry content = %q", raw)
	}

	if err := c.Add("k", []string{"CVE-3"}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = c.Get("k")
	if !reflect.DeepEqual(got, []string{"CVE-3"}) {
		t.Errorf("after overwrite Get = %v", got)
	}

	if err := c.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if c.Exists("k") {
		t.Error("entry should be gone after Delete")
	}
	if err := c.Delete("k"); err != nil {
		t.Errorf("deleting a missing entry should succeed, got %v", err)
	}

	if err := c.Add("a", nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Add("b", []string{"CVE-9"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Purge(); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if c.Exists("a") || c.Exists("b") {
		t.Error("Purge should drop every entry")
	}
	if n, err := c.Len(); err != nil || n != 0 {
		t.Errorf("Len after purge = %d, %v", n, err)
	}
	if info, err := os.Stat(c.Dir()); err != nil || !info.IsDir() {
		t.Errorf("cache directory should be recreated: %v", err)
	}
}

func TestEmptyEntryIsAHit(t *testing.T) {
	c := newTestCache(t, false)

	if err := c.Add("clean", []string{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !c.Exists("clean") {
		t.Fatal("empty result must still be cached")
	}
	got, err := c.Get("clean")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Get = %#v, want empty non-nil", got)
	}
}

func TestPurgeOnce(t *testing.T) {
	tests := []struct {
		name       string
		purge      bool
		wantCached bool
	}{
		{name: "purge configured", purge: true, wantCached: false},
		{name: "purge disabled", purge: false, wantCached: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, tt.purge)
			if err := c.Add("before", []string{"CVE-1"}); err != nil {
				t.Fatalf("Add failed: %v", err)
			}

			if err := c.PurgeOnce(); err != nil {
				t.Fatalf("PurgeOnce failed: %v", err)
			}
			if c.Exists("before") != tt.wantCached {
				t.Errorf("Exists(before) = %v, want %v", c.Exists("before"), tt.wantCached)
			}

			// Second call must not purge again
			if err := c.Add("after", []string{"CVE-2"}); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if err := c.PurgeOnce(); err != nil {
				t.Fatalf("PurgeOnce failed: %v", err)
			}
			if !c.Exists("after") {
				t.Error("second PurgeOnce must be a no-op")
			}
		})
	}
}

func TestAddIfGeneration(t *testing.T) {
	c := newTestCache(t, false)

	gen := c.Generation()
	ok, err := c.AddIfGeneration("current", []string{"CVE-1"}, gen)
	if err != nil || !ok {
		t.Fatalf("AddIfGeneration with current generation = %v, %v; want written", ok, err)
	}
	if !c.Exists("current") {
		t.Fatal("entry with current generation should be stored")
	}

	if err := c.Purge(); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if c.Generation() == gen {
		t.Fatal("Purge must advance the generation")
	}

	ok, err = c.AddIfGeneration("stale", []string{}, gen)
	if err != nil {
		t.Fatalf("AddIfGeneration failed: %v", err)
	}
	if ok || c.Exists("stale") {
		t.Error("a result computed before the purge must not be stored")
	}

	ok, err = c.AddIfGeneration("fresh", []string{"CVE-2"}, c.Generation())
	if err != nil || !ok {
		t.Fatalf("AddIfGeneration after purge = %v, %v; want written", ok, err)
	}
}

func TestNewReusesExistingDirectory(t *testing.T) {
	home := t.TempDir()
	first, err := New(home, false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.Add("k", []string{"CVE-1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	second, err := New(home, false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !second.Exists("k") {
		t.Error("entries should survive reopening the cache")
	}
}

func TestConcurrentAdds(t *testing.T) {
	c := newTestCache(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Add("shared", []string{"CVE-1", "CVE-2"}); err != nil {
				t.Errorf("Add failed: %v", err)
			}
			if c.Exists("shared") {
				if _, err := c.Get("shared"); err != nil {
					t.Errorf("Get failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if n, err := c.Len(); err != nil || n != 1 {
		t.Errorf("Len = %d, %v; want 1 entry and no temp files", n, err)
	}
}
