package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeService records calls and answers from canned fields
type fakeService struct {
	mu sync.Mutex

	cves       []string
	err        error
	syncResult syncer.Result
	syncErr    error
	status     syncer.Status
	stats      statestore.Stats
	updated    time.Time

	lastArtifact types.Artifact
	lastHash     string
	lastProps    map[string]string
	lastEmbedded []string
	syncs        int
	purges       int
}

func (f *fakeService) Lookup(_ context.Context, a types.Artifact) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArtifact = a
	return f.cves, f.err
}

func (f *fakeService) ByHash(_ context.Context, hash string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHash = hash
	return f.cves, f.err
}

func (f *fakeService) ByEmbeddedHashes(_ context.Context, hashes []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastEmbedded = hashes
	return f.cves, f.err
}

func (f *fakeService) LookupProperties(_ context.Context, props map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastProps = props
	return f.cves, f.err
}

func (f *fakeService) Synchronize(context.Context) (syncer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncResult, f.syncErr
}

func (f *fakeService) SyncStatus() syncer.Status { return f.status }

func (f *fakeService) LastUpdated() (time.Time, error) { return f.updated, nil }

func (f *fakeService) Stats(context.Context) (statestore.Stats, error) { return f.stats, f.err }

func (f *fakeService) Purge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return f.err
}

func newTestServer(cfg *config.APIConfig, svc Service) *APIServer {
	return NewAPIServer(cfg, svc, nil, nil, observability.NewLogger("error"))
}

func TestNewAPIServer(t *testing.T) {
	cfg := &config.APIConfig{Enabled: true, Port: 8080}
	svc := &fakeService{}

	server := newTestServer(cfg, svc)

	if server.config != cfg {
		t.Error("Expected config to be set")
	}
	if server.service != svc {
		t.Error("Expected service to be set")
	}
	if server.router == nil {
		t.Error("Expected router to be initialized")
	}
	if server.server == nil || server.server.Addr != ":8080" {
		t.Error("Expected HTTP server to listen on :8080")
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		header   string
		wantCode int
	}{
		{name: "no key configured", apiKey: "", header: "", wantCode: http.StatusOK},
		{name: "bearer token", apiKey: "test-api-key", header: "Bearer test-api-key", wantCode: http.StatusOK},
		{name: "bare token", apiKey: "test-api-key", header: "test-api-key", wantCode: http.StatusOK},
		{name: "wrong token", apiKey: "test-api-key", header: "Bearer wrong-key", wantCode: http.StatusUnauthorized},
		{name: "missing header", apiKey: "test-api-key", header: "", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080, APIKey: tt.apiKey}, &fakeService{})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler := server.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, false)
			handler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestReadOnlyModeBlocksWrites(t *testing.T) {
	svc := &fakeService{cves: []string{}}
	server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080, ReadOnly: true}, svc)

	for _, path := range []string{"/api/v1/sync", "/api/v1/cache/purge"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", path, w.Code)
		}
	}
	if svc.syncs != 0 || svc.purges != 0 {
		t.Errorf("read-only mode must not reach the service (syncs=%d purges=%d)", svc.syncs, svc.purges)
	}

	// Reads still work
	req := httptest.NewRequest(http.MethodGet, "/api/v1/hash/deadbeef", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected reads to pass in read-only mode, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080, APIKey: "k"}, &fakeService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/lookup", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS header")
	}
}

func TestRootRedirect(t *testing.T) {
	server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080}, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusMovedPermanently || w.Header().Get("Location") != "/swagger/" {
		t.Errorf("Expected redirect to /swagger/, got %d %s", w.Code, w.Header().Get("Location"))
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", w.Code)
	}
}

func TestSwaggerDocServed(t *testing.T) {
	server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080}, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"/lookup"`) {
		t.Errorf("Expected the lookup route in the API document")
	}
}

func TestRequestMetrics(t *testing.T) {
	server := newTestServer(&config.APIConfig{Enabled: true, Port: 8080, APIKey: "k"}, &fakeService{cves: []string{}})
	m := observability.GetMetrics()
	ok := testutil.ToFloat64(m.APIRequests.WithLabelValues("/api/v1/hash/", "200"))
	denied := testutil.ToFloat64(m.APIRequests.WithLabelValues("/api/v1/hash/", "401"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hash/abc", nil)
	req.Header.Set("Authorization", "Bearer k")
	server.router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/hash/abc", nil)
	server.router.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.APIRequests.WithLabelValues("/api/v1/hash/", "200")) - ok; got != 1 {
		t.Errorf("Expected one 200 request, got %v", got)
	}
	if got := testutil.ToFloat64(m.APIRequests.WithLabelValues("/api/v1/hash/", "401")) - denied; got != 1 {
		t.Errorf("Expected one 401 request, got %v", got)
	}
}

func TestStartDisabled(t *testing.T) {
	server := newTestServer(&config.APIConfig{Enabled: false, Port: 8080}, &fakeService{})
	if err := server.Start(context.Background()); err != nil {
		t.Errorf("Expected disabled server to return nil, got %v", err)
	}
}
