package observability

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForServer(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("server at %s did not come up: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestObservabilityServerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	healthChecker := NewHealthChecker(nil)
	healthChecker.RegisterComponent(ComponentDatabase, true)
	healthChecker.UpdateComponentHealth(ComponentDatabase, StatusHealthy, "")
	GetMetrics().CacheMisses.Inc()

	metricsPort := freePort(t)
	healthPort := freePort(t)
	server := NewServer(metricsPort, healthPort, nil, healthChecker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.Start(ctx)
		close(done)
	}()

	t.Run("metrics endpoint", func(t *testing.T) {
		resp := waitForServer(t, fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		if !strings.Contains(string(body), "vulnhash_cache_misses_total") {
			t.Error("expected vulnhash metrics in response")
		}
	})

	t.Run("health endpoint", func(t *testing.T) {
		resp := waitForServer(t, fmt.Sprintf("http://127.0.0.1:%d/health", healthPort))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("ready endpoint", func(t *testing.T) {
		resp := waitForServer(t, fmt.Sprintf("http://127.0.0.1:%d/ready", healthPort))
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	cancel()
	<-done
}

func TestServerSharedPort(t *testing.T) {
	hc := NewHealthChecker(nil)
	port := freePort(t)
	s := NewServer(port, port, nil, hc)
	if len(s.servers) != 1 {
		t.Fatalf("expected one listener for a shared port, got %d", len(s.servers))
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on idle server: %v", err)
	}
}
