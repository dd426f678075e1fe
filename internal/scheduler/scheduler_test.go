package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
)

type mockSyncer struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned in order, then nil
	ran   chan struct{}
}

func newMockSyncer(errs ...error) *mockSyncer {
	return &mockSyncer{errs: errs, ran: make(chan struct{}, 100)}
}

func (m *mockSyncer) Synchronize(ctx context.Context) (syncer.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	m.ran <- struct{}{}
	return syncer.Result{}, err
}

func (m *mockSyncer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockObserver struct {
	mu   sync.Mutex
	errs []error
}

func (m *mockObserver) ObserveSync(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func (m *mockObserver) Observed() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errs...)
}

func waitRuns(t *testing.T, m *mockSyncer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for run %d", i+1)
		}
	}
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	ms := newMockSyncer()
	obs := &mockObserver{}
	s := NewScheduler(ms, obs, Config{Interval: 10 * time.Millisecond}, observability.NewLogger("error"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	waitRuns(t, ms, 3)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Start() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	if got := len(obs.Observed()); got < 3 {
		t.Errorf("expected at least 3 observed runs, got %d", got)
	}
}

func TestScheduler_ContinuesAfterFailure(t *testing.T) {
	failure := fmt.Errorf("sync failed: connectivity: feed down")
	ms := newMockSyncer(failure)
	obs := &mockObserver{}
	s := NewScheduler(ms, obs, Config{Interval: 10 * time.Millisecond}, observability.NewLogger("error"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(done)
	}()

	waitRuns(t, ms, 2)
	cancel()
	<-done

	observed := obs.Observed()
	if len(observed) < 2 {
		t.Fatalf("expected at least 2 observed runs, got %d", len(observed))
	}
	if observed[0] != failure {
		t.Errorf("first run should report the failure, got %v", observed[0])
	}
	if observed[1] != nil {
		t.Errorf("second run should succeed, got %v", observed[1])
	}
}

func TestScheduler_ZeroIntervalRunsOnce(t *testing.T) {
	ms := newMockSyncer()
	s := NewScheduler(ms, nil, Config{}, observability.NewLogger("error"))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if ms.Calls() != 1 {
		t.Errorf("expected exactly the initial sync, got %d calls", ms.Calls())
	}
}

func TestScheduler_RunOnceReturnsError(t *testing.T) {
	failure := fmt.Errorf("boom")
	ms := newMockSyncer(failure)
	obs := &mockObserver{}
	s := NewScheduler(ms, obs, Config{}, nil)

	if err := s.RunOnce(context.Background()); err != failure {
		t.Errorf("RunOnce() = %v, want %v", err, failure)
	}
	if observed := obs.Observed(); len(observed) != 1 || observed[0] != failure {
		t.Errorf("observer saw %v", observed)
	}
}

func TestScheduler_WarnsAboutExpiringTolerations(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	soon := now.Add(48 * time.Hour).Unix()
	later := now.Add(90 * 24 * time.Hour).Unix()

	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "warn")
	s := NewScheduler(newMockSyncer(), nil, Config{
		Tolerations: []types.CVEToleration{
			{ID: "CVE-2024-0001", Statement: "soon", ExpiresAt: &soon},
			{ID: "CVE-2024-0002", Statement: "later", ExpiresAt: &later},
			{ID: "CVE-2024-0003", Statement: "never"},
		},
	}, logger)
	s.(*schedulerImpl).now = func() time.Time { return now }

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "CVE-2024-0001") {
		t.Errorf("expected a warning for the expiring toleration, got %s", out)
	}
	if strings.Contains(out, "CVE-2024-0002") || strings.Contains(out, "CVE-2024-0003") {
		t.Errorf("only the expiring toleration should be reported, got %s", out)
	}
}
