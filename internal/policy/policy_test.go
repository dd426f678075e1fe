package policy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, config PolicyConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(slog.Default(), config)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	engine.now = func() time.Time { return fixedNow }
	return engine
}

func unix(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

func TestEngine_Evaluate_CleanArtifact(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})

	decision, err := engine.Evaluate(context.Background(), "deadbeef", []string{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Passed {
		t.Errorf("expected policy to pass, reason: %s", decision.Reason)
	}
	if decision.CVECount != 0 || decision.ToleratedCount != 0 {
		t.Errorf("unexpected counts: cves=%d tolerated=%d", decision.CVECount, decision.ToleratedCount)
	}
}

func TestEngine_Evaluate_VulnerableArtifact(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})

	decision, err := engine.Evaluate(context.Background(), "deadbeef", []string{"CVE-2099-0001", "CVE-2099-0002"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Passed {
		t.Errorf("expected policy to fail")
	}
	if decision.Reason != "vulnerable artifact" {
		t.Errorf("Reason = %q", decision.Reason)
	}
	if len(decision.FailingCVEs) != 2 {
		t.Errorf("expected 2 failing CVEs, got %v", decision.FailingCVEs)
	}
}

func TestEngine_Evaluate_Tolerations(t *testing.T) {
	tests := []struct {
		name          string
		tolerations   []types.CVEToleration
		wantPassed    bool
		wantTolerated int
		wantFailing   []string
	}{
		{
			name: "all tolerated",
			tolerations: []types.CVEToleration{
				{ID: "CVE-2099-0001", Statement: "not reachable"},
				{ID: "CVE-2099-0002", Statement: "test only"},
			},
			wantPassed:    true,
			wantTolerated: 2,
			wantFailing:   []string{},
		},
		{
			name: "partially tolerated",
			tolerations: []types.CVEToleration{
				{ID: "CVE-2099-0001", Statement: "not reachable"},
			},
			wantPassed:    false,
			wantTolerated: 1,
			wantFailing:   []string{"CVE-2099-0002"},
		},
		{
			name: "expired toleration is ignored",
			tolerations: []types.CVEToleration{
				{ID: "CVE-2099-0001", Statement: "not reachable"},
				{ID: "CVE-2099-0002", Statement: "old", ExpiresAt: unix(fixedNow.Add(-time.Hour))},
			},
			wantPassed:    false,
			wantTolerated: 1,
			wantFailing:   []string{"CVE-2099-0002"},
		},
		{
			name: "future expiry still applies",
			tolerations: []types.CVEToleration{
				{ID: "CVE-2099-0001", Statement: "a", ExpiresAt: unix(fixedNow.Add(90 * 24 * time.Hour))},
				{ID: "CVE-2099-0002", Statement: "b", ExpiresAt: unix(fixedNow.Add(time.Hour))},
			},
			wantPassed:    true,
			wantTolerated: 2,
			wantFailing:   []string{},
		},
		{
			name: "toleration for an absent CVE",
			tolerations: []types.CVEToleration{
				{ID: "CVE-1999-9999", Statement: "unrelated"},
			},
			wantPassed:    false,
			wantTolerated: 0,
			wantFailing:   []string{"CVE-2099-0001", "CVE-2099-0002"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, PolicyConfig{})
			decision, err := engine.Evaluate(context.Background(), "deadbeef",
				[]string{"CVE-2099-0001", "CVE-2099-0002"}, tt.tolerations)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", decision.Passed, tt.wantPassed, decision.Reason)
			}
			if decision.ToleratedCount != tt.wantTolerated {
				t.Errorf("ToleratedCount = %d, want %d", decision.ToleratedCount, tt.wantTolerated)
			}
			if len(decision.FailingCVEs) != len(tt.wantFailing) {
				t.Fatalf("FailingCVEs = %v, want %v", decision.FailingCVEs, tt.wantFailing)
			}
			for i := range tt.wantFailing {
				if decision.FailingCVEs[i] != tt.wantFailing[i] {
					t.Errorf("FailingCVEs[%d] = %s, want %s", i, decision.FailingCVEs[i], tt.wantFailing[i])
				}
			}
		})
	}
}

func TestEngine_Evaluate_ToleratedCVEDetails(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})
	expiry := unix(fixedNow.Add(30 * 24 * time.Hour))

	decision, err := engine.Evaluate(context.Background(), "deadbeef", []string{"CVE-2099-0001"},
		[]types.CVEToleration{{ID: "CVE-2099-0001", Statement: "vendored, unused", ExpiresAt: expiry}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.ToleratedCVEs) != 1 {
		t.Fatalf("expected 1 tolerated CVE, got %d", len(decision.ToleratedCVEs))
	}
	got := decision.ToleratedCVEs[0]
	if got.CVEID != "CVE-2099-0001" || got.Statement != "vendored, unused" {
		t.Errorf("unexpected tolerated CVE: %+v", got)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != *expiry {
		t.Errorf("ExpiresAt = %v, want %d", got.ExpiresAt, *expiry)
	}
}

func TestEngine_Evaluate_ExpiringTolerations(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		wantWarn  bool
		wantDays  int
	}{
		{name: "expires in three days", expiresIn: 3*24*time.Hour + time.Hour, wantWarn: true, wantDays: 3},
		{name: "expires within the day", expiresIn: 2 * time.Hour, wantWarn: true, wantDays: 0},
		{name: "expires in thirty days", expiresIn: 30 * 24 * time.Hour, wantWarn: false},
		{name: "already expired", expiresIn: -time.Hour, wantWarn: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, PolicyConfig{})
			decision, err := engine.Evaluate(context.Background(), "deadbeef", []string{"CVE-2099-0001"},
				[]types.CVEToleration{{ID: "CVE-2099-0001", Statement: "s", ExpiresAt: unix(fixedNow.Add(tt.expiresIn))}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !tt.wantWarn {
				if len(decision.ExpiringTolerations) != 0 {
					t.Errorf("expected no expiring tolerations, got %+v", decision.ExpiringTolerations)
				}
				return
			}
			if len(decision.ExpiringTolerations) != 1 {
				t.Fatalf("expected 1 expiring toleration, got %d", len(decision.ExpiringTolerations))
			}
			if decision.ExpiringTolerations[0].DaysUntil != tt.wantDays {
				t.Errorf("DaysUntil = %d, want %d", decision.ExpiringTolerations[0].DaysUntil, tt.wantDays)
			}
		})
	}
}

func TestEngine_Evaluate_PermanentTolerationNeverWarns(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})
	decision, err := engine.Evaluate(context.Background(), "deadbeef", []string{"CVE-2099-0001"},
		[]types.CVEToleration{{ID: "CVE-2099-0001", Statement: "accepted"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Passed {
		t.Errorf("expected policy to pass")
	}
	if len(decision.ExpiringTolerations) != 0 {
		t.Errorf("permanent toleration should not warn")
	}
}

func TestEngine_CustomExpressions(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		hash       string
		cves       []string
		want       bool
	}{
		{name: "threshold passes", expression: "cveCount <= 2", cves: []string{"CVE-1", "CVE-2"}, want: true},
		{name: "threshold fails", expression: "cveCount <= 1", cves: []string{"CVE-1", "CVE-2"}, want: false},
		{name: "deny list", expression: `!("CVE-2021-44228" in cves)`, cves: []string{"CVE-2021-44228"}, want: false},
		{name: "deny list clean", expression: `!("CVE-2021-44228" in cves)`, cves: []string{"CVE-1"}, want: true},
		{name: "hash allow list", expression: `hash == "cafe" || size(cves) == 0`, hash: "cafe", cves: []string{"CVE-1"}, want: true},
		{name: "prefix filter", expression: `cves.all(c, !c.startsWith("CVE-2099"))`, cves: []string{"CVE-2099-1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, PolicyConfig{Expression: tt.expression})
			decision, err := engine.Evaluate(context.Background(), tt.hash, tt.cves, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Passed != tt.want {
				t.Errorf("Passed = %v, want %v", decision.Passed, tt.want)
			}
		})
	}
}

func TestEngine_FailureMessage(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{Expression: "cveCount == 0", FailureMessage: "blocked"})
	decision, err := engine.Evaluate(context.Background(), "h", []string{"CVE-1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Reason != "blocked" {
		t.Errorf("Reason = %q, want blocked", decision.Reason)
	}

	plain := newTestEngine(t, PolicyConfig{Expression: "cveCount == 0"})
	decision, err = plain.Evaluate(context.Background(), "h", []string{"CVE-1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Reason != "policy failed: cves=1 (tolerated=0)" {
		t.Errorf("Reason = %q", decision.Reason)
	}
}

func TestNewEngine_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name       string
		expression string
	}{
		{name: "syntax error", expression: "cveCount =="},
		{name: "unknown variable", expression: "criticalCount == 0"},
		{name: "not a boolean", expression: "cveCount + 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(nil, PolicyConfig{Expression: tt.expression})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestEngine_Metrics(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})
	m := observability.GetMetrics()
	passed := testutil.ToFloat64(m.PolicyPassed)
	failed := testutil.ToFloat64(m.PolicyFailed)
	tolerated := testutil.ToFloat64(m.ToleratedCVEs)

	ctx := context.Background()
	tolerations := []types.CVEToleration{{ID: "CVE-1", Statement: "ok"}}
	if _, err := engine.Evaluate(ctx, "a", []string{"CVE-1"}, tolerations); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Evaluate(ctx, "b", []string{"CVE-1", "CVE-2"}, tolerations); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.PolicyPassed) - passed; got != 1 {
		t.Errorf("passed delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PolicyFailed) - failed; got != 1 {
		t.Errorf("failed delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToleratedCVEs) - tolerated; got != 2 {
		t.Errorf("tolerated delta = %v, want 2", got)
	}
}

func TestEngine_SetExpiryWarningWindow(t *testing.T) {
	engine := newTestEngine(t, PolicyConfig{})
	engine.SetExpiryWarningWindow(60 * 24 * time.Hour)

	decision, err := engine.Evaluate(context.Background(), "h", []string{"CVE-1"},
		[]types.CVEToleration{{ID: "CVE-1", Statement: "s", ExpiresAt: unix(fixedNow.Add(30 * 24 * time.Hour))}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.ExpiringTolerations) != 1 {
		t.Errorf("expected the widened window to flag the toleration")
	}
}
