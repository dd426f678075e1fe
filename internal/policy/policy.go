package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/types"
	"github.com/google/cel-go/cel"
)

// DefaultExpression passes an artifact when every CVE found is tolerated
const DefaultExpression = `cveCount - toleratedCount == 0`

// PolicyEngine defines the interface for policy evaluation
type PolicyEngine interface {
	// Evaluate decides whether a lookup result is acceptable once the
	// configured CVE tolerations have been applied
	Evaluate(ctx context.Context, hash string, cves []string, tolerations []types.CVEToleration) (*PolicyDecision, error)
}

// PolicyConfig defines a CEL-based policy configuration
type PolicyConfig struct {
	// Expression is the CEL expression that must evaluate to true for the policy to pass
	// Available variables:
	//   - cves: CVE ids found for the artifact that are not tolerated
	//   - cveCount: number of CVE ids found, tolerated or not
	//   - toleratedCount: number of CVE ids covered by an active toleration
	//   - hash: combined hash of the artifact
	Expression string `yaml:"expression" json:"expression"`

	// FailureMessage is the message to return when the policy fails (optional)
	FailureMessage string `yaml:"failureMessage" json:"failureMessage"`
}

// PolicyDecision represents the result of policy evaluation
type PolicyDecision struct {
	Passed              bool                 `json:"passed"`
	Reason              string               `json:"reason"`
	CVECount            int                  `json:"cve_count"`
	ToleratedCount      int                  `json:"tolerated_count"`
	FailingCVEs         []string             `json:"failing_cves"`
	ToleratedCVEs       []types.ToleratedCVE `json:"tolerated_cves"`
	ExpiringTolerations []ExpiringToleration `json:"expiring_tolerations,omitempty"`
}

// ExpiringToleration represents a toleration that is expiring soon
type ExpiringToleration struct {
	CVEID     string    `json:"cve_id"`
	Statement string    `json:"statement"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysUntil int       `json:"days_until"`
}

// Engine implements the PolicyEngine interface using CEL expressions
type Engine struct {
	logger              *slog.Logger
	metrics             *observability.Metrics
	expiryWarningWindow time.Duration
	config              PolicyConfig
	program             cel.Program
	now                 func() time.Time
}

// NewEngine compiles the policy expression. An invalid expression, or one
// that does not yield a boolean, is a configuration error.
func NewEngine(logger *slog.Logger, config PolicyConfig) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.Expression == "" {
		config.Expression = DefaultExpression
		if config.FailureMessage == "" {
			config.FailureMessage = "vulnerable artifact"
		}
	}

	env, err := cel.NewEnv(
		cel.Variable("cves", cel.ListType(cel.StringType)),
		cel.Variable("cveCount", cel.IntType),
		cel.Variable("toleratedCount", cel.IntType),
		cel.Variable("hash", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(config.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.NewConfigurationf("policy.expression", "failed to compile %q: %w", config.Expression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.NewConfigurationf("policy.expression", "must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Engine{
		logger:              logger,
		metrics:             observability.GetMetrics(),
		expiryWarningWindow: 7 * 24 * time.Hour,
		config:              config,
		program:             program,
		now:                 time.Now,
	}, nil
}

// Expression returns the compiled policy expression
func (e *Engine) Expression() string {
	return e.config.Expression
}

// Evaluate applies the active tolerations to cves and runs the policy
// expression. Expired tolerations are ignored.
func (e *Engine) Evaluate(ctx context.Context, hash string, cves []string, tolerations []types.CVEToleration) (*PolicyDecision, error) {
	now := e.now()
	decision := &PolicyDecision{
		CVECount:            len(cves),
		FailingCVEs:         make([]string, 0, len(cves)),
		ToleratedCVEs:       make([]types.ToleratedCVE, 0),
		ExpiringTolerations: make([]ExpiringToleration, 0),
	}

	active := make(map[string]types.CVEToleration, len(tolerations))
	for _, toleration := range tolerations {
		if toleration.Expired(now) {
			e.logger.Debug("toleration expired",
				"cve_id", toleration.ID,
				"expired_at", time.Unix(*toleration.ExpiresAt, 0).UTC(),
				"hash", hash)
			continue
		}
		active[toleration.ID] = toleration

		if toleration.ExpiresAt == nil {
			continue
		}
		expiresAt := time.Unix(*toleration.ExpiresAt, 0).UTC()
		untilExpiry := expiresAt.Sub(now)
		if untilExpiry > 0 && untilExpiry <= e.expiryWarningWindow {
			daysUntil := int(untilExpiry.Hours() / 24)
			decision.ExpiringTolerations = append(decision.ExpiringTolerations, ExpiringToleration{
				CVEID:     toleration.ID,
				Statement: toleration.Statement,
				ExpiresAt: expiresAt,
				DaysUntil: daysUntil,
			})
			e.logger.Warn("toleration expiring soon",
				"cve_id", toleration.ID,
				"statement", toleration.Statement,
				"expires_at", expiresAt,
				"days_until_expiry", daysUntil,
				"hash", hash)
		}
	}

	for _, id := range cves {
		toleration, ok := active[id]
		if !ok {
			decision.FailingCVEs = append(decision.FailingCVEs, id)
			continue
		}
		decision.ToleratedCVEs = append(decision.ToleratedCVEs, types.ToleratedCVE{
			CVEID:     id,
			Statement: toleration.Statement,
			ExpiresAt: toleration.ExpiresAt,
		})
		e.logger.Info("vulnerability tolerated",
			"cve_id", id,
			"statement", toleration.Statement,
			"hash", hash)
	}
	decision.ToleratedCount = len(decision.ToleratedCVEs)

	out, _, err := e.program.ContextEval(ctx, map[string]interface{}{
		"cves":           decision.FailingCVEs,
		"cveCount":       decision.CVECount,
		"toleratedCount": decision.ToleratedCount,
		"hash":           hash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("policy expression did not return a boolean: %v", out.Value())
	}
	decision.Passed = passed

	e.metrics.ToleratedCVEs.Add(float64(decision.ToleratedCount))
	if passed {
		e.metrics.PolicyPassed.Inc()
		decision.Reason = fmt.Sprintf("policy passed: cves=%d (tolerated=%d)", decision.CVECount, decision.ToleratedCount)
		e.logger.Debug("policy evaluation passed",
			"hash", hash,
			"cves", decision.CVECount,
			"tolerated", decision.ToleratedCount)
		return decision, nil
	}

	e.metrics.PolicyFailed.Inc()
	if e.config.FailureMessage != "" {
		decision.Reason = e.config.FailureMessage
	} else {
		decision.Reason = fmt.Sprintf("policy failed: cves=%d (tolerated=%d)", decision.CVECount, decision.ToleratedCount)
	}
	e.logger.Warn("policy evaluation failed",
		"hash", hash,
		"cves", decision.CVECount,
		"tolerated", decision.ToleratedCount,
		"failing_cves", decision.FailingCVEs,
		"expression", e.config.Expression)

	return decision, nil
}

// SetExpiryWarningWindow sets the duration before expiry to trigger warnings
func (e *Engine) SetExpiryWarningWindow(duration time.Duration) {
	e.expiryWarningWindow = duration
}
