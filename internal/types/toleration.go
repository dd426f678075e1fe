package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CVEToleration marks a CVE as accepted for policy evaluation, optionally
// until a deadline.
type CVEToleration struct {
	ID        string `json:"id"`
	Statement string `json:"statement"`
	ExpiresAt *int64 `json:"expires_at,omitempty"` // Unix timestamp in seconds, nil means no expiry
}

// UnmarshalYAML accepts expires_at as RFC3339 or as a bare date. A bare date
// expires at the end of that day, UTC.
func (t *CVEToleration) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID        string `yaml:"id"`
		Statement string `yaml:"statement"`
		ExpiresAt string `yaml:"expires_at"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	t.ID = raw.ID
	t.Statement = raw.Statement
	t.ExpiresAt = nil

	if raw.ExpiresAt == "" {
		return nil
	}

	if ts, err := time.Parse(time.RFC3339, raw.ExpiresAt); err == nil {
		unix := ts.Unix()
		t.ExpiresAt = &unix
		return nil
	}
	if day, err := time.Parse(time.DateOnly, raw.ExpiresAt); err == nil {
		unix := day.Add(24*time.Hour - time.Second).Unix()
		t.ExpiresAt = &unix
		return nil
	}
	return fmt.Errorf("invalid expires_at format for %s: %q (want RFC3339 or YYYY-MM-DD)", raw.ID, raw.ExpiresAt)
}

// Expired reports whether the toleration no longer applies at now
func (t CVEToleration) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && time.Unix(*t.ExpiresAt, 0).Before(now)
}

// ToleratedCVE records a toleration that was applied to a lookup result
type ToleratedCVE struct {
	CVEID     string `json:"cve_id"`
	Statement string `json:"statement"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}
