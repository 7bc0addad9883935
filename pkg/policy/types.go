package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for settings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for settings that weaken access control.
	SeverityError Severity = "error"

	// SeverityCritical is for settings that expose the host to trivial compromise.
	SeverityCritical Severity = "critical"
)

// rank orders severities from least to most severe. Unknown values rank
// below info.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Policy is a hardening rule written in Rego. The module must define a
// "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Keyword is the sshd_config keyword at fault, when the rule names one.
	Keyword string `json:"keyword,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation suggests a configuration change.
	Remediation string `json:"remediation,omitempty"`
}

// Input is the document policies evaluate, exposed to Rego as input.
type Input struct {
	// Config holds the parsed sshd_config. Keywords are lowercased because
	// sshd matches them case-insensitively.
	Config map[string][]string `json:"config"`

	// Path is the configuration file the keywords were read from.
	Path string `json:"path,omitempty"`
}

// Result represents the outcome of a policy evaluation.
type Result struct {
	// Violations lists every deny result, most severe first.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}
