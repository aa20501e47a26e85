package policy

import "fmt"

// Severity of a violation.
type Severity string

const (
	// SeverityWarning findings are logged and published but do not block
	// convergence.
	SeverityWarning Severity = "warning"

	// SeverityError findings abort the run before any action is dispatched.
	SeverityError Severity = "error"
)

// Policy is one Rego module. Its package may define a "deny" set (errors)
// and a "warn" set (warnings). Elements are strings or objects with
// "resource" and "message" keys.
type Policy struct {
	Name        string
	Description string
	Rego        string

	// Source is the file the policy was read from, empty for built-ins.
	Source string
}

// Violation is a single finding.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("[%s] %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Policy, v.Resource, v.Message)
}

// Result holds the findings of one evaluation.
type Result struct {
	Violations []Violation
	Warnings   []Violation

	// Evaluated lists the policies that ran, in evaluation order.
	Evaluated []string
}

// Allowed reports whether no error-severity violation was found.
func (r *Result) Allowed() bool { return len(r.Violations) == 0 }

// Input is the document policies see as "input".
type Input struct {
	Resources []ResourceInput `json:"resources"`
}

// ResourceInput is the policy view of a declared resource.
type ResourceInput struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Actions    []string       `json:"actions"`
	Provider   string         `json:"provider,omitempty"`
	Attributes map[string]any `json:"attributes"`
	NotIf      *GuardInput    `json:"not_if,omitempty"`
	OnlyIf     *GuardInput    `json:"only_if,omitempty"`
}

// GuardInput describes a guard without its callable.
type GuardInput struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
}
