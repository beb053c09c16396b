package redact

import "regexp"

// Action describes the directive associated with a redaction rule.
type Action string

const (
	// ActionAllow indicates the finding should not alter the text.
	ActionAllow Action = "allow"
	// ActionRedact indicates the finding should be masked in place.
	ActionRedact Action = "redact"
	// ActionBlock indicates the finding should cause the text to be rejected.
	ActionBlock Action = "block"
)

// Rule declares a redaction detection rule.
type Rule struct {
	Name        string
	Pattern     string
	Action      Action
	Replacement string
}

// Config bundles all rule definitions for a Scanner.
type Config struct {
	Rules []Rule
}

// Finding captures a single rule match.
type Finding struct {
	Rule   string
	Match  string
	Start  int
	End    int
	Action Action
}

// Report summarises the outcome of a scan operation.
type Report struct {
	Findings          []Finding
	Redacted          string
	RedactionsApplied bool
	Blocked           bool
	BlockedBy         string
}

// Scanner applies redaction rules to textual content.
type Scanner struct {
	rules []compiledRule
}

// compiledRule is an internal representation of a Rule with a compiled regex.
type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

// isValidAction checks if the given action is a known redaction action.
func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionRedact, ActionBlock:
		return true
	default:
		return false
	}
}
