package enforce

import "fmt"

// QueryExecutionError reports that a rule's validation or repair query itself
// failed, as opposed to finding violations. It is recorded per rule and never
// aborts the remaining rules of a run.
type QueryExecutionError struct {
	RuleID string
	Err    error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("enforce: rule %q query failed: %v", e.RuleID, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }
