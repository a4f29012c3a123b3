package plan

import (
	"fmt"
	"strings"
)

// CyclicDependencyError is returned by Compile when the dependency graph has
// a cycle. Cycle holds the offending step ids in walk order.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError is returned by Compile when a step depends on an id
// that is not part of the plan.
type UnknownDependencyError struct {
	StepID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step %s", e.StepID, e.DependsOn)
}

// StepFailure wraps a step execution error with retry classification. The
// scheduler retries transient failures and fails fast on logic failures.
type StepFailure struct {
	StepID    string
	Err       error
	Transient bool
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// transientMarkers are substrings that flag an error as worth retrying.
// Anything else is treated as a logic failure and fails the step on the
// first attempt.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"temporarily",
	"temporary",
	"connection refused",
	"connection reset",
	"unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"i/o error",
	"broken pipe",
	"database is locked",
	"busy",
}

// Transient reports whether an error looks retryable. A *StepFailure carries
// its own classification; plain errors are classified by message.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if sf, ok := err.(*StepFailure); ok {
		return sf.Transient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
