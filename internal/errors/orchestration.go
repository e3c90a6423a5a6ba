package errors

import (
	"errors"
	"fmt"
	"strings"
)

// OrchestrationError locates a failure inside a spec run and carries a
// one-line remediation for the operator.
type OrchestrationError struct {
	Op          string
	SpecID      string
	TaskID      string
	Wave        int
	Phase       string
	Remediation string
	Err         error
}

// Error renders the location prefix followed by the wrapped error.
func (e *OrchestrationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	var loc []string
	if e.SpecID != "" {
		loc = append(loc, "spec "+e.SpecID)
	}
	if e.Phase != "" {
		loc = append(loc, "phase "+e.Phase)
	}
	if e.Wave > 0 {
		loc = append(loc, fmt.Sprintf("wave %d", e.Wave))
	}
	if e.TaskID != "" {
		loc = append(loc, "task "+e.TaskID)
	}
	if len(loc) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(loc, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is to reach the sentinel.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Remediation returns the remediation carried by the first OrchestrationError
// in err's chain, or an empty string.
func Remediation(err error) string {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Remediation
	}
	return ""
}
