package gate

import (
	"errors"
	"fmt"
)

// The error taxonomy is closed: every run-terminating failure is one of
// the four variants below. The reason strings are part of the external
// contract (they end up in summary.json and the FAIL status line).

// PreflightError is a missing or malformed required value, detected
// before any network call. Never retried. Exit code 2.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string { return "preflight: " + e.Reason }

// AssertionError is a violated postcondition at a named step. Exit code 1.
type AssertionError struct {
	Step   string
	Reason string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Step, e.Reason)
}

// TransientError is a retryable failure that exhausted its attempts.
// Exit code 1.
type TransientError struct {
	Reason   string
	Attempts int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s after %d attempts", e.Reason, e.Attempts)
}

// RedactionError is an unmasked secret found in a persisted artifact.
// It overrides an otherwise-passing run. Exit code 1.
type RedactionError struct {
	File string
}

func (e *RedactionError) Error() string { return "secret_leak_" + e.File }

// Reason extracts the contract reason string from any gate error.
func Reason(err error) string {
	var pe *PreflightError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	var ae *AssertionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Reason
	}
	var re *RedactionError
	if errors.As(err, &re) {
		return re.Error()
	}
	return err.Error()
}

// Step extracts the failing step name, if the error carries one.
func Step(err error) string {
	var ae *AssertionError
	if errors.As(err, &ae) {
		return ae.Step
	}
	return ""
}

// ExitCode maps a run error to the process exit code contract:
// 0 success, 1 functional failure (including secret leaks), 2 pre-flight.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *PreflightError
	if errors.As(err, &pe) {
		return 2
	}
	return 1
}
