package main

import (
	"os"

	"commercegate/internal/cli"
)

// commerce-gate drives a test-mode payment provider and its backing
// store through complete subscription-provisioning flows and asserts
// the safety-critical invariants: idempotent webhook processing,
// seat-quota enforcement, retry-correct payment confirmation, and zero
// secret leakage into artifacts.
//
// Exit codes: 0 success, 1 functional failure (including secret-leak
// detection), 2 pre-flight/environment failure.
func main() {
	os.Exit(cli.Execute())
}
