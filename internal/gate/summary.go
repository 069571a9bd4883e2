package gate

import (
	"fmt"
	"strings"
)

// Summary statuses. Transitions are running -> ok|fail only.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFail    = "fail"
)

// IDs collects the identifiers produced by a run. Empty fields are
// omitted from summary.json and the status line.
type IDs struct {
	UserID         string `json:"userId,omitempty"`
	CustomerID     string `json:"customerId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	InvoiceID      string `json:"invoiceId,omitempty"`
	PriceID        string `json:"priceId,omitempty"`
	EventID        string `json:"eventId,omitempty"`
	OrgID          string `json:"orgId,omitempty"`
}

// Summary is the run's verdict, overwritten in place as the run
// advances. The accumulator is threaded through the step functions and
// read exactly once at exit.
type Summary struct {
	Status    string `json:"status"`
	Step      string `json:"step,omitempty"`
	Reason    string `json:"reason,omitempty"`
	IDs       IDs    `json:"ids"`
	RunID     string `json:"runId"`
	Flow      string `json:"flow"`
	Artifacts string `json:"artifacts"`
}

func NewSummary(run Run) Summary {
	return Summary{
		Status:    StatusRunning,
		RunID:     run.ID,
		Flow:      run.Flow,
		Artifacts: run.ArtifactDir,
	}
}

// Finish moves the summary to its terminal state. A summary already in
// a terminal state is never moved back.
func (s *Summary) Finish(err error) {
	if s.Status != StatusRunning {
		return
	}
	if err == nil {
		s.Status = StatusOK
		s.Step = ""
		s.Reason = ""
		return
	}
	s.Status = StatusFail
	if step := Step(err); step != "" {
		s.Step = step
	}
	s.Reason = Reason(err)
}

// StatusLine renders the single machine-parseable stdout line.
func StatusLine(s Summary) string {
	if s.Status == StatusFail {
		step := s.Step
		if step == "" {
			step = "unknown"
		}
		return fmt.Sprintf("COMMERCE_GATE FAIL runId=%s flow=%s step=%s reason=%s artifacts=%s",
			s.RunID, s.Flow, step, s.Reason, s.Artifacts)
	}
	switch s.Flow {
	case FlowAuthGate:
		return fmt.Sprintf("AUTH_GATE PASS runId=%s token_acquired=true artifacts=%s",
			s.RunID, s.Artifacts)
	case FlowWebhook:
		return fmt.Sprintf("COMMERCE_IDEMPOTENCY PASS runId=%s eventId=%s artifacts=%s",
			s.RunID, s.IDs.EventID, s.Artifacts)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "COMMERCE_GATE PASS runId=%s flow=%s", s.RunID, s.Flow)
	for _, kv := range []struct{ k, v string }{
		{"userId", s.IDs.UserID},
		{"customer", s.IDs.CustomerID},
		{"session", s.IDs.SessionID},
		{"sub", s.IDs.SubscriptionID},
		{"invoice", s.IDs.InvoiceID},
		{"price", s.IDs.PriceID},
	} {
		if kv.v != "" {
			fmt.Fprintf(&b, " %s=%s", kv.k, kv.v)
		}
	}
	fmt.Fprintf(&b, " artifacts=%s", s.Artifacts)
	return b.String()
}
