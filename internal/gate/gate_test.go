package gate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(&PreflightError{Reason: "STRIPE_SECRET_KEY is required"}))
	assert.Equal(t, 1, ExitCode(&AssertionError{Step: "verify_payment", Reason: "payment_intent_canceled"}))
	assert.Equal(t, 1, ExitCode(&TransientError{Reason: "payment_intent_confirm_conflict", Attempts: 3}))
	assert.Equal(t, 1, ExitCode(&RedactionError{File: "http.jsonl"}))
	assert.Equal(t, 1, ExitCode(errors.New("plumbing")))
}

func TestExitCodeWrapped(t *testing.T) {
	err := fmt.Errorf("load: %w", &PreflightError{Reason: "missing"})
	assert.Equal(t, 2, ExitCode(err))
}

func TestReasonAndStep(t *testing.T) {
	err := &AssertionError{Step: "create_subscription", Reason: "unexpected_price_price_x"}
	assert.Equal(t, "unexpected_price_price_x", Reason(err))
	assert.Equal(t, "create_subscription", Step(err))

	leak := &RedactionError{File: "captures/event.json"}
	assert.Equal(t, "secret_leak_captures/event.json", Reason(leak))
}

func TestSummaryFinishTransitions(t *testing.T) {
	run := NewRun(FlowSubscription, t.TempDir())
	s := NewSummary(run)
	require.Equal(t, StatusRunning, s.Status)

	s.Finish(nil)
	assert.Equal(t, StatusOK, s.Status)

	// Terminal states never reverse.
	s.Finish(&AssertionError{Step: "x", Reason: "y"})
	assert.Equal(t, StatusOK, s.Status)

	f := NewSummary(run)
	f.Finish(&AssertionError{Step: "verify_payment", Reason: "subscription_incomplete"})
	assert.Equal(t, StatusFail, f.Status)
	assert.Equal(t, "verify_payment", f.Step)
	assert.Equal(t, "subscription_incomplete", f.Reason)

	f.Finish(nil)
	assert.Equal(t, StatusFail, f.Status)
}

func TestStatusLinePass(t *testing.T) {
	s := Summary{
		Status: StatusOK,
		RunID:  "r1",
		Flow:   FlowSubscription,
		IDs: IDs{
			UserID:         "u1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			InvoiceID:      "in_1",
			PriceID:        "price_m",
		},
		Artifacts: "artifacts/r1",
	}
	assert.Equal(t,
		"COMMERCE_GATE PASS runId=r1 flow=individual_subscription userId=u1 customer=cus_1 sub=sub_1 invoice=in_1 price=price_m artifacts=artifacts/r1",
		StatusLine(s))
}

func TestStatusLineFail(t *testing.T) {
	s := Summary{
		Status:    StatusFail,
		Step:      "seat_limit",
		Reason:    "seat_limit_reject_failed",
		RunID:     "r2",
		Flow:      FlowOrgSeats,
		Artifacts: "artifacts/r2",
	}
	assert.Equal(t,
		"COMMERCE_GATE FAIL runId=r2 flow=org_seats step=seat_limit reason=seat_limit_reject_failed artifacts=artifacts/r2",
		StatusLine(s))
}

func TestStatusLineIdempotency(t *testing.T) {
	s := Summary{
		Status:    StatusOK,
		RunID:     "r3",
		Flow:      FlowWebhook,
		IDs:       IDs{EventID: "evt_1"},
		Artifacts: "artifacts/r3",
	}
	assert.Equal(t,
		"COMMERCE_IDEMPOTENCY PASS runId=r3 eventId=evt_1 artifacts=artifacts/r3",
		StatusLine(s))
}

func TestStatusLineAuthGate(t *testing.T) {
	s := Summary{
		Status:    StatusOK,
		RunID:     "r4",
		Flow:      FlowAuthGate,
		IDs:       IDs{UserID: "u4"},
		Artifacts: "artifacts/r4",
	}
	assert.Equal(t,
		"AUTH_GATE PASS runId=r4 token_acquired=true artifacts=artifacts/r4",
		StatusLine(s))
}

func TestValidFlow(t *testing.T) {
	for _, f := range []string{FlowAuthGate, FlowWebhook, FlowOrgSeats, FlowSubscription} {
		assert.True(t, ValidFlow(f), f)
	}
	assert.False(t, ValidFlow("direct_subscription"))
	assert.False(t, ValidFlow(""))
}
