// Package webhook redelivers a real provider event twice and verifies
// the receiver's idempotency contract: one payload handled twice must
// be applied exactly once.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"commercegate/internal/artifact"
	"commercegate/internal/gate"
	"commercegate/internal/provider"
)

// Replay states, in order.
const (
	stateNotDelivered    = "not_yet_delivered"
	stateFirstDelivered  = "first_delivered"
	stateReplayDelivered = "replay_delivered"
	stateVerified        = "verified"
)

// EventStore exposes the webhook-event rows the receiver persists,
// queried directly with elevated credentials.
type EventStore interface {
	WebhookEventStatuses(ctx context.Context, eventID string) ([]string, error)
}

// EventFetcher fetches the real event body from the provider.
type EventFetcher interface {
	GetEvent(ctx context.Context, id string) (*provider.Event, error)
}

// Outcome is one delivery's parsed result. Exactly two per replay.
type Outcome struct {
	Label      string `json:"label"`
	HTTPStatus int    `json:"httpStatus"`
	Received   bool   `json:"received"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate"`
	EventID    string `json:"eventId"`
}

// Result is the verified replay: both outcomes plus the final row count.
type Result struct {
	EventID string  `json:"eventId"`
	First   Outcome `json:"first"`
	Replay  Outcome `json:"replay"`
	Rows    int     `json:"rows"`
}

type Engine struct {
	URL           string
	Secret        string
	AllowRecorded bool

	Store EventStore
	Fetch EventFetcher
	Rec   *artifact.Recorder
	Log   *slog.Logger

	HTTP *http.Client
}

func (e *Engine) client() *http.Client {
	if e.HTTP != nil {
		return e.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Replay runs the full contract for one event id:
// precondition -> first delivery -> replay delivery -> postcondition.
func (e *Engine) Replay(ctx context.Context, eventID string) (*Result, error) {
	state := stateNotDelivered

	// Precondition: a previously-consumed event would satisfy the
	// duplicate assertion for the wrong reason.
	statuses, err := e.Store.WebhookEventStatuses(ctx, eventID)
	if err != nil {
		// Distinct from event_already_recorded: the query itself failed,
		// nothing is known about prior rows.
		return nil, &gate.AssertionError{Step: "webhook_precondition", Reason: "precondition_query_failed"}
	}
	priorRows := len(statuses) > 0
	if priorRows && !e.AllowRecorded {
		return nil, &gate.AssertionError{Step: "webhook_precondition", Reason: "event_already_recorded"}
	}

	// Fetch once; both deliveries reuse the identical payload.
	ev, err := e.Fetch.GetEvent(ctx, eventID)
	if err != nil {
		return nil, &gate.AssertionError{Step: "webhook_fetch_event", Reason: "event_fetch_failed"}
	}
	if e.Rec != nil {
		_ = e.Rec.CaptureRaw("event_"+eventID, ev.Raw)
	}

	first, err := e.Deliver(ctx, ev.Raw, "first")
	if err != nil {
		return nil, err
	}
	state = stateFirstDelivered
	if err := checkOutcome(first, eventID, priorRows); err != nil {
		return nil, err
	}

	replay, err := e.Deliver(ctx, ev.Raw, "replay")
	if err != nil {
		return nil, err
	}
	state = stateReplayDelivered
	// The second delivery is always a duplicate, whatever the first saw.
	if err := checkOutcome(replay, eventID, true); err != nil {
		return nil, err
	}

	// Postcondition: two deliveries never produce two rows.
	statuses, err = e.Store.WebhookEventStatuses(ctx, eventID)
	if err != nil {
		return nil, &gate.AssertionError{Step: "webhook_postcondition", Reason: "postcondition_query_failed"}
	}
	if len(statuses) != 1 {
		return nil, &gate.AssertionError{
			Step:   "webhook_postcondition",
			Reason: fmt.Sprintf("store_rows_%d", len(statuses)),
		}
	}
	if statuses[0] != "processed" {
		return nil, &gate.AssertionError{
			Step:   "webhook_postcondition",
			Reason: "store_status_" + statuses[0],
		}
	}
	state = stateVerified

	if e.Log != nil {
		e.Log.Info("idempotency contract verified", "eventId", eventID, "state", state)
	}
	return &Result{EventID: eventID, First: *first, Replay: *replay, Rows: len(statuses)}, nil
}

// Deliver POSTs the raw payload with a freshly signed header and parses
// the receiver's response against the schema contract.
func (e *Engine) Deliver(ctx context.Context, body []byte, label string) (*Outcome, error) {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Signature(e.Secret, time.Now(), body))

	res, err := e.client().Do(req)
	if err != nil {
		return nil, &gate.AssertionError{
			Step:   "webhook_deliver_" + label,
			Reason: "delivery_failed_" + label,
		}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if e.Rec != nil {
		var resTree any
		if json.Unmarshal(raw, &resTree) != nil {
			resTree = string(raw)
		}
		_ = e.Rec.HTTP(artifact.HTTPRecord{
			Method:   http.MethodPost,
			URL:      e.URL,
			Status:   res.StatusCode,
			Request:  map[string]any{"delivery": label, "bytes": len(body)},
			Response: resTree,
		})
		_ = e.Rec.Step("webhook_deliver_"+label, time.Since(started), nil, resTree)
	}

	if res.StatusCode/100 != 2 {
		return nil, &gate.AssertionError{
			Step:   "webhook_deliver_" + label,
			Reason: fmt.Sprintf("webhook_http_%d_%s", res.StatusCode, label),
		}
	}

	out, err := parseOutcome(raw, label, res.StatusCode)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseOutcome enforces the response schema contract: received, string
// status, boolean duplicate, and an eventId. Pointer fields distinguish
// absent from zero-valued.
func parseOutcome(raw []byte, label string, httpStatus int) (*Outcome, error) {
	var body struct {
		Received  *bool   `json:"received"`
		Status    *string `json:"status"`
		Duplicate *bool   `json:"duplicate"`
		EventID   *string `json:"eventId"`
	}
	schemaErr := &gate.AssertionError{
		Step:   "webhook_deliver_" + label,
		Reason: "schema_invalid_" + label,
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, schemaErr
	}
	if body.Received == nil || body.Status == nil || body.Duplicate == nil || body.EventID == nil {
		return nil, schemaErr
	}
	return &Outcome{
		Label:      label,
		HTTPStatus: httpStatus,
		Received:   *body.Received,
		Status:     *body.Status,
		Duplicate:  *body.Duplicate,
		EventID:    *body.EventID,
	}, nil
}

// checkOutcome asserts one delivery against the idempotency contract.
// expectDuplicate is true when prior rows existed, and always for the
// replay delivery.
func checkOutcome(o *Outcome, eventID string, expectDuplicate bool) error {
	if o.EventID != eventID {
		return &gate.AssertionError{
			Step:   "webhook_deliver_" + o.Label,
			Reason: "event_id_mismatch_" + o.Label,
		}
	}
	wantStatus, wantDup := "processed", false
	if expectDuplicate {
		wantStatus, wantDup = "skipped_duplicate", true
	}
	if o.Status != wantStatus || o.Duplicate != wantDup {
		return &gate.AssertionError{
			Step:   "webhook_deliver_" + o.Label,
			Reason: fmt.Sprintf("%s_delivery_%s_duplicate_%t", o.Label, o.Status, o.Duplicate),
		}
	}
	return nil
}
