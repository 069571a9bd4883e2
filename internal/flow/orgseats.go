package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"commercegate/internal/artifact"
	"commercegate/internal/gate"
)

// checkoutResponse is the app's answer to an accepted seat checkout.
type checkoutResponse struct {
	SessionID      string `json:"sessionId"`
	OrgID          string `json:"orgId"`
	SubscriptionID string `json:"subscriptionId"`
}

// runOrgSeats probes the seat ceiling:
//
//	Gate A: maxSeats+1 must be rejected.
//	Gate B: min(5, maxSeats) must succeed, with the org, membership and
//	        subscription rows visible through the direct store probe.
//	Gate C: the org subscription's webhook event replays idempotently.
func (r *Runner) runOrgSeats(ctx context.Context, sum *gate.Summary) error {
	email, password := testCredentials(r.Run.ID)

	userID, err := r.Identity.Provision(ctx, email, password)
	if err != nil {
		return asAssertion("provision_user", "provision_failed", err)
	}
	token, err := r.Identity.Login(ctx, email, password)
	if err != nil {
		return asAssertion("login", "token_missing", err)
	}
	sum.IDs.UserID = userID

	short := r.Run.ID
	if len(short) > 8 {
		short = short[:8]
	}
	orgName := "gate-org-" + short

	// Gate A: over the ceiling. Acceptance is the failure.
	started := time.Now()
	overSeats := r.Cfg.MaxSeats + 1
	status, _, err := r.checkout(ctx, token, orgName+"-over", overSeats)
	if err != nil {
		return asAssertion("seat_limit", "checkout_request_failed", err)
	}
	r.step("seat_limit_reject", started, map[string]any{"seats": overSeats}, map[string]any{"httpStatus": status})
	if status/100 == 2 {
		return &gate.AssertionError{Step: "seat_limit", Reason: "seat_limit_reject_failed"}
	}

	// Gate B: under the ceiling.
	seats := min(5, r.Cfg.MaxSeats)
	started = time.Now()
	status, checkoutRes, err := r.checkout(ctx, token, orgName, seats)
	if err != nil {
		return asAssertion("checkout", "checkout_request_failed", err)
	}
	r.step("checkout", started, map[string]any{"seats": seats, "orgName": orgName}, checkoutRes)
	if status/100 != 2 {
		return &gate.AssertionError{Step: "checkout", Reason: fmt.Sprintf("checkout_rejected_%d", status)}
	}

	started = time.Now()
	rows, err := r.Probe.OrgProvisioning(ctx, orgName)
	if err != nil {
		return &gate.AssertionError{Step: "verify_org_rows", Reason: "store_query_failed"}
	}
	r.step("verify_org_rows", started, map[string]any{"orgName": orgName}, rows)
	switch {
	case rows.Organizations != 1:
		return &gate.AssertionError{Step: "verify_org_rows", Reason: fmt.Sprintf("org_rows_organizations_%d", rows.Organizations)}
	case rows.Memberships < 1:
		return &gate.AssertionError{Step: "verify_org_rows", Reason: "org_rows_memberships_0"}
	case rows.Subscriptions != 1:
		return &gate.AssertionError{Step: "verify_org_rows", Reason: fmt.Sprintf("org_rows_subscriptions_%d", rows.Subscriptions)}
	}

	// Gate C: the checkout just consumed the subscription event, so the
	// replay runs on the already-recorded path by construction.
	subscriptionID := checkoutRes.SubscriptionID
	if subscriptionID == "" {
		return &gate.AssertionError{Step: "checkout", Reason: "subscription_id_missing"}
	}
	eventID, err := r.Probe.LatestSubscriptionEvent(ctx, subscriptionID)
	if err != nil {
		return &gate.AssertionError{Step: "reconcile_webhook", Reason: "subscription_event_missing"}
	}
	eng := r.engine()
	eng.AllowRecorded = true
	res, err := eng.Replay(ctx, eventID)
	if err != nil {
		return err
	}
	_ = r.Rec.Capture("idempotency_outcomes", res)

	sum.IDs.SessionID = checkoutRes.SessionID
	sum.IDs.SubscriptionID = subscriptionID
	sum.IDs.OrgID = rows.OrgID
	sum.IDs.EventID = eventID
	return nil
}

// checkout issues one seat-checkout request against the app layer.
func (r *Runner) checkout(ctx context.Context, token, orgName string, seats int) (int, *checkoutResponse, error) {
	body, err := json.Marshal(map[string]any{
		"orgName": orgName,
		"seats":   seats,
		"priceId": r.Cfg.Provider.MonthlyPriceID,
	})
	if err != nil {
		return 0, nil, err
	}
	url := r.Cfg.App.BaseURL + r.Cfg.App.CheckoutPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := r.http().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}

	var resTree any
	if json.Unmarshal(raw, &resTree) != nil {
		resTree = string(raw)
	}
	_ = r.Rec.HTTP(artifact.HTTPRecord{
		Method:   http.MethodPost,
		URL:      url,
		Status:   res.StatusCode,
		Request:  map[string]any{"orgName": orgName, "seats": seats},
		Response: resTree,
	})

	var out checkoutResponse
	_ = json.Unmarshal(raw, &out)
	return res.StatusCode, &out, nil
}
