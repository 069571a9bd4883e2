package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"commercegate/internal/gate"
	"commercegate/internal/provider"
)

// runSubscription drives customer -> payment method -> subscription ->
// payment-intent confirmation, strictly sequentially. Identifiers are
// written to the summary only after every assertion has passed.
func (r *Runner) runSubscription(ctx context.Context, sum *gate.Summary) error {
	email, password := testCredentials(r.Run.ID)

	started := time.Now()
	userID, err := r.Identity.Provision(ctx, email, password)
	if err != nil {
		return asAssertion("provision_user", "provision_failed", err)
	}
	if _, err := r.Identity.Login(ctx, email, password); err != nil {
		return asAssertion("login", "token_missing", err)
	}
	r.step("provision_identity", started, map[string]any{"email": email}, map[string]any{"userId": userID})

	started = time.Now()
	cust, err := r.Payments.CreateCustomer(ctx, email)
	if err != nil {
		return asAssertion("create_customer", "customer_create_failed", err)
	}
	r.step("create_customer", started, map[string]any{"email": email}, cust)

	started = time.Now()
	pm := r.Cfg.Provider.PaymentMethod
	if _, err := r.Payments.AttachPaymentMethod(ctx, pm, cust.ID); err != nil {
		return asAssertion("attach_payment_method", "payment_method_attach_failed", err)
	}
	if err := r.Payments.SetDefaultPaymentMethod(ctx, cust.ID, pm); err != nil {
		return asAssertion("attach_payment_method", "default_payment_method_failed", err)
	}
	r.step("attach_payment_method", started, map[string]any{"paymentMethod": pm}, nil)

	started = time.Now()
	sub, err := r.Payments.CreateSubscription(ctx, cust.ID, r.Cfg.Provider.MonthlyPriceID)
	if err != nil {
		return asAssertion("create_subscription", "subscription_create_failed", err)
	}
	_ = r.Rec.Capture("subscription_"+sub.ID, sub)
	r.step("create_subscription", started, map[string]any{"customer": cust.ID}, sub)

	// The returned price must be one of the two configured ids; any
	// other price means the wrong product was provisioned.
	price := sub.PriceID()
	if price != r.Cfg.Provider.MonthlyPriceID && price != r.Cfg.Provider.YearlyPriceID {
		return &gate.AssertionError{Step: "create_subscription", Reason: "unexpected_price_" + price}
	}

	invoiceID := sub.InvoiceID()
	pi, piID, err := r.resolvePaymentIntent(ctx, sub, invoiceID)
	if err != nil {
		return err
	}

	if r.Cfg.Mode == gate.ModeSimulated {
		// The app, not the provider, settles the invoice here: the run
		// proves the receiver reconciles a paid invoice into the store.
		if err := r.simulateInvoicePaid(ctx, sum, cust.ID, sub.ID, invoiceID); err != nil {
			return err
		}
		sum.IDs.UserID = userID
		sum.IDs.CustomerID = cust.ID
		sum.IDs.SubscriptionID = sub.ID
		sum.IDs.InvoiceID = invoiceID
		sum.IDs.PriceID = price
		return nil
	}

	if pi == nil || pi.Status != "succeeded" {
		started = time.Now()
		if _, err := r.Payments.ConfirmPaymentIntent(ctx, piID, pm); err != nil {
			return asAssertion("confirm_payment_intent", "confirm_failed", err)
		}
		r.step("confirm_payment_intent", started, map[string]any{"paymentIntent": piID}, nil)
	}

	// Re-fetch both sides before the final verdict; the confirm response
	// alone does not prove the subscription converged.
	started = time.Now()
	pi, err = r.Payments.GetPaymentIntent(ctx, piID)
	if err != nil {
		return asAssertion("verify_payment", "payment_intent_fetch_failed", err)
	}
	sub, err = r.Payments.GetSubscription(ctx, sub.ID)
	if err != nil {
		return asAssertion("verify_payment", "subscription_fetch_failed", err)
	}
	r.step("verify_payment", started, nil, map[string]any{
		"paymentIntentStatus": pi.Status,
		"subscriptionStatus":  sub.Status,
	})

	if pi.Status != "succeeded" {
		return &gate.AssertionError{Step: "verify_payment", Reason: "payment_intent_" + pi.Status}
	}
	if sub.Status != "active" && sub.Status != "trialing" {
		return &gate.AssertionError{Step: "verify_payment", Reason: "subscription_" + sub.Status}
	}

	sum.IDs.UserID = userID
	sum.IDs.CustomerID = cust.ID
	sum.IDs.SubscriptionID = sub.ID
	sum.IDs.InvoiceID = invoiceID
	sum.IDs.PriceID = price
	return nil
}

// resolvePaymentIntent finds the intent on the expanded invoice, or
// re-fetches the invoice once with expansion. Still absent is fatal.
func (r *Runner) resolvePaymentIntent(ctx context.Context, sub *provider.Subscription, invoiceID string) (*provider.PaymentIntent, string, error) {
	if inv := sub.Invoice(); inv != nil {
		if pi := inv.ExpandedPaymentIntent(); pi != nil {
			return pi, pi.ID, nil
		}
		if id := inv.PaymentIntentID(); id != "" {
			return nil, id, nil
		}
	}
	if invoiceID == "" {
		return nil, "", &gate.AssertionError{Step: "resolve_payment_intent", Reason: "missing_payment_intent"}
	}
	inv, err := r.Payments.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, "", asAssertion("resolve_payment_intent", "invoice_fetch_failed", err)
	}
	if pi := inv.ExpandedPaymentIntent(); pi != nil {
		return pi, pi.ID, nil
	}
	if id := inv.PaymentIntentID(); id != "" {
		return nil, id, nil
	}
	return nil, "", &gate.AssertionError{Step: "resolve_payment_intent", Reason: "missing_payment_intent"}
}

// simulateInvoicePaid synthesizes an invoice-paid event for the new
// subscription, signs and delivers it to the app endpoint, and requires
// the receiver to process it and persist the subscription row.
func (r *Runner) simulateInvoicePaid(ctx context.Context, sum *gate.Summary, customerID, subscriptionID, invoiceID string) error {
	eventID := "evt_sim_" + uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "invoice.payment_succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":           invoiceID,
				"object":       "invoice",
				"customer":     customerID,
				"subscription": subscriptionID,
				"status":       "paid",
			},
		},
	})
	if err != nil {
		return err
	}
	_ = r.Rec.CaptureRaw("event_"+eventID, payload)

	out, err := r.engine().Deliver(ctx, payload, "simulated")
	if err != nil {
		return err
	}
	if out.EventID != eventID || out.Status != "processed" || out.Duplicate {
		return &gate.AssertionError{
			Step:   "simulated_webhook",
			Reason: fmt.Sprintf("simulated_delivery_%s_duplicate_%t", out.Status, out.Duplicate),
		}
	}

	rows, err := r.Probe.SubscriptionRows(ctx, subscriptionID)
	if err != nil {
		return &gate.AssertionError{Step: "simulated_webhook", Reason: "store_query_failed"}
	}
	if rows < 1 {
		return &gate.AssertionError{Step: "simulated_webhook", Reason: "subscription_row_missing"}
	}
	sum.IDs.EventID = eventID
	return nil
}
