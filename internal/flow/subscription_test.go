package flow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercegate/internal/gate"
)

func TestDirectSubscriptionHappyPath(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	payments := &fakePayments{
		priceID:      "price_month",
		intentStatus: "requires_confirmation",
		subStatus:    "active",
	}
	ident := &fakeIdentity{}
	r.Payments = payments
	r.Identity = ident

	sum, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, gate.StatusOK, sum.Status)
	assert.Equal(t, "user-1", sum.IDs.UserID)
	assert.Equal(t, "cus_1", sum.IDs.CustomerID)
	assert.Equal(t, "sub_1", sum.IDs.SubscriptionID)
	assert.Equal(t, "in_1", sum.IDs.InvoiceID)
	assert.Equal(t, "price_month", sum.IDs.PriceID)
	assert.Equal(t, 1, payments.confirmCalls)
	assert.Equal(t, "pm_card_visa", payments.attachedPM)
	assert.Equal(t, "pm_card_visa", payments.defaultPM)

	line := gate.StatusLine(sum)
	assert.Contains(t, line, "COMMERCE_GATE PASS")
	assert.Contains(t, line, "sub=sub_1")

	// summary.json reflects the verdict.
	b, err := os.ReadFile(filepath.Join(r.Run.ArtifactDir, "summary.json"))
	require.NoError(t, err)
	var onDisk gate.Summary
	require.NoError(t, json.Unmarshal(b, &onDisk))
	assert.Equal(t, gate.StatusOK, onDisk.Status)
}

func TestDirectSubscriptionAlreadySucceededSkipsConfirm(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	payments := &fakePayments{
		priceID:      "price_year",
		intentStatus: "succeeded",
		subStatus:    "trialing",
	}
	r.Payments = payments
	r.Identity = &fakeIdentity{}

	sum, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gate.StatusOK, sum.Status)
	assert.Equal(t, "price_year", sum.IDs.PriceID)
	assert.Equal(t, 0, payments.confirmCalls)
}

func TestDirectSubscriptionUnexpectedPrice(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{
		priceID:      "price_rogue",
		intentStatus: "requires_confirmation",
		subStatus:    "active",
	}
	r.Identity = &fakeIdentity{}

	sum, err := r.Execute(context.Background())
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "unexpected_price_price_rogue", ae.Reason)
	assert.Equal(t, "create_subscription", ae.Step)

	assert.Equal(t, gate.StatusFail, sum.Status)
	// No partial success: ids stay empty on failure.
	assert.Empty(t, sum.IDs.SubscriptionID)
	assert.Equal(t, 1, gate.ExitCode(err))
}

func TestDirectSubscriptionMissingPaymentIntent(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{
		priceID:      "price_month",
		intentStatus: "requires_confirmation",
		subStatus:    "active",
		omitIntent:   true,
	}
	r.Identity = &fakeIdentity{}

	sum, err := r.Execute(context.Background())
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "missing_payment_intent", ae.Reason)
	assert.Equal(t, gate.StatusFail, sum.Status)
}

func TestDirectSubscriptionStuckSubscription(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{
		priceID:      "price_month",
		intentStatus: "requires_confirmation",
		subStatus:    "incomplete",
	}
	r.Identity = &fakeIdentity{}

	_, err := r.Execute(context.Background())
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "verify_payment", ae.Step)
	assert.Equal(t, "subscription_incomplete", ae.Reason)
}

func TestDirectSubscriptionLoginRequired(t *testing.T) {
	cfg := testConfig()
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{priceID: "price_month", intentStatus: "succeeded", subStatus: "active"}
	r.Identity = &fakeIdentity{loginErr: &gate.AssertionError{Step: "login", Reason: "token_missing"}}

	_, err := r.Execute(context.Background())
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "token_missing", ae.Reason)
}

func TestSimulatedWebhookMode(t *testing.T) {
	var delivered []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stripe/webhook", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Stripe-Signature"))
		delivered, _ = io.ReadAll(r.Body)
		var ev struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(delivered, &ev))
		json.NewEncoder(w).Encode(map[string]any{
			"received":  true,
			"status":    "processed",
			"duplicate": false,
			"eventId":   ev.ID,
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Mode = gate.ModeSimulated
	cfg.App.BaseURL = srv.URL
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{
		priceID:      "price_month",
		intentStatus: "requires_payment_method",
		subStatus:    "active",
	}
	r.Identity = &fakeIdentity{}
	r.Probe = &fakeProbe{subRows: 1}

	sum, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, gate.StatusOK, sum.Status)
	assert.NotEmpty(t, sum.IDs.EventID)
	assert.Equal(t, "sub_1", sum.IDs.SubscriptionID)

	var ev struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				Subscription string `json:"subscription"`
			} `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(delivered, &ev))
	assert.Equal(t, "invoice.payment_succeeded", ev.Type)
	assert.Equal(t, "sub_1", ev.Data.Object.Subscription)
}

func TestSimulatedWebhookMissingStoreRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev struct {
			ID string `json:"id"`
		}
		json.Unmarshal(body, &ev)
		json.NewEncoder(w).Encode(map[string]any{
			"received": true, "status": "processed", "duplicate": false, "eventId": ev.ID,
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Mode = gate.ModeSimulated
	cfg.App.BaseURL = srv.URL
	r := newRunner(t, cfg)
	r.Payments = &fakePayments{priceID: "price_month", intentStatus: "requires_payment_method", subStatus: "active"}
	r.Identity = &fakeIdentity{}
	r.Probe = &fakeProbe{subRows: 0}

	_, err := r.Execute(context.Background())
	var ae *gate.AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "subscription_row_missing", ae.Reason)
}
