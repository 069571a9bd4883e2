package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"commercegate/internal/artifact"
	"commercegate/internal/config"
	"commercegate/internal/gate"
	"commercegate/internal/provider"
	"commercegate/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Flow:         gate.FlowSubscription,
		Mode:         gate.ModeDirect,
		ArtifactRoot: "",
		MaxSeats:     1000,
		Provider: config.Provider{
			SecretKey:      "sk_test_4eC39HqLyjWDarjtT1zdp7dc",
			WebhookSecret:  "whsec_8f2a9b1c0d3e4f5a6b7c",
			APIBase:        "https://api.stripe.test",
			MonthlyPriceID: "price_month",
			YearlyPriceID:  "price_year",
			PaymentMethod:  "pm_card_visa",
		},
		App: config.App{
			WebhookPath:  "/api/stripe/webhook",
			CheckoutPath: "/api/billing/checkout",
		},
		Identity: config.Identity{
			BaseURL:        "https://auth.test",
			ServiceRoleKey: "service-role",
			AnonKey:        "anon",
		},
	}
}

func newRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	run := gate.NewRun(cfg.Flow, t.TempDir())
	rec, err := artifact.NewRecorder(run)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return &Runner{Cfg: cfg, Run: run, Rec: rec}
}

// fakePayments models the provider's subscription lifecycle with just
// enough state for the orchestrator's assertions.
type fakePayments struct {
	priceID        string
	intentStatus   string // status before confirmation
	subStatus      string // status after payment settles
	omitIntent     bool   // subscription and invoice carry no intent
	confirmErr     error
	confirmCalls   int
	confirmedPI    bool
	events         map[string]string
	attachedPM     string
	defaultPM      string
	customerEmails []string
}

func makeSub(id, status, priceID string, latestInvoice any) *provider.Subscription {
	m := map[string]any{
		"id":     id,
		"status": status,
		"items": map[string]any{
			"data": []any{map[string]any{"price": map[string]any{"id": priceID}}},
		},
	}
	if latestInvoice != nil {
		m["latest_invoice"] = latestInvoice
	}
	b, _ := json.Marshal(m)
	var sub provider.Subscription
	_ = json.Unmarshal(b, &sub)
	return &sub
}

func (f *fakePayments) invoiceObject() map[string]any {
	inv := map[string]any{"id": "in_1"}
	if !f.omitIntent {
		inv["payment_intent"] = map[string]any{
			"id":            "pi_1",
			"status":        f.intentStatus,
			"client_secret": "pi_1_secret_xyz",
		}
	}
	return inv
}

func (f *fakePayments) CreateCustomer(ctx context.Context, email string) (*provider.Customer, error) {
	f.customerEmails = append(f.customerEmails, email)
	return &provider.Customer{ID: "cus_1", Email: email}, nil
}

func (f *fakePayments) AttachPaymentMethod(ctx context.Context, pmID, customerID string) (*provider.PaymentMethod, error) {
	f.attachedPM = pmID
	return &provider.PaymentMethod{ID: pmID}, nil
}

func (f *fakePayments) SetDefaultPaymentMethod(ctx context.Context, customerID, pmID string) error {
	f.defaultPM = pmID
	return nil
}

func (f *fakePayments) CreateSubscription(ctx context.Context, customerID, priceID string) (*provider.Subscription, error) {
	return makeSub("sub_1", "incomplete", f.priceID, f.invoiceObject()), nil
}

func (f *fakePayments) GetSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	status := "incomplete"
	if f.confirmedPI || f.intentStatus == "succeeded" {
		status = f.subStatus
	}
	return makeSub(id, status, f.priceID, nil), nil
}

func (f *fakePayments) GetInvoice(ctx context.Context, id string) (*provider.Invoice, error) {
	b, _ := json.Marshal(f.invoiceObject())
	var inv provider.Invoice
	_ = json.Unmarshal(b, &inv)
	return &inv, nil
}

func (f *fakePayments) GetPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error) {
	status := f.intentStatus
	if f.confirmedPI {
		status = "succeeded"
	}
	return &provider.PaymentIntent{ID: id, Status: status}, nil
}

func (f *fakePayments) ConfirmPaymentIntent(ctx context.Context, id, pmID string) (*provider.PaymentIntent, error) {
	f.confirmCalls++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	f.confirmedPI = true
	return &provider.PaymentIntent{ID: id, Status: "succeeded"}, nil
}

func (f *fakePayments) GetEvent(ctx context.Context, id string) (*provider.Event, error) {
	raw, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("no such event %s", id)
	}
	return &provider.Event{ID: id, Type: "customer.subscription.updated", Raw: []byte(raw)}, nil
}

type fakeIdentity struct {
	provisioned []string
	logins      int
	loginErr    error
}

func (f *fakeIdentity) Provision(ctx context.Context, email, password string) (string, error) {
	f.provisioned = append(f.provisioned, email)
	return "user-1", nil
}

func (f *fakeIdentity) Login(ctx context.Context, email, password string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	f.logins++
	return "bearer-token-1", nil
}

type fakeProbe struct {
	statusPhases [][]string
	statusCalls  int
	subRows      int
	orgRows      store.ProvisioningRows
	latestEvent  string
}

func (f *fakeProbe) WebhookEventStatuses(ctx context.Context, eventID string) ([]string, error) {
	i := f.statusCalls
	f.statusCalls++
	if len(f.statusPhases) == 0 {
		return nil, nil
	}
	if i >= len(f.statusPhases) {
		i = len(f.statusPhases) - 1
	}
	return f.statusPhases[i], nil
}

func (f *fakeProbe) SubscriptionRows(ctx context.Context, subscriptionID string) (int, error) {
	return f.subRows, nil
}

func (f *fakeProbe) OrgProvisioning(ctx context.Context, orgName string) (store.ProvisioningRows, error) {
	return f.orgRows, nil
}

func (f *fakeProbe) LatestSubscriptionEvent(ctx context.Context, subscriptionID string) (string, error) {
	if f.latestEvent == "" {
		return "", fmt.Errorf("no event for %s", subscriptionID)
	}
	return f.latestEvent, nil
}
