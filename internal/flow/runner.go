// Package flow orchestrates the verification flows. Steps execute
// strictly sequentially; later steps consume identifiers from earlier
// ones, the first error short-circuits, and the summary is written
// before exit on every path.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"commercegate/internal/artifact"
	"commercegate/internal/config"
	"commercegate/internal/gate"
	"commercegate/internal/provider"
	"commercegate/internal/store"
	"commercegate/internal/webhook"
)

// Payments is the provider surface the flows drive.
type Payments interface {
	CreateCustomer(ctx context.Context, email string) (*provider.Customer, error)
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*provider.PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateSubscription(ctx context.Context, customerID, priceID string) (*provider.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*provider.Subscription, error)
	GetInvoice(ctx context.Context, id string) (*provider.Invoice, error)
	GetPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, id, paymentMethodID string) (*provider.PaymentIntent, error)
	GetEvent(ctx context.Context, id string) (*provider.Event, error)
}

// Identity provisions and authenticates throwaway test users.
type Identity interface {
	Provision(ctx context.Context, email, password string) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
}

// Probe is the direct, elevated-credentials view of the backing store.
type Probe interface {
	WebhookEventStatuses(ctx context.Context, eventID string) ([]string, error)
	SubscriptionRows(ctx context.Context, subscriptionID string) (int, error)
	OrgProvisioning(ctx context.Context, orgName string) (store.ProvisioningRows, error)
	LatestSubscriptionEvent(ctx context.Context, subscriptionID string) (string, error)
}

type Runner struct {
	Cfg *config.Config
	Run gate.Run
	Rec *artifact.Recorder
	Log *slog.Logger

	Payments Payments
	Identity Identity
	Probe    Probe

	// HTTP reaches the application under test (checkout, webhooks).
	HTTP *http.Client
}

func (r *Runner) http() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Execute runs the selected flow to a terminal summary. The redaction
// audit runs after functional success and can flip the outcome; the
// summary file exists in every path.
func (r *Runner) Execute(ctx context.Context) (gate.Summary, error) {
	sum := gate.NewSummary(r.Run)
	_ = r.Rec.WriteSummary(sum)

	err := r.dispatch(ctx, &sum)

	if err == nil {
		// Redaction is a hard gate: a leak overrides a passing run.
		leaks, auditErr := r.Rec.Audit()
		switch {
		case auditErr != nil:
			err = &gate.AssertionError{Step: "redaction_audit", Reason: "audit_failed"}
		case len(leaks) > 0:
			err = leaks[0]
			sum.Step = "redaction_audit"
		}
	}

	sum.Finish(err)
	if werr := r.Rec.WriteSummary(sum); werr != nil && err == nil {
		err = fmt.Errorf("write summary: %w", werr)
		sum.Finish(err)
	}
	return sum, err
}

func (r *Runner) dispatch(ctx context.Context, sum *gate.Summary) error {
	switch r.Run.Flow {
	case gate.FlowAuthGate:
		return r.runAuthGate(ctx, sum)
	case gate.FlowWebhook:
		return r.runWebhookReplay(ctx, sum)
	case gate.FlowOrgSeats:
		return r.runOrgSeats(ctx, sum)
	case gate.FlowSubscription:
		return r.runSubscription(ctx, sum)
	}
	return &gate.PreflightError{Reason: "unknown flow " + r.Run.Flow}
}

func (r *Runner) engine() *webhook.Engine {
	return &webhook.Engine{
		URL:           r.Cfg.App.BaseURL + r.Cfg.App.WebhookPath,
		Secret:        r.Cfg.Provider.WebhookSecret,
		AllowRecorded: r.Cfg.AllowRecorded,
		Store:         r.Probe,
		Fetch:         r.Payments,
		Rec:           r.Rec,
		Log:           r.Log,
		HTTP:          r.http(),
	}
}

// step records one StepRecord and mirrors it to the progress log.
func (r *Runner) step(name string, started time.Time, request, response any) {
	_ = r.Rec.Step(name, time.Since(started), request, response)
	if r.Log != nil {
		r.Log.Info(name, "elapsed", time.Since(started).Round(time.Millisecond))
	}
}

// testCredentials returns a unique throwaway email/password pair.
func testCredentials(runID string) (string, string) {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("gate-%s@example.com", short), uuid.NewString()
}

func (r *Runner) runAuthGate(ctx context.Context, sum *gate.Summary) error {
	email, password := testCredentials(r.Run.ID)

	started := time.Now()
	userID, err := r.Identity.Provision(ctx, email, password)
	if err != nil {
		return asAssertion("provision_user", "provision_failed", err)
	}
	r.step("provision_user", started, map[string]any{"email": email}, map[string]any{"userId": userID})

	started = time.Now()
	token, err := r.Identity.Login(ctx, email, password)
	if err != nil {
		return asAssertion("login", "token_missing", err)
	}
	r.step("login", started, map[string]any{"email": email}, map[string]any{"tokenAcquired": token != ""})

	sum.IDs.UserID = userID
	return nil
}

func (r *Runner) runWebhookReplay(ctx context.Context, sum *gate.Summary) error {
	res, err := r.engine().Replay(ctx, r.Cfg.EventID)
	if err != nil {
		return err
	}
	_ = r.Rec.Capture("idempotency_outcomes", res)
	sum.IDs.EventID = res.EventID
	return nil
}

// asAssertion folds a plumbing error into a named assertion failure
// unless it already carries a gate verdict.
func asAssertion(step, reason string, err error) error {
	var ae *gate.AssertionError
	var te *gate.TransientError
	var pe *gate.PreflightError
	if errors.As(err, &ae) || errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	return &gate.AssertionError{Step: step, Reason: reason}
}
