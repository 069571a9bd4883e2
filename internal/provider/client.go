// Package provider is a form-encoded REST client for the test-mode
// payment provider. Every exchange is mirrored, sanitized, into the
// run's HTTP log.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"commercegate/internal/artifact"
	"commercegate/internal/gate"
)

type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	rec       *artifact.Recorder
	confirm   retryPolicy
}

func New(baseURL, secretKey string, rec *artifact.Recorder) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		rec:       rec,
		confirm:   confirmPolicy,
	}
}

func (c *Client) CreateCustomer(ctx context.Context, email string) (*Customer, error) {
	form := url.Values{"email": {email}}
	var cust Customer
	if _, err := c.do(ctx, http.MethodPost, "/v1/customers", form, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// AttachPaymentMethod attaches a known test payment method to the
// customer.
func (c *Client) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*PaymentMethod, error) {
	form := url.Values{"customer": {customerID}}
	var pm PaymentMethod
	path := fmt.Sprintf("/v1/payment_methods/%s/attach", paymentMethodID)
	if _, err := c.do(ctx, http.MethodPost, path, form, &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

func (c *Client) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	form := url.Values{"invoice_settings[default_payment_method]": {paymentMethodID}}
	_, err := c.do(ctx, http.MethodPost, "/v1/customers/"+customerID, form, nil)
	return err
}

// CreateSubscription creates an incomplete-payment subscription on the
// target price with an immediate trial end, expanding the latest
// invoice and its payment intent in one round trip.
func (c *Client) CreateSubscription(ctx context.Context, customerID, priceID string) (*Subscription, error) {
	form := url.Values{
		"customer":         {customerID},
		"items[0][price]":  {priceID},
		"payment_behavior": {"default_incomplete"},
		"trial_end":        {"now"},
		"expand[]": {
			"latest_invoice.payment_intent",
		},
	}
	var sub Subscription
	if _, err := c.do(ctx, http.MethodPost, "/v1/subscriptions", form, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if _, err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+id, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var inv Invoice
	path := "/v1/invoices/" + id + "?expand[]=payment_intent"
	if _, err := c.do(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if _, err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+id, nil, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// ConfirmPaymentIntent confirms with the known test method. Only HTTP
// 409/429 are retried, with a fixed delay; exhaustion surfaces as a
// TransientError carrying the attempt count.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, id, paymentMethodID string) (*PaymentIntent, error) {
	form := url.Values{"payment_method": {paymentMethodID}}
	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", id)
	var pi PaymentIntent
	opts := append(c.confirm.options(), retry.Context(ctx))
	err := retry.Do(func() error {
		_, err := c.do(ctx, http.MethodPost, path, form, &pi)
		return err
	}, opts...)
	if err != nil {
		if c.confirm.retryable(err) {
			return nil, &gate.TransientError{
				Reason:   "payment_intent_confirm_conflict",
				Attempts: int(c.confirm.attempts),
			}
		}
		return nil, err
	}
	return &pi, nil
}

// GetEvent fetches a provider event and keeps the exact payload bytes
// for redelivery.
func (c *Client) GetEvent(ctx context.Context, id string) (*Event, error) {
	var ev Event
	raw, err := c.do(ctx, http.MethodGet, "/v1/events/"+id, nil, &ev)
	if err != nil {
		return nil, err
	}
	ev.Raw = raw
	return &ev, nil
}

// do performs one call and mirrors it into the HTTP log. The returned
// bytes are the verbatim response body.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if c.rec != nil {
		var resTree any
		if json.Unmarshal(raw, &resTree) != nil {
			resTree = string(raw)
		}
		_ = c.rec.HTTP(artifact.HTTPRecord{
			Method:   method,
			URL:      c.baseURL + path,
			Status:   res.StatusCode,
			Request:  formTree(form),
			Response: resTree,
		})
	}

	if res.StatusCode/100 != 2 {
		return raw, apiError(res.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("provider %s %s: decode: %w", method, path, err)
		}
	}
	return raw, nil
}

func formTree(form url.Values) map[string]any {
	if form == nil {
		return nil
	}
	out := make(map[string]any, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	return &APIError{Status: status, Code: body.Error.Code, Message: body.Error.Message}
}
