package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type PaymentMethod struct {
	ID string `json:"id"`
}

type Price struct {
	ID string `json:"id"`
}

type SubscriptionItem struct {
	Price Price `json:"price"`
}

type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	// latest_invoice is an id string, or an object when expanded.
	LatestInvoice json.RawMessage `json:"latest_invoice"`
}

// PriceID returns the price of the first subscription item.
func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// InvoiceID resolves latest_invoice whether or not it was expanded.
func (s *Subscription) InvoiceID() string {
	if id, ok := rawID(s.LatestInvoice); ok {
		return id
	}
	if inv := s.Invoice(); inv != nil {
		return inv.ID
	}
	return ""
}

// Invoice returns the expanded invoice, or nil if only an id was sent.
func (s *Subscription) Invoice() *Invoice {
	return decodeExpanded[Invoice](s.LatestInvoice)
}

type Invoice struct {
	ID string `json:"id"`
	// payment_intent is an id string, or an object when expanded.
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

func (i *Invoice) PaymentIntentID() string {
	if id, ok := rawID(i.PaymentIntent); ok {
		return id
	}
	if pi := i.ExpandedPaymentIntent(); pi != nil {
		return pi.ID
	}
	return ""
}

func (i *Invoice) ExpandedPaymentIntent() *PaymentIntent {
	return decodeExpanded[PaymentIntent](i.PaymentIntent)
}

type PaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

// Event is fetched once and reused verbatim; Raw is the exact payload
// redelivered on both webhook deliveries.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Raw  []byte `json:"-"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider http %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider http %d: %s", e.Status, e.Message)
}

func rawID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

func decodeExpanded[T any](raw json.RawMessage) *T {
	if len(raw) == 0 || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`{`)) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}
