package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignatureHeader is the header the receiver verifies.
const SignatureHeader = "Stripe-Signature"

// Signature computes the provider-compatible signature over
// "<unixTimestamp>.<rawBody>" and renders it as "t=<ts>,v1=<hex>".
// A fresh timestamp and signature are computed for every delivery.
func Signature(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
