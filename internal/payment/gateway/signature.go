package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks gateway HMAC-SHA256 signatures. Comparison is
// constant-time and fails closed: an empty signature never verifies.
type Verifier struct {
	checkoutSecret []byte
	webhookSecret  []byte
}

func NewVerifier(keySecret, webhookSecret string) *Verifier {
	return &Verifier{
		checkoutSecret: []byte(keySecret),
		webhookSecret:  []byte(webhookSecret),
	}
}

// VerifyCheckout checks the signature the gateway hands to the client at
// the end of checkout, computed over "<orderID>|<paymentID>".
func (v *Verifier) VerifyCheckout(orderID, paymentID, signature string) bool {
	return verify(v.checkoutSecret, []byte(orderID+"|"+paymentID), signature)
}

// VerifyWebhook checks the webhook signature, computed over the raw
// request body exactly as received.
func (v *Verifier) VerifyWebhook(body []byte, signature string) bool {
	return verify(v.webhookSecret, body, signature)
}

func verify(secret, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
