package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyCheckout(t *testing.T) {
	v := NewVerifier("key_secret", "wh_secret")

	good := sign("key_secret", []byte("order_1|pay_1"))
	assert.True(t, v.VerifyCheckout("order_1", "pay_1", good))

	assert.False(t, v.VerifyCheckout("order_1", "pay_2", good))
	assert.False(t, v.VerifyCheckout("order_1", "pay_1", ""))
	assert.False(t, v.VerifyCheckout("order_1", "pay_1", "deadbeef"))
}

func TestVerifyCheckout_WrongSecret(t *testing.T) {
	v := NewVerifier("key_secret", "wh_secret")
	forged := sign("other_secret", []byte("order_1|pay_1"))
	assert.False(t, v.VerifyCheckout("order_1", "pay_1", forged))
}

func TestVerifyWebhook(t *testing.T) {
	v := NewVerifier("key_secret", "wh_secret")
	body := []byte(`{"id":"evt_1","event":"payment.captured"}`)

	assert.True(t, v.VerifyWebhook(body, sign("wh_secret", body)))

	// One flipped byte in the body invalidates the signature.
	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01
	assert.False(t, v.VerifyWebhook(tampered, sign("wh_secret", body)))

	// Checkout and webhook secrets are not interchangeable.
	assert.False(t, v.VerifyWebhook(body, sign("key_secret", body)))
}
