package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/xenking/foodstore/internal/domain/payment"
)

func signature(secret []byte, gatewayOrderID, gatewayPaymentID string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return mac.Sum(nil)
}

// Sign returns the hex HMAC-SHA256 of "gatewayOrderID|gatewayPaymentID",
// the signature the gateway hands the client after a successful payment.
func Sign(secret []byte, gatewayOrderID, gatewayPaymentID string) string {
	return hex.EncodeToString(signature(secret, gatewayOrderID, gatewayPaymentID))
}

// VerifySignature checks a confirmation against secret in constant time.
func VerifySignature(secret []byte, c payment.Confirmation) (payment.VerifiedPayment, error) {
	if c.GatewayOrderID == "" || c.GatewayPaymentID == "" || c.Signature == "" {
		return payment.VerifiedPayment{}, payment.ErrInvalidSignature
	}
	got, err := hex.DecodeString(c.Signature)
	if err != nil {
		return payment.VerifiedPayment{}, payment.ErrInvalidSignature
	}
	if !hmac.Equal(signature(secret, c.GatewayOrderID, c.GatewayPaymentID), got) {
		return payment.VerifiedPayment{}, payment.ErrInvalidSignature
	}

	return payment.VerifiedPayment{
		GatewayOrderID:   c.GatewayOrderID,
		GatewayPaymentID: c.GatewayPaymentID,
	}, nil
}
