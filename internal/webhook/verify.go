package webhook

import (
	"crypto/hmac"
	"fmt"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// VerifySecretToken compares the received header with the configured secret
// in constant time.
func VerifySecretToken(received, secret string) bool {
	if received == "" || secret == "" {
		return false
	}
	return hmac.Equal([]byte(received), []byte(secret))
}

// ValidateSecretToken checks the header is present and uses only the
// characters Telegram allows in a secret token.
func ValidateSecretToken(token string) error {
	if token == "" {
		return fmt.Errorf("missing %s header", SecretTokenHeader)
	}
	if len(token) > 256 {
		return fmt.Errorf("secret token too long")
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("secret token contains invalid character %q", r)
		}
	}
	return nil
}
