// Package webhook receives signed inbound deliveries and turns them into
// trigger runs. Every rejection path returns the same status and body so a
// prober cannot distinguish unknown endpoints from disabled ones or bad
// signatures.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/boardpilot/boardpilot/internal/action"
)

// SignaturePrefix is the required header scheme tag.
const SignaturePrefix = "sha256="

// Sign computes the signature header value for a payload. Used by tests
// and by outbound delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature header against the body.
// The comparison is constant-time; malformed headers fail without revealing
// which part was wrong.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(SignaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Verify is VerifySignature as a classifiable error. The message never
// names which check failed.
func Verify(secret string, body []byte, header string) error {
	if !VerifySignature(secret, body, header) {
		return fmt.Errorf("%w: signature mismatch", action.ErrSignatureInvalid)
	}
	return nil
}

// Decrypter recovers a webhook signing secret from its stored ciphertext.
// Production deployments plug in their KMS or envelope encryption; the
// passthrough form serves development and tests.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// PassthroughDecrypter treats the stored value as the plaintext secret.
type PassthroughDecrypter struct{}

func (PassthroughDecrypter) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}
