package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac>" over the raw request body.
const SignatureHeader = "X-Hub-Signature"

// EventHeader names the Bitbucket event type.
const EventHeader = "X-Event-Key"

const signaturePrefix = "sha256="

// Authentication and authorization failures at the ingress.
var (
	ErrMissingSignature   = errors.New("missing signature")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrForbiddenWorkspace = errors.New("workspace not allowed")
)

// VerifySignature checks header against the HMAC-SHA256 of body. The
// comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
