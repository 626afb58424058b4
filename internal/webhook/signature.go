package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/editionworks/fulfillment/internal/domain"
)

const (
	// SignatureHeader carries the HMAC-SHA256 signature of the raw request body
	SignatureHeader = "X-Payment-Signature"

	// ReplayKeyHeader, when present, overrides the event id as the idempotency key
	ReplayKeyHeader = "X-Idempotency-Key"

	signaturePrefix = "sha256="
)

// ComputeSignature returns the signature header value for a payload.
// Format: "sha256=<hex_signature>" over the raw body bytes.
func ComputeSignature(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature header against the raw request body.
// Returns domain.ErrInvalidSignature on any mismatch, including a malformed
// header. Comparison is constant-time.
func VerifySignature(secret, body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return domain.ErrInvalidSignature
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return domain.ErrInvalidSignature
	}

	h := hmac.New(sha256.New, secret)
	h.Write(body)
	if !hmac.Equal(h.Sum(nil), provided) {
		return domain.ErrInvalidSignature
	}

	return nil
}
