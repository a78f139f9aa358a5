// Package webhook implements signed outbound delivery and signature-verified
// ingestion of webhooks, with retry, backoff and dead-letter handling.
package webhook

import (
	"crypto/hmac"
	"crypto/md5"  //nolint:gosec // G501: md5 signatures exist for legacy provider compatibility
	"crypto/sha1" //nolint:gosec // G505: same as above
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

// hashFor returns the hash constructor for a signature algorithm
func hashFor(algo models.SignatureAlgorithm) (func() hash.Hash, error) {
	switch algo {
	case models.SignatureSHA256, "":
		return sha256.New, nil
	case models.SignatureSHA1:
		return sha1.New, nil
	case models.SignatureSHA512:
		return sha512.New, nil
	case models.SignatureMD5:
		return md5.New, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported signature algorithm %q", algo)
}

// Sign computes the hex HMAC of payload under secret
func Sign(algo models.SignatureAlgorithm, secret string, payload []byte) (string, error) {
	h, err := hashFor(algo)
	if err != nil {
		return "", err
	}

	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignatureHeader formats the signature header value as <algo>=<hexhmac>
func SignatureHeader(algo models.SignatureAlgorithm, signature string) string {
	if algo == "" {
		algo = models.SignatureSHA256
	}
	return string(algo) + "=" + signature
}

// Verify recomputes the expected signature over payload and compares it in
// constant time against the provided header value. The provided value may be
// a bare hex digest or carry an <algo>= prefix.
func Verify(algo models.SignatureAlgorithm, secret string, payload []byte, provided string) error {
	expected, err := Sign(algo, secret, payload)
	if err != nil {
		return err
	}

	candidate := provided
	if idx := strings.IndexByte(provided, '='); idx >= 0 {
		candidate = provided[idx+1:]
	}

	if !hmac.Equal([]byte(expected), []byte(candidate)) {
		return errors.New(errors.ErrorTypeSignature, "webhook signature mismatch")
	}
	return nil
}
