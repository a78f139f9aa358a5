package config

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/nimbusuite/hub/pkg/errors"
)

// decodeKey accepts a 32-byte key as 64 hex chars or standard/raw base64
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "encryption key is empty")
	}

	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != 32 {
				return nil, errors.Newf(errors.ErrorTypeConfig, "encryption key is %d bytes, want 32", len(key))
			}
			return key, nil
		}
	}

	return nil, errors.New(errors.ErrorTypeConfig, "encryption key is not valid hex or base64")
}
