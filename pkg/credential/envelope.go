// Package credential manages encrypted secrets and the OAuth token lifecycle
// for connections. Secrets are stored as a single versioned AES-256-GCM
// envelope per connection; plaintext never reaches logs or the store.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

// EnvelopeVersion is the current envelope format version. Version 1 is
// AES-256-GCM with the nonce prepended to the ciphertext.
const EnvelopeVersion = 1

// Payload is the decrypted credential content. Which fields are populated
// depends on the connection's auth type; Validate enforces the schema.
type Payload struct {
	// OAuth2
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// API key
	APIKey    string `json:"api_key,omitempty"`
	Placement string `json:"placement,omitempty"` // header | query
	ParamName string `json:"param_name,omitempty"`

	// Basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// JWT (self-issued)
	SigningKey string `json:"signing_key,omitempty"`
	Issuer     string `json:"issuer,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Audience   string `json:"audience,omitempty"`

	// Custom auth template values plus any provider-specific extras
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate checks the payload carries the fields its auth type requires
func (p *Payload) Validate(authType models.AuthType) error {
	switch authType {
	case models.AuthTypeOAuth2:
		if p.AccessToken == "" {
			return errors.New(errors.ErrorTypeValidation, "oauth2 credential requires access_token")
		}
	case models.AuthTypeAPIKey:
		if p.APIKey == "" {
			return errors.New(errors.ErrorTypeValidation, "api_key credential requires api_key")
		}
	case models.AuthTypeJWT:
		if p.SigningKey == "" {
			return errors.New(errors.ErrorTypeValidation, "jwt credential requires signing_key")
		}
	case models.AuthTypeBasic:
		if p.Username == "" {
			return errors.New(errors.ErrorTypeValidation, "basic credential requires username")
		}
	case models.AuthTypeCustom:
		if len(p.Fields) == 0 {
			return errors.New(errors.ErrorTypeValidation, "custom credential requires fields")
		}
	default:
		return errors.Newf(errors.ErrorTypeValidation, "unknown auth type %q", authType)
	}
	return nil
}

// Crypto encrypts and decrypts credential envelopes with a process-wide key
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto creates a Crypto from a 32-byte key
func NewCrypto(key []byte) (*Crypto, error) {
	if len(key) != 32 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "create GCM")
	}

	return &Crypto{aead: aead}, nil
}

// Seal encrypts a payload into an envelope ciphertext
func (c *Crypto) Seal(p *Payload) ([]byte, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode credential payload")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "generate nonce")
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts an envelope ciphertext back into a payload
func (c *Crypto) Open(version int, ciphertext []byte) (*Payload, error) {
	if version != EnvelopeVersion {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported envelope version %d", version)
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New(errors.ErrorTypeValidation, "ciphertext too short")
	}

	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "decrypt credential")
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decode credential payload")
	}
	return &p, nil
}
