package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	payload := []byte(`{"event":"contact.created","data":{"id":"42"}}`)

	algos := []models.SignatureAlgorithm{
		models.SignatureSHA256,
		models.SignatureSHA1,
		models.SignatureSHA512,
		models.SignatureMD5,
	}

	for _, algo := range algos {
		t.Run(string(algo), func(t *testing.T) {
			sig, err := Sign(algo, "top-secret", payload)
			require.NoError(t, err)
			require.NotEmpty(t, sig)

			require.NoError(t, Verify(algo, "top-secret", payload, sig))

			// Prefixed header form verifies too
			require.NoError(t, Verify(algo, "top-secret", payload, SignatureHeader(algo, sig)))
		})
	}
}

func TestSignDefaultsToSHA256(t *testing.T) {
	payload := []byte(`{"a":1}`)

	sig, err := Sign("", "secret", payload)
	require.NoError(t, err)

	explicit, err := Sign(models.SignatureSHA256, "secret", payload)
	require.NoError(t, err)
	assert.Equal(t, explicit, sig)
	assert.Equal(t, "sha256="+sig, SignatureHeader("", sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"event":"deal.updated","amount":100}`)

	sig, err := Sign(models.SignatureSHA256, "secret", payload)
	require.NoError(t, err)

	tampered := []byte(`{"event":"deal.updated","amount":999}`)
	err = Verify(models.SignatureSHA256, "secret", tampered, sig)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSignature))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"event":"x"}`)

	sig, err := Sign(models.SignatureSHA256, "secret", payload)
	require.NoError(t, err)

	err = Verify(models.SignatureSHA256, "other-secret", payload, sig)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSignature))
}

func TestVerifyRejectsFlippedSignatureBit(t *testing.T) {
	payload := []byte(`{"event":"x"}`)

	sig, err := Sign(models.SignatureSHA256, "secret", payload)
	require.NoError(t, err)

	// Flip one hex character
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	err = Verify(models.SignatureSHA256, "secret", payload, string(flipped))
	require.Error(t, err)
}

func TestSignUnknownAlgorithm(t *testing.T) {
	_, err := Sign("sha3", "secret", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
