package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	phc, err := HashSecret("s3cret", "pepper")
	require.NoError(t, err)
	assert.Contains(t, phc, "$argon2id$")

	ok, err := VerifySecret("s3cret", "pepper", phc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong", "pepper", phc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifySecret("s3cret", "other-pepper", phc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashSecretRejectsEmpty(t *testing.T) {
	_, err := HashSecret("", "pepper")
	assert.Error(t, err)
}

func TestVerifySecretRejectsMalformed(t *testing.T) {
	_, err := VerifySecret("s", "p", "$2b$not-argon2")
	assert.Error(t, err)

	_, err = VerifySecret("s", "p", "$argon2id$broken")
	assert.Error(t, err)
}

func TestParseToken(t *testing.T) {
	secret, ok := ParseToken("cl_svc_abc123", "cl_svc_")
	require.True(t, ok)
	assert.Equal(t, "abc123", secret)

	_, ok = ParseToken("sk_abc123", "cl_svc_")
	assert.False(t, ok)
}
