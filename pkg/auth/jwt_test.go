package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	token, err := GenerateServiceToken("topsecret", "billing-backend")
	require.NoError(t, err)

	claims, err := ValidateServiceToken("topsecret", token)
	require.NoError(t, err)
	assert.Equal(t, "billing-backend", claims.Service)
}

func TestServiceTokenWrongSecret(t *testing.T) {
	token, err := GenerateServiceToken("topsecret", "billing-backend")
	require.NoError(t, err)

	_, err = ValidateServiceToken("other", token)
	assert.Error(t, err)
}

func TestServiceTokenGarbage(t *testing.T) {
	_, err := ValidateServiceToken("topsecret", "not-a-token")
	assert.Error(t, err)
}
