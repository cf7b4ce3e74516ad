package cryptokit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveExchangeFromSigning(t *testing.T) {
	t.Run("DeterministicAndUsable", func(t *testing.T) {
		signKP, err := GenerateSignKeyPair()
		require.NoError(t, err)

		recovered1, err := DeriveExchangeFromSigning(signKP.Private)
		require.NoError(t, err)
		recovered2, err := DeriveExchangeFromSigning(signKP.Private)
		require.NoError(t, err)

		assert.Equal(t, recovered1.PublicBytes(), recovered2.PublicBytes())

		peer, err := GenerateExchangeKeyPair()
		require.NoError(t, err)
		s1, err := recovered1.SharedSecret(peer.PublicBytes())
		require.NoError(t, err)
		s2, err := peer.SharedSecret(recovered1.PublicBytes())
		require.NoError(t, err)
		assert.Equal(t, s1, s2)
	})

	t.Run("RejectsBadKeyLength", func(t *testing.T) {
		_, err := DeriveExchangeFromSigning([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestEd25519PubToX25519Pub(t *testing.T) {
	t.Run("ProducesMontgomeryKeyMatchingRecoveredExchange", func(t *testing.T) {
		signKP, err := GenerateSignKeyPair()
		require.NoError(t, err)

		xPub, err := Ed25519PubToX25519Pub(signKP.Public)
		require.NoError(t, err)
		assert.Len(t, xPub, 32)

		recovered, err := DeriveExchangeFromSigning(signKP.Private)
		require.NoError(t, err)
		assert.Equal(t, recovered.PublicBytes(), xPub)
	})

	t.Run("RejectsBadKeyLength", func(t *testing.T) {
		_, err := Ed25519PubToX25519Pub([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}
