package cryptokit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignKeyPair(t *testing.T) {
	t.Run("GenerateAndSign", func(t *testing.T) {
		kp, err := GenerateSignKeyPair()
		require.NoError(t, err)
		assert.NotNil(t, kp.Public)
		assert.NotNil(t, kp.Private)

		msg := []byte("hello handshake")
		sig := kp.Sign(msg)
		assert.True(t, Verify(kp.Public, msg, sig))
	})

	t.Run("VerifyRejectsTamperedMessage", func(t *testing.T) {
		kp, err := GenerateSignKeyPair()
		require.NoError(t, err)

		sig := kp.Sign([]byte("original"))
		assert.False(t, Verify(kp.Public, []byte("tampered"), sig))
	})

	t.Run("VerifyRejectsShortKey", func(t *testing.T) {
		assert.False(t, Verify([]byte{1, 2, 3}, []byte("msg"), []byte("sig")))
	})
}

func TestExchangeKeyPair(t *testing.T) {
	t.Run("GenerateAndSharedSecret", func(t *testing.T) {
		a, err := GenerateExchangeKeyPair()
		require.NoError(t, err)
		b, err := GenerateExchangeKeyPair()
		require.NoError(t, err)

		s1, err := a.SharedSecret(b.PublicBytes())
		require.NoError(t, err)
		s2, err := b.SharedSecret(a.PublicBytes())
		require.NoError(t, err)

		assert.Equal(t, s1, s2)
		assert.Len(t, s1, 32)
	})

	t.Run("RoundtripPrivateBytes", func(t *testing.T) {
		a, err := GenerateExchangeKeyPair()
		require.NoError(t, err)

		rebuilt, err := ExchangeKeyPairFromPrivateBytes(a.PrivateBytes())
		require.NoError(t, err)
		assert.Equal(t, a.PublicBytes(), rebuilt.PublicBytes())
	})

	t.Run("SharedSecretRejectsBadPeerKey", func(t *testing.T) {
		a, err := GenerateExchangeKeyPair()
		require.NoError(t, err)

		_, err = a.SharedSecret([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}
