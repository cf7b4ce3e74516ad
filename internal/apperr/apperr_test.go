package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("gcm open failed")
	err := Crypto("envelope decrypt failed", cause)

	assert.Equal(t, "crypto: envelope decrypt failed (caused by: gcm open failed)", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWithDetails(t *testing.T) {
	err := Replay("nonce already recorded", nil).WithDetails("nonce", "abc123")
	assert.Equal(t, "abc123", err.Details["nonce"])
}

func TestIsAndAs(t *testing.T) {
	base := Storage("postgres unavailable", nil)
	wrapped := fmt.Errorf("role state update: %w", base)

	assert.True(t, Is(wrapped, KindStorage))
	assert.False(t, Is(wrapped, KindCrypto))

	found, ok := As(wrapped)
	assert.True(t, ok)
	assert.Same(t, base, found)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}
