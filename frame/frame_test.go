package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestEncodeDecodeRoundtrip(t *testing.T) {
	f := &Frame{
		From:    "agent-a",
		To:      strPtr("agent-b"),
		Intent:  IntentRequest,
		MyNonce: strPtr("n1"),
	}

	raw, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, f.From, decoded.From)
	assert.Equal(t, f.Intent, decoded.Intent)
	require.NotNil(t, decoded.To)
	assert.Equal(t, *f.To, *decoded.To)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestValidateInbound(t *testing.T) {
	t.Run("AcceptsBroadcastFrame", func(t *testing.T) {
		f := &Frame{From: "agent-a", Intent: IntentRegister}
		assert.NoError(t, ValidateInbound(f, "agent-b"))
	})

	t.Run("AcceptsCorrectlyAddressedFrame", func(t *testing.T) {
		f := &Frame{From: "agent-a", To: strPtr("agent-b"), Intent: IntentConfirm}
		assert.NoError(t, ValidateInbound(f, "agent-b"))
	})

	t.Run("RejectsEmptyFrom", func(t *testing.T) {
		f := &Frame{Intent: IntentRegister}
		assert.Error(t, ValidateInbound(f, "agent-b"))
	})

	t.Run("RejectsWrongAddressee", func(t *testing.T) {
		f := &Frame{From: "agent-a", To: strPtr("agent-c"), Intent: IntentConfirm}
		assert.Error(t, ValidateInbound(f, "agent-b"))
	})

	t.Run("RejectsUnknownIntent", func(t *testing.T) {
		f := &Frame{From: "agent-a", Intent: Intent("bogus")}
		assert.Error(t, ValidateInbound(f, "agent-b"))
	})
}

func TestPrepareOutbound(t *testing.T) {
	f := &Frame{Intent: IntentRegister}
	out := PrepareOutbound(f, "agent-a")
	assert.Equal(t, "agent-a", out.From)
}
