package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanByID(t *testing.T) {
	p, ok := PlanByID("Basic")
	require.True(t, ok)
	assert.Equal(t, 10, p.PriceUSD)
	assert.Equal(t, 100, p.Credits)

	_, ok = PlanByID("Platinum")
	assert.False(t, ok)
}

func TestPlanCatalog(t *testing.T) {
	require.Len(t, Plans, 3)
	assert.Equal(t, "Basic", Plans[0].ID)
	assert.Equal(t, "Advanced", Plans[1].ID)
	assert.Equal(t, "Business", Plans[2].ID)
	assert.Equal(t, 5000, Plans[2].Credits)
}

func TestDecodeImagePayload(t *testing.T) {
	raw, mime, err := DecodeImagePayload("data:image/jpeg;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	assert.Equal(t, "image/jpeg", mime)
}

func TestDecodeImagePayload_DefaultsMIME(t *testing.T) {
	_, mime, err := DecodeImagePayload("data:;base64,aGk=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
}

func TestDecodeImagePayload_RejectsPlainURL(t *testing.T) {
	_, _, err := DecodeImagePayload("https://cdn.example.com/a.png")
	assert.Error(t, err)
}

func TestDecodeImagePayload_RejectsBadBase64(t *testing.T) {
	_, _, err := DecodeImagePayload("data:image/png;base64,@@@")
	assert.Error(t, err)
}

func TestValidationErrorHelpers(t *testing.T) {
	err := &ValidationError{Reason: "email is required"}
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(ErrNetwork))
	assert.Equal(t, "validation: email is required", err.Error())
}

func TestBackendMessage(t *testing.T) {
	msg, ok := BackendMessage(&BackendError{Message: "Insufficient credits"})
	require.True(t, ok)
	assert.Equal(t, "Insufficient credits", msg)

	_, ok = BackendMessage(errors.New("plain"))
	assert.False(t, ok)
}
