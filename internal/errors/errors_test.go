package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(IOT_NOT_AUTHORIZED, "caller does not own device", "")
	wrapped := fmt.Errorf("register stream: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrNotAuthorized))
	assert.False(t, stderrors.Is(wrapped, ErrAlreadyRegistered))
	assert.Equal(t, IOT_NOT_AUTHORIZED, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("insufficient funds")
	err := Wrap(IOT_PAYMENT_FAILED, "payment failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, http.StatusPaymentRequired, err.HTTPStatus)
}

func TestFromHidesUncodedErrors(t *testing.T) {
	e := From(stderrors.New("pq: connection refused"), "corr-1")

	assert.Equal(t, IOT_INTERNAL, e.Code)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		IOT_NOT_AUTHORIZED:        http.StatusForbidden,
		IOT_ALREADY_REGISTERED:    http.StatusConflict,
		IOT_DEVICE_NOT_FOUND:      http.StatusNotFound,
		IOT_STREAM_NOT_FOUND:      http.StatusNotFound,
		IOT_INACTIVE_STREAM:       http.StatusConflict,
		IOT_INVALID_PRICE:         http.StatusBadRequest,
		IOT_PAYMENT_FAILED:        http.StatusPaymentRequired,
		IOT_VERIFICATION_REQUIRED: http.StatusForbidden,
		IOT_JWT_EXPIRED:           http.StatusUnauthorized,
	}
	for code, want := range cases {
		if got := New(code, "x", "").HTTPStatus; got != want {
			t.Errorf("status for %s: got %v want %v", code, got, want)
		}
	}
}

func TestSentinelCorrelationCopy(t *testing.T) {
	e := ErrStreamNotFound.WithCorrelationID("abc")

	assert.Equal(t, "abc", e.CorrelationID)
	assert.Empty(t, ErrStreamNotFound.CorrelationID)
	assert.Equal(t, http.StatusNotFound, e.HTTPStatus)
}
