package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRetryability(t *testing.T) {
	t.Run("storage conflicts are retryable", func(t *testing.T) {
		err := NewError(CodeDeadlock, "deadlock detected", nil)
		assert.True(t, err.Retryable)
		assert.True(t, IsRetryable(err))
	})

	t.Run("validation errors are not retryable", func(t *testing.T) {
		err := NewError(CodeZeroPrice, "zero price", nil)
		assert.False(t, err.Retryable)
		assert.False(t, IsRetryable(err))
	})

	t.Run("idempotency violations are not retryable", func(t *testing.T) {
		assert.False(t, IsRetryable(NewError(CodeIdempotencyViolation, "dup", nil)))
	})

	t.Run("wrapped platform errors keep their flag", func(t *testing.T) {
		inner := NewError(CodeConstraintViolation, "unique violated", nil)
		wrapped := fmt.Errorf("insert failed: %w", inner)
		assert.False(t, IsRetryable(wrapped))
		assert.Equal(t, CodeConstraintViolation, CodeOf(wrapped))
	})

	t.Run("foreign errors default to retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("connection reset")))
	})

	t.Run("nil is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
	})
}

func TestErrorContext(t *testing.T) {
	err := Errorf(CodeValidationFailed, "bad row").
		WithContext("account_id", "1001").
		WithContext("product_id", "42")

	require.NotNil(t, err.Context)
	assert.Equal(t, "1001", err.Context["account_id"])
	assert.Equal(t, "42", err.Context["product_id"])
	assert.Contains(t, err.Error(), "VALIDATION_FAILED-201")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, CodeCircuitOpen, CodeOf(Errorf(CodeCircuitOpen, "open")))
}
