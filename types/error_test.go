package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := NewError(ErrCodeValidation, "task id is required")
	assert.Equal(t, "[VALIDATION] task id is required", err.Error())

	wrapped := Errorf(ErrCodeInternal, "store write failed").WithCause(errors.New("connection reset"))
	assert.Equal(t, "[INTERNAL_ERROR] store write failed: connection reset", wrapped.Error())
}

func TestError_UnwrapChain(t *testing.T) {
	err := NewError(ErrCodeNotFound, "task missing").WithCause(ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	outer := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, ErrCodeNotFound, CodeOf(outer))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(NewError(ErrCodeValidation, "bad input")))

	retryable := NewError(ErrCodeClaimConflict, "claim held").WithRetryable(true)
	assert.True(t, IsRetryable(retryable))
	assert.True(t, IsRetryable(fmt.Errorf("claiming: %w", retryable)))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ErrCodeStaleWrite, CodeOf(NewError(ErrCodeStaleWrite, "version mismatch")))
}
