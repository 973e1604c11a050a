package poolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeValidation, "bad input")

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Contains(t, err.Error(), "validation")
	assert.Contains(t, err.Error(), "bad input")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, ErrorTypeConnection, "query failed")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "underlying")

	assert.Nil(t, Wrap(nil, ErrorTypeConnection, "ignored"))
}

func TestWrapPreservesExistingStack(t *testing.T) {
	inner := New(ErrorTypeTimeout, "slow")
	outer := Wrap(inner, ErrorTypeConnection, "gave up")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, ErrorTypeConnection, outer.Type)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeConfig, "bad limit").
		WithDetail("min", 5).
		WithDetail("max", 2)

	assert.Equal(t, 5, err.Details["min"])
	assert.Equal(t, 2, err.Details["max"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "")))
	assert.True(t, IsRetryable(New(ErrorTypeOverload, "")))
	assert.True(t, IsRetryable(New(ErrorTypeAcquireTimeout, "")))

	assert.False(t, IsRetryable(New(ErrorTypeValidation, "")))
	assert.False(t, IsRetryable(New(ErrorTypeNotFound, "")))
	assert.False(t, IsRetryable(New(ErrorTypeCircuitOpen, "")))
	assert.False(t, IsRetryable(New(ErrorTypeShutdown, "")))
	assert.False(t, IsRetryable(errors.New("untyped")))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeShutdown, "closing")
	assert.True(t, IsType(err, ErrorTypeShutdown))
	assert.False(t, IsType(err, ErrorTypeTimeout))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsType(wrapped, ErrorTypeShutdown))

	assert.False(t, IsType(errors.New("untyped"), ErrorTypeShutdown))
}

func TestClassifyConnectionVocabulary(t *testing.T) {
	for _, msg := range []string{
		"connection closed",
		"server says: Connection Terminated",
		"read tcp: connection reset by peer",
		"dial tcp 10.0.0.1:5432: connection refused",
		"network error during handshake",
		"write: broken pipe",
		"unexpected EOF",
	} {
		classified := Classify(errors.New(msg))
		assert.Equal(t, ErrorTypeConnection, classified.Type, "message %q", msg)
	}
}

func TestClassifyTimeoutAndOverload(t *testing.T) {
	assert.Equal(t, ErrorTypeTimeout, Classify(errors.New("i/o timeout")).Type)
	assert.Equal(t, ErrorTypeTimeout, Classify(errors.New("context deadline exceeded")).Type)
	assert.Equal(t, ErrorTypeOverload, Classify(errors.New("FATAL: too many connections")).Type)
	assert.Equal(t, ErrorTypeOverload, Classify(errors.New("rate limit exceeded")).Type)
}

func TestClassifyFallbackAndPassthrough(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, Classify(errors.New("syntax error at line 3")).Type)
	assert.Nil(t, Classify(nil))

	typed := New(ErrorTypeValidation, "field required")
	assert.Same(t, typed, Classify(typed), "typed errors pass through unchanged")
}
