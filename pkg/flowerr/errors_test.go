package flowerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableKinds(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindInvalidConfig, false},
		{KindAuthenticationFailed, false},
		{KindAuthorizationFailed, false},
		{KindRateLimited, true},
		{KindNetworkError, true},
		{KindTimeout, true},
		{KindProviderNotFound, false},
		{KindProviderConflict, false},
		{KindUnsupportedCapability, false},
		{KindExpressionError, false},
		{KindCircuitOpen, true},
		{KindInternalError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, Retryable(tt.kind))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetworkError, "call failed", cause)

	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "call failed")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{401, KindAuthenticationFailed},
		{403, KindAuthorizationFailed},
		{404, KindProviderNotFound},
		{408, KindTimeout},
		{429, KindRateLimited},
		{500, KindNetworkError},
		{503, KindNetworkError},
		{418, KindInternalError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "upstream said no")
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.HTTPStatus)
		})
	}
}

func TestNormalizePassThrough(t *testing.T) {
	orig := New(KindRateLimited, "slow down")
	orig.RetryAfter = 2.5

	norm := Normalize(fmt.Errorf("outer: %w", orig), "slack", "slack.chat.postMessage")
	require.NotNil(t, norm)
	assert.Equal(t, KindRateLimited, norm.Kind)
	assert.Equal(t, 2.5, norm.RetryAfter)
	assert.Equal(t, "slack", norm.Service)
	assert.Equal(t, "slack.chat.postMessage", norm.Action)
}

func TestNormalizeContextErrors(t *testing.T) {
	norm := Normalize(context.DeadlineExceeded, "github", "")
	assert.Equal(t, KindTimeout, norm.Kind)
	assert.True(t, norm.Retryable())
}

func TestNormalizeNetError(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	norm := Normalize(opErr, "notion", "notion.pages.create")
	assert.Equal(t, KindNetworkError, norm.Kind)
	assert.True(t, norm.Retryable())
	assert.True(t, errors.Is(norm, opErr))
}

func TestNormalizeUnknown(t *testing.T) {
	norm := Normalize(errors.New("something odd"), "", "")
	assert.Equal(t, KindInternalError, norm.Kind)
	assert.False(t, norm.Retryable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindExpressionError, KindOf(New(KindExpressionError, "bad template")))
	assert.Equal(t, KindInternalError, KindOf(errors.New("plain")))
}

func TestWithServiceAndActionDoNotMutate(t *testing.T) {
	base := New(KindTimeout, "deadline exceeded")
	annotated := base.WithService("gmail").WithAction("gmail.messages.send")

	assert.Empty(t, base.Service)
	assert.Equal(t, "gmail", annotated.Service)
	assert.Equal(t, "gmail.messages.send", annotated.Action)
}
