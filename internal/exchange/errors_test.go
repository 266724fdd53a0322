package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(NewTransient("", "timeout")))
	assert.Equal(t, KindRejected, KindOf(NewRejected("-2010", "balance")))
	assert.Equal(t, KindFatal, KindOf(NewFatal("-2014", "bad key")))

	// Wrapped classified errors keep their kind.
	wrapped := fmt.Errorf("place order: %w", NewRejected("-1013", "filters"))
	assert.Equal(t, KindRejected, KindOf(wrapped))
	assert.True(t, IsRejected(wrapped))

	// Unclassified errors default to retryable.
	assert.Equal(t, KindTransient, KindOf(errors.New("mystery")))
}

func TestIsHelpersNilSafe(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsRejected(nil))
	assert.False(t, IsFatal(nil))
}

func TestWrapTransportPassesThroughContextErrors(t *testing.T) {
	assert.ErrorIs(t, WrapTransport(context.Canceled), context.Canceled)
	assert.ErrorIs(t, WrapTransport(context.DeadlineExceeded), context.DeadlineExceeded)

	err := WrapTransport(errors.New("connection refused"))
	assert.True(t, IsTransient(err))
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindFatal},
		{403, KindFatal},
		{418, KindTransient},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindRejected},
		{404, KindRejected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyStatus(tc.status, "body").Kind, "status %d", tc.status)
	}
}

func TestErrorMessageFormat(t *testing.T) {
	assert.Equal(t, "rejected (-2010): Duplicate order sent.", NewRejected("-2010", "Duplicate order sent.").Error())
	assert.Equal(t, "transient: timeout", NewTransient("", "timeout").Error())
}
