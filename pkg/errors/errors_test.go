package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := New(KindNotFound, "document missing")
	assert.Equal(t, "NOT_FOUND: document missing", err.Error())

	wrapped := Wrap(KindSerialization, "decode manifest", fmt.Errorf("unexpected EOF"))
	assert.Contains(t, wrapped.Error(), "SERIALIZATION")
	assert.Contains(t, wrapped.Error(), "unexpected EOF")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, "noop", nil))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged", New(KindValidation, "bad dim"), KindValidation},
		{"wrapped tag", fmt.Errorf("outer: %w", New(KindCorruption, "checksum")), KindCorruption},
		{"untagged", stderrors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	a := New(KindTransient, "503 from s3")
	b := New(KindTransient, "different message")
	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, New(KindPermanent, "403")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "reset")))
	assert.True(t, Retryable(New(KindTimeout, "deadline")))
	assert.True(t, Retryable(stderrors.New("unclassified")))
	assert.False(t, Retryable(New(KindPermanent, "403")))
	assert.False(t, Retryable(New(KindValidation, "nan")))
}
