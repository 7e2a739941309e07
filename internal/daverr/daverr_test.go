package daverr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"untagged", base, KindUnknown},
		{"tagged transient", Tag(KindTransient, base), KindTransient},
		{"tagged auth", Tag(KindAuth, base), KindAuth},
		{"tag survives wrapping", fmt.Errorf("outer: %w", Tag(KindNotFound, base)), KindNotFound},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"offline sentinel", fmt.Errorf("run: %w", ErrOffline), KindDeferred},
		{"wifi sentinel", ErrWifiRequired, KindDeferred},
		{"no account sentinel", ErrNoAccount, KindAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTagNil(t *testing.T) {
	assert.NoError(t, Tag(KindTransient, nil))
}

func TestOutermostTagWins(t *testing.T) {
	// Re-tagging overrides: errors.As finds the outermost tag first.
	err := Tag(KindFile, Tag(KindTransient, errors.New("boom")))
	assert.Equal(t, KindFile, KindOf(err))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTransient(Tag(KindTransient, errors.New("x"))))
	assert.True(t, IsAuth(Tag(KindAuth, errors.New("x"))))
	assert.True(t, IsNotFound(Tag(KindNotFound, errors.New("x"))))
	assert.True(t, IsDeferred(ErrOffline))
	assert.False(t, IsTransient(errors.New("x")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "auth", KindAuth.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
