package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUserIncludesRecoveryAndContext(t *testing.T) {
	err := Validation("importance", "must be between 0 and 1", 1.5)

	rendered := err.RenderUser()
	assert.Contains(t, rendered, "❌")
	assert.Contains(t, rendered, "importance")
	assert.Contains(t, rendered, "Recovery:")
	assert.Contains(t, rendered, "value=1.5")
}

func TestRenderUserContextKeysAreSorted(t *testing.T) {
	err := New(KindDatabase, "X", "failed").With("zeta", 1).With("alpha", 2)
	rendered := err.RenderUser()
	assert.Contains(t, rendered, "(alpha=2, zeta=1)")
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindDatabase, "X", "msg", nil))
	assert.Nil(t, Database("op", nil))
}

func TestDatabaseRecoveryHints(t *testing.T) {
	cases := []struct {
		cause string
		want  string
	}{
		{"database is locked", "retry"},
		{"unable to open database file", "permission"},
		{"database disk image is malformed", "corrupted"},
		{"attempt to write a readonly database", "read-only"},
		{"something else entirely", "log"},
	}
	for _, tc := range cases {
		err := Database("store", errors.New(tc.cause))
		assert.Contains(t, err.Recovery, tc.want, "cause %q", tc.cause)
	}
}

func TestAsErrorWrapsForeignErrors(t *testing.T) {
	plain := errors.New("boom")
	err := AsError(plain)
	require.NotNil(t, err)
	assert.Equal(t, KindUnknown, err.Kind)
	assert.Equal(t, "boom", err.Message)
	assert.True(t, errors.Is(err, plain))
}

func TestAsErrorUnwrapsThroughChain(t *testing.T) {
	inner := Validation("field", "bad", nil)
	wrapped := fmt.Errorf("context: %w", inner)

	err := AsError(wrapped)
	assert.Equal(t, KindValidation, err.Kind)
	assert.True(t, IsKind(wrapped, KindValidation))
	assert.False(t, IsKind(wrapped, KindDatabase))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(KindCache, "CACHE_FAIL", "cache broke", errors.New("oops"))
	assert.Equal(t, "CACHE_FAIL: cache broke: oops", err.Error())
}
