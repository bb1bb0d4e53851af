package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordsCaller(t *testing.T) {
	err := New(ErrorTypeData, "bad document")

	require.NotEmpty(t, err.Stack)
	assert.True(t, strings.HasSuffix(err.Stack[0].Function, "TestNewRecordsCaller"), err.Stack[0].Function)
}

func TestWrapKeepsOriginStack(t *testing.T) {
	origin := New(ErrorTypeConnection, "dial failed")
	wrapped := Wrap(origin, ErrorTypeInternal, "open source")

	assert.Equal(t, origin.Stack, wrapped.Stack)
	assert.Equal(t, "internal: open source: connection: dial failed", wrapped.Error())
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestIsTypeWalksChain(t *testing.T) {
	cause := New(ErrorTypeNotFound, "no such target")
	err := fmt.Errorf("resolve: %w", Wrap(cause, ErrorTypeInternal, "lookup"))

	assert.True(t, IsNotFound(err))
	assert.True(t, IsType(err, ErrorTypeInternal))
	assert.False(t, IsValidation(err))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeInternal))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "reset")))
	assert.True(t, IsRetryable(fmt.Errorf("insert: %w", New(ErrorTypeTimeout, "deadline"))))
	assert.False(t, IsRetryable(New(ErrorTypeQuery, "syntax")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}
