package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClass_String(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "invalid", ClassInvalid.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unknown", Class(42).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"broker disconnected", ErrBrokerDisconnected, true},
		{"module timeout", ErrTimeout, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"tagged transient", WrapTransient(errors.New("x"), "c", "m", "a"), true},
		{"tagged fatal", WrapFatal(ErrConnectionLost, "c", "m", "a"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrDuplicateID))
	assert.True(t, IsInvalid(fmt.Errorf("wrapped: %w", ErrUnknownReference)))
	assert.False(t, IsInvalid(ErrConnectionLost))
	assert.True(t, IsFatal(ErrMissingConfig))
}

func TestWrap(t *testing.T) {
	err := WrapInvalid(ErrInvalidTransition, "Registry", "Start", "transition check")

	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, IsInvalid(err))
	assert.Equal(t, "Registry.Start: transition check failed: invalid lifecycle transition", err.Error())

	var tagged *Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, ClassInvalid, tagged.Class)

	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{nil, ""},
		{WrapInvalid(ErrInvalidTransition, "Registry", "Load", "transition"), CodeInvalidTransition},
		{Wrap(ErrModuleNotActive, "Registry", "Process", "state check"), CodeModuleNotActive},
		{WrapInvalid(ErrDuplicateID, "Store", "Create", "duplicate"), CodeDuplicateID},
		{WrapInvalid(ErrUnknownReference, "Store", "Create", "module lookup"), CodeUnknownReference},
		{WrapInvalid(ErrNotFound, "Store", "Get", "lookup"), CodeNotFound},
		{WrapTransient(ErrBrokerDisconnected, "mqtt", "Publish", "publish"), CodeUnavailable},
		{WrapTransient(fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.New("kv down")), "Service", "Create", "persist"), CodeUnavailable},
		{WrapInvalid(errors.New("bad pattern"), "Store", "Create", "pattern"), CodeInvalid},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, CodeOf(tt.err), "CodeOf(%v)", tt.err)
	}
}
