package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", New(KindConfig, "bad"), "bad"},
		{"component and op", New(KindConfig, "bad").WithComponent("setup").WithOperation("GetSetup"), "setup.GetSetup: bad"},
		{"wrapped", Wrap(fmt.Errorf("boom"), KindProcess, "shifter failed"), "shifter failed: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindThroughWrapping(t *testing.T) {
	base := Errorf(KindName, "parameter %s not found", "k9")
	wrapped := fmt.Errorf("edit: %w", base)

	assert.True(t, IsKind(wrapped, KindName))
	assert.False(t, IsKind(wrapped, KindValue))
	assert.Equal(t, KindName, KindOf(wrapped))

	var e *Error
	require.True(t, As(wrapped, &e))
	assert.Equal(t, "parameter k9 not found", e.Message)
}

func TestWrapKeepsKind(t *testing.T) {
	inner := New(KindResolution, "ambiguous")
	outer := Wrap(inner, KindUnknown, "edit failed")
	assert.Equal(t, KindResolution, outer.Kind)
	assert.True(t, Is(outer, inner))

	assert.Nil(t, Wrap(nil, KindConfig, "ignored"))
	assert.Nil(t, Wrapf(nil, KindConfig, "ignored %d", 1))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "config", KindConfig.String())
	assert.Equal(t, "unresolved reference", KindUnresolved.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestStackTrace(t *testing.T) {
	err := New(KindConfig, "x")
	assert.NotEmpty(t, err.StackTrace())
	assert.Nil(t, Unwrap(stderrors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(New(KindConfig, "x")))
	assert.Equal(t, 400, HTTPStatus(fmt.Errorf("wrap: %w", New(KindUnresolved, "x"))))
	assert.Equal(t, 500, HTTPStatus(New(KindProcess, "x")))
	assert.Equal(t, 500, HTTPStatus(stderrors.New("plain")))
	assert.Equal(t, 200, HTTPStatus(nil))
}
