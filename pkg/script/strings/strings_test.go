package strings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestExecuteScript(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		input string
		want  string
	}{
		{"upper", "upper", "in wine there is wisdom", "IN WINE THERE IS WISDOM"},
		{"upper mixed case op", " UPPER ", "abc", "ABC"},
		{"lower", "lower", "ABC", "abc"},
		{"title", "title", "hello world", "Hello World"},
		{"capitalize", "capitalize", "élan vital", "Élan vital"},
		{"trim", "trim", "  x  ", "x"},
		{"trim cutset", "trim:*", "**x**", "x"},
		{"reverse", "reverse", "añb", "bña"},
		{"prefix", "prefix:> ", "quote", "> quote"},
		{"suffix", "suffix:!", "hey", "hey!"},
		{"replace", "replace:wine=>water", "in wine", "in water"},
		{"base64 round trip", "base64decode", "aGVsbG8=", "hello"},
		{"uri", "uriencode", "a b&c", "a+b%26c"},
	}
	e := NewExecutor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.ExecuteScript(context.Background(), tt.code, []byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestExecuteScript_Errors(t *testing.T) {
	e := NewExecutor()
	for _, code := range []string{"shout", "replace:missing-arrow", "base64decode"} {
		t.Run(code, func(t *testing.T) {
			_, err := e.ExecuteScript(context.Background(), code, []byte("%%%"))
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrScriptExecution)
			assert.Equal(t, sdkerrors.CategoryExecution, sdkerrors.CategoryOf(err))
		})
	}
}
