// Package strings implements the STRINGS script language: the processor code
// names a text operation, optionally followed by a colon and an argument.
//
//	upper
//	replace:old=>new
//	prefix:>
package strings

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	stdstrings "strings"
	"unicode/utf8"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Executor applies string operations to payloads.
type Executor struct{}

// NewExecutor creates a STRINGS executor.
func NewExecutor() *Executor { return &Executor{} }

// ExecuteScript applies the operation named by code to input.
func (e *Executor) ExecuteScript(_ context.Context, code string, input []byte) ([]byte, error) {
	op, arg, _ := stdstrings.Cut(stdstrings.TrimSpace(code), ":")
	out, err := Apply(stdstrings.ToLower(stdstrings.TrimSpace(op)), arg, string(input))
	if err != nil {
		return nil, sdkerrors.NewExecutionError("STRINGS_FAILED", "string operation failed",
			fmt.Errorf("%w: %v", sdkerrors.ErrScriptExecution, err))
	}
	return []byte(out), nil
}

// Apply runs a single named operation.
func Apply(op, arg, s string) (string, error) {
	switch op {
	case "upper":
		return stdstrings.ToUpper(s), nil
	case "lower":
		return stdstrings.ToLower(s), nil
	case "title":
		return TitleCase(s), nil
	case "capitalize":
		return Capitalize(s), nil
	case "trim":
		if arg != "" {
			return stdstrings.Trim(s, arg), nil
		}
		return stdstrings.TrimSpace(s), nil
	case "reverse":
		return Reverse(s), nil
	case "prefix":
		return arg + s, nil
	case "suffix":
		return s + arg, nil
	case "replace":
		old, repl, ok := stdstrings.Cut(arg, "=>")
		if !ok || old == "" {
			return "", fmt.Errorf("replace expects old=>new, got %q", arg)
		}
		return stdstrings.ReplaceAll(s, old, repl), nil
	case "base64encode":
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	case "base64decode":
		b, err := base64.StdEncoding.DecodeString(stdstrings.TrimSpace(s))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "uriencode":
		return url.QueryEscape(s), nil
	case "uridecode":
		return url.QueryUnescape(s)
	default:
		return "", fmt.Errorf("unknown string operation %q", op)
	}
}

// TitleCase converts s to title case.
func TitleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// Capitalize upper-cases the first rune and leaves the rest unchanged.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return stdstrings.ToUpper(string(r)) + s[size:]
}

// Reverse reverses s rune by rune.
func Reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
