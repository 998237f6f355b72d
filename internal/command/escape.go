package command

import (
	"fmt"

	"al.essio.dev/pkg/shellescape"
)

// EscapeFunc transforms a single option argument before it enters argv.
type EscapeFunc func(string) string

const (
	// EscapeQuote applies POSIX shell quoting. Arguments made only of safe
	// characters pass through unchanged.
	EscapeQuote = "quote"
	// EscapeNone passes arguments through verbatim.
	EscapeNone = "none"
)

var escapers = map[string]EscapeFunc{
	EscapeQuote: shellescape.Quote,
	EscapeNone:  func(s string) string { return s },
}

// Escaper resolves an escape function by name. The empty name selects EscapeQuote.
func Escaper(name string) (EscapeFunc, error) {
	if name == "" {
		name = EscapeQuote
	}
	fn, ok := escapers[name]
	if !ok {
		return nil, fmt.Errorf("unknown escape %q (want %q or %q)", name, EscapeQuote, EscapeNone)
	}
	return fn, nil
}
