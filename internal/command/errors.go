package command

import (
	"fmt"
	"strings"
)

// ValidationKind classifies why a request could not be turned into argv.
type ValidationKind string

const (
	KindUnknownCommand   ValidationKind = "unknown_command"
	KindArity            ValidationKind = "arity"
	KindMissingOption    ValidationKind = "missing_option"
	KindUnhandledOptions ValidationKind = "unhandled_options"
	KindMalformedRequest ValidationKind = "malformed_request"
)

// ValidationError is returned when a request cannot be bound to a command.
// Nothing has been executed or written when one is returned.
type ValidationError struct {
	Kind    ValidationKind
	Command string
	Option  string
	Tokens  []string
	Detail  string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindUnknownCommand:
		return fmt.Sprintf("unknown command: %q", e.Command)
	case KindArity:
		return fmt.Sprintf("option %q of command %q: %s", e.Option, e.Command, e.Detail)
	case KindMissingOption:
		return fmt.Sprintf("command %q requires option %q", e.Command, e.Option)
	case KindUnhandledOptions:
		return fmt.Sprintf("unhandled options for command %q: %s", e.Command, strings.Join(e.Tokens, " "))
	case KindMalformedRequest:
		return "malformed request: " + e.Detail
	default:
		return "invalid request: " + e.Detail
	}
}

func malformed(format string, args ...any) *ValidationError {
	return &ValidationError{Kind: KindMalformedRequest, Detail: fmt.Sprintf(format, args...)}
}
