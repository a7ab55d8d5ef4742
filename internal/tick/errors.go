package tick

import "fmt"

// ErrorKind classifies a normalization failure.
type ErrorKind int

const (
	MissingField ErrorKind = iota + 1
	InvalidTimestamp
	UnknownSymbol
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing field"
	case InvalidTimestamp:
		return "invalid timestamp"
	case UnknownSymbol:
		return "unknown symbol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is; they match any NormalizationError of the same kind.
var (
	ErrMissingField     = &NormalizationError{Kind: MissingField}
	ErrInvalidTimestamp = &NormalizationError{Kind: InvalidTimestamp}
	ErrUnknownSymbol    = &NormalizationError{Kind: UnknownSymbol}
)

// NormalizationError reports why a RawMessage could not become a Tick.
type NormalizationError struct {
	Kind  ErrorKind
	Field string // wire field involved, if any
	Value string // offending value, if any
	Err   error  // underlying parse error, if any
}

func (e *NormalizationError) Error() string {
	msg := e.Kind.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

func (e *NormalizationError) Is(target error) bool {
	t, ok := target.(*NormalizationError)
	return ok && t.Kind == e.Kind
}
