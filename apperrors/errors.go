package apperrors

import (
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure by the component contract it violated.
type Kind string

const (
	KindUnknown       Kind = "UNKNOWN"
	KindAuthorization Kind = "AUTHORIZATION"
	KindValidation    Kind = "VALIDATION"
	KindStorage       Kind = "STORAGE"
	KindCryptographic Kind = "CRYPTOGRAPHIC"
)

// Error carries a Kind alongside the operation that failed and its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Format prints the cause's stack trace under %+v when one was recorded.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+') && e.Err != nil:
		if e.Op != "" {
			fmt.Fprintf(s, "%s: ", e.Op)
		}
		fmt.Fprintf(s, "%+v", e.Err)
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		_, _ = io.WriteString(s, e.Error())
	}
}

// New returns a causeless error of kind. op doubles as the message.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Authorization(op string, err error) error {
	return &Error{Kind: KindAuthorization, Op: op, Err: err}
}

func Validation(msg string) error {
	return New(KindValidation, msg)
}

// Storage and Cryptographic record the caller's stack on the cause.
func Storage(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: pkgerrors.WithStack(err)}
}

func Cryptographic(op string, err error) error {
	return &Error{Kind: KindCryptographic, Op: op, Err: pkgerrors.WithStack(err)}
}

// KindOf reports the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Kind == kind {
			return true
		}
		err = appErr.Err
	}
	return false
}

// Trace renders err with any recorded stack, for log fields.
func Trace(err error) string {
	return fmt.Sprintf("%+v", err)
}
