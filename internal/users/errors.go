package users

import (
	"errors"
	"net/http"
)

// Client-facing messages.
const (
	MsgFieldsMissing      = "Some fields are missing"
	MsgInvalidData        = "Invalid data"
	MsgDuplicateUsername  = "Username is duplicate"
	MsgAddressInvalid     = "Address is invalid"
	MsgInternal           = "Internal Server Error"
	MsgCredentialsMissing = "Username or password is empty"
	MsgUnknownUsername    = "Username does not exist"
	MsgWrongPassword      = "Password is incorrect"
	MsgNotActivated       = "User is not activated via email"
	MsgUserNotFound       = "User does not exist"
	MsgEmailMissing       = "Email is missing"
)

// Repository sentinels.
var (
	ErrNotFound          = errors.New("users: not found")
	ErrDuplicateUsername = errors.New("users: duplicate username")
)

// Kind classifies a flow failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindDependency
)

// Status maps the kind to an HTTP status. Conflicts are reported as 400.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error is returned by Service methods. Message is safe to show clients;
// Err holds the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

func conflict(err error) *Error {
	return &Error{Kind: KindConflict, Message: MsgDuplicateUsername, Err: err}
}

func dependency(err error) *Error {
	return &Error{Kind: KindDependency, Message: MsgInternal, Err: err}
}

func notFound(err error) *Error {
	return &Error{Kind: KindNotFound, Message: MsgUserNotFound, Err: err}
}
