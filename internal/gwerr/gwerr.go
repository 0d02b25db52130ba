// Package gwerr classifies every failure the gateway produces into one of
// a fixed set of kinds, so viewer/agent frame builders and the admin RPC
// surface can all react to the same taxonomy instead of matching on error
// strings.
package gwerr

import (
	"fmt"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind is one of the seven error kinds the gateway recognizes.
type Kind string

const (
	KindBadRequest     Kind = "bad-request"
	KindAuthFailed     Kind = "auth-failed"
	KindNotFound       Kind = "not-found"
	KindTransportError Kind = "transport-error"
	KindPeerGone       Kind = "peer-gone"
	KindStorageError   Kind = "storage-error"
	KindUnsupported    Kind = "unsupported"
)

// connectCode maps each Kind to the connect.Code used by the admin RPC
// surface (internal/adminrpc) when the same failure is reported over
// Connect rather than over a WebSocket frame.
var connectCode = map[Kind]connect.Code{
	KindBadRequest:     connect.CodeInvalidArgument,
	KindAuthFailed:     connect.CodePermissionDenied,
	KindNotFound:       connect.CodeNotFound,
	KindTransportError: connect.CodeUnavailable,
	KindPeerGone:       connect.CodeUnavailable,
	KindStorageError:   connect.CodeInternal,
	KindUnsupported:    connect.CodeUnimplemented,
}

// Error is the gateway's internal error representation. It always carries
// a Kind, an operator-facing message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// BadRequest builds a *Error of kind bad-request.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, fmt.Sprintf(format, args...))
}

// AuthFailed builds a *Error of kind auth-failed.
func AuthFailed(message string) *Error {
	return New(KindAuthFailed, message)
}

// NotFound builds a *Error of kind not-found.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithDetails(map[string]interface{}{"resource": resource, "id": id})
}

// TransportError builds a *Error of kind transport-error.
func TransportError(message string, cause error) *Error {
	return Wrap(KindTransportError, message, cause)
}

// PeerGone builds a *Error of kind peer-gone.
func PeerGone(message string) *Error {
	return New(KindPeerGone, message)
}

// StorageError builds a *Error of kind storage-error. Per §7, storage
// errors are logged but must never be surfaced to a viewer unless the
// viewer's own in-flight operation caused them.
func StorageError(op string, cause error) *Error {
	return Wrap(KindStorageError, fmt.Sprintf("storage operation %q failed", op), cause)
}

// Unsupported builds a *Error of kind unsupported, for transports not yet
// activated at the public C3 entry point (SSH, Docker in the first cut).
func Unsupported(feature string) *Error {
	return New(KindUnsupported, fmt.Sprintf("%s is not supported yet", feature))
}

// ConnectError converts an *Error into a *connect.Error for the admin RPC
// surface, attaching Details as a structpb.Struct when present.
func ConnectError(e *Error) *connect.Error {
	code, ok := connectCode[e.Kind]
	if !ok {
		code = connect.CodeInternal
	}
	cerr := connect.NewError(code, fmt.Errorf("%s", e.Message))
	if len(e.Details) > 0 {
		if s, err := structpb.NewStruct(e.Details); err == nil {
			if detail, err := connect.NewErrorDetail(s); err == nil {
				cerr.AddDetail(detail)
			}
		}
	}
	return cerr
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if err == nil {
		return nil, false
	}
	if ge, ok := err.(*Error); ok {
		return ge, true
	}
	_ = e
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if ge, ok := err.(*Error); ok {
			return ge, true
		}
	}
	return nil, false
}
