package errcodes

import (
	"fmt"
	"net/http"
)

// Error is an error with an HTTP status and a stable machine-readable code.
type Error struct {
	HTTPCode int
	Message  string
	Code     string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.HTTPCode == err.HTTPCode && te.Code == err.Code
}

// NotFound returns a 404 error for the given resource.
func NotFound(resource string) error {
	return &Error{http.StatusNotFound, resource + " not found.", "not_found"}
}

// AccessDenied is returned when the platform refused the session.
func AccessDenied(action string) error {
	return &Error{http.StatusForbidden, "You don't have access to " + action + ".", "access_denied"}
}

// Offline is returned when an operation needs the platform and it can't be
// reached.
func Offline(msg string) error {
	return &Error{http.StatusServiceUnavailable, msg, "offline"}
}

// QuotaExceeded is returned when offline storage is full.
func QuotaExceeded() error {
	return &Error{http.StatusInsufficientStorage, "Not enough offline storage space.", "quota_exceeded"}
}

// Corrupt is returned for a stored record that can't be read back. The
// reader should offer to download it again.
func Corrupt(resource string) error {
	return &Error{http.StatusUnprocessableEntity, resource + " is damaged and needs to be downloaded again.", "storage_corruption"}
}

// Rejected is returned when the platform refused a request as invalid.
func Rejected(msg string) error {
	return &Error{http.StatusBadGateway, msg, "server_rejected"}
}

func UnsupportedMediaType() error {
	return &Error{http.StatusUnsupportedMediaType, "Unsupported Media Type", "unsupported_media_type"}
}

func UnknownParameter(param string) error {
	return &Error{http.StatusUnprocessableEntity, fmt.Sprintf("Unknown Parameter %q", param), "unknown_parameter"}
}

func ValidationTypeError(msg string) error {
	return &Error{http.StatusUnprocessableEntity, msg, "validation_type_error"}
}

func ValidationError(msg string) error {
	return &Error{http.StatusUnprocessableEntity, msg, "validation_error"}
}

func MalformedPayload() error {
	return &Error{http.StatusBadRequest, "Malformed Payload", "malformed_payload"}
}

func EmptyRequestBody() error {
	return &Error{http.StatusBadRequest, "Request body can't be empty.", "empty_request_body"}
}
