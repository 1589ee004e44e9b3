package gateway

import "errors"

// Error is a gateway fault carrying a machine-readable code that is safe to
// surface to clients.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrAuthRequired         = &Error{Code: "AUTH_REQUIRED", Message: "authentication required"}
	ErrInvalidToken         = &Error{Code: "INVALID_TOKEN", Message: "invalid token"}
	ErrTokenExpired         = &Error{Code: "TOKEN_EXPIRED", Message: "token expired"}
	ErrTemporaryBan         = &Error{Code: "TEMPORARY_BAN", Message: "too many errors, try again later"}
	ErrInternal             = &Error{Code: "INTERNAL_ERROR", Message: "internal server error"}
	ErrInvalidFormat        = &Error{Code: "INVALID_FORMAT", Message: "topics must be a non-empty array"}
	ErrInvalidChannel       = &Error{Code: "INVALID_CHANNEL", Message: "invalid topic format"}
	ErrChannelLimitExceeded = &Error{Code: "CHANNEL_LIMIT_EXCEEDED", Message: "too many topics requested"}
	ErrNotConnected         = &Error{Code: "NOT_CONNECTED", Message: "user not connected"}
)

// CodeOf extracts the gateway error code from err, falling back to
// INTERNAL_ERROR for anything that is not a *Error.
func CodeOf(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ErrInternal.Code
}
