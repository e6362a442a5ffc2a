// Package apperr defines the error taxonomy shared by the relay and the
// client orchestrators.
//
// Propagation policy: anything that affects a single peer or a single relay
// endpoint stays contained there (NETWORK, DECRYPTION); only authentication
// and malformed-input failures are surfaced to the initiating client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeAuthentication Code = "AUTHENTICATION"
	CodeValidation     Code = "VALIDATION"
	CodeStorage        Code = "STORAGE"
	CodeNotFound       Code = "NOT_FOUND"
	CodeDecryption     Code = "DECRYPTION"
	CodeNetwork        Code = "NETWORK"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Authentication(msg string) *Error { return New(CodeAuthentication, msg) }
func Validation(msg string) *Error     { return New(CodeValidation, msg) }
func NotFound(msg string) *Error       { return New(CodeNotFound, msg) }

func Storage(msg string, cause error) *Error    { return Wrap(CodeStorage, msg, cause) }
func Decryption(msg string, cause error) *Error { return Wrap(CodeDecryption, msg, cause) }
func Network(msg string, cause error) *Error    { return Wrap(CodeNetwork, msg, cause) }

// CodeOf returns the taxonomy code carried by err, or "" when err is not an
// *Error anywhere in its chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool { return CodeOf(err) == code }

// HTTPStatus maps the taxonomy onto the REST surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
