// errors.go: typed error hierarchy for the dirrest service
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	stderrors "errors"
	"net/http"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the dirrest service. Each code maps to exactly one error
// kind and one HTTP status; the fault boundary relies on this bijection.
const (
	ErrCodeBadRequest         = "DIRREST_400"
	ErrCodeUnauthorized       = "DIRREST_401"
	ErrCodeForbidden          = "DIRREST_403"
	ErrCodeNotFound           = "DIRREST_404"
	ErrCodeConflict           = "DIRREST_409"
	ErrCodeInternal           = "DIRREST_500"
	ErrCodeBadGateway         = "DIRREST_502"
	ErrCodeServiceUnavailable = "DIRREST_503"
	ErrCodeGatewayTimeout     = "DIRREST_504"
)

// ErrorKind is the client-visible name of an error class. It appears in the
// "error" field of the HTTP error envelope emitted by the fault boundary.
type ErrorKind string

const (
	KindBadRequest         ErrorKind = "BadRequest"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindForbidden          ErrorKind = "Forbidden"
	KindNotFound           ErrorKind = "NotFound"
	KindConflict           ErrorKind = "Conflict"
	KindInternal           ErrorKind = "Internal"
	KindBadGateway         ErrorKind = "BadGateway"
	KindServiceUnavailable ErrorKind = "ServiceUnavailable"
	KindGatewayTimeout     ErrorKind = "GatewayTimeout"
)

var kindByCode = map[goerrors.ErrorCode]ErrorKind{
	ErrCodeBadRequest:         KindBadRequest,
	ErrCodeUnauthorized:       KindUnauthorized,
	ErrCodeForbidden:          KindForbidden,
	ErrCodeNotFound:           KindNotFound,
	ErrCodeConflict:           KindConflict,
	ErrCodeInternal:           KindInternal,
	ErrCodeBadGateway:         KindBadGateway,
	ErrCodeServiceUnavailable: KindServiceUnavailable,
	ErrCodeGatewayTimeout:     KindGatewayTimeout,
}

var statusByKind = map[ErrorKind]int{
	KindBadRequest:         http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindInternal:           http.StatusInternalServerError,
	KindBadGateway:         http.StatusBadGateway,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindGatewayTimeout:     http.StatusGatewayTimeout,
}

// KindOf classifies an arbitrary error into an ErrorKind.
//
// Errors built by the constructors in this file carry a code that maps to
// their kind. Anything else, including raw errors from third-party code,
// classifies as KindInternal: an unclassified failure is by definition not
// the caller's fault.
func KindOf(err error) ErrorKind {
	var coded *goerrors.Error
	if stderrors.As(err, &coded) {
		if kind, ok := kindByCode[coded.ErrorCode()]; ok {
			return kind
		}
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code for a kind. Unknown kinds map to
// 500, consistent with KindOf's default.
func HTTPStatus(kind ErrorKind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Client error constructors. Client errors are the caller's fault and are
// never retried anywhere in the service.

func NewBadRequestError(message string) *goerrors.Error {
	return goerrors.New(ErrCodeBadRequest, message).
		WithUserMessage(message).
		WithSeverity("warning")
}

func NewUnauthorizedError(message string) *goerrors.Error {
	return goerrors.New(ErrCodeUnauthorized, message).
		WithUserMessage("Authentication failed").
		WithSeverity("warning")
}

func NewForbiddenError(message string) *goerrors.Error {
	return goerrors.New(ErrCodeForbidden, message).
		WithUserMessage(message).
		WithSeverity("warning")
}

func NewNotFoundError(resource string) *goerrors.Error {
	return goerrors.New(ErrCodeNotFound, "Not found: "+resource).
		WithUserMessage("The requested resource does not exist").
		WithContext("resource", resource).
		WithSeverity("warning")
}

func NewConflictError(message string) *goerrors.Error {
	return goerrors.New(ErrCodeConflict, message).
		WithUserMessage(message).
		WithSeverity("warning")
}

// Upstream and internal error constructors. 5xx kinds that can succeed on a
// later attempt are marked retryable so callers can distinguish "try again
// later" from "this will never work".

func NewInternalError(message string, cause error) *goerrors.Error {
	if cause != nil {
		return goerrors.Wrap(cause, ErrCodeInternal, message).
			WithUserMessage("Internal error").
			WithSeverity("error")
	}
	return goerrors.New(ErrCodeInternal, message).
		WithUserMessage("Internal error").
		WithSeverity("error")
}

func NewBadGatewayError(upstream string, cause error) *goerrors.Error {
	err := goerrors.New(ErrCodeBadGateway, "Upstream error: "+upstream)
	if cause != nil {
		err = goerrors.Wrap(cause, ErrCodeBadGateway, "Upstream error: "+upstream)
	}
	return err.
		WithUserMessage("Upstream service returned an invalid response").
		WithContext("upstream", upstream).
		WithSeverity("error").
		AsRetryable()
}

func NewServiceUnavailableError(message string, cause error) *goerrors.Error {
	if cause != nil {
		return goerrors.Wrap(cause, ErrCodeServiceUnavailable, message).
			WithUserMessage("Service temporarily unavailable").
			WithSeverity("error").
			AsRetryable()
	}
	return goerrors.New(ErrCodeServiceUnavailable, message).
		WithUserMessage("Service temporarily unavailable").
		WithSeverity("error").
		AsRetryable()
}

func NewGatewayTimeoutError(upstream string, cause error) *goerrors.Error {
	err := goerrors.New(ErrCodeGatewayTimeout, "Upstream timeout: "+upstream)
	if cause != nil {
		err = goerrors.Wrap(cause, ErrCodeGatewayTimeout, "Upstream timeout: "+upstream)
	}
	return err.
		WithUserMessage("Upstream service did not respond in time").
		WithContext("upstream", upstream).
		WithSeverity("warning").
		AsRetryable()
}
