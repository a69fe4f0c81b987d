package common

import (
	"errors"
	"net/http"
)

// AppError is an error already resolved to an API status and code.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Internal reports whether e maps to a server-side failure.
func (e *AppError) Internal() bool {
	return e.HTTPStatus >= http.StatusInternalServerError && e.Code == "INTERNAL"
}

// Mapping binds a sentinel error to its status and code.
type Mapping struct {
	Target error
	Status int
	Code   string
}

// Mappings resolves errors against sentinels in order; the first match wins.
type Mappings []Mapping

// Resolve turns err into an AppError. Errors that are already AppErrors pass through,
// matched sentinels keep their message, and anything else becomes an opaque INTERNAL.
func (ms Mappings) Resolve(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, m := range ms {
		if errors.Is(err, m.Target) {
			return NewAppError(m.Code, err.Error(), m.Status, err)
		}
	}
	return NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
}
