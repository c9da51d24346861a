package domain

import (
	"errors"
	"strings"
)

// Backend failure classes, matchable with errors.Is on a *ServiceError.
var (
	ErrNetwork      = errors.New("network error")
	ErrValidation   = errors.New("validation error")
	ErrServer       = errors.New("server error")
	ErrUnauthorized = errors.New("unauthorized")
)

// GenericFailureReason is shown when the backend gives no reason.
const GenericFailureReason = "Audio analysis failed, please try again"

// ServiceError is a classified failure from a backend collaborator.
type ServiceError struct {
	Code    ErrorCode
	Status  int
	Message string
	Err     error
}

func NewServiceError(code ErrorCode, status int, message string) *ServiceError {
	return &ServiceError{Code: code, Status: status, Message: message}
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Code == ErrorCodeNetwork
	case ErrValidation:
		return e.Code == ErrorCodeValidation
	case ErrServer:
		return e.Code == ErrorCodeServer
	case ErrUnauthorized:
		return e.Code == ErrorCodeUnauthorized
	default:
		return false
	}
}

// CodeOf classifies err, treating unclassified errors as fallback.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Code != "" {
		return svcErr.Code
	}
	return fallback
}

// ReasonOf returns the human-readable reason carried by err, or GenericFailureReason.
func ReasonOf(err error) string {
	if err == nil {
		return GenericFailureReason
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if msg := strings.TrimSpace(svcErr.Error()); msg != "" {
			return msg
		}
		return GenericFailureReason
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return GenericFailureReason
}
