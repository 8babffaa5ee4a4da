package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authn"
	"taskboard/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Errors  []string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, errs []string) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Errors:  errs,
	}
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

func validationFailed(errs []string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", errs)
}

func mapError(err error) (status int, message string, errs []string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message, domainErr.Errors
	}
	var validationErr *authn.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "Validation failed", validationErr.Fields
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "Not found", nil
	}
	if errors.Is(err, authn.ErrEmailTaken) || errors.Is(err, store.ErrDuplicateEmail) {
		return http.StatusConflict, "Email already registered", nil
	}
	if errors.Is(err, authn.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "Invalid email or password", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "Server error", nil
}
