// Package relayerr holds the relay's error taxonomy. Every error crossing a
// package boundary is a *goerrors.Error whose Category drives the HTTP status.
package relayerr

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextAuthentication = "RELAY_AUTHENTICATION_FAILED"
	TextValidation     = "RELAY_VALIDATION_FAILED"
	TextDelivery       = "RELAY_DELIVERY_FAILED"
	TextRateLimited    = "RELAY_RATE_LIMITED"
	TextPayloadTooBig  = "RELAY_PAYLOAD_TOO_LARGE"
	TextNotConfigured  = "RELAY_NOT_CONFIGURED"
	TextInternal       = "RELAY_INTERNAL_ERROR"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Authentication reports a missing or mismatched webhook signature.
func Authentication(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, TextAuthentication, nil)
}

// Validation reports a payload that cannot be processed.
func Validation(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, TextValidation, metadata)
}

// Delivery reports that the ticket tracker did not accept a ticket after the
// retry budget was spent or on a permanent failure.
func Delivery(source error, message string, metadata map[string]any) error {
	if source == nil {
		return newError(message, goerrors.CategoryExternal, http.StatusBadGateway, TextDelivery, metadata)
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextDelivery)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// RateLimited reports a caller that exceeded its request budget.
func RateLimited(message string) error {
	return newError(message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, TextRateLimited, nil)
}

// PayloadTooLarge reports a body over the configured size limit.
func PayloadTooLarge(limitKB int) error {
	return newError("payload too large", goerrors.CategoryBadInput, http.StatusRequestEntityTooLarge, TextPayloadTooBig,
		map[string]any{"max_payload_kb": limitKB})
}

// NotConfigured reports that required settings are missing.
func NotConfigured(missing []string) error {
	return newError("relay not configured", goerrors.CategoryOperation, http.StatusServiceUnavailable, TextNotConfigured,
		map[string]any{"missing": missing})
}

// HTTPStatus maps err to a response status. Unknown errors are 500.
func HTTPStatus(err error) int {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return http.StatusInternalServerError
	}
	if rich.Code != 0 {
		return rich.Code
	}
	switch rich.Category {
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries category.
func Is(err error, category goerrors.Category) bool {
	var rich *goerrors.Error
	return errors.As(err, &rich) && rich.Category == category
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Message != "" {
		return rich.Message
	}
	return err.Error()
}
