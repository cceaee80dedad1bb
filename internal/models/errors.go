package models

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// OAuth2 error codes as defined in RFC 6749 sections 4.1.2.1 and 5.2.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"

	// Bearer token errors from RFC 6750 section 3.1.
	ErrCodeInvalidToken      = "invalid_token"
	ErrCodeInsufficientScope = "insufficient_scope"
)

// Sentinel errors returned by repositories and collaborators. Callers translate
// them into OAuth2 errors at the service boundary.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrClientNotFound = fmt.Errorf("client %w", ErrNotFound)
	ErrUserNotFound   = fmt.Errorf("user %w", ErrNotFound)
	// ErrAlreadyConsumed is returned when a code was used or a refresh token revoked.
	ErrAlreadyConsumed = errors.New("already consumed")
	// ErrExpired is returned when a stored grant is past its expiry.
	ErrExpired = errors.New("expired")
)

// OAuth2Error represents a standard OAuth2 error response as defined in RFC 6749.
// It implements the error interface and provides methods for building error responses
// with state and description information.
type OAuth2Error struct {
	// Code is the OAuth2 error code (e.g., "invalid_request", "invalid_client").
	Code string `json:"error"`
	// Description provides additional human-readable error information.
	Description string `json:"error_description,omitempty"`
	// URI is a reference to a web page with error information.
	URI string `json:"error_uri,omitempty"`
	// State is the client-provided state parameter for CSRF protection.
	State string `json:"state,omitempty"`
	// StatusCode is the HTTP status code to return (excluded from JSON).
	StatusCode int `json:"-"`
}

func newOAuth2Error(code, description string, status int) *OAuth2Error {
	return &OAuth2Error{Code: code, Description: description, StatusCode: status}
}

// NewInvalidRequest reports a missing, repeated or malformed parameter. HTTP 400.
func NewInvalidRequest(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInvalidRequest, description, http.StatusBadRequest)
}

// NewInvalidClient reports failed client authentication: unknown client, bad
// secret, unsupported authentication method or a suspended client. HTTP 401.
func NewInvalidClient(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInvalidClient, description, http.StatusUnauthorized)
}

// NewInvalidGrant reports an invalid, expired, reused or mismatched authorization
// code or refresh token, including failed PKCE verification. HTTP 400.
func NewInvalidGrant(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInvalidGrant, description, http.StatusBadRequest)
}

// NewUnauthorizedClient reports a grant type the client is not allowed to use. HTTP 400.
func NewUnauthorizedClient(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeUnauthorizedClient, description, http.StatusBadRequest)
}

// NewUnsupportedGrantType reports a grant_type the server does not implement. HTTP 400.
func NewUnsupportedGrantType(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeUnsupportedGrantType, description, http.StatusBadRequest)
}

// NewUnsupportedResponseType reports a response_type other than "code". HTTP 400.
func NewUnsupportedResponseType(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeUnsupportedResponseType, description, http.StatusBadRequest)
}

// NewInvalidScope reports an unknown scope, a scope outside the client's
// allow-list, or an escalation attempt on refresh. HTTP 400.
func NewInvalidScope(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInvalidScope, description, http.StatusBadRequest)
}

// NewAccessDenied reports that the resource owner denied the request. HTTP 403.
func NewAccessDenied(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeAccessDenied, description, http.StatusForbidden)
}

// NewInvalidToken reports a bearer token that is expired, revoked or malformed. HTTP 401.
func NewInvalidToken(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInvalidToken, description, http.StatusUnauthorized)
}

// NewInsufficientScope reports a bearer token lacking a required scope. HTTP 403.
func NewInsufficientScope(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeInsufficientScope, description, http.StatusForbidden)
}

// NewServerError reports an unexpected internal failure. HTTP 500.
func NewServerError(description string) *OAuth2Error {
	return newOAuth2Error(ErrCodeServerError, description, http.StatusInternalServerError)
}

// Error returns a string representation of the OAuth2 error.
// It implements the error interface.
func (e *OAuth2Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// WithState sets the state parameter on the OAuth2Error and returns the error.
// The state parameter is used for CSRF protection in OAuth2 flows and should
// match the state parameter sent in the original authorization request.
func (e *OAuth2Error) WithState(state string) *OAuth2Error {
	e.State = state
	return e
}

// WithDescription sets the error_description field and returns the error.
func (e *OAuth2Error) WithDescription(description string) *OAuth2Error {
	e.Description = description
	return e
}

// RedirectQuery encodes the error as authorization response query parameters
// (error, error_description, error_uri, state).
func (e *OAuth2Error) RedirectQuery() url.Values {
	q := url.Values{}
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.URI != "" {
		q.Set("error_uri", e.URI)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	return q
}

// AsOAuth2Error unwraps err into an *OAuth2Error. Anything else becomes a
// server_error so that internal details never reach the client.
func AsOAuth2Error(err error) *OAuth2Error {
	var oauthErr *OAuth2Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return NewServerError("The authorization server encountered an unexpected condition")
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error returns a string representation of the validation error in the format
// "field: message".
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a slice of ValidationError that represents multiple
// field validation errors.
type ValidationErrors []ValidationError

// Error returns a summary of the collected validation errors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("validation failed with %d errors", len(e))
}

// HasErrors returns true if there are one or more validation errors in the collection.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}
