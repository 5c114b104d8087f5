package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorKind separates plain HTTP failures from OAuth protocol errors.
type ErrorKind int

const (
	KindHTTP ErrorKind = iota
	KindOAuth
)

// OAuth error identifiers used by this server.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidScope         = "invalid_scope"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeServerError          = "server_error"
)

// Error is the single error type returned by the authorize and token
// engines. Kind decides how it is rendered; Status is the HTTP status, and
// a 30x Status on an OAuth error means "redirect back to the client".
type Error struct {
	Kind        ErrorKind `json:"-"`
	Status      int       `json:"-"`
	Code        string    `json:"error"`
	Description string    `json:"error_description"`
}

func (e *Error) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("%d: %s", e.Status, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewHTTPError returns a non-OAuth failure rendered as plain text.
func NewHTTPError(status int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindHTTP, Status: status, Description: fmt.Sprintf(format, args...)}
}

// NewOAuthError returns an OAuth protocol error.
func NewOAuthError(status int, code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOAuth, Status: status, Code: code, Description: fmt.Sprintf(format, args...)}
}

func invalidRequest(status int, format string, args ...interface{}) *Error {
	return NewOAuthError(status, CodeInvalidRequest, format, args...)
}

func invalidClient(status int, format string, args ...interface{}) *Error {
	return NewOAuthError(status, CodeInvalidClient, format, args...)
}

func invalidScope(status int, format string, args ...interface{}) *Error {
	return NewOAuthError(status, CodeInvalidScope, format, args...)
}

func invalidGrant(status int, format string, args ...interface{}) *Error {
	return NewOAuthError(status, CodeInvalidGrant, format, args...)
}

func isRedirectStatus(status int) bool {
	return status >= 300 && status < 400
}

// RenderError writes err to the response. OAuth errors with a redirect
// status go back to redirectURI with error, error_description and state
// query parameters; without a usable redirectURI they fall back to a 400
// JSON body. Errors of any other type become a generic 500.
func RenderError(c echo.Context, logger zerolog.Logger, err error, redirectURI, state string) error {
	var e *Error
	if !errors.As(err, &e) {
		logger.Error().Err(err).
			Str("request_id", requestID(c)).
			Str("path", c.Request().URL.Path).
			Msg("unexpected auth failure")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":             CodeServerError,
			"error_description": "internal server error",
		})
	}

	if e.Kind == KindHTTP {
		return c.String(e.Status, e.Description)
	}

	if isRedirectStatus(e.Status) {
		if target, perr := url.Parse(redirectURI); redirectURI != "" && perr == nil && target.IsAbs() {
			q := target.Query()
			q.Set("error", e.Code)
			q.Set("error_description", e.Description)
			if state != "" {
				q.Set("state", state)
			}
			target.RawQuery = q.Encode()
			return c.Redirect(http.StatusFound, target.String())
		}
		return c.JSON(http.StatusBadRequest, e)
	}

	return c.JSON(e.Status, e)
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
