package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const accessClaimsKey = "access_claims"

// TokenValidator checks bearer access tokens issued by this server. It is
// the only thing a FHIR proxy in front of the data server needs.
type TokenValidator struct {
	keys *Keyring
}

// NewTokenValidator returns a validator for tokens signed with keys.
func NewTokenValidator(keys *Keyring) *TokenValidator {
	return &TokenValidator{keys: keys}
}

// Validate reads the bearer token from r. With no Authorization header it
// returns (nil, nil) unless required is set. A token carrying a simulated
// request error is rejected with that error's message.
func (v *TokenValidator) Validate(r *http.Request, required bool) (*AccessClaims, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if required {
			return nil, NewHTTPError(http.StatusUnauthorized, "Unauthorized! No authorization header provided in request.")
		}
		return nil, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, NewHTTPError(http.StatusUnauthorized, "Invalid authorization header. Expected \"Bearer <token>\".")
	}

	claims := &AccessClaims{}
	if err := v.keys.parseHS256(strings.TrimSpace(parts[1]), claims); err != nil {
		return nil, NewHTTPError(http.StatusUnauthorized, "Invalid token: %s", err)
	}
	if claims.SimError != "" {
		return nil, NewHTTPError(http.StatusUnauthorized, "%s", claims.SimError)
	}
	return claims, nil
}

// RequireAccessToken is echo middleware around Validate. Verified claims are
// available to handlers through AccessClaimsFromContext.
func RequireAccessToken(v *TokenValidator, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := v.Validate(c.Request(), required)
			if err != nil {
				var e *Error
				if errors.As(err, &e) {
					return c.String(e.Status, e.Description)
				}
				return err
			}
			if claims != nil {
				c.Set(accessClaimsKey, claims)
			}
			return next(c)
		}
	}
}

// AccessClaimsFromContext returns the claims stored by RequireAccessToken.
func AccessClaimsFromContext(c echo.Context) *AccessClaims {
	claims, _ := c.Get(accessClaimsKey).(*AccessClaims)
	return claims
}
