package auth

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// IntrospectionResponse follows RFC 7662.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Exp       int64  `json:"exp,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleIntrospect(c echo.Context) error {
	if _, err := h.endpoint(c); err != nil {
		return RenderError(c, h.logger, err, "", "")
	}

	token := c.FormValue("token")
	if token == "" {
		return RenderError(c, h.logger, invalidRequest(http.StatusBadRequest, "No token parameter"), "", "")
	}

	claims := &AccessClaims{}
	if err := h.keys.parseHS256(token, claims); err != nil {
		msg := "Invalid token: " + err.Error()
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "Token expired"
		}
		return c.JSON(http.StatusOK, IntrospectionResponse{Active: false, Error: msg})
	}

	resp := IntrospectionResponse{
		Active:   true,
		Scope:    claims.Scope,
		ClientID: claims.ClientID,
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.LaunchContext != nil {
		resp.Patient = claims.LaunchContext.Patient
		resp.Encounter = claims.LaunchContext.Encounter
	}
	return c.JSON(http.StatusOK, resp)
}
