package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/scope"
)

const idTokenLifetime = time.Hour

// GrantType is the closed set of grants the token endpoint understands.
type GrantType int

const (
	GrantUnsupported GrantType = iota
	GrantAuthorizationCode
	GrantRefreshToken
	GrantClientCredentials
)

// ParseGrantType maps a grant_type parameter to a GrantType. Anything
// unrecognized is GrantUnsupported.
func ParseGrantType(s string) GrantType {
	switch s {
	case "authorization_code":
		return GrantAuthorizationCode
	case "refresh_token":
		return GrantRefreshToken
	case "client_credentials":
		return GrantClientCredentials
	}
	return GrantUnsupported
}

func (g GrantType) String() string {
	switch g {
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantRefreshToken:
		return "refresh_token"
	case GrantClientCredentials:
		return "client_credentials"
	}
	return "unsupported"
}

// tokenRequest is a parsed POST to the token endpoint.
type tokenRequest struct {
	ep   *endpoint
	form url.Values
	// Basic auth credentials, when sent.
	basicUser string
	basicPass string
	hasBasic  bool
}

func (h *Handler) handleToken(c echo.Context) error {
	header := c.Response().Header()
	header.Set("Cache-Control", "no-store")
	header.Set("Pragma", "no-cache")

	ep, err := h.endpoint(c)
	if err != nil {
		return RenderError(c, h.logger, err, "", "")
	}

	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationForm) {
		return RenderError(c, h.logger, invalidRequest(http.StatusBadRequest,
			"Invalid request content-type header (must be %q)", echo.MIMEApplicationForm), "", "")
	}
	form, err := c.FormParams()
	if err != nil {
		return RenderError(c, h.logger, invalidRequest(http.StatusBadRequest, "Invalid request body: %s", err), "", "")
	}

	req := &tokenRequest{ep: ep, form: form}
	req.basicUser, req.basicPass, req.hasBasic = c.Request().BasicAuth()

	ctx := c.Request().Context()
	grant := ParseGrantType(form.Get("grant_type"))

	var resp *TokenResponse
	switch grant {
	case GrantAuthorizationCode:
		resp, err = h.grantAuthorizationCode(ctx, req)
	case GrantRefreshToken:
		resp, err = h.grantRefreshToken(req)
	case GrantClientCredentials:
		resp, err = h.grantClientCredentials(ctx, req)
	case GrantUnsupported:
		err = NewOAuthError(http.StatusBadRequest, CodeUnsupportedGrantType,
			"Invalid or missing grant_type parameter %q", form.Get("grant_type"))
	}

	if err != nil {
		h.metrics.TokenIssued(grant.String(), "error")
		h.logger.Warn().Err(err).
			Str("grant_type", grant.String()).
			Str("request_id", requestID(c)).
			Msg("token request rejected")
		return RenderError(c, h.logger, err, "", "")
	}

	h.metrics.TokenIssued(grant.String(), "ok")
	return c.JSON(http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Grants
// ---------------------------------------------------------------------------

func (h *Handler) grantAuthorizationCode(ctx context.Context, req *tokenRequest) (*TokenResponse, error) {
	f := req.form

	code := f.Get("code")
	if code == "" {
		return nil, invalidRequest(http.StatusBadRequest, "Missing code parameter")
	}
	redirectURI := f.Get("redirect_uri")
	if redirectURI == "" {
		return nil, invalidRequest(http.StatusBadRequest, "Missing redirect_uri parameter")
	}

	var claims CodeClaims
	if err := h.keys.parseHS256(code, &claims); err != nil {
		return nil, invalidClient(http.StatusUnauthorized,
			"Invalid token (supplied as code parameter in the POST body). %s", err)
	}
	if claims.RedirectURI == "" {
		return nil, invalidRequest(http.StatusUnauthorized, "The authorization token must include redirect_uri")
	}
	if claims.RedirectURI != redirectURI {
		return nil, invalidClient(http.StatusUnauthorized, "Invalid redirect_uri parameter")
	}

	if claims.CodeChallengeMethod != "" || claims.PKCE == string(launch.PKCEAlways) {
		if claims.CodeChallengeMethod != "S256" {
			return nil, invalidGrant(http.StatusUnauthorized, "Unsupported code_challenge_method %q", claims.CodeChallengeMethod)
		}
		verifier := f.Get("code_verifier")
		if verifier == "" {
			return nil, invalidGrant(http.StatusUnauthorized, "Missing code_verifier parameter")
		}
		if !verifyPKCE(verifier, claims.CodeChallenge) {
			return nil, invalidGrant(http.StatusUnauthorized, "Invalid grant or Invalid PKCE Verifier")
		}
	}

	if assertion := f.Get("client_assertion"); assertion != "" {
		if t := f.Get("client_assertion_type"); t != jwtBearerAssertionType {
			return nil, invalidRequest(http.StatusBadRequest,
				"Invalid client_assertion_type parameter. Must be %q.", jwtBearerAssertionType)
		}
		reg := clientRegistration{JWKS: claims.JWKS, JWKSURL: claims.JWKSURL, AuthError: claims.AuthError}
		if _, err := h.validateClientAssertion(ctx, assertion, req.ep.tokenURL(), reg); err != nil {
			return nil, err
		}
	}

	return h.finish(req, grantContext{
		Context:              claims.Context,
		ClientID:             claims.ClientID,
		Scope:                claims.Scope,
		User:                 claims.User,
		AuthError:            claims.AuthError,
		Nonce:                claims.Nonce,
		ClientSecret:         claims.ClientSecret,
		JWKS:                 claims.JWKS,
		JWKSURL:              claims.JWKSURL,
		CodeChallenge:        claims.CodeChallenge,
		CodeChallengeMethod:  claims.CodeChallengeMethod,
		AccessTokensExpireIn: claims.AccessTokensExpireIn,
		checkClientSecret:    true,
	})
}

func (h *Handler) grantRefreshToken(req *tokenRequest) (*TokenResponse, error) {
	token := req.form.Get("refresh_token")
	if token == "" {
		return nil, invalidRequest(http.StatusBadRequest, "Missing refresh_token parameter")
	}

	var claims RefreshClaims
	if err := h.keys.parseHS256(token, &claims); err != nil {
		return nil, invalidGrant(http.StatusUnauthorized, "Invalid refresh token: %s", err)
	}
	if claims.AuthError == launch.SimTokenExpiredRefreshToken {
		return nil, invalidGrant(http.StatusForbidden, "Expired refresh token")
	}

	return h.finish(req, grantContext{
		Context:              claims.Context,
		ClientID:             claims.ClientID,
		Scope:                claims.Scope,
		User:                 claims.User,
		AuthError:            claims.AuthError,
		Nonce:                claims.Nonce,
		AccessTokensExpireIn: claims.AccessTokensExpireIn,
	})
}

func (h *Handler) grantClientCredentials(ctx context.Context, req *tokenRequest) (*TokenResponse, error) {
	f := req.form

	requested := f.Get("scope")
	if requested == "" {
		return nil, invalidRequest(http.StatusBadRequest, "Missing scope parameter")
	}
	switch t := f.Get("client_assertion_type"); {
	case t == "":
		return nil, invalidRequest(http.StatusBadRequest, "Missing client_assertion_type parameter")
	case t != jwtBearerAssertionType:
		return nil, invalidRequest(http.StatusBadRequest,
			"Invalid client_assertion_type parameter. Must be %q.", jwtBearerAssertionType)
	}
	assertion := f.Get("client_assertion")
	if assertion == "" {
		return nil, invalidRequest(http.StatusBadRequest, "Missing client_assertion parameter")
	}

	var client launch.Config
	if req.ep.sim != "" {
		var err error
		if client, err = launch.Decode(req.ep.sim); err != nil {
			return nil, invalidRequest(http.StatusBadRequest, "Invalid launch options: %s", err)
		}
	}

	reg := clientRegistration{JWKS: client.JWKS, JWKSURL: client.JWKSURL, AuthError: client.AuthError}
	clientID, err := h.validateClientAssertion(ctx, assertion, req.ep.tokenURL(), reg)
	if err != nil {
		return nil, err
	}

	switch client.AuthError {
	case launch.SimTokenInvalidToken:
		return nil, invalidClient(http.StatusUnauthorized, "Simulated invalid token error")
	case launch.SimTokenInvalidScope:
		return nil, invalidScope(http.StatusUnauthorized, "Simulated invalid scope error")
	}

	if client.ClientID != "" && client.ClientID != clientID {
		return nil, invalidClient(http.StatusUnauthorized, "Invalid client ID")
	}

	if bad := scope.InvalidSystemScopes(requested); bad != "" {
		return nil, invalidScope(http.StatusUnauthorized, "Invalid scope %q. Only system scopes are allowed.", bad)
	}

	granted := scope.NewSet(requested).Items()
	if client.Scope != "" {
		granted = scope.NewSet(client.Scope).Negotiate(requested).Granted
	}
	if len(granted) == 0 {
		return nil, invalidScope(http.StatusUnauthorized, "No access could be granted for scopes %q", requested)
	}

	now := h.now()
	expiresIn := h.settings.AccessTokenLifetime
	accessClaims := &AccessClaims{
		Scope:    strings.Join(granted, " "),
		ClientID: clientID,
		SimError: simulatedRequestError(client.AuthError),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	}
	accessToken, err := h.keys.signHS256(accessClaims)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresIn / time.Second),
		Scope:       accessClaims.Scope,
	}, nil
}

// ---------------------------------------------------------------------------
// Shared issuance
// ---------------------------------------------------------------------------

// grantContext is what a code or refresh token resolves to.
type grantContext struct {
	Context              LaunchContext
	ClientID             string
	Scope                string
	User                 string
	AuthError            string
	Nonce                string
	ClientSecret         string
	JWKS                 string
	JWKSURL              string
	CodeChallenge        string
	CodeChallengeMethod  string
	AccessTokensExpireIn int

	checkClientSecret bool
}

// finish issues the access token and, depending on the granted scopes, the
// refresh token and id_token.
func (h *Handler) finish(req *tokenRequest, g grantContext) (*TokenResponse, error) {
	if g.checkClientSecret && g.ClientSecret != "" {
		if err := checkBasicAuth(req, g); err != nil {
			return nil, err
		}
	}

	switch g.AuthError {
	case launch.SimTokenInvalidToken:
		return nil, invalidClient(http.StatusUnauthorized, "Simulated invalid token error")
	case launch.SimTokenInvalidScope:
		return nil, invalidScope(http.StatusUnauthorized, "Simulated invalid scope error")
	}

	now := h.now()
	expiresIn := h.settings.AccessTokenLifetime
	if g.AccessTokensExpireIn > 0 {
		expiresIn = time.Duration(g.AccessTokensExpireIn) * time.Minute
	}
	scopes := scope.NewSet(g.Scope)
	launchCtx := g.Context

	resp := &TokenResponse{
		TokenType:     "Bearer",
		ExpiresIn:     int64(expiresIn / time.Second),
		Scope:         g.Scope,
		SimError:      simulatedRequestError(g.AuthError),
		LaunchContext: &launchCtx,
	}

	if scopes.Has("offline_access") || scopes.Has("online_access") {
		refresh := &RefreshClaims{
			Context:              g.Context,
			ClientID:             g.ClientID,
			Scope:                g.Scope,
			User:                 g.User,
			AuthError:            g.AuthError,
			Nonce:                g.Nonce,
			AccessTokensExpireIn: g.AccessTokensExpireIn,
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(h.settings.RefreshTokenLifetime)),
				ID:        uuid.NewString(),
			},
		}
		token, err := h.keys.signHS256(refresh)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = token
	}

	if g.User != "" && scopes.Has("openid") && (scopes.Has("profile") || scopes.Has("fhirUser")) {
		sum := sha256.Sum256([]byte(g.User))
		idClaims := &IDTokenClaims{
			Profile:  g.User,
			FHIRUser: g.User,
			Nonce:    g.Nonce,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    req.ep.fhirURL(),
				Subject:   hex.EncodeToString(sum[:]),
				Audience:  jwt.ClaimStrings{g.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(idTokenLifetime)),
			},
		}
		token, err := h.keys.signRS256(idClaims)
		if err != nil {
			return nil, err
		}
		resp.IDToken = token
		h.cache.Put(token, CachedContext{
			ClientID: g.ClientID,
			Scope:    g.Scope,
			User:     g.User,
			Context:  g.Context,
		})
	}

	accessClaims := &AccessClaims{
		LaunchContext:       &launchCtx,
		Scope:               g.Scope,
		ClientID:            g.ClientID,
		User:                g.User,
		JWKS:                g.JWKS,
		JWKSURL:             g.JWKSURL,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		ClientSecret:        g.ClientSecret,
		Nonce:               g.Nonce,
		AuthError:           g.AuthError,
		SimError:            resp.SimError,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	}
	token, err := h.keys.signHS256(accessClaims)
	if err != nil {
		return nil, err
	}
	resp.AccessToken = token

	return resp, nil
}

// checkBasicAuth enforces client_secret_basic for confidential clients.
func checkBasicAuth(req *tokenRequest, g grantContext) error {
	if !req.hasBasic {
		return invalidClient(http.StatusUnauthorized, "Basic authentication is required for confidential clients")
	}
	if req.basicUser != g.ClientID {
		return invalidClient(http.StatusUnauthorized, "Invalid client_id in the Basic authorization header")
	}
	if g.AuthError == launch.SimAuthInvalidClientSecret {
		return invalidClient(http.StatusUnauthorized, "Simulated invalid client secret error")
	}
	if subtle.ConstantTimeCompare([]byte(req.basicPass), []byte(g.ClientSecret)) != 1 {
		return invalidClient(http.StatusUnauthorized, "Invalid client secret")
	}
	return nil
}

// simulatedRequestError maps the request_* simulated errors to the message
// the FHIR proxy reports when the token is used.
func simulatedRequestError(authError string) string {
	switch authError {
	case launch.SimRequestInvalidToken:
		return "Invalid token"
	case launch.SimRequestExpiredToken:
		return "Token expired"
	}
	return ""
}

// verifyPKCE checks base64url(sha256(verifier)) against challenge.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
