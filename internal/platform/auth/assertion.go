package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
)

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientRegistration is what the launch configuration says about a client
// that authenticates with a signed assertion.
type clientRegistration struct {
	JWKS      string
	JWKSURL   string
	AuthError string
}

// validateClientAssertion checks an RFC 7523 client assertion and returns
// its subject (the client id).
//
// When the client registered neither jwks nor jwks_url the signature is NOT
// verified. This keeps the sandbox usable for clients that have not set up
// keys and must never be relied on outside simulation.
func (h *Handler) validateClientAssertion(ctx context.Context, assertion, tokenURL string, reg clientRegistration) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", invalidClient(http.StatusUnauthorized, "Invalid client assertion: %s", err)
	}

	if typ, _ := unverified.Header["typ"].(string); typ != "JWT" {
		return "", invalidClient(http.StatusUnauthorized, "Invalid token 'typ' header. Must be 'JWT'.")
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'kid' header")
	}
	alg, _ := unverified.Header["alg"].(string)
	if alg == "" {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'alg' header")
	}

	claims := unverified.Claims.(jwt.MapClaims)
	iss, _ := claims["iss"].(string)
	if iss == "" {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'iss' claim")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'sub' claim")
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'aud' claim")
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'exp' claim")
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		return "", invalidClient(http.StatusUnauthorized, "Missing token 'jti' claim")
	}
	if iss != sub {
		return "", invalidClient(http.StatusUnauthorized, "The token sub does not match the token iss claim")
	}
	if !audienceMatches(aud, tokenURL) {
		return "", invalidClient(http.StatusUnauthorized, "Invalid token 'aud' claim. Must be %q.", tokenURL)
	}

	switch reg.AuthError {
	case launch.SimTokenExpiredRegistrationToken:
		return "", invalidClient(http.StatusUnauthorized, "Registration token expired")
	case launch.SimTokenInvalidJTI:
		return "", invalidClient(http.StatusUnauthorized, "Invalid 'jti' value")
	}

	if reg.JWKS == "" && reg.JWKSURL == "" {
		h.logger.Warn().Str("client_id", sub).Msg("client assertion accepted without signature verification")
		return sub, nil
	}

	if jku, _ := unverified.Header["jku"].(string); jku != "" && jku != reg.JWKSURL {
		return "", invalidClient(http.StatusUnauthorized,
			"The provided jku %q is different than the one used at registration time (%q)", jku, reg.JWKSURL)
	}

	keys, err := h.collectKeys(ctx, reg)
	if err != nil {
		return "", err
	}
	key, err := selectKey(keys, alg, kid)
	if err != nil {
		return "", err
	}

	_, err = jwt.Parse(assertion, func(*jwt.Token) (interface{}, error) {
		return key.Key, nil
	}, jwt.WithValidMethods(h.settings.SupportedAlgorithms), jwt.WithExpirationRequired())
	if err != nil {
		return "", invalidClient(http.StatusUnauthorized, "Invalid client assertion signature: %s", err)
	}

	return sub, nil
}

func audienceMatches(aud jwt.ClaimStrings, tokenURL string) bool {
	want := normalizeURL(tokenURL)
	for _, a := range aud {
		if normalizeURL(a) == want {
			return true
		}
	}
	return false
}
