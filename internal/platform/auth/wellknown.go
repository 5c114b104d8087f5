package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// SMARTConfiguration is the discovery document served at
// .well-known/smart-configuration.
type SMARTConfiguration struct {
	Issuer                            string   `json:"issuer"`
	JWKSURI                           string   `json:"jwks_uri"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	TokenEndpointAuthMethods          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValues []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	GrantTypes                        []string `json:"grant_types_supported"`
	Scopes                            []string `json:"scopes_supported"`
	ResponseTypes                     []string `json:"response_types_supported"`
	Capabilities                      []string `json:"capabilities"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// OpenIDConfiguration is the subset of OpenID Provider Metadata needed by
// relying parties to verify id_tokens.
type OpenIDConfiguration struct {
	Issuer                        string   `json:"issuer"`
	JWKSURI                       string   `json:"jwks_uri"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	ResponseTypes                 []string `json:"response_types_supported"`
	SubjectTypes                  []string `json:"subject_types_supported"`
	IDTokenSigningAlgValues       []string `json:"id_token_signing_alg_values_supported"`
	Scopes                        []string `json:"scopes_supported"`
	Claims                        []string `json:"claims_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	GrantTypes                    []string `json:"grant_types_supported"`
}

var supportedScopes = []string{
	"openid", "fhirUser", "profile", "launch", "launch/patient", "launch/encounter",
	"offline_access", "online_access",
	"patient/*.*", "user/*.*", "system/*.*",
	"patient/*.cruds", "user/*.cruds", "system/*.cruds",
}

var smartCapabilities = []string{
	"launch-ehr",
	"launch-standalone",
	"authorize-post",
	"client-public",
	"client-confidential-symmetric",
	"client-confidential-asymmetric",
	"context-passthrough-banner",
	"context-passthrough-style",
	"context-ehr-patient",
	"context-ehr-encounter",
	"context-standalone-patient",
	"context-standalone-encounter",
	"permission-offline",
	"permission-online",
	"permission-patient",
	"permission-user",
	"permission-v1",
	"permission-v2",
	"sso-openid-connect",
}

func (h *Handler) handleSMARTConfiguration(c echo.Context) error {
	ep, err := h.endpoint(c)
	if err != nil {
		return RenderError(c, h.logger, err, "", "")
	}
	return c.JSON(http.StatusOK, SMARTConfiguration{
		Issuer:                            ep.fhirURL(),
		JWKSURI:                           ep.baseURL + "/keys",
		AuthorizationEndpoint:             ep.authorizeURL(),
		TokenEndpoint:                     ep.tokenURL(),
		IntrospectionEndpoint:             ep.baseURL + ep.basePath + "/auth/introspect",
		TokenEndpointAuthMethods:          []string{"private_key_jwt", "client_secret_basic", "none"},
		TokenEndpointAuthSigningAlgValues: h.settings.SupportedAlgorithms,
		GrantTypes:                        []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:                            supportedScopes,
		ResponseTypes:                     []string{"code"},
		Capabilities:                      smartCapabilities,
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

func (h *Handler) handleOpenIDConfiguration(c echo.Context) error {
	ep, err := h.endpoint(c)
	if err != nil {
		return RenderError(c, h.logger, err, "", "")
	}
	return c.JSON(http.StatusOK, OpenIDConfiguration{
		Issuer:                        ep.fhirURL(),
		JWKSURI:                       ep.baseURL + "/keys",
		AuthorizationEndpoint:         ep.authorizeURL(),
		TokenEndpoint:                 ep.tokenURL(),
		ResponseTypes:                 []string{"code"},
		SubjectTypes:                  []string{"public"},
		IDTokenSigningAlgValues:       []string{"RS256"},
		Scopes:                        supportedScopes,
		Claims:                        []string{"sub", "iss", "aud", "exp", "iat", "fhirUser", "profile", "nonce"},
		TokenEndpointAuthMethods:      []string{"private_key_jwt", "client_secret_basic", "none"},
		CodeChallengeMethodsSupported: []string{"S256"},
		GrantTypes:                    []string{"authorization_code", "refresh_token", "client_credentials"},
	})
}
