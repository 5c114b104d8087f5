package auth

import "github.com/golang-jwt/jwt/v5"

// LaunchContext is the launch context handed to the app alongside its
// tokens.
type LaunchContext struct {
	NeedPatientBanner bool   `json:"need_patient_banner"`
	SmartStyleURL     string `json:"smart_style_url"`
	Patient           string `json:"patient,omitempty"`
	Encounter         string `json:"encounter,omitempty"`
}

// CodeClaims is the payload of an authorization code. The code is a short
// lived HS256 JWT, so the token endpoint needs no server side lookup.
type CodeClaims struct {
	Context              LaunchContext `json:"context"`
	ClientID             string        `json:"client_id"`
	Scope                string        `json:"scope"`
	RedirectURI          string        `json:"redirect_uri"`
	CodeChallenge        string        `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string        `json:"code_challenge_method,omitempty"`
	PKCE                 string        `json:"pkce,omitempty"`
	User                 string        `json:"user,omitempty"`
	ClientSecret         string        `json:"client_secret,omitempty"`
	JWKS                 string        `json:"jwks,omitempty"`
	JWKSURL              string        `json:"jwks_url,omitempty"`
	AuthError            string        `json:"auth_error,omitempty"`
	Nonce                string        `json:"nonce,omitempty"`
	AccessTokensExpireIn int           `json:"accessTokensExpireIn,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	Context              LaunchContext `json:"context"`
	ClientID             string        `json:"client_id,omitempty"`
	Scope                string        `json:"scope"`
	User                 string        `json:"user,omitempty"`
	AuthError            string        `json:"auth_error,omitempty"`
	Nonce                string        `json:"nonce,omitempty"`
	AccessTokensExpireIn int           `json:"accessTokensExpireIn,omitempty"`
	jwt.RegisteredClaims
}

// AccessClaims is the payload of an access token. It mirrors the token
// response so a downstream FHIR proxy can recover the full grant from the
// token alone.
type AccessClaims struct {
	*LaunchContext
	Scope               string `json:"scope"`
	ClientID            string `json:"client_id,omitempty"`
	User                string `json:"user,omitempty"`
	JWKS                string `json:"jwks,omitempty"`
	JWKSURL             string `json:"jwks_url,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	ClientSecret        string `json:"client_secret,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	AuthError           string `json:"auth_error,omitempty"`
	SimError            string `json:"sim_error,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenClaims is the payload of an OpenID Connect id_token.
type IDTokenClaims struct {
	Profile  string `json:"profile"`
	FHIRUser string `json:"fhirUser"`
	Nonce    string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// TokenResponse is the body returned by the token endpoint. The launch
// context fields are merged into the top level.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	SimError     string `json:"sim_error,omitempty"`
	*LaunchContext
}
