// Package launch holds the launch configuration that a SMART client's
// simulated environment is described by, and its stateless wire form: a
// base64url encoded JSON array with one slot per field. The encoding is
// obfuscation only and carries no signature.
package launch

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLaunchType is returned by Decode when the launch type slot is
// missing or out of range.
var ErrInvalidLaunchType = errors.New("invalid launch type")

// Type identifies how the app is being launched.
type Type string

const (
	ProviderEHR        Type = "provider-ehr"
	PatientPortal      Type = "patient-portal"
	BackendService     Type = "backend-service"
	ProviderStandalone Type = "provider-standalone"
	PatientStandalone  Type = "patient-standalone"
)

// types is indexed by the wire position of each launch type.
var types = []Type{ProviderEHR, PatientPortal, BackendService, ProviderStandalone, PatientStandalone}

// ParseType returns the launch type named s.
func ParseType(s string) (Type, error) {
	for _, t := range types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLaunchType, s)
}

func (t Type) index() int {
	for i, v := range types {
		if v == t {
			return i
		}
	}
	return 0
}

// IsPatient reports whether a patient (rather than a provider) is the user.
func (t Type) IsPatient() bool {
	return t == PatientPortal || t == PatientStandalone
}

// IsStandalone reports whether the app was launched outside the EHR.
func (t Type) IsStandalone() bool {
	return t == ProviderStandalone || t == PatientStandalone
}

// PKCEMode controls how strictly the authorization server treats PKCE.
type PKCEMode string

const (
	PKCEAuto   PKCEMode = "auto"
	PKCEAlways PKCEMode = "always"
	PKCENone   PKCEMode = "none"
)

// Simulated errors that can be injected into a launch.
const (
	SimAuthInvalidClientID           = "auth_invalid_client_id"
	SimAuthInvalidRedirectURI        = "auth_invalid_redirect_uri"
	SimAuthInvalidScope              = "auth_invalid_scope"
	SimAuthInvalidClientSecret       = "auth_invalid_client_secret"
	SimTokenInvalidToken             = "token_invalid_token"
	SimTokenExpiredRefreshToken      = "token_expired_refresh_token"
	SimTokenInvalidScope             = "token_invalid_scope"
	SimTokenInvalidJTI               = "token_invalid_jti"
	SimTokenExpiredRegistrationToken = "token_expired_registration_token"
	SimRequestInvalidToken           = "request_invalid_token"
	SimRequestExpiredToken           = "request_expired_token"
)

// Config describes one simulated launch. Patient and Provider are comma
// separated id lists.
type Config struct {
	LaunchType   Type     `json:"launch_type"`
	Patient      string   `json:"patient,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Encounter    string   `json:"encounter,omitempty"`
	SkipLogin    bool     `json:"skip_login,omitempty"`
	SkipAuth     bool     `json:"skip_auth,omitempty"`
	SimEHR       bool     `json:"sim_ehr,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	RedirectURIs string   `json:"redirect_uris,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AuthError    string   `json:"auth_error,omitempty"`
	JWKSURL      string   `json:"jwks_url,omitempty"`
	JWKS         string   `json:"jwks,omitempty"`
	PKCE         PKCEMode `json:"pkce,omitempty"`
}

// Encode serializes c into its opaque token form.
func Encode(c Config) string {
	pkce := c.PKCE
	if pkce == "" {
		pkce = PKCEAuto
	}
	arr := []interface{}{
		c.LaunchType.index(),
		c.Patient,
		c.Provider,
		c.Encounter,
		flag(c.SkipLogin),
		flag(c.SkipAuth),
		flag(c.SimEHR),
		c.Scope,
		c.RedirectURIs,
		c.ClientID,
		c.ClientSecret,
		c.AuthError,
		c.JWKSURL,
		c.JWKS,
		string(pkce),
	}
	// A slice of strings and ints cannot fail to marshal.
	data, _ := json.Marshal(arr)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode. Only the launch type slot is
// mandatory; absent trailing slots take their zero values.
func Decode(token string) (Config, error) {
	var c Config

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return c, fmt.Errorf("decoding launch token: %w", err)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return c, fmt.Errorf("parsing launch token: %w", err)
	}

	if len(arr) == 0 {
		return c, fmt.Errorf("%w: missing", ErrInvalidLaunchType)
	}
	var idx int
	if err := json.Unmarshal(arr[0], &idx); err != nil || idx < 0 || idx >= len(types) {
		return c, fmt.Errorf("%w: %s", ErrInvalidLaunchType, string(arr[0]))
	}
	c.LaunchType = types[idx]

	str := func(i int) string {
		if i >= len(arr) {
			return ""
		}
		var s string
		if err := json.Unmarshal(arr[i], &s); err != nil {
			return ""
		}
		return s
	}
	boolean := func(i int) bool {
		if i >= len(arr) {
			return false
		}
		switch strings.TrimSpace(string(arr[i])) {
		case "1", "true", `"1"`, `"true"`:
			return true
		}
		return false
	}

	c.Patient = str(1)
	c.Provider = str(2)
	c.Encounter = str(3)
	c.SkipLogin = boolean(4)
	c.SkipAuth = boolean(5)
	c.SimEHR = boolean(6)
	c.Scope = str(7)
	c.RedirectURIs = str(8)
	c.ClientID = str(9)
	c.ClientSecret = str(10)
	c.AuthError = str(11)
	c.JWKSURL = str(12)
	c.JWKS = str(13)

	switch m := PKCEMode(str(14)); m {
	case PKCEAlways, PKCENone:
		c.PKCE = m
	default:
		c.PKCE = PKCEAuto
	}

	return c, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
