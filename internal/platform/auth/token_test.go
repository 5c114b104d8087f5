package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
)

const tokenPath = "/v/r4/auth/token"

// authorizeCode runs the authorize endpoint for cfg and returns the code.
// extra is merged into the request.
func authorizeCode(t *testing.T, e *echo.Echo, cfg launch.Config, scope string, extra url.Values) string {
	t.Helper()
	params := authorizeParams(cfg, scope)
	for k, v := range extra {
		params[k] = v
	}
	return mustCode(t, getAuthorize(e, authorizePath, params))
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}
}

func expectTokenOK(t *testing.T, rec *httptest.ResponseRecorder) gjson.Result {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	return gjson.Parse(rec.Body.String())
}

// ---------------------------------------------------------------------------
// Request validation
// ---------------------------------------------------------------------------

func TestToken_ContentType(t *testing.T) {
	_, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, tokenPath, strings.NewReader(`{"grant_type":"refresh_token"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(e, req)

	expectOAuthError(t, rec, http.StatusBadRequest, CodeInvalidRequest)
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("Pragma") != "no-cache" {
		t.Error("expected no-store headers on error responses")
	}
}

func TestToken_UnsupportedGrant(t *testing.T) {
	_, e := newTestHandler(t)
	rec := postForm(e, tokenPath, url.Values{"grant_type": {"password"}})
	expectOAuthError(t, rec, http.StatusBadRequest, CodeUnsupportedGrantType)

	rec = postForm(e, tokenPath, url.Values{})
	expectOAuthError(t, rec, http.StatusBadRequest, CodeUnsupportedGrantType)
}

func TestParseGrantType(t *testing.T) {
	for _, g := range []GrantType{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials} {
		if got := ParseGrantType(g.String()); got != g {
			t.Errorf("ParseGrantType(%q) = %v", g.String(), got)
		}
	}
	if ParseGrantType("implicit") != GrantUnsupported {
		t.Error("expected implicit to be unsupported")
	}
}

// ---------------------------------------------------------------------------
// authorization_code
// ---------------------------------------------------------------------------

func TestToken_CodeExchange(t *testing.T) {
	h, e := newTestHandler(t)
	verifier, challenge := pkcePair()
	cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", Provider: "dr1", Encounter: "e1"}
	code := authorizeCode(t, e, cfg, "launch openid fhirUser offline_access patient/*.read", url.Values{
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {"n-42"},
	})

	form := codeForm(code)
	form.Set("code_verifier", verifier)
	rec := postForm(e, tokenPath, form)
	body := expectTokenOK(t, rec)

	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("Pragma") != "no-cache" {
		t.Error("expected no-store headers")
	}
	if body.Get("token_type").String() != "Bearer" {
		t.Errorf("unexpected token_type %q", body.Get("token_type").String())
	}
	if body.Get("expires_in").Int() != 3600 {
		t.Errorf("expected expires_in 3600, got %d", body.Get("expires_in").Int())
	}
	if body.Get("scope").String() != "launch openid fhirUser offline_access patient/*.read" {
		t.Errorf("unexpected scope %q", body.Get("scope").String())
	}
	if body.Get("patient").String() != "p1" || body.Get("encounter").String() != "e1" {
		t.Errorf("expected launch context in response, got %s", rec.Body.String())
	}
	if !body.Get("need_patient_banner").Bool() {
		t.Error("expected need_patient_banner=true")
	}
	if body.Get("refresh_token").String() == "" {
		t.Error("expected refresh_token for offline_access")
	}

	// id_token
	idToken := body.Get("id_token").String()
	if idToken == "" {
		t.Fatal("expected id_token")
	}
	idClaims := &IDTokenClaims{}
	parsed, err := jwt.ParseWithClaims(idToken, idClaims, func(*jwt.Token) (interface{}, error) {
		return h.keys.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("id_token does not verify: %v", err)
	}
	if parsed.Header["kid"] != h.keys.KeyID() {
		t.Errorf("expected kid %q, got %v", h.keys.KeyID(), parsed.Header["kid"])
	}
	sum := sha256.Sum256([]byte("Practitioner/dr1"))
	if idClaims.Subject != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected sub %q", idClaims.Subject)
	}
	if idClaims.Issuer != testFHIRURL {
		t.Errorf("unexpected iss %q", idClaims.Issuer)
	}
	if len(idClaims.Audience) != 1 || idClaims.Audience[0] != testClientID {
		t.Errorf("unexpected aud %v", idClaims.Audience)
	}
	if idClaims.FHIRUser != "Practitioner/dr1" || idClaims.Profile != "Practitioner/dr1" || idClaims.Nonce != "n-42" {
		t.Errorf("unexpected id_token claims %+v", idClaims)
	}

	// access token
	access := &AccessClaims{}
	if err := h.keys.parseHS256(body.Get("access_token").String(), access); err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if access.Patient != "p1" || access.User != "Practitioner/dr1" || access.ClientID != testClientID {
		t.Errorf("unexpected access claims %+v", access)
	}

	// id_token context is cached
	if h.cache.Len() != 1 {
		t.Errorf("expected one cached id_token, got %d", h.cache.Len())
	}
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/v/r4/auth/session?id_token_hint="+url.QueryEscape(idToken), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected session lookup to succeed, got %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "user").String() != "Practitioner/dr1" {
		t.Errorf("unexpected session %s", rec.Body.String())
	}
}

func TestToken_OptionalTokens(t *testing.T) {
	_, e := newTestHandler(t)
	cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", Provider: "dr1"}

	body := expectTokenOK(t, postForm(e, tokenPath, codeForm(authorizeCode(t, e, cfg, "launch/patient patient/*.read", nil))))
	if body.Get("refresh_token").Exists() || body.Get("id_token").Exists() {
		t.Errorf("expected only an access token, got %s", body.Raw)
	}

	body = expectTokenOK(t, postForm(e, tokenPath, codeForm(authorizeCode(t, e, cfg, "launch/patient online_access openid", nil))))
	if !body.Get("refresh_token").Exists() {
		t.Error("expected refresh_token for online_access")
	}
	if body.Get("id_token").Exists() {
		t.Error("expected no id_token without profile or fhirUser")
	}
}

func TestToken_CodeValidation(t *testing.T) {
	_, e := newTestHandler(t)
	code := authorizeCode(t, e, launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1"}, "launch/patient", nil)

	form := codeForm(code)
	form.Del("code")
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusBadRequest, CodeInvalidRequest)

	form = codeForm(code)
	form.Del("redirect_uri")
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusBadRequest, CodeInvalidRequest)

	form = codeForm(code)
	form.Set("redirect_uri", "https://app.example.com/other")
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusUnauthorized, CodeInvalidClient)

	form = codeForm("not-a-jwt")
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusUnauthorized, CodeInvalidClient)
}

func TestToken_PKCE(t *testing.T) {
	_, e := newTestHandler(t)
	verifier, challenge := pkcePair()
	code := authorizeCode(t, e, launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1"}, "launch/patient", url.Values{
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})

	form := codeForm(code)
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusUnauthorized, CodeInvalidGrant)

	form.Set("code_verifier", verifier[:len(verifier)-1]+"x")
	expectOAuthError(t, postForm(e, tokenPath, form), http.StatusUnauthorized, CodeInvalidGrant)

	form.Set("code_verifier", verifier)
	expectTokenOK(t, postForm(e, tokenPath, form))
}

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B
	if !verifyPKCE("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM") {
		t.Error("expected RFC 7636 example to verify")
	}
	if verifyPKCE("wrong", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM") {
		t.Error("expected mismatch")
	}
}

func TestToken_AccessTokensExpireIn(t *testing.T) {
	_, e := newTestHandler(t)
	code := authorizeCode(t, e, launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1"}, "launch/patient offline_access",
		url.Values{"access_tokens_expire_in": {"5"}})

	body := expectTokenOK(t, postForm(e, tokenPath, codeForm(code)))
	if body.Get("expires_in").Int() != 300 {
		t.Errorf("expected 300, got %d", body.Get("expires_in").Int())
	}

	// The override survives a refresh.
	body = expectTokenOK(t, postForm(e, tokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {body.Get("refresh_token").String()},
	}))
	if body.Get("expires_in").Int() != 300 {
		t.Errorf("expected 300 after refresh, got %d", body.Get("expires_in").Int())
	}
}

// ---------------------------------------------------------------------------
// Confidential clients
// ---------------------------------------------------------------------------

func TestToken_ClientSecretBasic(t *testing.T) {
	_, e := newTestHandler(t)
	cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", ClientSecret: "s3cr3t"}
	code := authorizeCode(t, e, cfg, "launch/patient", nil)

	expectOAuthError(t, postForm(e, tokenPath, codeForm(code)), http.StatusUnauthorized, CodeInvalidClient)
	expectOAuthError(t, postFormWithBasic(e, tokenPath, codeForm(code), testClientID, "wrong"), http.StatusUnauthorized, CodeInvalidClient)
	expectOAuthError(t, postFormWithBasic(e, tokenPath, codeForm(code), "someone-else", "s3cr3t"), http.StatusUnauthorized, CodeInvalidClient)
	expectTokenOK(t, postFormWithBasic(e, tokenPath, codeForm(code), testClientID, "s3cr3t"))
}

func TestToken_SimulatedInvalidClientSecret(t *testing.T) {
	_, e := newTestHandler(t)
	cfg := launch.Config{
		LaunchType:   launch.ProviderEHR,
		Patient:      "p1",
		ClientSecret: "s3cr3t",
		AuthError:    launch.SimAuthInvalidClientSecret,
	}
	code := authorizeCode(t, e, cfg, "launch/patient", nil)
	expectOAuthError(t, postFormWithBasic(e, tokenPath, codeForm(code), testClientID, "s3cr3t"), http.StatusUnauthorized, CodeInvalidClient)
}

// ---------------------------------------------------------------------------
// refresh_token
// ---------------------------------------------------------------------------

func TestToken_Refresh(t *testing.T) {
	h, e := newTestHandler(t)
	cfg := launch.Config{LaunchType: launch.PatientPortal, Patient: "p1", SkipLogin: true, SkipAuth: true}
	code := authorizeCode(t, e, cfg, "launch/patient offline_access patient/*.read", nil)
	first := expectTokenOK(t, postForm(e, tokenPath, codeForm(code)))

	refreshed := expectTokenOK(t, postForm(e, tokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.Get("refresh_token").String()},
	}))
	if refreshed.Get("scope").String() != first.Get("scope").String() {
		t.Errorf("expected the same scope, got %q", refreshed.Get("scope").String())
	}
	if refreshed.Get("patient").String() != "p1" {
		t.Errorf("expected patient p1, got %q", refreshed.Get("patient").String())
	}
	if refreshed.Get("refresh_token").String() == "" {
		t.Error("expected a new refresh_token")
	}

	access := &AccessClaims{}
	if err := h.keys.parseHS256(refreshed.Get("access_token").String(), access); err != nil {
		t.Fatalf("refreshed access token does not verify: %v", err)
	}
	if access.ClientID != testClientID {
		t.Errorf("expected client_id to survive the refresh, got %q", access.ClientID)
	}
}

func TestToken_RefreshValidation(t *testing.T) {
	_, e := newTestHandler(t)
	expectOAuthError(t, postForm(e, tokenPath, url.Values{"grant_type": {"refresh_token"}}),
		http.StatusBadRequest, CodeInvalidRequest)
	expectOAuthError(t, postForm(e, tokenPath, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"garbage"}}),
		http.StatusUnauthorized, CodeInvalidGrant)
}

func TestToken_SimulatedExpiredRefreshToken(t *testing.T) {
	_, e := newTestHandler(t)
	cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", AuthError: launch.SimTokenExpiredRefreshToken}
	code := authorizeCode(t, e, cfg, "launch/patient offline_access", nil)
	first := expectTokenOK(t, postForm(e, tokenPath, codeForm(code)))

	rec := postForm(e, tokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.Get("refresh_token").String()},
	})
	expectOAuthError(t, rec, http.StatusForbidden, CodeInvalidGrant)
}

// ---------------------------------------------------------------------------
// Simulated token errors
// ---------------------------------------------------------------------------

func TestToken_SimulatedErrors(t *testing.T) {
	_, e := newTestHandler(t)
	tests := []struct {
		authError string
		status    int
		code      string
	}{
		{launch.SimTokenInvalidToken, http.StatusUnauthorized, CodeInvalidClient},
		{launch.SimTokenInvalidScope, http.StatusUnauthorized, CodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.authError, func(t *testing.T) {
			cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", AuthError: tt.authError}
			code := authorizeCode(t, e, cfg, "launch/patient", nil)
			expectOAuthError(t, postForm(e, tokenPath, codeForm(code)), tt.status, tt.code)
		})
	}
}

func TestToken_SimulatedRequestErrors(t *testing.T) {
	h, e := newTestHandler(t)
	tests := map[string]string{
		launch.SimRequestInvalidToken: "Invalid token",
		launch.SimRequestExpiredToken: "Token expired",
	}
	for authError, message := range tests {
		t.Run(authError, func(t *testing.T) {
			cfg := launch.Config{LaunchType: launch.ProviderEHR, Patient: "p1", AuthError: authError}
			code := authorizeCode(t, e, cfg, "launch/patient", nil)
			body := expectTokenOK(t, postForm(e, tokenPath, codeForm(code)))
			if body.Get("sim_error").String() != message {
				t.Errorf("expected sim_error %q, got %q", message, body.Get("sim_error").String())
			}

			req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
			req.Header.Set("Authorization", "Bearer "+body.Get("access_token").String())
			_, err := h.Validator().Validate(req, true)
			if err == nil || !strings.Contains(err.Error(), message) {
				t.Errorf("expected validation to fail with %q, got %v", message, err)
			}
		})
	}
}
