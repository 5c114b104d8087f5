package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testBaseURL     = "http://localhost:9009"
	testFHIRURL     = testBaseURL + "/v/r4/fhir"
	testClientID    = "my-app"
	testRedirectURI = "https://app.example.com/callback"
)

var testSecret = []byte("test-smart-signing-key-for-tests-only")

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return rsaKey
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	keys, err := NewKeyring(testSecret, testRSAKey(t))
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	return keys
}

func newTestHandler(t *testing.T, opts ...Option) (*Handler, *echo.Echo) {
	t.Helper()
	settings := DefaultSettings()
	settings.BaseURL = testBaseURL
	h := NewHandler(settings, newTestKeyring(t), opts...)
	e := echo.New()
	h.RegisterRoutes(e)
	return h, e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func getAuthorize(e *echo.Echo, path string, params url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path+"?"+params.Encode(), nil)
	return serve(e, req)
}

func postForm(e *echo.Echo, path string, form url.Values) *httptest.ResponseRecorder {
	return postFormWithBasic(e, path, form, "", "")
}

func postFormWithBasic(e *echo.Echo, path string, form url.Values, user, pass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}
	return serve(e, req)
}

// authorizeParams returns a valid authorize request for cfg.
func authorizeParams(cfg launch.Config, scope string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"aud":           {testFHIRURL},
		"state":         {"st-123"},
		"scope":         {scope},
		"launch":        {launch.Encode(cfg)},
	}
}

func mustRedirect(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	return loc
}

func mustCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	loc := mustRedirect(t, rec)
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirectURI {
		t.Fatalf("expected redirect to %s, got %s", testRedirectURI, loc.String())
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("expected code in %s", loc.String())
	}
	return code
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
}

func expectOAuthError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var body struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	decodeJSON(t, rec, &body)
	if body.Error != code {
		t.Fatalf("expected error %q, got %q (%s)", code, body.Error, body.Description)
	}
}

func pkcePair() (verifier, challenge string) {
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return
}

// ---------------------------------------------------------------------------
// Client assertion helpers
// ---------------------------------------------------------------------------

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating EC key: %v", err)
	}
	return key
}

// jwksJSON publishes the public halves of keys under the given kids with
// alg ES256.
func jwksJSON(t *testing.T, kids []string, keys ...*ecdsa.PrivateKey) string {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for i, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.PublicKey,
			KeyID:     kids[i],
			Algorithm: "ES256",
			Use:       "sig",
		})
	}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshaling JWKS: %v", err)
	}
	return string(data)
}

func signAssertion(t *testing.T, key *ecdsa.PrivateKey, kid, clientID, aud string, mutate func(*jwt.Token)) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": aud,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	token.Header["kid"] = kid
	if mutate != nil {
		mutate(token)
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing assertion: %v", err)
	}
	return signed
}

// countingRecorder tallies Recorder calls.
type countingRecorder struct {
	mu        sync.Mutex
	authorize map[string]int
	tokens    map[string]int
	jwks      map[string]int
}

func (r *countingRecorder) inc(m *map[string]int, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *m == nil {
		*m = map[string]int{}
	}
	(*m)[key]++
}

func (r *countingRecorder) AuthorizeOutcome(outcome string) { r.inc(&r.authorize, outcome) }

func (r *countingRecorder) TokenIssued(grantType, outcome string) {
	r.inc(&r.tokens, grantType+"/"+outcome)
}

func (r *countingRecorder) JWKSFetched(outcome string, _ time.Duration) { r.inc(&r.jwks, outcome) }
