// Package auth implements the SMART on FHIR authorization server: the
// authorize state machine, the token endpoint with its three grants, client
// assertion verification and the auxiliary key and discovery endpoints.
//
// The server keeps no session state. Everything a later request needs is
// carried either in the opaque launch token or in signed JWTs.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Settings is the read-only configuration consumed by the engines.
type Settings struct {
	// BaseURL is the public origin of the server. When empty it is derived
	// from each request.
	BaseURL                      string
	FHIRReleases                 []string
	AccessTokenLifetime          time.Duration
	RefreshTokenLifetime         time.Duration
	IncludeEncounterInStandalone bool
	SupportedAlgorithms          []string
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		FHIRReleases:         []string{"r2", "r3", "r4"},
		AccessTokenLifetime:  time.Hour,
		RefreshTokenLifetime: 365 * 24 * time.Hour,
		SupportedAlgorithms:  []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"},
	}
}

// Recorder receives authorization outcomes for metrics.
type Recorder interface {
	AuthorizeOutcome(outcome string)
	TokenIssued(grantType, outcome string)
	JWKSFetched(outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) AuthorizeOutcome(string) {}
func (nopRecorder) TokenIssued(string, string) {}
func (nopRecorder) JWKSFetched(string, time.Duration) {}

// Handler serves the authorization endpoints.
type Handler struct {
	settings  Settings
	keys      *Keyring
	fetcher   *JWKSFetcher
	cache     *TokenCache
	validator *TokenValidator
	metrics   Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for grant failures.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.metrics = r }
}

// WithHTTPClient sets the client used to fetch remote JWKS documents.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.fetcher.client = c }
}

// WithTokenCache sets the id_token context cache.
func WithTokenCache(c *TokenCache) Option {
	return func(h *Handler) { h.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler.
func NewHandler(settings Settings, keys *Keyring, opts ...Option) *Handler {
	defaults := DefaultSettings()
	if len(settings.FHIRReleases) == 0 {
		settings.FHIRReleases = defaults.FHIRReleases
	}
	if settings.AccessTokenLifetime <= 0 {
		settings.AccessTokenLifetime = defaults.AccessTokenLifetime
	}
	if settings.RefreshTokenLifetime <= 0 {
		settings.RefreshTokenLifetime = defaults.RefreshTokenLifetime
	}
	if len(settings.SupportedAlgorithms) == 0 {
		settings.SupportedAlgorithms = defaults.SupportedAlgorithms
	}

	h := &Handler{
		settings:  settings,
		keys:      keys,
		fetcher:   NewJWKSFetcher(&http.Client{Timeout: 10 * time.Second}),
		cache:     NewTokenCache(100, time.Hour),
		validator: NewTokenValidator(keys),
		metrics:   nopRecorder{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.fetcher.metrics = h.metrics
	return h
}

// Validator returns the access token validator bound to this server's keys.
func (h *Handler) Validator() *TokenValidator {
	return h.validator
}

// RegisterRoutes mounts all endpoints on e. tokenMiddleware is applied to
// the token endpoint only.
func (h *Handler) RegisterRoutes(e *echo.Echo, tokenMiddleware ...echo.MiddlewareFunc) {
	e.GET("/keys", h.handleKeys)
	e.GET("/public_key", h.handlePublicKey)

	introspect := RequireAccessToken(h.validator, true)
	for _, prefix := range []string{"/v/:fhir_release", "/v/:fhir_release/sim/:sim"} {
		e.GET(prefix+"/auth/authorize", h.handleAuthorize)
		e.POST(prefix+"/auth/authorize", h.handleAuthorize)
		e.POST(prefix+"/auth/token", h.handleToken, tokenMiddleware...)
		e.POST(prefix+"/auth/introspect", h.handleIntrospect, introspect)
		e.POST(prefix+"/auth/revoke", h.handleRevoke)
		e.POST(prefix+"/auth/manage", h.handleManage)
		e.POST(prefix+"/auth/register", h.handleRegister)
		e.GET(prefix+"/auth/session", h.handleSession)
		e.GET(prefix+"/fhir/.well-known/smart-configuration", h.handleSMARTConfiguration)
		e.GET(prefix+"/fhir/.well-known/openid-configuration", h.handleOpenIDConfiguration)
	}
}

// endpoint describes the FHIR release and sim segment a request arrived on.
type endpoint struct {
	baseURL  string
	basePath string
	release  string
	sim      string
}

func (h *Handler) endpoint(c echo.Context) (*endpoint, error) {
	release := c.Param("fhir_release")
	known := false
	for _, r := range h.settings.FHIRReleases {
		if r == release {
			known = true
			break
		}
	}
	if !known {
		return nil, NewHTTPError(http.StatusBadRequest, "Unsupported FHIR release %q", release)
	}

	base := strings.TrimRight(h.settings.BaseURL, "/")
	if base == "" {
		base = c.Scheme() + "://" + c.Request().Host
	}

	ep := &endpoint{baseURL: base, basePath: "/v/" + release, release: release, sim: c.Param("sim")}
	if ep.sim != "" {
		ep.basePath += "/sim/" + ep.sim
	}
	return ep, nil
}

func (ep *endpoint) fhirURL() string { return ep.baseURL + ep.basePath + "/fhir" }
func (ep *endpoint) authorizeURL() string { return ep.baseURL + ep.basePath + "/auth/authorize" }
func (ep *endpoint) tokenURL() string { return ep.baseURL + ep.basePath + "/auth/token" }

// normalizeURL makes URL comparison insensitive to http vs https, a
// trailing slash and localhost vs 127.0.0.1.
func normalizeURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	if i := strings.Index(u, "://"); i >= 0 {
		u = "https" + u[i:]
	}
	return strings.Replace(u, "://localhost", "://127.0.0.1", 1)
}

func (h *Handler) handleRevoke(c echo.Context) error {
	return c.String(http.StatusBadRequest, "Token revocation is not supported by this server")
}

func (h *Handler) handleManage(c echo.Context) error {
	return c.String(http.StatusBadRequest, "Client management is not supported by this server")
}

func (h *Handler) handleRegister(c echo.Context) error {
	return c.String(http.StatusBadRequest, "Dynamic client registration is not supported by this server")
}
