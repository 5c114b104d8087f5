package auth

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/scope"
)

const codeLifetime = 5 * time.Minute

// ---------------------------------------------------------------------------
// Decision state machine
// ---------------------------------------------------------------------------

// step is the next thing the authorize endpoint does for a request.
type step int

const (
	stepIssueCode step = iota
	stepPatientLogin
	stepProviderLogin
	stepPickEncounter
	stepPickPatient
	stepApprove
)

var stepNames = map[step]string{
	stepIssueCode:     "code",
	stepPatientLogin:  "patient_login",
	stepProviderLogin: "provider_login",
	stepPickEncounter: "select_encounter",
	stepPickPatient:   "select_patient",
	stepApprove:       "authorize_app",
}

var stepPaths = map[step]string{
	stepPatientLogin:  "/patient-login",
	stepProviderLogin: "/provider-login",
	stepPickEncounter: "/select-encounter",
	stepPickPatient:   "/select-patient",
	stepApprove:       "/authorize-app",
}

func (s step) String() string { return stepNames[s] }

// nextStep decides, from the current launch state alone, which screen the
// user must visit next or whether a code can be issued.
func nextStep(o *launch.Options, scopes *scope.Set, includeEncounterInStandalone bool) step {
	switch {
	case needToLoginAsPatient(o):
		return stepPatientLogin
	case needToLoginAsProvider(o, scopes):
		return stepProviderLogin
	case needToPickEncounter(o, scopes, includeEncounterInStandalone):
		return stepPickEncounter
	case needToPickPatient(o, scopes):
		return stepPickPatient
	case needToAuthorize(o):
		return stepApprove
	}
	return stepIssueCode
}

func needToLoginAsPatient(o *launch.Options) bool {
	if !o.LaunchType.IsPatient() {
		return false
	}
	return o.Patients.Size() != 1 || !o.SkipLogin
}

func needToLoginAsProvider(o *launch.Options, scopes *scope.Set) bool {
	if o.LaunchType.IsPatient() {
		return false
	}
	if !scopes.Has("openid") || !(scopes.Has("profile") || scopes.Has("fhirUser")) {
		return false
	}
	return o.Providers.Size() != 1
}

func needToPickEncounter(o *launch.Options, scopes *scope.Set, includeEncounterInStandalone bool) bool {
	if o.HasConcreteEncounter() {
		return false
	}
	if !scopes.Has("launch") && !scopes.Has("launch/encounter") {
		return false
	}
	return !o.LaunchType.IsStandalone() || includeEncounterInStandalone
}

func needToPickPatient(o *launch.Options, scopes *scope.Set) bool {
	if o.Patients.Size() == 1 {
		return false
	}
	switch o.LaunchType {
	case launch.ProviderStandalone:
		return scopes.Has("launch/patient")
	case launch.ProviderEHR:
		return scopes.Has("launch/patient") || scopes.Has("launch")
	}
	return false
}

func needToAuthorize(o *launch.Options) bool {
	if o.SkipAuth {
		return false
	}
	switch o.LaunchType {
	case launch.ProviderStandalone, launch.PatientStandalone, launch.PatientPortal:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Authorize endpoint
// ---------------------------------------------------------------------------

// authorizeRequest is one pass through the authorize endpoint.
type authorizeRequest struct {
	ep      *endpoint
	params  url.Values
	options *launch.Options
	scopes  *scope.Set
}

func (h *Handler) handleAuthorize(c echo.Context) error {
	var (
		params url.Values
		err    error
	)
	if c.Request().Method == http.MethodPost {
		params, err = c.FormParams()
		if err != nil {
			return RenderError(c, h.logger, invalidRequest(http.StatusBadRequest, "Invalid request body: %s", err), "", "")
		}
	} else {
		params = c.QueryParams()
	}

	ep, err := h.endpoint(c)
	if err != nil {
		return RenderError(c, h.logger, err, "", "")
	}

	location, err := h.authorize(&authorizeRequest{ep: ep, params: params})
	if err != nil {
		h.metrics.AuthorizeOutcome("error")
		h.logger.Warn().Err(err).
			Str("request_id", requestID(c)).
			Str("client_id", params.Get("client_id")).
			Msg("authorize request rejected")
		return RenderError(c, h.logger, err, params.Get("redirect_uri"), params.Get("state"))
	}
	return c.Redirect(http.StatusFound, location)
}

// authorize runs validation and the decision state machine and returns the
// location the browser is sent to next.
func (h *Handler) authorize(req *authorizeRequest) (string, error) {
	p := req.params

	switch rt := p.Get("response_type"); {
	case rt == "":
		return "", invalidRequest(http.StatusBadRequest, "Missing response_type parameter")
	case rt != "code":
		return "", NewOAuthError(http.StatusBadRequest, CodeUnsupportedGrantType,
			"Invalid response_type parameter %q. Must be \"code\".", rt)
	}

	token := p.Get("launch")
	if token == "" {
		token = req.ep.sim
	}
	opts, err := launch.NewOptions(token)
	if err != nil {
		return "", invalidRequest(http.StatusBadRequest, "%s", err)
	}
	opts.ApplyAnswers(p)
	req.options = opts
	req.scopes = scope.NewSet(p.Get("scope"))

	if err := validateAuthorizeParams(req); err != nil {
		return "", err
	}
	if err := simulatedAuthorizeError(opts.AuthError); err != nil {
		return "", err
	}
	if err := checkAuthorizePolicy(req); err != nil {
		return "", err
	}

	next := nextStep(opts, req.scopes, h.settings.IncludeEncounterInStandalone)
	if next == stepIssueCode {
		return h.issueCode(req)
	}
	h.metrics.AuthorizeOutcome(next.String())
	return screenURL(req, next), nil
}

func validateAuthorizeParams(req *authorizeRequest) error {
	p := req.params

	if p.Get("auth_success") == "0" {
		return invalidRequest(http.StatusUnauthorized, "Unauthorized")
	}

	redirectURI := p.Get("redirect_uri")
	if redirectURI == "" {
		return invalidRequest(http.StatusBadRequest, "Missing redirect_uri parameter")
	}
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() || u.Host == "" {
		return invalidRequest(http.StatusBadRequest, "Invalid redirect_uri parameter %q (must be valid URL)", redirectURI)
	}

	aud := p.Get("aud")
	if aud == "" {
		return invalidRequest(http.StatusFound, "Missing aud parameter")
	}
	if u, err := url.Parse(aud); err != nil || !u.IsAbs() || u.Host == "" {
		return invalidRequest(http.StatusFound, "Bad audience value %q (must be valid URL)", aud)
	}
	if expected := req.ep.fhirURL(); normalizeURL(aud) != normalizeURL(expected) {
		return invalidRequest(http.StatusFound, "Bad audience value %q. Expected %q.", aud, expected)
	}

	method := p.Get("code_challenge_method")
	challenge := p.Get("code_challenge")
	if method != "" {
		if method != "S256" {
			return invalidRequest(http.StatusFound, "Invalid code_challenge_method %q. Must be S256.", method)
		}
		if challenge == "" {
			return invalidRequest(http.StatusFound, "Missing code_challenge parameter")
		}
	}
	if req.options.PKCE == launch.PKCEAlways && (method == "" || challenge == "") {
		return invalidRequest(http.StatusFound, "PKCE is required for this client. Send code_challenge and code_challenge_method=S256.")
	}

	return nil
}

func simulatedAuthorizeError(authError string) error {
	switch authError {
	case launch.SimAuthInvalidClientID:
		return invalidClient(http.StatusFound, "Simulated invalid client_id parameter error")
	case launch.SimAuthInvalidRedirectURI:
		return invalidRequest(http.StatusBadRequest, "Simulated invalid redirect_uri parameter error")
	case launch.SimAuthInvalidScope:
		return invalidScope(http.StatusFound, "Simulated invalid scope error")
	}
	return nil
}

// checkAuthorizePolicy applies the restrictions of a pre-registered client.
// Each check is skipped when the launch configuration leaves it blank.
func checkAuthorizePolicy(req *authorizeRequest) error {
	o := req.options
	p := req.params

	if o.ClientID != "" && p.Get("client_id") != o.ClientID {
		return invalidClient(http.StatusFound, "Invalid client_id parameter %q", p.Get("client_id"))
	}

	if o.Scope != "" {
		neg := scope.NewSet(o.Scope).Negotiate(p.Get("scope"))
		if len(neg.Rejected) > 0 {
			return invalidScope(http.StatusFound,
				"The following scopes are not allowed for this client: %q. Allowed scopes: %q.",
				strings.Join(neg.Rejected, " "), o.Scope)
		}
	}

	if o.RedirectURIs != "" && !redirectAllowed(o.RedirectURIs, p.Get("redirect_uri")) {
		return invalidRequest(http.StatusBadRequest,
			"Invalid redirect_uri parameter %q. Allowed values: %q.", p.Get("redirect_uri"), o.RedirectURIs)
	}

	return nil
}

// redirectAllowed reports whether candidate equals, or is nested under, one
// of the comma separated origin+path prefixes in whitelist.
func redirectAllowed(whitelist, candidate string) bool {
	c, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	for _, entry := range strings.Split(whitelist, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		a, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if !strings.EqualFold(a.Scheme, c.Scheme) || !strings.EqualFold(a.Host, c.Host) {
			continue
		}
		prefix := strings.TrimRight(a.Path, "/")
		if prefix == "" || c.Path == prefix || strings.HasPrefix(c.Path, prefix+"/") {
			return true
		}
	}
	return false
}

// screenURL builds the redirect to an interactive screen. All current
// parameters are passed through and launch carries the updated state.
func screenURL(req *authorizeRequest, s step) string {
	o := req.options
	q := url.Values{}
	for k, v := range req.params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("launch", o.Encode())
	if o.Patients.Size() > 0 {
		q.Set("patient", o.Patients.String())
	}
	if o.Providers.Size() > 0 {
		q.Set("provider", o.Providers.String())
	}
	switch s {
	case stepPatientLogin:
		q.Set("login_type", "patient")
	case stepProviderLogin:
		q.Set("login_type", "provider")
	}
	return req.ep.baseURL + stepPaths[s] + "?" + q.Encode()
}

// issueCode signs the authorization code and returns the client redirect.
func (h *Handler) issueCode(req *authorizeRequest) (string, error) {
	o := req.options
	p := req.params
	scopes := req.scopes
	now := h.now()

	claims := &CodeClaims{
		Context: LaunchContext{
			NeedPatientBanner: !o.SimEHR,
			SmartStyleURL:     req.ep.baseURL + "/smart-style.json",
		},
		ClientID:     p.Get("client_id"),
		Scope:        p.Get("scope"),
		RedirectURI:  p.Get("redirect_uri"),
		ClientSecret: o.ClientSecret,
		JWKS:         o.JWKS,
		JWKSURL:      o.JWKSURL,
		AuthError:    o.AuthError,
		Nonce:        p.Get("nonce"),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(codeLifetime)),
		},
	}

	if o.PKCE != launch.PKCENone {
		claims.CodeChallenge = p.Get("code_challenge")
		claims.CodeChallengeMethod = p.Get("code_challenge_method")
	}
	if o.PKCE == launch.PKCEAlways {
		claims.PKCE = string(launch.PKCEAlways)
	}

	if v := p.Get("access_tokens_expire_in"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", invalidRequest(http.StatusFound, "Invalid access_tokens_expire_in parameter %q (must be a positive number of minutes)", v)
		}
		claims.AccessTokensExpireIn = n
	}

	if (scopes.Has("launch") || scopes.Has("launch/patient")) && o.Patients.Size() == 1 {
		claims.Context.Patient = o.Patients.First()
	}
	if (scopes.Has("launch") || scopes.Has("launch/encounter")) && o.HasConcreteEncounter() {
		claims.Context.Encounter = o.Encounter
	}
	if scopes.Has("openid") && (scopes.Has("profile") || scopes.Has("fhirUser")) {
		switch {
		case o.LaunchType.IsPatient() && o.Patients.Size() == 1:
			claims.User = "Patient/" + o.Patients.First()
		case !o.LaunchType.IsPatient() && o.Providers.Size() == 1:
			claims.User = "Practitioner/" + o.Providers.First()
		}
	}

	code, err := h.keys.signHS256(claims)
	if err != nil {
		return "", err
	}

	target, err := url.Parse(claims.RedirectURI)
	if err != nil {
		return "", invalidRequest(http.StatusBadRequest, "Invalid redirect_uri parameter %q (must be valid URL)", claims.RedirectURI)
	}
	q := target.Query()
	q.Set("code", code)
	if state := p.Get("state"); state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	h.metrics.AuthorizeOutcome(stepIssueCode.String())
	return target.String(), nil
}
