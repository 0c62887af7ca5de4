package lti

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/* ---------------- flow harness ---------------- */

type oidcHarness struct {
	svc          *OIDCService
	store        *SQLStore
	platformKeys *ToolKeys
	spy          *recorderSpy
	jwksSrv      *httptest.Server
}

func newOIDCHarness(t *testing.T) *oidcHarness {
	t.Helper()

	platformKeys, err := GenerateToolKeys()
	if err != nil {
		t.Fatalf("GenerateToolKeys: %v", err)
	}
	jwksSrv := httptest.NewServer(&JWKSHandler{Keys: platformKeys})
	t.Cleanup(jwksSrv.Close)

	store := openTestDB(t)
	if err := store.SavePlatform(context.Background(), Platform{
		Name:         "Canvas Test",
		Issuer:       "https://platform.test",
		ClientID:     testClientID,
		AuthLoginURL: "https://platform.test/api/lti/authorize_redirect",
		KeySetURL:    jwksSrv.URL,
		Active:       true,
	}); err != nil {
		t.Fatalf("SavePlatform: %v", err)
	}

	spy := &recorderSpy{}
	nonces := NewInMemoryNonceStore(spy)
	sessions := &SessionManager{
		Store:  store,
		Launch: NewMemoryLaunchStore(testCipher(t), spy),
		Events: spy,
	}
	svc := &OIDCService{
		Platforms: store,
		States:    NewInMemoryStateStore(),
		Nonces:    nonces,
		Validator: &Validator{
			ClientID: testClientID,
			Nonces:   nonces,
		},
		Sessions:    sessions,
		Events:      spy,
		Keys:        NewPlatformKeys(),
		RedirectURI: "https://tool.test/lti/launch",
		AppEntryURL: "https://tool.test/app",
	}
	return &oidcHarness{svc: svc, store: store, platformKeys: platformKeys, spy: spy, jwksSrv: jwksSrv}
}

// initiateLogin runs the login leg and returns the state and nonce minted for
// the platform redirect, plus the probe cookie.
func (h *oidcHarness) initiateLogin(t *testing.T) (state, nonce string, probe *http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet,
		"/lti/login?iss=https://platform.test&login_hint=user-abc-123&client_id="+testClientID+
			"&target_link_uri=https://tool.test/app/reports", nil)
	rr := httptest.NewRecorder()
	h.svc.LoginHandler()(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("login status = %d, body %q", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := loc.Query()
	for param, want := range map[string]string{
		"response_type": "id_token",
		"response_mode": "form_post",
		"scope":         "openid",
		"prompt":        "none",
		"client_id":     testClientID,
		"redirect_uri":  "https://tool.test/lti/launch",
		"login_hint":    "user-abc-123",
	} {
		if got := q.Get(param); got != want {
			t.Errorf("redirect %s = %q, want %q", param, got, want)
		}
	}
	state, nonce = q.Get("state"), q.Get("nonce")
	if state == "" || nonce == "" {
		t.Fatalf("redirect missing state/nonce: %v", loc)
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == probeCookieName {
			probe = c
		}
	}
	if probe == nil {
		t.Fatal("login did not set the cookie probe")
	}
	return state, nonce, probe
}

func (h *oidcHarness) signToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	token, err := h.platformKeys.Sign(jwt.MapClaims(claims))
	if err != nil {
		t.Fatalf("sign id_token: %v", err)
	}
	return token
}

func launchClaims(nonce string) map[string]any {
	now := time.Now()
	claims := goodClaims(nonce)
	claims["iss"] = "https://platform.test"
	claims["exp"] = float64(now.Add(time.Hour).Unix())
	claims["iat"] = float64(now.Add(-time.Minute).Unix())
	return claims
}

func postLaunch(t *testing.T, h *oidcHarness, state, idToken string, probe *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("state", state)
	form.Set("id_token", idToken)
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if probe != nil {
		req.AddCookie(&http.Cookie{Name: probe.Name, Value: probe.Value})
	}
	rr := httptest.NewRecorder()
	h.svc.LaunchHandler()(rr, req)
	return rr
}

/* ---------------- tests ---------------- */

func TestLaunchFlowWithCookies(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, probe := h.initiateLogin(t)
	idToken := h.signToken(t, launchClaims(nonce))

	rr := postLaunch(t, h, state, idToken, probe)
	if rr.Code != http.StatusFound {
		t.Fatalf("launch status = %d, body %q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Location"); got != "https://tool.test/app/reports" {
		t.Errorf("redirect = %q, want the target_link_uri from initiation", got)
	}

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("launch did not set the session cookie")
	}
	if !sessionCookie.Secure || sessionCookie.SameSite != http.SameSiteNoneMode {
		t.Errorf("session cookie not embeddable: %+v", sessionCookie)
	}

	sess, err := h.svc.Sessions.Resolve(context.Background(), sessionCookie.Value)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sess.Subject != "user-abc-123" {
		t.Errorf("Subject = %q", sess.Subject)
	}
}

func TestLaunchFlowStatelessFallback(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, _ := h.initiateLogin(t)
	idToken := h.signToken(t, launchClaims(nonce))

	// No probe cookie comes back: the embedding context blocks cookies.
	rr := postLaunch(t, h, state, idToken, nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("launch status = %d, body %q", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	key := loc.Query().Get(SessionQueryParam)
	if key == "" {
		t.Fatalf("redirect %q carries no session token", loc)
	}
	if _, err := h.svc.Sessions.Resolve(context.Background(), key); err != nil {
		t.Fatalf("Resolve via query token: %v", err)
	}
}

func TestLaunchRejectsUnknownState(t *testing.T) {
	h := newOIDCHarness(t)
	_, nonce, probe := h.initiateLogin(t)
	idToken := h.signToken(t, launchClaims(nonce))

	rr := postLaunch(t, h, "forged-state", idToken, probe)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "state") && strings.Contains(rr.Body.String(), "forged") {
		t.Errorf("error body leaks detail: %q", rr.Body.String())
	}
	if got := h.spy.countType(EventInvalidState); got != 1 {
		t.Errorf("invalid state events = %d, want 1", got)
	}
	// No session may exist for the rejected launch.
	if _, err := h.store.GetSession(context.Background(), "forged-state"); err == nil {
		t.Error("session created for rejected launch")
	}
}

func TestLaunchReplayRejected(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, probe := h.initiateLogin(t)
	idToken := h.signToken(t, launchClaims(nonce))

	if rr := postLaunch(t, h, state, idToken, probe); rr.Code != http.StatusFound {
		t.Fatalf("first launch status = %d", rr.Code)
	}
	// Same POST again: the state is spent, so this dies before the nonce check.
	rr := postLaunch(t, h, state, idToken, probe)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replayed launch status = %d, want 400", rr.Code)
	}
	if got := h.spy.countType(EventInvalidState); got != 1 {
		t.Errorf("invalid state events = %d, want 1", got)
	}
}

func TestLaunchNonceStoreOutage(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, probe := h.initiateLogin(t)
	idToken := h.signToken(t, launchClaims(nonce))

	// The store failing is a server fault, not a replay.
	h.svc.Validator.Nonces = brokenNonceStore{err: errors.New("db down: connection refused")}

	rr := postLaunch(t, h, state, idToken, probe)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("launch status = %d, want 503", rr.Code)
	}
	if got := h.spy.countType(EventNonceReuse); got != 0 {
		t.Errorf("nonce reuse events = %d, want 0", got)
	}
}

func TestLaunchRejectsBadSignature(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, probe := h.initiateLogin(t)

	// Signed by a key the platform's JWKS does not contain.
	rogue, err := GenerateToolKeys()
	if err != nil {
		t.Fatalf("GenerateToolKeys: %v", err)
	}
	idToken, err := rogue.Sign(jwt.MapClaims(launchClaims(nonce)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rr := postLaunch(t, h, state, idToken, probe)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got := h.spy.countType(EventInvalidSignature); got != 1 {
		t.Errorf("invalid signature events = %d, want 1", got)
	}
}

func TestLaunchRejectsExpiredToken(t *testing.T) {
	h := newOIDCHarness(t)
	state, nonce, probe := h.initiateLogin(t)

	claims := launchClaims(nonce)
	claims["exp"] = float64(time.Now().Add(-time.Hour).Unix())
	idToken := h.signToken(t, claims)

	rr := postLaunch(t, h, state, idToken, probe)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got := h.spy.countType(EventExpiredToken); got != 1 {
		t.Errorf("expired token events = %d, want 1", got)
	}
}

func TestLoginRequiresIssuerAndHint(t *testing.T) {
	h := newOIDCHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/lti/login?iss=https://platform.test", nil)
	rr := httptest.NewRecorder()
	h.svc.LoginHandler()(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestLoginUnknownPlatform(t *testing.T) {
	h := newOIDCHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/lti/login?iss=https://rogue.test&login_hint=x", nil)
	rr := httptest.NewRecorder()
	h.svc.LoginHandler()(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestStateSingleUse(t *testing.T) {
	states := NewInMemoryStateStore()
	rec := StateRecord{State: "abc123", Issuer: "https://platform.test", Phase: PhaseLoginInitiated, IssuedAt: time.Now()}
	if err := states.Save(context.Background(), rec, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := states.Take(context.Background(), "abc123")
	if err != nil || !ok {
		t.Fatalf("first Take: ok=%v err=%v", ok, err)
	}
	if got.Issuer != rec.Issuer || got.Phase != PhaseLoginInitiated {
		t.Errorf("record = %+v", got)
	}
	if _, ok, _ := states.Take(context.Background(), "abc123"); ok {
		t.Error("second Take succeeded, state must be single-use")
	}
	if _, ok, _ := states.Take(context.Background(), "never-saved"); ok {
		t.Error("Take of unknown state succeeded")
	}
}
