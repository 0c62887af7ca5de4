package lti

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCookieProbe(t *testing.T) {
	h := &CookieProbeHandler{}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/lti/cookie-check", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST status = %d", rr.Code)
	}
	var probe *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == testCookieName {
			probe = c
		}
	}
	if probe == nil {
		t.Fatal("probe cookie not set")
	}
	if !probe.Secure || probe.SameSite != http.SameSiteNoneMode {
		t.Errorf("probe cookie not cross-site capable: %+v", probe)
	}

	// Browser echoes it back: cookies work.
	req := httptest.NewRequest(http.MethodGet, "/lti/cookie-check", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: probe.Value})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := decodeProbe(t, rr); !got {
		t.Error("cookies_supported = false, want true")
	}

	// No cookie back: blocked context.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/lti/cookie-check", nil))
	if got := decodeProbe(t, rr); got {
		t.Error("cookies_supported = true, want false")
	}
}

func decodeProbe(t *testing.T, rr *httptest.ResponseRecorder) bool {
	t.Helper()
	var body struct {
		Supported bool `json:"cookies_supported"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body.Supported
}

func TestCookieProbeMethodNotAllowed(t *testing.T) {
	h := &CookieProbeHandler{}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/lti/cookie-check", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
