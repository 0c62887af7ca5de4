package lti

import (
	"encoding/json"
	"net/http"
	"time"
)

/*
Cookie-compatibility probe.

Safari and some Chrome configurations refuse SameSite=None cookies inside
third-party iframes. The probe lets the front end find out before the launch
commits to the cookie strategy: POST sets a test cookie, the follow-up GET
reports whether the browser sent it back. A failed probe is a normal browser
condition, not an error; the launch then uses the stateless strategy.
*/

const testCookieName = "canvasops_cookie_test"

// CookieProbeHandler serves the probe pair on one route.
type CookieProbeHandler struct {
	TTL time.Duration
}

func (h *CookieProbeHandler) ttl() time.Duration {
	if h.TTL > 0 {
		return h.TTL
	}
	return 5 * time.Minute
}

func (h *CookieProbeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		http.SetCookie(w, &http.Cookie{
			Name:     testCookieName,
			Value:    "1",
			Path:     "/",
			MaxAge:   int(h.ttl().Seconds()),
			Secure:   true,
			HttpOnly: false, // the front end may check document.cookie too
			SameSite: http.SameSiteNoneMode,
		})
		writeJSON(w, http.StatusOK, map[string]any{"set": true})
	case http.MethodGet:
		supported := false
		if c, err := r.Cookie(testCookieName); err == nil && c.Value != "" {
			supported = true
		}
		writeJSON(w, http.StatusOK, map[string]any{"cookies_supported": supported})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
