package lti

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ToolConfig is the registration metadata Canvas administrators paste into
// the developer-key form.
type ToolConfig struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	OIDCLoginURL  string `json:"oidc_initiation_url"`
	TargetLinkURI string `json:"target_link_uri"`
	JWKSURL       string `json:"public_jwk_url"`
}

// Endpoints bundles every HTTP surface of the protocol core.
type Endpoints struct {
	OIDC       *OIDCService
	JWKS       *JWKSHandler
	Probe      *CookieProbeHandler
	Sessions   *SessionManager
	Events     Recorder
	ToolConfig ToolConfig

	// LaunchPerMinute throttles the callback per client IP. 0 keeps the
	// default of 30.
	LaunchPerMinute int
}

// Mount registers the protocol routes. Embed headers are applied uniformly;
// the launch callback additionally sits behind the rate limiter.
func (e *Endpoints) Mount(r chi.Router) {
	limiter := newLaunchLimiter(e.LaunchPerMinute, e.Events)

	r.Group(func(pr chi.Router) {
		pr.Use(EmbedHeaders)

		pr.Get("/login", e.OIDC.LoginHandler())
		pr.Post("/login", e.OIDC.LoginHandler())
		pr.With(limiter.middleware).Post("/launch", e.OIDC.LaunchHandler())

		pr.Get("/jwks.json", e.JWKS.ServeHTTP)
		pr.Head("/jwks.json", e.JWKS.ServeHTTP)

		pr.Get("/cookie-check", e.Probe.ServeHTTP)
		pr.Post("/cookie-check", e.Probe.ServeHTTP)

		pr.Get("/config.json", e.toolConfigHandler)
		pr.Get("/session", e.sessionHandler)
	})
}

func (e *Endpoints) toolConfigHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.ToolConfig)
}

// sessionHandler resolves the caller's session from either delivery strategy
// and returns the bound identity. The app front end polls this after launch.
func (e *Endpoints) sessionHandler(w http.ResponseWriter, r *http.Request) {
	key := SessionKeyFromRequest(r)
	if key == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	sess, err := e.Sessions.Resolve(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		http.Error(w, "session lookup failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":       sess.Subject,
		"roles":         sess.Roles,
		"context_id":    sess.ContextID,
		"context_title": sess.ContextTitle,
		"message_type":  sess.MessageType,
		"expires_at":    sess.ExpiresAt.Unix(),
	})
}

// SessionKeyFromRequest extracts the session handle from the stateless query
// token first, then the cookie. The query token wins so a stateless launch
// inside a cookie-blocking iframe is never shadowed by a stale cookie.
func SessionKeyFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get(SessionQueryParam); v != "" {
		return v
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}
