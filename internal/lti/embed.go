package lti

import "net/http"

/*
Response decoration for iframe embedding.

Canvas loads the tool inside a cross-origin iframe, so protocol endpoints need
frame-ancestor and cross-origin headers that plain app responses don't. This
is one deterministic pass over the response headers; there is no middleware
chain to order.
*/

// EmbedAncestors is the frame-ancestors policy for Canvas-hosted embedding.
const EmbedAncestors = "frame-ancestors 'self' https://*.instructure.com https://canvas.instructure.com"

// ApplyEmbedHeaders decorates a header set for serving inside (or outside) an
// LMS iframe. Pure function of (headers, embedded); calling it twice is the
// same as calling it once.
func ApplyEmbedHeaders(h http.Header, embedded bool) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer-when-downgrade")
	if !embedded {
		h.Set("X-Frame-Options", "DENY")
		return
	}
	h.Del("X-Frame-Options")
	h.Set("Content-Security-Policy", EmbedAncestors)
	h.Set("Cross-Origin-Embedder-Policy", "unsafe-none")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
}

// EmbedHeaders is the chi-compatible middleware form, applied uniformly to
// all protocol endpoints.
func EmbedHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ApplyEmbedHeaders(w.Header(), true)
		next.ServeHTTP(w, r)
	})
}
