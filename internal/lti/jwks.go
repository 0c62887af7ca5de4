package lti

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// JWKSHandler serves the tool's public key set so the platform can verify
// tokens the tool signs. The kid, and therefore the ETag, is stable across
// restarts as long as the private key is unchanged.
type JWKSHandler struct {
	Keys        *ToolKeys
	CacheMaxAge time.Duration
	Now         func() time.Time
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Keys == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	set := map[string]any{"keys": []map[string]any{h.Keys.PublicJWK()}}
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.now().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + b64url(sum[:]) + `"`
}
