package lti

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

/*
OIDC third-party-initiated login for LTI 1.3, tool side.

Two legs, two separate requests, usually two separate worker processes:

  login initiation  ->  redirect to the platform's authorize endpoint
  form_post back    ->  state check, signature check, claim validation,
                        session establishment

Flow state (state -> issuer/client/target association) lives in the state
store between legs, not in process memory. Re-POSTing the same id_token fails
at nonce consumption inside the validator, which makes the whole flow
replay-safe end to end.
*/

// FlowPhase is recorded on the state record so that orphaned rows from
// abandoned logins are identifiable when inspecting the store.
type FlowPhase string

const PhaseLoginInitiated FlowPhase = "login_initiated"

// DefaultStateTTL bounds how long a login initiation stays redeemable.
// Matches the nonce TTL; an abandoned initiation simply ages out.
const DefaultStateTTL = DefaultNonceTTL

// probeCookieName is set during login initiation; its presence on the
// callback tells us the embedding context delivers cross-site cookies.
const probeCookieName = "canvasops_probe"

// StateRecord associates an issued state with the initiation that minted it.
type StateRecord struct {
	State     string    `json:"state"`
	Issuer    string    `json:"issuer"`
	ClientID  string    `json:"client_id"`
	TargetURI string    `json:"target_uri"`
	Phase     FlowPhase `json:"phase"`
	IssuedAt  time.Time `json:"issued_at"`
}

// StateStore persists state records between the two OIDC legs. Take is
// single-use: a state can be redeemed at most once.
type StateStore interface {
	Save(ctx context.Context, rec StateRecord, ttl time.Duration) error
	Take(ctx context.Context, state string) (StateRecord, bool, error)
}

/* --------------------------- in-memory state store --------------------------- */

type stateEntry struct {
	rec       StateRecord
	expiresAt time.Time
}

// InMemoryStateStore keeps state records process-local. Records are keyed by
// hash; the redeemed value is still compared constant-time against the stored
// original to keep state lookups timing-safe.
type InMemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		entries: make(map[string]stateEntry, 64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStateStore) Save(_ context.Context, rec StateRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hashNonce(rec.State)] = stateEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStateStore) Take(_ context.Context, state string) (StateRecord, bool, error) {
	key := hashNonce(state)
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok || s.now().After(entry.expiresAt) {
		return StateRecord{}, false, nil
	}
	if subtle.ConstantTimeCompare([]byte(entry.rec.State), []byte(state)) != 1 {
		return StateRecord{}, false, nil
	}
	return entry.rec, true, nil
}

/* ----------------------------- SQL state store ------------------------------- */

// SQLStateStore shares state records across workers. Single use is enforced
// by the DELETE: whichever request deletes the row wins.
type SQLStateStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStateStore(db *sql.DB) *SQLStateStore {
	return &SQLStateStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStateStore) Save(ctx context.Context, rec StateRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lti_oidc_states (hash, record, expires_at)
		VALUES ($1, $2, $3)`,
		hashNonce(rec.State), string(blob), s.now().Add(ttl).Unix())
	return err
}

func (s *SQLStateStore) Take(ctx context.Context, state string) (StateRecord, bool, error) {
	key := hashNonce(state)
	var blob string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record, expires_at FROM lti_oidc_states WHERE hash = $1`, key).
		Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_oidc_states WHERE hash = $1`, key)
	if err != nil {
		return StateRecord{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		// Another worker redeemed it first.
		return StateRecord{}, false, err
	}
	if s.now().Unix() >= expiresAt {
		return StateRecord{}, false, nil
	}
	var rec StateRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return StateRecord{}, false, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.State), []byte(state)) != 1 {
		return StateRecord{}, false, nil
	}
	return rec, true, nil
}

// PurgeExpired removes state rows past their TTL.
func (s *SQLStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lti_oidc_states WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

/* ---------------------------- platform key cache ----------------------------- */

// PlatformKeys fetches and caches platform JWKS sets so id_token signatures
// can be verified without hitting the key-set URL on every launch.
type PlatformKeys struct {
	Client   *http.Client
	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedKeySet
	now   func() time.Time
}

type cachedKeySet struct {
	keys      map[string]*rsa.PublicKey // kid -> key
	fetchedAt time.Time
}

func NewPlatformKeys() *PlatformKeys {
	return &PlatformKeys{
		Client:   &http.Client{Timeout: 5 * time.Second},
		CacheTTL: 10 * time.Minute,
		cache:    make(map[string]cachedKeySet),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Keyfunc returns a jwt.Keyfunc resolving keys from the given JWKS URL.
func (p *PlatformKeys) Keyfunc(ctx context.Context, keySetURL string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		keys, err := p.keysFor(ctx, keySetURL, false)
		if err != nil {
			return nil, err
		}
		if key, ok := pickKey(keys, kid); ok {
			return key, nil
		}
		// Unknown kid may mean the platform rotated; refetch once.
		keys, err = p.keysFor(ctx, keySetURL, true)
		if err != nil {
			return nil, err
		}
		if key, ok := pickKey(keys, kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("no RSA key for kid %q at %s", kid, keySetURL)
	}
}

func pickKey(keys map[string]*rsa.PublicKey, kid string) (*rsa.PublicKey, bool) {
	if kid != "" {
		key, ok := keys[kid]
		return key, ok
	}
	// kid-less tokens only verify against a single-key set.
	if len(keys) == 1 {
		for _, key := range keys {
			return key, true
		}
	}
	return nil, false
}

func (p *PlatformKeys) keysFor(ctx context.Context, keySetURL string, force bool) (map[string]*rsa.PublicKey, error) {
	now := p.now()
	p.mu.Lock()
	cached, ok := p.cache[keySetURL]
	p.mu.Unlock()
	if ok && !force && now.Sub(cached.fetchedAt) < p.CacheTTL {
		return cached.keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keySetURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if kty, _ := k["kty"].(string); kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue
		}
		kid, _ := k["kid"].(string)
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks: no usable RSA keys")
	}
	p.mu.Lock()
	p.cache[keySetURL] = cachedKeySet{keys: keys, fetchedAt: now}
	p.mu.Unlock()
	return keys, nil
}

func rsaKeyFromJWK(k map[string]any) (*rsa.PublicKey, error) {
	nStr, _ := k["n"].(string)
	eStr, _ := k["e"].(string)
	if nStr == "" || eStr == "" {
		return nil, errors.New("jwk missing n/e")
	}
	nb, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("jwk exponent zero")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

/* -------------------------------- OIDC service ------------------------------- */

// launchRejectedMsg is the only thing a failed launch says to the browser.
// Claim contents and failure detail go to the audit log, not the response.
const launchRejectedMsg = "launch could not be validated"

// OIDCService drives both legs of the login flow.
type OIDCService struct {
	Platforms *SQLStore
	States    StateStore
	Nonces    NonceStore
	Validator *Validator
	Sessions  *SessionManager
	Events    Recorder
	Keys      *PlatformKeys

	// RedirectURI is the tool's launch endpoint as registered with Canvas.
	RedirectURI string
	// AppEntryURL is where a successful launch lands when the platform
	// supplied no target_link_uri.
	AppEntryURL string

	StateTTL time.Duration
	Now      func() time.Time
	Log      *zap.Logger

	parser *jwt.Parser
	once   sync.Once
}

func (s *OIDCService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *OIDCService) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *OIDCService) stateTTL() time.Duration {
	if s.StateTTL > 0 {
		return s.StateTTL
	}
	return DefaultStateTTL
}

// tokenParser verifies RS256 only and leaves temporal claim validation to the
// Validator, which applies the configured skew and taxonomy.
func (s *OIDCService) tokenParser() *jwt.Parser {
	s.once.Do(func() {
		s.parser = jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithoutClaimsValidation(),
		)
	})
	return s.parser
}

// LoginHandler serves the login-initiation endpoint (GET or POST).
func (s *OIDCService) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		issuer := strings.TrimSpace(r.Form.Get("iss"))
		loginHint := strings.TrimSpace(r.Form.Get("login_hint"))
		messageHint := strings.TrimSpace(r.Form.Get("lti_message_hint"))
		clientID := strings.TrimSpace(r.Form.Get("client_id"))
		targetURI := strings.TrimSpace(r.Form.Get("target_link_uri"))
		if issuer == "" || loginHint == "" {
			http.Error(w, "iss and login_hint required", http.StatusBadRequest)
			return
		}

		platform, err := s.Platforms.PlatformByIssuer(r.Context(), issuer, clientID)
		if err != nil {
			if errors.Is(err, ErrPlatformNotFound) {
				http.Error(w, "unknown platform", http.StatusBadRequest)
				return
			}
			http.Error(w, "platform lookup failed", http.StatusServiceUnavailable)
			return
		}

		state, err := newNonceValue()
		if err != nil {
			http.Error(w, "entropy unavailable", http.StatusInternalServerError)
			return
		}
		nonce, err := s.Nonces.Issue(r.Context(), s.stateTTL())
		if err != nil {
			http.Error(w, "login initiation failed", http.StatusServiceUnavailable)
			return
		}
		rec := StateRecord{
			State:     state,
			Issuer:    platform.Issuer,
			ClientID:  platform.ClientID,
			TargetURI: targetURI,
			Phase:     PhaseLoginInitiated,
			IssuedAt:  s.now(),
		}
		if err := s.States.Save(r.Context(), rec, s.stateTTL()); err != nil {
			http.Error(w, "login initiation failed", http.StatusServiceUnavailable)
			return
		}

		// Cookie-support probe: if this comes back on the callback the
		// embedding context delivers cross-site cookies.
		http.SetCookie(w, &http.Cookie{
			Name:     probeCookieName,
			Value:    "1",
			Path:     "/",
			MaxAge:   int(s.stateTTL().Seconds()),
			Secure:   true,
			HttpOnly: true,
			SameSite: http.SameSiteNoneMode,
		})

		q := url.Values{}
		q.Set("response_type", "id_token")
		q.Set("response_mode", "form_post")
		q.Set("scope", "openid")
		q.Set("prompt", "none")
		q.Set("client_id", platform.ClientID)
		q.Set("redirect_uri", s.RedirectURI)
		q.Set("state", state)
		q.Set("nonce", nonce)
		q.Set("login_hint", loginHint)
		if messageHint != "" {
			q.Set("lti_message_hint", messageHint)
		}
		s.log().Info("login initiated",
			zap.String("issuer", platform.Issuer),
			zap.String("client_id", platform.ClientID),
		)
		http.Redirect(w, r, platform.AuthLoginURL+"?"+q.Encode(), http.StatusFound)
	}
}

// LaunchHandler serves the launch callback: POST id_token + state.
func (s *OIDCService) LaunchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		idToken := r.PostFormValue("id_token")
		state := r.PostFormValue("state")
		if idToken == "" || state == "" {
			http.Error(w, "missing id_token or state", http.StatusBadRequest)
			return
		}
		cc := ClientContext{
			IPAddress:        clientIP(r),
			UserAgent:        r.UserAgent(),
			RequestPath:      r.URL.Path,
			CookiesSupported: hasProbeCookie(r),
		}

		rec, ok, err := s.States.Take(r.Context(), state)
		if err != nil {
			http.Error(w, "launch failed", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			s.Events.SecurityEvent(r.Context(), SecurityEvent{
				Type:        EventInvalidState,
				Severity:    SeverityHigh,
				IPAddress:   cc.IPAddress,
				UserAgent:   cc.UserAgent,
				Description: "callback state does not match an outstanding login initiation",
			})
			s.auditFail(r.Context(), cc, "", string(KindInvalidState))
			http.Error(w, launchRejectedMsg, http.StatusBadRequest)
			return
		}

		platform, err := s.Platforms.PlatformByIssuer(r.Context(), rec.Issuer, rec.ClientID)
		if err != nil {
			http.Error(w, launchRejectedMsg, http.StatusBadRequest)
			return
		}

		claims := jwt.MapClaims{}
		if _, err := s.tokenParser().ParseWithClaims(idToken, claims, s.Keys.Keyfunc(r.Context(), platform.KeySetURL)); err != nil {
			s.Events.SecurityEvent(r.Context(), SecurityEvent{
				Type:        EventInvalidSignature,
				Severity:    SeverityHigh,
				IPAddress:   cc.IPAddress,
				UserAgent:   cc.UserAgent,
				Description: "id_token signature verification failed",
				Details:     map[string]any{"error": err.Error()},
			})
			s.auditFail(r.Context(), cc, "", string(KindInvalidSignature))
			http.Error(w, launchRejectedMsg, http.StatusBadRequest)
			return
		}

		vl, verr := s.Validator.Validate(r.Context(), map[string]any(claims))
		if verr != nil {
			if verr.Kind == KindStorageUnavailable {
				http.Error(w, "launch failed", http.StatusServiceUnavailable)
				return
			}
			s.recordValidationFailure(r.Context(), cc, verr)
			http.Error(w, launchRejectedMsg, http.StatusBadRequest)
			return
		}
		if !platform.AllowsDeployment(vl.DeploymentID) {
			s.auditFail(r.Context(), cc, vl.Subject, "deployment not in allowlist")
			http.Error(w, launchRejectedMsg, http.StatusBadRequest)
			return
		}

		cc.NonceHash = hashNonce(stringClaim(claims["nonce"]))
		handle, err := s.Sessions.Establish(r.Context(), platform, vl, cc)
		if err != nil {
			var estErr *EstablishmentError
			if errors.As(err, &estErr) && estErr.Kind == EstablishStorageUnavailable {
				http.Error(w, "launch failed", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "launch failed", http.StatusInternalServerError)
			return
		}

		target := rec.TargetURI
		if target == "" {
			target = s.AppEntryURL
		}
		if handle.Strategy == StrategyCookie {
			http.SetCookie(w, handle.Cookie(s.now()))
		} else {
			u, err := url.Parse(target)
			if err != nil {
				http.Error(w, "launch failed", http.StatusInternalServerError)
				return
			}
			q := u.Query()
			q.Set(SessionQueryParam, handle.SessionKey)
			u.RawQuery = q.Encode()
			target = u.String()
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (s *OIDCService) recordValidationFailure(ctx context.Context, cc ClientContext, verr *ValidationError) {
	switch verr.Kind {
	case KindTokenExpired, KindTokenNotYetValid:
		s.Events.SecurityEvent(ctx, SecurityEvent{
			Type:        EventExpiredToken,
			Severity:    SeverityLow,
			IPAddress:   cc.IPAddress,
			UserAgent:   cc.UserAgent,
			Description: verr.Error(),
		})
	case KindReplayDetected:
		// The nonce store already emitted EventNonceReuse.
	}
	s.auditFail(ctx, cc, "", string(verr.Kind))
	s.log().Warn("launch rejected",
		zap.String("kind", string(verr.Kind)),
		zap.String("detail", verr.Detail),
		zap.String("ip", cc.IPAddress),
	)
}

func (s *OIDCService) auditFail(ctx context.Context, cc ClientContext, userID, reason string) {
	s.Events.Audit(ctx, AuditEntry{
		EventType:   "launch",
		UserID:      userID,
		Description: "launch rejected",
		Details:     map[string]any{"reason": reason},
		IPAddress:   cc.IPAddress,
		UserAgent:   cc.UserAgent,
		RequestPath: cc.RequestPath,
		Success:     false,
	})
}

func hasProbeCookie(r *http.Request) bool {
	if c, err := r.Cookie(probeCookieName); err == nil && c.Value != "" {
		return true
	}
	return false
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from X-Forwarded-For.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
