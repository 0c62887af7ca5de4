package lti

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
Session establishment.

A validated launch becomes a LaunchSession row plus an encrypted payload in
the launch data store. The handle that goes back to the browser depends on
whether the embedding context delivers cross-site cookies: when it does, the
session key rides in a SameSite=None Secure cookie; when it does not, the key
is appended to the redirect URL as an opaque query token and nothing depends
on the browser echoing a cookie back. Both paths share one session row, so
at-most-one-valid-session-per-launch holds either way.
*/

// SessionStrategy names how the handle is delivered to the user agent.
type SessionStrategy string

const (
	StrategyCookie    SessionStrategy = "cookie"
	StrategyStateless SessionStrategy = "stateless"
)

// SessionCookieName is the cookie carrying the session key.
const SessionCookieName = "canvasops_session"

// SessionQueryParam is the query parameter used by the stateless strategy.
const SessionQueryParam = "lti_session"

// DefaultSessionTTL is the initial session lifetime.
const DefaultSessionTTL = 24 * time.Hour

// ClientContext carries what establishment needs to know about the request.
type ClientContext struct {
	IPAddress        string
	UserAgent        string
	RequestPath      string
	CookiesSupported bool
	NonceHash        string // hash of the nonce consumed for this launch
}

// SessionHandle is the application-ready result of a successful launch.
type SessionHandle struct {
	SessionKey string
	LaunchID   string
	Strategy   SessionStrategy
	ExpiresAt  time.Time
}

// Cookie builds the cross-site-embeddable session cookie for a cookie-strategy
// handle. SameSite=None and Secure are required inside the Canvas iframe.
func (h SessionHandle) Cookie(now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    h.SessionKey,
		Path:     "/",
		MaxAge:   int(time.Until(h.ExpiresAt).Seconds()),
		Expires:  h.ExpiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	}
}

// SessionManager turns validated launches into sessions.
type SessionManager struct {
	Store  *SQLStore
	Launch LaunchDataStore
	Events Recorder

	// SessionTTL is the initial lifetime; Touch extends it by the same amount.
	SessionTTL time.Duration

	// StorageTimeout bounds every store write; a deadline hit surfaces as
	// EstablishStorageUnavailable and is not retried in-request.
	StorageTimeout time.Duration

	Now func() time.Time
	Log *zap.Logger
}

func (m *SessionManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *SessionManager) ttl() time.Duration {
	if m.SessionTTL > 0 {
		return m.SessionTTL
	}
	return DefaultSessionTTL
}

func (m *SessionManager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

func (m *SessionManager) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.StorageTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Establish creates the session for a validated launch. The nonce was already
// consumed during validation, so a concurrent duplicate of the same token can
// never reach this point twice.
func (m *SessionManager) Establish(ctx context.Context, platform Platform, vl *ValidatedLaunch, cc ClientContext) (*SessionHandle, error) {
	ctx, cancel := m.storageCtx(ctx)
	defer cancel()

	dep, err := m.Store.EnsureDeployment(ctx, platform.ID, vl.DeploymentID, vl.ContextID, vl.ContextTitle)
	if err != nil {
		return nil, m.fail(ctx, vl, cc, &EstablishmentError{Kind: EstablishStorageUnavailable, Err: err})
	}

	now := m.now()
	handle := &SessionHandle{
		SessionKey: uuid.NewString(),
		LaunchID:   uuid.NewString(),
		Strategy:   StrategyCookie,
		ExpiresAt:  now.Add(m.ttl()),
	}
	if !cc.CookiesSupported {
		handle.Strategy = StrategyStateless
	}

	sess := LaunchSession{
		SessionKey:     handle.SessionKey,
		LaunchID:       handle.LaunchID,
		PlatformID:     platform.ID,
		DeploymentID:   dep.ID,
		Subject:        vl.Subject,
		Roles:          vl.Roles,
		ContextID:      vl.ContextID,
		ContextTitle:   vl.ContextTitle,
		ResourceLinkID: vl.ResourceLinkID,
		MessageType:    vl.MessageType,
		IPAddress:      cc.IPAddress,
		UserAgent:      cc.UserAgent,
		NonceUsed:      cc.NonceHash,
		Active:         true,
		ExpiresAt:      handle.ExpiresAt,
		LastActivity:   now,
		CreatedAt:      now,
	}
	if err := m.Store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			// A UUID collision means broken entropy, not a retryable race.
			return nil, m.fail(ctx, vl, cc, &EstablishmentError{Kind: EstablishDuplicateLaunch, Err: err})
		}
		return nil, m.fail(ctx, vl, cc, &EstablishmentError{Kind: EstablishStorageUnavailable, Err: err})
	}

	if err := m.Launch.Put(ctx, handle.LaunchID, vl.Raw, m.ttl()); err != nil {
		return nil, m.fail(ctx, vl, cc, &EstablishmentError{Kind: EstablishStorageUnavailable, Err: err})
	}

	_ = m.Store.TouchPlatform(ctx, platform.ID)
	m.Events.Audit(ctx, AuditEntry{
		EventType:   "launch",
		UserID:      vl.Subject,
		ContextID:   vl.ContextID,
		Description: "launch established",
		Details: map[string]any{
			"message_type":  vl.MessageType,
			"deployment_id": vl.DeploymentID,
			"strategy":      string(handle.Strategy),
		},
		IPAddress:   cc.IPAddress,
		UserAgent:   cc.UserAgent,
		RequestPath: cc.RequestPath,
		Success:     true,
	})
	m.log().Info("session established",
		zap.String("subject", vl.Subject),
		zap.String("context_id", vl.ContextID),
		zap.String("strategy", string(handle.Strategy)),
	)
	return handle, nil
}

// Resolve loads the session referenced by a handle value (cookie or query
// token) and refreshes its activity window.
func (m *SessionManager) Resolve(ctx context.Context, sessionKey string) (LaunchSession, error) {
	ctx, cancel := m.storageCtx(ctx)
	defer cancel()
	sess, err := m.Store.GetSession(ctx, sessionKey)
	if err != nil {
		return LaunchSession{}, err
	}
	newExpiry := m.now().Add(m.ttl())
	if err := m.Store.TouchSession(ctx, sessionKey, newExpiry); err != nil && !errors.Is(err, ErrNotFound) {
		return LaunchSession{}, err
	}
	_ = m.Launch.Extend(ctx, sess.LaunchID, m.ttl())
	return sess, nil
}

// LaunchData decrypts the stored payload for a resolved session.
func (m *SessionManager) LaunchData(ctx context.Context, sess LaunchSession) (map[string]any, error) {
	ctx, cancel := m.storageCtx(ctx)
	defer cancel()
	return m.Launch.Get(ctx, sess.LaunchID)
}

func (m *SessionManager) fail(ctx context.Context, vl *ValidatedLaunch, cc ClientContext, estErr *EstablishmentError) error {
	m.Events.Audit(ctx, AuditEntry{
		EventType:   "launch",
		UserID:      vl.Subject,
		ContextID:   vl.ContextID,
		Description: "launch establishment failed",
		Details:     map[string]any{"kind": string(estErr.Kind)},
		IPAddress:   cc.IPAddress,
		UserAgent:   cc.UserAgent,
		RequestPath: cc.RequestPath,
		Success:     false,
	})
	m.log().Error("session establishment failed",
		zap.String("kind", string(estErr.Kind)),
		zap.Error(estErr.Err),
	)
	return estErr
}
