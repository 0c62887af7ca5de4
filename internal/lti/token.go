// internal/lti/token.go
package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

/*
Service token client for platform-hosted LTI services (AGS, NRPS).

Auth is private_key_jwt per the IMS security framework: the tool signs a
client assertion with its own RSA key and exchanges it at the platform's
token endpoint for a scoped bearer token. Tokens are cached per scope set
until shortly before expiry.
*/

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ServiceTokenClient mints platform access tokens using the tool's signing key.
type ServiceTokenClient struct {
	HTTP     *http.Client
	Keys     *ToolKeys
	ClientID string
	TokenURL string

	// AssertionTTL bounds the client assertion lifetime. Zero means 5 minutes.
	AssertionTTL time.Duration
	Now          func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewServiceTokenClient(keys *ToolKeys, clientID, tokenURL string) *ServiceTokenClient {
	return &ServiceTokenClient{
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		Keys:     keys,
		ClientID: clientID,
		TokenURL: tokenURL,
	}
}

func (c *ServiceTokenClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Token returns a bearer token covering the requested scopes, reusing a
// cached one when it has at least a minute of life left.
func (c *ServiceTokenClient) Token(ctx context.Context, scopes []string) (string, error) {
	if c.Keys == nil {
		return "", errors.New("lti: token client has no signing key")
	}
	if c.TokenURL == "" {
		return "", errors.New("lti: token client has no token URL")
	}
	key := scopeKey(scopes)

	c.mu.Lock()
	if ct, ok := c.cache[key]; ok && c.now().Add(time.Minute).Before(ct.expiresAt) {
		c.mu.Unlock()
		return ct.token, nil
	}
	c.mu.Unlock()

	ttl := c.AssertionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	assertion, err := c.Keys.SignServiceAssertion(c.ClientID, c.TokenURL, c.now(), ttl)
	if err != nil {
		return "", fmt.Errorf("lti: sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return "", fmt.Errorf("lti: token endpoint %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("lti: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("lti: token response missing access_token")
	}
	life := time.Duration(tr.ExpiresIn) * time.Second
	if life <= 0 {
		life = time.Hour
	}

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cachedToken)
	}
	c.cache[key] = cachedToken{token: tr.AccessToken, expiresAt: c.now().Add(life)}
	c.mu.Unlock()

	return tr.AccessToken, nil
}

func scopeKey(scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return strings.Join(s, " ")
}
