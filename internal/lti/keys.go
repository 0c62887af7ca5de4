package lti

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Tool signing key.

One RSA key signs everything the tool issues back to the platform (deep
linking responses, service-token client assertions). The kid is derived from
the public modulus, so it stays stable across restarts for as long as the
private key is unchanged, which is what lets platforms cache our JWKS.
*/

// ToolKeys holds the tool's RSA signing key.
type ToolKeys struct {
	private *rsa.PrivateKey
	kid     string
}

// LoadToolKeys loads a PEM private key, preferring the base64-encoded PEM in
// env material over a key file. Exactly one source must yield a key.
func LoadToolKeys(pemB64, keyFile string) (*ToolKeys, error) {
	var pemBytes []byte
	switch {
	case pemB64 != "":
		decoded, err := base64.StdEncoding.DecodeString(pemB64)
		if err != nil {
			return nil, fmt.Errorf("decode key material: %w", err)
		}
		pemBytes = decoded
	case keyFile != "":
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		pemBytes = data
	default:
		return nil, errors.New("no signing key configured")
	}
	return toolKeysFromPEM(pemBytes)
}

// GenerateToolKeys creates an ephemeral RSA-2048 key. Development only; an
// ephemeral key breaks the stable-kid guarantee across restarts.
func GenerateToolKeys() (*ToolKeys, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return newToolKeys(priv), nil
}

func toolKeysFromPEM(pemBytes []byte) (*ToolKeys, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in key material")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newToolKeys(key), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key must be RSA")
	}
	return newToolKeys(rsaKey), nil
}

func newToolKeys(priv *rsa.PrivateKey) *ToolKeys {
	return &ToolKeys{private: priv, kid: deriveKID(&priv.PublicKey)}
}

// deriveKID hashes the public key material. No random suffix: the kid must
// not change between restarts while the key is the same.
func deriveKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	return "rsa-" + hex.EncodeToString(h.Sum(nil)[:8])
}

// KID returns the stable key id.
func (k *ToolKeys) KID() string { return k.kid }

// Sign produces a compact RS256 JWS over the claims with the kid header set.
func (k *ToolKeys) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.kid
	return token.SignedString(k.private)
}

// SignServiceAssertion mints the private_key_jwt client assertion used when
// requesting platform service tokens (AGS/NRPS).
func (k *ToolKeys) SignServiceAssertion(clientID, tokenURL string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}
	return k.Sign(jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": hex.EncodeToString(jti),
	})
}

// PublicJWK returns the public key as an RFC 7517 JWK map.
func (k *ToolKeys) PublicJWK() map[string]any {
	pub := &k.private.PublicKey
	return map[string]any{
		"kty":     "RSA",
		"kid":     k.kid,
		"alg":     "RS256",
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       b64url(pub.N.FillBytes(make([]byte, (pub.N.BitLen()+7)/8))),
		"e":       b64url(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
