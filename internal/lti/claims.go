package lti

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

/*
Claim validation for LTI 1.3 launch tokens.

Validate operates on the decoded, signature-verified claim set; signature
checking belongs to the transport layer (see oidc.go). Apart from the nonce
consumption at step 6 the function is pure: same claims in, same verdict out.
Checks run in a fixed order and short-circuit on the first failure.
*/

// IMS claim URIs.
const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeployment   = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTarget       = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlatform = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
)

// Message types accepted by the tool.
const (
	MsgTypeResourceLink     = "LtiResourceLinkRequest"
	MsgTypeDeepLink         = "LtiDeepLinkingRequest"
	MsgTypeSubmissionReview = "LtiSubmissionReviewRequest"
)

// SupportedLTIVersion is the only version string the tool accepts.
const SupportedLTIVersion = "1.3.0"

var requiredClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nonce",
	ClaimDeployment, ClaimMessageType, ClaimVersion,
}

var knownRolePrefixes = []string{
	"http://purl.imsglobal.org/vocab/lis/v2/membership#",
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#",
}

// ValidatedLaunch is the immutable result of a successful claim validation.
type ValidatedLaunch struct {
	Issuer         string
	Subject        string
	DeploymentID   string
	MessageType    string
	ContextID      string
	ContextTitle   string
	ResourceLinkID string
	Roles          []string
	PlatformURL    string
	Raw            map[string]any // full claim set, for downstream storage
}

// Validator checks a launch claim set against the tool's registration.
type Validator struct {
	// ClientID is the tool's registered client id; the aud claim must
	// contain it.
	ClientID string

	// Nonces is consulted exactly once per Validate call (step 6).
	Nonces NonceStore

	// NonceMaxAge caps nonce redemption age. Zero keeps the issue TTL.
	NonceMaxAge time.Duration

	// ClockSkew widens the exp/iat window in both directions. Default 0.
	ClockSkew time.Duration

	Now func() time.Time
	Log *zap.Logger
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *Validator) log() *zap.Logger {
	if v.Log != nil {
		return v.Log
	}
	return zap.NewNop()
}

// Validate runs the ordered claim checks. On success the returned launch
// carries everything session establishment needs; on failure the error kind
// names the first check that failed.
func (v *Validator) Validate(ctx context.Context, claims map[string]any) (*ValidatedLaunch, *ValidationError) {
	// 1. Required claims present.
	var missing []string
	for _, name := range requiredClaims {
		if _, ok := claims[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Kind: KindMissingClaims, Missing: missing}
	}

	// 2. Version.
	version, _ := claims[ClaimVersion].(string)
	if version != SupportedLTIVersion {
		return nil, &ValidationError{Kind: KindUnsupportedVersion, Detail: version}
	}

	// 3. Message type.
	msgType, _ := claims[ClaimMessageType].(string)
	switch msgType {
	case MsgTypeResourceLink, MsgTypeDeepLink, MsgTypeSubmissionReview:
	default:
		return nil, &ValidationError{Kind: KindInvalidMessageType, Detail: msgType}
	}

	// 4. Audience contains our client id.
	if !audienceContains(claims["aud"], v.ClientID) {
		return nil, &ValidationError{
			Kind:   KindAudienceMismatch,
			Detail: fmt.Sprintf("expected %q in aud", v.ClientID),
		}
	}

	// 5. Validity window.
	now := v.now()
	exp, ok := numericClaim(claims["exp"])
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "exp is not numeric"}
	}
	iat, ok := numericClaim(claims["iat"])
	if !ok {
		return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "iat is not numeric"}
	}
	if now.Add(-v.ClockSkew).Unix() >= exp {
		return nil, &ValidationError{Kind: KindTokenExpired, Detail: "token expired"}
	}
	if now.Add(v.ClockSkew).Unix() < iat {
		return nil, &ValidationError{Kind: KindTokenNotYetValid, Detail: "token issued in the future"}
	}

	// 6. Nonce redemption (the single side effect).
	nonce, _ := claims["nonce"].(string)
	result, err := v.Nonces.Consume(ctx, nonce, v.NonceMaxAge)
	if err != nil {
		return nil, &ValidationError{Kind: KindStorageUnavailable, Detail: "nonce store: " + err.Error()}
	}
	if result != ConsumeOK {
		return nil, &ValidationError{Kind: KindReplayDetected, Detail: fmt.Sprintf("nonce consume result %d", result)}
	}

	// 7. Context and role shape.
	vl := &ValidatedLaunch{
		Issuer:       stringClaim(claims["iss"]),
		Subject:      stringClaim(claims["sub"]),
		DeploymentID: stringClaim(claims[ClaimDeployment]),
		MessageType:  msgType,
		Raw:          claims,
	}
	if raw, ok := claims[ClaimContext]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "context claim must be an object"}
		}
		id, _ := obj["id"].(string)
		if id == "" {
			return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "context claim missing id"}
		}
		vl.ContextID = id
		vl.ContextTitle, _ = obj["title"].(string)
	}
	if raw, ok := claims[ClaimRoles]; ok {
		roles, ok := toStringSlice(raw)
		if !ok {
			return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "roles claim must be a list"}
		}
		for _, role := range roles {
			if !knownRoleURI(role) {
				// Vocabulary grows; unknown URIs are informational only.
				v.log().Warn("unknown role URI in launch", zap.String("role", role))
			}
		}
		vl.Roles = roles
	}

	// 8. Custom claim shape.
	if raw, ok := claims[ClaimCustom]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Kind: KindMalformedClaim, Detail: "custom claim must be an object"}
		}
		for key := range obj {
			if key == "" || strings.ContainsRune(key, ' ') {
				return nil, &ValidationError{Kind: KindMalformedClaim, Detail: fmt.Sprintf("invalid custom claim key %q", key)}
			}
		}
	}

	if raw, ok := claims[ClaimResourceLink].(map[string]any); ok {
		vl.ResourceLinkID, _ = raw["id"].(string)
	}
	if raw, ok := claims[ClaimToolPlatform].(map[string]any); ok {
		vl.PlatformURL, _ = raw["url"].(string)
	}
	return vl, nil
}

/* --------------------------------- helpers ---------------------------------- */

// audienceContains accepts the JSON shapes an aud claim shows up as.
func audienceContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return strings.TrimSpace(v) == want
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) == want {
				return true
			}
		}
	}
	return false
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v any) ([]string, bool) {
	switch xs := v.(type) {
	case []string:
		return xs, true
	case []any:
		out := make([]string, 0, len(xs))
		for _, item := range xs {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func knownRoleURI(role string) bool {
	for _, prefix := range knownRolePrefixes {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}
