package lti

import (
	"errors"
	"fmt"
	"strings"
)

/*
Error taxonomy for the launch protocol.

Expected protocol failures are typed values so transport handlers can map each
kind to an HTTP status and a generic user-facing message without inspecting
strings. Misconfiguration (missing encryption key, missing signing key in
online mode) is fatal at startup and never reaches these types.
*/

// ValidationKind names a claim-validation failure class.
type ValidationKind string

const (
	KindMissingClaims      ValidationKind = "missing_claims"
	KindUnsupportedVersion ValidationKind = "unsupported_version"
	KindInvalidMessageType ValidationKind = "invalid_message_type"
	KindAudienceMismatch   ValidationKind = "audience_mismatch"
	KindTokenExpired       ValidationKind = "token_expired"
	KindTokenNotYetValid   ValidationKind = "token_not_yet_valid"
	KindReplayDetected     ValidationKind = "replay_detected"
	KindMalformedClaim     ValidationKind = "malformed_claim"
	KindInvalidState       ValidationKind = "invalid_state"
	KindInvalidSignature   ValidationKind = "invalid_signature"

	// KindStorageUnavailable means a backing store could not answer, not
	// that the token failed any check. Callers must surface it as a server
	// fault rather than a launch rejection.
	KindStorageUnavailable ValidationKind = "storage_unavailable"
)

// ValidationError is an expected launch-token rejection. Detail is for the
// audit log only; it must not be echoed back to the user agent.
type ValidationError struct {
	Kind    ValidationKind
	Detail  string
	Missing []string // populated for KindMissingClaims
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("lti: %s: [%s]", e.Kind, strings.Join(e.Missing, ", "))
	}
	if e.Detail != "" {
		return fmt.Sprintf("lti: %s: %s", e.Kind, e.Detail)
	}
	return "lti: " + string(e.Kind)
}

// EstablishmentKind names a session-establishment failure class.
type EstablishmentKind string

const (
	EstablishStorageUnavailable EstablishmentKind = "storage_unavailable"
	EstablishDuplicateLaunch    EstablishmentKind = "duplicate_launch"
)

// EstablishmentError is returned when a validated launch cannot be turned
// into a session. StorageUnavailable maps to a 5xx; DuplicateLaunch indicates
// an entropy/configuration fault and is not retryable.
type EstablishmentError struct {
	Kind EstablishmentKind
	Err  error
}

func (e *EstablishmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lti: establish: %s: %v", e.Kind, e.Err)
	}
	return "lti: establish: " + string(e.Kind)
}

func (e *EstablishmentError) Unwrap() error { return e.Err }

var (
	// ErrNotFound is returned by stores for absent or expired keys.
	ErrNotFound = errors.New("lti: not found")

	// ErrCorruptPayload is returned when a launch payload is present and
	// unexpired but fails authenticated decryption. Callers must treat it as
	// a potential security event, never as "no data".
	ErrCorruptPayload = errors.New("lti: corrupt payload")

	// ErrDuplicateSession is returned by session stores on a session-key or
	// launch-id collision.
	ErrDuplicateSession = errors.New("lti: duplicate session")

	// ErrPlatformNotFound is returned when no active platform matches the
	// issuer/client hints of a login initiation.
	ErrPlatformNotFound = errors.New("lti: platform not registered")
)
