package tuf

import (
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
)

// signedPayload is satisfied by every role's Signed* payload type; it
// exposes the two fields verify_role needs to enforce freshness and
// rollback protection (§4.3).
type signedPayload interface {
	version() int
	expires() time.Time
}

// Trusted wraps a payload that has passed signature, version and
// expiry checks, or that was loaded from the local cache (§3.3). The
// zero value is never valid; it is produced only by VerifyRole,
// VerifyFingerprints and the Cache.LoadTrusted* loaders, all through
// the unexported trustedValue.
type Trusted[T signedPayload] struct {
	value T
}

// Value returns the wrapped payload.
func (t Trusted[T]) Value() T { return t.value }

// trustedValue constructs a Trusted wrapper. Unexported: only this
// package's verification entry points may call it.
func trustedValue[T signedPayload](v T) Trusted[T] { return Trusted[T]{value: v} }

// VerifyRole implements §4.3's verify_role operation:
//
//	verify_role(trusted_root, target_path, min_version, now, raw_signed) -> Verified
//
// Steps run in the mandatory order: (a) look up each signature's keyid
// in the role's keyids, dropping undeclared ones — but a keyid that
// *is* declared and yet missing from the current trusted key
// environment is an UnknownKey error, not a silent drop; (b) verify
// cryptographic signatures; (c) count distinct valid keys, failing
// SignaturesNotUnique on duplicates or SignaturesMissing below
// threshold; (d) enforce minVersion if given; (e) enforce expiry
// against now if given. This ordering is mandatory (§4.3 rationale):
// an attacker presenting an expired-but-validly-signed file and an
// unexpired-but-invalidly-signed file must never be confused for one
// another.
func VerifyRole[T signedPayload](
	path string,
	roleKeys RoleKeys,
	allKeys map[keyID]Key,
	rawSigned []byte,
	sigs []Signature,
	minVersion *int,
	now *time.Time,
) (Trusted[T], error) {
	var zero Trusted[T]

	allowed := make(map[keyID]struct{}, len(roleKeys.KeyIDs))
	for _, id := range roleKeys.KeyIDs {
		allowed[id] = struct{}{}
	}

	validKeys := make(map[keyID]struct{})
	for _, sig := range sigs {
		if _, ok := allowed[sig.KeyID]; !ok {
			continue // (a) drop signatures whose keyid isn't declared for this role
		}
		key, ok := allKeys[sig.KeyID]
		if !ok {
			// declared for the role but the key material isn't in the
			// current trusted environment: this is not a missing
			// signature, it's an unknown key (§7).
			return zero, errUnknownKey(sig.KeyID)
		}
		v, supported := newVerifier(sig.Method)
		if !supported {
			continue // unknown method: unverifiable, skipped per §4.2
		}
		if err := v.verify(rawSigned, key, sig); err != nil {
			continue
		}
		if _, dup := validKeys[sig.KeyID]; dup {
			return zero, errSignaturesNotUnique(path) // (c) one key signed twice
		}
		validKeys[sig.KeyID] = struct{}{} // (b)
	}

	// (c) count distinct valid keys.
	if roleKeys.Threshold < 1 {
		roleKeys.Threshold = 1
	}
	if len(validKeys) < roleKeys.Threshold {
		return zero, errSignaturesMissing(path)
	}

	var payload T
	if err := decodeStrict(rawSigned, &payload); err != nil {
		return zero, err
	}

	// (d) version.
	if minVersion != nil && payload.version() < *minVersion {
		return zero, errVersionTooLow(path, payload.version(), *minVersion)
	}

	// (e) expiry.
	if now != nil && !payload.expires().After(*now) {
		return zero, errExpired(path)
	}

	return trustedValue(payload), nil
}

// VerifyFingerprints implements §4.8's bootstrap variant of
// verify_role: signatures are accepted if they come from a key whose
// ID is in the caller-supplied trusted set, rather than from a
// previously-trusted root. threshold == 0 means "trust on first use"
// and is accepted unconditionally (§4.8).
func VerifyFingerprints(
	trustedKeyIDs []keyID,
	threshold int,
	allKeys map[keyID]Key,
	rawSigned []byte,
	sigs []Signature,
) (Trusted[SignedRoot], error) {
	var zero Trusted[SignedRoot]

	if threshold == 0 {
		var payload SignedRoot
		if err := decodeStrict(rawSigned, &payload); err != nil {
			return zero, err
		}
		return trustedValue(payload), nil
	}

	trusted := make(map[keyID]struct{}, len(trustedKeyIDs))
	for _, id := range trustedKeyIDs {
		trusted[id] = struct{}{}
	}

	validKeys := make(map[keyID]struct{})
	for _, sig := range sigs {
		if _, ok := trusted[sig.KeyID]; !ok {
			continue
		}
		key, ok := allKeys[sig.KeyID]
		if !ok {
			return zero, errUnknownKey(sig.KeyID)
		}
		v, supported := newVerifier(sig.Method)
		if !supported {
			continue
		}
		if err := v.verify(rawSigned, key, sig); err != nil {
			continue
		}
		validKeys[sig.KeyID] = struct{}{}
	}

	if len(validKeys) < threshold {
		return zero, errSignaturesMissing("root")
	}

	var payload SignedRoot
	if err := decodeStrict(rawSigned, &payload); err != nil {
		return zero, err
	}
	return trustedValue(payload), nil
}

// clockNow returns now from c, or time.Now() if c is nil. Grounded on
// the teacher's use of github.com/WatchBeam/clock for test
// determinism (tuf/tuf_test.go, tuf/client_test.go).
func clockNow(c clock.Clock) time.Time {
	if c == nil {
		return time.Now()
	}
	return c.Now()
}

var errNowRequired = errors.New("now is required")
