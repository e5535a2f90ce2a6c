package tuf

import (
	"github.com/pkg/errors"
)

// Bootstrap implements §4.8: initial root installation against a set
// of out-of-band root key IDs and a threshold (0 means trust-on-first-
// use). Grounded on example/cmd/main.go's "download the four role
// files with no verification" flow, replaced here with a verified
// fingerprint-matching bootstrap — the teacher's version never checks
// anything at this step, which §4.8 requires.
//
// trustedKeyIDs are passed as plain strings because keyID is internal
// to this package; callers obtain them out-of-band (e.g. baked into
// the application binary or its configuration).
func Bootstrap(cache *Cache, remote *RemoteRepo, trustedKeyIDs []string, threshold int) error {
	ids := make([]keyID, len(trustedKeyIDs))
	for i, s := range trustedKeyIDs {
		ids[i] = keyID(s)
	}

	return remote.WithMirror(nil, func() error {
		rawRoot, err := remote.FetchRoot(false, nil)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(rawRoot)
		if err != nil {
			return err
		}
		var payload SignedRoot
		if err := decodeStrict(env.Signed, &payload); err != nil {
			return err
		}
		if _, err := VerifyFingerprints(ids, threshold, payload.Keys, env.Signed, env.Signatures); err != nil {
			return errors.Wrap(err, "bootstrap root failed fingerprint verification")
		}
		if err := cache.CacheBytes(rawRoot, CacheAsRoot); err != nil {
			return err
		}
		return cache.ClearCache()
	})
}
