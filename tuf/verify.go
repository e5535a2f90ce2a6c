package tuf

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/pkg/errors"
)

var errSignatureCheckFailed = errors.New("signature check failed")
var errInvalidKeyType = errors.New("invalid key type")

const keyTypeED25519 = "ed25519"

// verifier checks a single signature over signed bytes against a key.
// Grounded on the teacher's verifier interface (tuf/verify.go); the
// only implementation is ed25519 because §4.1 makes it mandatory.
type verifier interface {
	verify(signed []byte, key Key, sig Signature) error
}

func newVerifier(method signingMethod) (verifier, bool) {
	if method == methodED25519 {
		return ed25519Verifier{}, true
	}
	return nil, false
}

type ed25519Verifier struct{}

func (ed25519Verifier) verify(signed []byte, key Key, sig Signature) error {
	if key.KeyType != keyTypeED25519 {
		return errInvalidKeyType
	}
	pub, err := base64.StdEncoding.DecodeString(key.KeyVal.Public)
	if err != nil {
		return errors.Wrap(err, "base64 decoding public key")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("ed25519 public key has wrong length")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return errors.Wrap(err, "base64 decoding signature")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return errors.New("ed25519 signature has wrong length")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signed, sigBytes) {
		return errSignatureCheckFailed
	}
	return nil
}
