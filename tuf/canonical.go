package tuf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

// canonicalize returns the canonical-JSON encoding of v: UTF-8, object
// keys sorted byte-lexicographically, no insignificant whitespace,
// minimal escaping (§4.1). Grounded on tuf/roles.go's canonicalJSON()
// methods, centralized here so every role shares one implementation.
func canonicalize(v interface{}) ([]byte, error) {
	return cjson.MarshalCanonical(v)
}

// deriveKeyID computes a key's ID: the SHA-256 hex of its canonical
// JSON encoding (§3.2).
func deriveKeyID(k Key) (keyID, error) {
	buf, err := k.canonicalJSON()
	if err != nil {
		return "", errors.Wrap(err, "canonicalizing key")
	}
	sum := sha256.Sum256(buf)
	return keyID(hex.EncodeToString(sum[:])), nil
}

// decodeStrict parses a JSON payload into v, rejecting unknown fields.
// This is the "strict" parsing required for payload position by §4.2;
// the outer envelope is decoded permissively via encoding/json's
// default behavior so unknown signature methods are tolerated and
// merely treated as unverifiable (§4.2).
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errDeserialization(err)
	}
	if dec.More() {
		return errDeserialization(errors.New("trailing data after JSON value"))
	}
	return nil
}

// verifyFileInfo computes length and every listed hash of rdr in one
// streaming pass (§4.1). It returns nil only if length matches AND
// every listed hash matches.
func verifyFileInfo(rdr io.Reader, info FileInfo) error {
	type tracked struct {
		h    hash.Hash
		want []byte
	}
	var checks []tracked
	for algo, hexHash := range info.Hashes {
		if algo != hashSHA256 {
			return errors.Errorf("unsupported hash algorithm %q", algo)
		}
		want, err := hex.DecodeString(hexHash)
		if err != nil {
			return errors.Wrap(err, "decoding expected hash")
		}
		h := sha256.New()
		rdr = io.TeeReader(rdr, h)
		checks = append(checks, tracked{h, want})
	}
	length, err := io.Copy(io.Discard, rdr)
	if err != nil {
		return errors.Wrap(err, "reading file for integrity check")
	}
	if length != info.Length {
		return errors.Errorf("file length %d does not match expected %d", length, info.Length)
	}
	for _, c := range checks {
		if !bytes.Equal(c.h.Sum(nil), c.want) {
			return errors.New("file hash does not match expected value")
		}
	}
	return nil
}

// hashBytes returns the hex SHA-256 digest of b, used to compare two
// raw root.json instances byte-for-byte (§4.7.2).
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
