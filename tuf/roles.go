package tuf

import (
	"time"

	cjson "github.com/docker/go/canonical/json"
)

// keyID is the SHA-256 hex digest of a public key's canonical-JSON
// encoding (§3.2).
type keyID string

// hashingMethod names a supported FileInfo hash algorithm.
type hashingMethod string

// role names one of the five well-known metadata files.
type role string

// signingMethod names a signature scheme. Only methodED25519 is
// implemented; other values round-trip through the envelope but are
// treated as unverifiable (§4.2).
type signingMethod string

const (
	methodED25519 signingMethod = "ed25519"

	roleRoot      role = "root"
	roleTimestamp role = "timestamp"
	roleSnapshot  role = "snapshot"
	roleMirrors   role = "mirrors"
	roleTargets   role = "targets"

	hashSHA256 hashingMethod = "sha256"

	indexMetaSuffixGz = ".tar.gz"
	indexMetaSuffix   = ".tar"
)

// Envelope is the outer `{signed, signatures}` wrapper shared by all
// five roles (§3.1). Signed is kept as raw bytes alongside the typed
// payload so signature verification always operates on the exact
// on-the-wire representation, never a re-serialization (§3.1).
type Envelope struct {
	Signed     cjson.RawMessage `json:"signed"`
	Signatures []Signature      `json:"signatures"`
}

// Signature binds a keyid to a signing method and a base64 value.
type Signature struct {
	KeyID  keyID         `json:"keyid"`
	Method signingMethod `json:"method"`
	Value  string        `json:"sig"`
}

// Key is a public signing key. Only ed25519 keys are meaningful; other
// key types parse but never verify (§4.1).
type Key struct {
	KeyType string `json:"keytype"`
	KeyVal  KeyVal `json:"keyval"`
}

// KeyVal carries the base64 public key material.
type KeyVal struct {
	Public string `json:"public"`
}

func (k Key) canonicalJSON() ([]byte, error) {
	return cjson.MarshalCanonical(k)
}

// RoleKeys names the keyids and threshold authorized to sign a role
// (§3.1 Root.roles).
type RoleKeys struct {
	KeyIDs    []keyID `json:"keyids"`
	Threshold int     `json:"threshold"`
}

// FileInfo binds a length and a set of hashes to a named file (§3.1,
// §4.1). Length is authoritative: downloads are refused beyond it.
type FileInfo struct {
	Length int64                    `json:"length"`
	Hashes map[hashingMethod]string `json:"hashes"`
}

// Equal reports whether two FileInfo values describe the same bytes.
func (f FileInfo) Equal(o FileInfo) bool {
	if f.Length != o.Length {
		return false
	}
	if len(f.Hashes) != len(o.Hashes) {
		return false
	}
	for algo, h := range f.Hashes {
		oh, ok := o.Hashes[algo]
		if !ok || oh != h {
			return false
		}
	}
	return true
}

// SignedRoot is the payload of the root role (§3.1).
type SignedRoot struct {
	Type    string            `json:"_type"`
	Version int               `json:"version"`
	Expires time.Time         `json:"expires"`
	Keys    map[keyID]Key     `json:"keys"`
	Roles   map[role]RoleKeys `json:"roles"`
}

func (s SignedRoot) canonicalJSON() ([]byte, error) { return cjson.MarshalCanonical(s) }
func (s SignedRoot) version() int                   { return s.Version }
func (s SignedRoot) expires() time.Time             { return s.Expires }

// Root is the root role envelope.
type Root struct {
	Signed     SignedRoot  `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// SignedTimestamp is the payload of the timestamp role (§3.1).
type SignedTimestamp struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileInfo `json:"meta"`
}

func (s SignedTimestamp) canonicalJSON() ([]byte, error) { return cjson.MarshalCanonical(s) }
func (s SignedTimestamp) version() int                   { return s.Version }
func (s SignedTimestamp) expires() time.Time             { return s.Expires }

// SnapshotInfo returns the FileInfo for snapshot.json from a trusted
// timestamp, or false if absent.
func (s SignedTimestamp) SnapshotInfo() (FileInfo, bool) {
	fi, ok := s.Meta[string(roleSnapshot)+".json"]
	return fi, ok
}

// Timestamp is the timestamp role envelope.
type Timestamp struct {
	Signed     SignedTimestamp `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// SignedSnapshot is the payload of the snapshot role (§3.1).
type SignedSnapshot struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileInfo `json:"meta"`
}

func (s SignedSnapshot) canonicalJSON() ([]byte, error) { return cjson.MarshalCanonical(s) }
func (s SignedSnapshot) version() int                   { return s.Version }
func (s SignedSnapshot) expires() time.Time             { return s.Expires }

// RootInfo returns the FileInfo for root.json, or false if absent.
func (s SignedSnapshot) RootInfo() (FileInfo, bool) {
	fi, ok := s.Meta[string(roleRoot)+".json"]
	return fi, ok
}

// MirrorsInfo returns the FileInfo for mirrors.json, or false if absent.
func (s SignedSnapshot) MirrorsInfo() (FileInfo, bool) {
	fi, ok := s.Meta[string(roleMirrors)+".json"]
	return fi, ok
}

// IndexInfo returns the FileInfo for the compressed and, if present,
// uncompressed index tarball (§3.1).
func (s SignedSnapshot) IndexInfo(indexName string) (gz FileInfo, gzOK bool, un FileInfo, unOK bool) {
	gz, gzOK = s.Meta[indexName+indexMetaSuffixGz]
	un, unOK = s.Meta[indexName+indexMetaSuffix]
	return
}

// Snapshot is the snapshot role envelope.
type Snapshot struct {
	Signed     SignedSnapshot `json:"signed"`
	Signatures []Signature    `json:"signatures"`
}

// MirrorContentSpec names the content served by a mirror entry. Only
// "full" is recognised (§3.1).
type MirrorContentSpec string

const mirrorContentFull MirrorContentSpec = "full"

// MirrorEntry is one mirror URI with its content specification.
type MirrorEntry struct {
	URLBase string            `json:"urlbase"`
	Content MirrorContentSpec `json:"content"`
}

// SignedMirrors is the payload of the mirrors role (§3.1). This role
// has no analogue in the teacher repo (which hardcodes one mirror
// URL); it is added to carry §4.6's "mirrors from the trusted
// mirrors.json" requirement.
type SignedMirrors struct {
	Type    string        `json:"_type"`
	Version int           `json:"version"`
	Expires time.Time     `json:"expires"`
	Mirrors []MirrorEntry `json:"mirrors"`
}

func (s SignedMirrors) canonicalJSON() ([]byte, error) { return cjson.MarshalCanonical(s) }
func (s SignedMirrors) version() int                   { return s.Version }
func (s SignedMirrors) expires() time.Time             { return s.Expires }

// Mirrors is the mirrors role envelope.
type Mirrors struct {
	Signed     SignedMirrors `json:"signed"`
	Signatures []Signature   `json:"signatures"`
}

// SignedTargets is the payload of the targets role (§3.1). Delegated
// targets are a Non-goal (§1): unlike the teacher's Targets type there
// is no Delegations field here.
type SignedTargets struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Targets map[string]FileInfo `json:"targets"`
}

func (s SignedTargets) canonicalJSON() ([]byte, error) { return cjson.MarshalCanonical(s) }
func (s SignedTargets) version() int                   { return s.Version }
func (s SignedTargets) expires() time.Time             { return s.Expires }

// Targets is the targets role envelope.
type Targets struct {
	Signed     SignedTargets `json:"signed"`
	Signatures []Signature   `json:"signatures"`
}
