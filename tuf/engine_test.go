package tuf

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routesTransport is a fake Transport keyed on the full request URI
// (mirror base + relative path), letting tests stand up a whole
// repository fixture without net/http/httptest.
type routesTransport struct {
	routes map[string][]byte
	// ranges holds the full uncompressed content addressable bodies are
	// sliced from when GetRange is exercised (the incremental index
	// path, §4.6). Keyed the same way as routes: full request URI.
	ranges map[string][]byte
}

type fixtureNotFound string

func (e fixtureNotFound) Error() string { return "fixture route not found: " + string(e) }

func (r *routesTransport) Get(headers []RequestHeader, uri string, cb func(ResponseCapabilities, BodyReader) error) error {
	data, ok := r.routes[uri]
	if !ok {
		return newRemoteError(uri, fixtureNotFound(uri))
	}
	return cb(ResponseCapabilities{AcceptRangesBytes: true}, bytes.NewReader(data))
}

func (r *routesTransport) GetRange(headers []RequestHeader, uri string, rng ByteRange, cb func(ResponseCapabilities, BodyReader) error) error {
	full, ok := r.ranges[uri]
	if !ok {
		return newRemoteError(uri, fixtureNotFound(uri))
	}
	from, to := rng.From, rng.To
	if from < 0 {
		from = 0
	}
	if to > int64(len(full)) {
		to = int64(len(full))
	}
	if from > to {
		from = to
	}
	return cb(ResponseCapabilities{AcceptRangesBytes: true}, bytes.NewReader(full[from:to]))
}

// signerFunc adapts a fixed private key into something buildEnvelope
// can call uniformly, without threading key material through every
// fixture helper.
type signerFunc func([]byte) Signature

func buildEnvelope(t *testing.T, id keyID, sign signerFunc, payload interface{}) []byte {
	t.Helper()
	raw, err := canonicalize(payload)
	require.NoError(t, err)
	var sigs []Signature
	if sign != nil {
		sig := sign(raw)
		sig.KeyID = id
		sigs = []Signature{sig}
	}
	env := struct {
		Signed     json.RawMessage `json:"signed"`
		Signatures []Signature     `json:"signatures"`
	}{Signed: raw, Signatures: sigs}
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}

func fileInfoOf(b []byte) FileInfo {
	return FileInfo{Length: int64(len(b)), Hashes: map[hashingMethod]string{hashSHA256: hashBytes(b)}}
}

func buildIndexTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Typeflag: tar.TypeReg, Mode: 0644}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return gzBuf.Bytes()
}

// repoFixture wires up a complete, self-consistent one-key repository:
// root/timestamp/snapshot/mirrors all signed by the same ed25519 key,
// one package target inside the index tarball.
type repoFixture struct {
	settings Settings
	cache    *Cache
	remote   *RemoteRepo
	routes   map[string][]byte
	rootRaw  []byte
	keyID    keyID
	sign     signerFunc
	pkgID    string
	pkgBytes []byte
	expires  time.Time
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	_, priv, key := genED25519Key(t)
	id, err := deriveKeyID(key)
	require.NoError(t, err)
	sign := func(b []byte) Signature { return signED25519(priv, b) }
	expires := time.Now().Add(24 * time.Hour)

	roleKeys := RoleKeys{KeyIDs: []keyID{id}, Threshold: 1}
	root := SignedRoot{
		Type: "root", Version: 1, Expires: expires,
		Keys:  map[keyID]Key{id: key},
		Roles: map[role]RoleKeys{roleRoot: roleKeys, roleTimestamp: roleKeys, roleSnapshot: roleKeys, roleMirrors: roleKeys, roleTargets: roleKeys},
	}
	rootRaw := buildEnvelope(t, id, sign, root)

	mirrors := SignedMirrors{Type: "mirrors", Version: 1, Expires: expires, Mirrors: []MirrorEntry{{URLBase: "https://backup-mirror", Content: mirrorContentFull}}}
	mirrorsRaw := buildEnvelope(t, id, sign, mirrors)

	pkgID := "widget-1.0.tar.gz"
	pkgBytes := []byte("totally-a-real-package-tarball")
	pkgInfo := fileInfoOf(pkgBytes)

	targets := SignedTargets{Type: "targets", Version: 1, Expires: expires, Targets: map[string]FileInfo{pkgID: pkgInfo}}
	targetsRaw := buildEnvelope(t, id, sign, targets)

	indexGz := buildIndexTarGz(t, map[string][]byte{targetsMetadataPath: targetsRaw})
	gzInfo := fileInfoOf(indexGz)

	snapshot := SignedSnapshot{
		Type: "snapshot", Version: 1, Expires: expires,
		Meta: map[string]FileInfo{
			"root.json":       fileInfoOf(rootRaw),
			"mirrors.json":    fileInfoOf(mirrorsRaw),
			"00/index.tar.gz": gzInfo,
		},
	}
	snapshotRaw := buildEnvelope(t, id, sign, snapshot)

	timestamp := SignedTimestamp{Type: "timestamp", Version: 1, Expires: expires, Meta: map[string]FileInfo{"snapshot.json": fileInfoOf(snapshotRaw)}}
	timestampRaw := buildEnvelope(t, id, sign, timestamp)

	settings := Settings{OutOfBandMirrors: []string{"http://mirror"}, LocalRepoPath: t.TempDir()}
	require.NoError(t, settings.Verify())

	cache, err := NewCache(settings.Cache)
	require.NoError(t, err)
	require.NoError(t, cache.CacheBytes(rootRaw, CacheAsRoot))

	routes := map[string][]byte{
		"http://mirror/timestamp.json":  timestampRaw,
		"http://mirror/snapshot.json":   snapshotRaw,
		"http://mirror/mirrors.json":    mirrorsRaw,
		"http://mirror/00/index.tar.gz": indexGz,
		"http://mirror/" + pkgID:        pkgBytes,
		"http://mirror/root.json":       rootRaw,
	}
	remote := NewRemoteRepo(&settings, &routesTransport{routes: routes})

	return &repoFixture{
		settings: settings, cache: cache, remote: remote, routes: routes,
		rootRaw: rootRaw, keyID: id, sign: sign,
		pkgID: pkgID, pkgBytes: pkgBytes, expires: expires,
	}
}

func TestCheckForUpdatesFetchesEverythingOnFirstRun(t *testing.T) {
	fx := newRepoFixture(t)
	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)

	now := time.Now()
	outcome, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, outcome)

	_, ok := fx.cache.GetCached(roleTimestamp)
	assert.True(t, ok)
	_, ok = fx.cache.GetCached(roleSnapshot)
	assert.True(t, ok)
	_, ok = fx.cache.GetCached(roleMirrors)
	assert.True(t, ok)
	indexPath, ok := fx.cache.IndexPath()
	assert.True(t, ok)
	assert.NotEmpty(t, indexPath)
}

func TestCheckForUpdatesIsIdempotentWhenNothingChanged(t *testing.T) {
	fx := newRepoFixture(t)
	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)

	now := time.Now()
	_, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)

	outcome, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, NoUpdates, outcome)
}

func TestDownloadPackageFetchesAndVerifiesTarget(t *testing.T) {
	fx := newRepoFixture(t)
	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)

	now := time.Now()
	_, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)

	var gotPath string
	var gotContent []byte
	err = engine.DownloadPackage(fx.pkgID, func(tempPath string) error {
		gotPath = tempPath
		data, readErr := os.ReadFile(tempPath)
		gotContent = data
		return readErr
	})
	require.NoError(t, err)
	assert.NotEmpty(t, gotPath)
	assert.Equal(t, fx.pkgBytes, gotContent)
}

func TestDownloadPackageRejectsUnknownTarget(t *testing.T) {
	fx := newRepoFixture(t)
	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)

	now := time.Now()
	_, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)

	err = engine.DownloadPackage("does-not-exist.tar.gz", func(string) error { return nil })
	assert.Equal(t, ErrInvalidPackage, err)
}

func TestCheckForUpdatesGivesUpAfterMaxIterations(t *testing.T) {
	fx := newRepoFixture(t)

	// Corrupt the timestamp's only signature so every verification
	// attempt fails the same way. The root itself stays valid and
	// unchanged, so each retry's root-rotation step succeeds without
	// fixing the underlying problem, and the loop never converges
	// within MaxIterations (§4.7.1, §7 ErrLoop).
	fx.routes["http://mirror/timestamp.json"] = corruptSignature(t, fx.routes["http://mirror/timestamp.json"])

	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)
	now := time.Now()
	_, err := engine.CheckForUpdates(&now)
	require.Error(t, err)
	ve, ok := isVerificationError(err)
	require.True(t, ok)
	assert.Equal(t, ErrLoop, ve.Variant)
	assert.Len(t, ve.History, MaxIterations)
}

func TestUpdateRootDetectsByteLevelChangeOnRetryPath(t *testing.T) {
	fx := newRepoFixture(t)
	engine := NewEngine(&fx.settings, fx.cache, fx.remote, nil)

	now := time.Now()
	_, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)
	_, hasTSBefore := fx.cache.GetCached(roleTimestamp)
	require.True(t, hasTSBefore)

	// Re-encode the same logical root (same version, same keys) but
	// with different envelope bytes (an extra signature under a keyid
	// the root role does not declare, which verification drops),
	// simulating a re-signed-but-unchanged root
	// served during a retry-after-VerificationError: ed25519 signing
	// is deterministic, so a genuinely re-signed root would be
	// byte-identical unless something about the envelope itself
	// differs (here, its signature list). No FileInfo is available to
	// bound this download, so the comparison must fall back to a
	// byte-level hash (§4.7.2).
	trustedRoot, ok, err := fx.cache.LoadTrustedRoot()
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := canonicalize(trustedRoot.Value())
	require.NoError(t, err)
	sig := fx.sign(raw)
	sig.KeyID = fx.keyID
	extra := sig
	extra.KeyID = keyID("undeclared-for-root")
	env := struct {
		Signed     json.RawMessage `json:"signed"`
		Signatures []Signature     `json:"signatures"`
	}{Signed: raw, Signatures: []Signature{sig, extra}}
	resigned, err := json.Marshal(env)
	require.NoError(t, err)
	require.NotEqual(t, fx.rootRaw, resigned)
	fx.routes["http://mirror/root.json"] = resigned

	err = fx.remote.WithMirror(nil, func() error {
		return engine.updateRoot(reasonAfterVerificationError, nil, &now)
	})
	require.NoError(t, err)

	_, hasTS := fx.cache.GetCached(roleTimestamp)
	assert.False(t, hasTS, "ClearCache should have run since the byte comparison found a change")
}

// TestCheckForUpdatesKeyRolloverRaisesUnknownKeyThenConverges exercises
// spec scenario S4: the server rotates the timestamp signing key and
// publishes a new root, snapshot, and timestamp. The root already
// declares the successor key's ID in the timestamp role (a
// pre-announced rotation) but doesn't yet carry its key material, so
// the first verification attempt against the rotated timestamp must
// raise UnknownKey rather than the generic SignaturesMissing. That
// VerificationError drives the engine through updateRoot (which
// fetches the new root, installs it, and clears the cached
// timestamp+snapshot), after which the retry succeeds: the new
// snapshot's index info is unchanged from the cached tarball, so the
// index updates via the incremental path. A following call reports no
// further updates.
func TestCheckForUpdatesKeyRolloverRaisesUnknownKeyThenConverges(t *testing.T) {
	_, oldPriv, oldKey := genED25519Key(t)
	oldID, err := deriveKeyID(oldKey)
	require.NoError(t, err)
	oldSign := func(b []byte) Signature { return signED25519(oldPriv, b) }

	_, newPriv, newKey := genED25519Key(t)
	newID, err := deriveKeyID(newKey)
	require.NoError(t, err)
	newSign := func(b []byte) Signature { return signED25519(newPriv, b) }

	expires1 := time.Now().Add(24 * time.Hour)

	// Root v1 already authorizes the successor key ID for the
	// timestamp role, but only the old key's material has been
	// published; a signature from newID is declared-but-unknown.
	rootV1 := SignedRoot{
		Type: "root", Version: 1, Expires: expires1,
		Keys: map[keyID]Key{oldID: oldKey},
		Roles: map[role]RoleKeys{
			roleRoot:      {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleTimestamp: {KeyIDs: []keyID{oldID, newID}, Threshold: 1},
			roleSnapshot:  {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleMirrors:   {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleTargets:   {KeyIDs: []keyID{oldID}, Threshold: 1},
		},
	}
	rootV1Raw := buildEnvelope(t, oldID, oldSign, rootV1)

	mirrorsRaw := buildEnvelope(t, oldID, oldSign, SignedMirrors{Type: "mirrors", Version: 1, Expires: expires1})

	pkgID := "widget-1.0.tar.gz"
	pkgBytes := []byte("totally-a-real-package-tarball")
	pkgInfo := fileInfoOf(pkgBytes)
	targets := SignedTargets{Type: "targets", Version: 1, Expires: expires1, Targets: map[string]FileInfo{pkgID: pkgInfo}}
	targetsRaw := buildEnvelope(t, oldID, oldSign, targets)

	tarBytes := buildIndexTar(t, map[string][]byte{targetsMetadataPath: targetsRaw})
	indexGz := gzipBytes(t, tarBytes)
	gzInfo := fileInfoOf(indexGz)
	unInfo := fileInfoOf(tarBytes)

	snapshotV1 := SignedSnapshot{
		Type: "snapshot", Version: 1, Expires: expires1,
		Meta: map[string]FileInfo{
			"root.json":       fileInfoOf(rootV1Raw),
			"mirrors.json":    fileInfoOf(mirrorsRaw),
			"00/index.tar.gz": gzInfo,
			"00/index.tar":    unInfo,
		},
	}
	snapshotV1Raw := buildEnvelope(t, oldID, oldSign, snapshotV1)

	timestampV1 := SignedTimestamp{Type: "timestamp", Version: 1, Expires: expires1, Meta: map[string]FileInfo{"snapshot.json": fileInfoOf(snapshotV1Raw)}}
	timestampV1Raw := buildEnvelope(t, oldID, oldSign, timestampV1)

	settings := Settings{OutOfBandMirrors: []string{"http://mirror"}, LocalRepoPath: t.TempDir()}
	require.NoError(t, settings.Verify())
	cache, err := NewCache(settings.Cache)
	require.NoError(t, err)
	require.NoError(t, cache.CacheBytes(rootV1Raw, CacheAsRoot))

	routes := map[string][]byte{
		"http://mirror/timestamp.json":  timestampV1Raw,
		"http://mirror/snapshot.json":   snapshotV1Raw,
		"http://mirror/mirrors.json":    mirrorsRaw,
		"http://mirror/00/index.tar.gz": indexGz,
		"http://mirror/" + pkgID:        pkgBytes,
		"http://mirror/root.json":       rootV1Raw,
	}
	ranges := map[string][]byte{"http://mirror/00/index.tar": tarBytes}
	transport := &routesTransport{routes: routes, ranges: ranges}
	remote := NewRemoteRepo(&settings, transport)
	engine := NewEngine(&settings, cache, remote, nil)

	now := time.Now()

	// S1: first run fetches everything.
	outcome, err := engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, outcome)

	// S2: nothing changed.
	outcome, err = engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, NoUpdates, outcome)

	// Rotate: root v2 publishes the new key's material and hands the
	// timestamp role to it exclusively; snapshot and timestamp are
	// re-signed accordingly. The index and its target set are
	// untouched by the rotation.
	expires2 := time.Now().Add(48 * time.Hour)
	rootV2 := SignedRoot{
		Type: "root", Version: 2, Expires: expires2,
		Keys: map[keyID]Key{oldID: oldKey, newID: newKey},
		Roles: map[role]RoleKeys{
			roleRoot:      {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleTimestamp: {KeyIDs: []keyID{newID}, Threshold: 1},
			roleSnapshot:  {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleMirrors:   {KeyIDs: []keyID{oldID}, Threshold: 1},
			roleTargets:   {KeyIDs: []keyID{oldID}, Threshold: 1},
		},
	}
	rootV2Raw := buildEnvelope(t, oldID, oldSign, rootV2)

	snapshotV2 := SignedSnapshot{
		Type: "snapshot", Version: 2, Expires: expires2,
		Meta: map[string]FileInfo{
			"root.json":       fileInfoOf(rootV2Raw),
			"mirrors.json":    fileInfoOf(mirrorsRaw),
			"00/index.tar.gz": gzInfo,
			"00/index.tar":    unInfo,
		},
	}
	snapshotV2Raw := buildEnvelope(t, oldID, oldSign, snapshotV2)

	timestampV2 := SignedTimestamp{Type: "timestamp", Version: 2, Expires: expires2, Meta: map[string]FileInfo{"snapshot.json": fileInfoOf(snapshotV2Raw)}}
	timestampV2Raw := buildEnvelope(t, newID, newSign, timestampV2)

	routes["http://mirror/timestamp.json"] = timestampV2Raw
	routes["http://mirror/snapshot.json"] = snapshotV2Raw
	routes["http://mirror/root.json"] = rootV2Raw

	// First attempt against the rotated key surfaces UnknownKey
	// internally, triggers updateRoot, and the retry converges in the
	// same CheckForUpdates call.
	outcome, err = engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, outcome)

	trustedRoot, ok, err := cache.LoadTrustedRoot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, trustedRoot.Value().Version)

	// Second call: converged, nothing left to do.
	outcome, err = engine.CheckForUpdates(&now)
	require.NoError(t, err)
	assert.Equal(t, NoUpdates, outcome)
}

func buildIndexTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Typeflag: tar.TypeReg, Mode: 0644}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return tarBuf.Bytes()
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(b)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return gzBuf.Bytes()
}

func corruptSignature(t *testing.T, raw []byte) []byte {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NotEmpty(t, env.Signatures)
	env.Signatures[0].Value = base64.StdEncoding.EncodeToString([]byte("not-a-real-signature"))
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}
