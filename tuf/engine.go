package tuf

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
)

// targetsMetadataPath is the well-known location of targets.json inside
// the index tarball (§4.7.3).
const targetsMetadataPath = "targets.json"

// Outcome is check_for_updates' result (§4.7.1).
type Outcome int

const (
	NoUpdates Outcome = iota
	HasUpdates
)

func (o Outcome) String() string {
	if o == HasUpdates {
		return "HasUpdates"
	}
	return "NoUpdates"
}

type rootUpdateReason int

const (
	reasonNewRootInSnapshot rootUpdateReason = iota
	reasonAfterVerificationError
)

// Engine is C7, the update engine: check_for_updates, update_root and
// download_package. Grounded on tuf/client.go's Update/Download,
// generalized from a single linear fetch into the retry-with-history
// state machine of §4.7.1-4.7.3 (missing entirely from the teacher,
// whose tuf/tuf_test.go root/timestamp key-rotation tests establish
// that this lineage is expected to support it).
type Engine struct {
	settings *Settings
	cache    *Cache
	remote   *RemoteRepo
	clock    clock.Clock
}

// NewEngine wires the three collaborators together.
func NewEngine(settings *Settings, cache *Cache, remote *RemoteRepo, c clock.Clock) *Engine {
	return &Engine{settings: settings, cache: cache, remote: remote, clock: c}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errDeserialization(err)
	}
	return env, nil
}

func (e *Engine) resolveNow(nowOpt *time.Time) *time.Time {
	if nowOpt != nil {
		return nowOpt
	}
	t := clockNow(e.clock)
	return &t
}

func (e *Engine) loadTrustedMirrorEntries() []MirrorEntry {
	m, ok, err := e.cache.LoadTrustedMirrors()
	if err != nil || !ok {
		return nil
	}
	return m.Value().Mirrors
}

// CheckForUpdates implements §4.7.1 end to end, including the outer
// with_mirror scope required of its entry point.
func (e *Engine) CheckForUpdates(nowOpt *time.Time) (Outcome, error) {
	var outcome Outcome
	err := e.remote.WithMirror(e.loadTrustedMirrorEntries(), func() error {
		o, err := e.checkForUpdatesLoop(nowOpt)
		outcome = o
		return err
	})
	return outcome, err
}

func (e *Engine) checkForUpdatesLoop(nowOpt *time.Time) (Outcome, error) {
	var history []HistoryEntry
	isRetry := false
	for i := 0; i < MaxIterations; i++ {
		outcome, err := e.checkOnce(nowOpt, isRetry)
		if err == nil {
			return outcome, nil
		}
		if _, ok := err.(rootUpdated); ok {
			history = append(history, HistoryEntry{RootUpdated: true})
			isRetry = true
			continue
		}
		if _, ok := isVerificationError(err); ok {
			history = append(history, HistoryEntry{Err: err})
			if rerr := e.updateRoot(reasonAfterVerificationError, nil, nowOpt); rerr != nil {
				return NoUpdates, rerr
			}
			isRetry = true
			continue
		}
		// Non-verification errors (RemoteError, internal failures) are
		// not recoverable by root rotation and are not part of the
		// retry loop (§7: only VerificationError triggers it).
		return NoUpdates, err
	}
	return NoUpdates, errLoop(history)
}

// checkOnce runs one iteration of the §4.7.1 pseudocode. A return of
// rootUpdated{} signals "abort with RootUpdated"; any *VerificationError
// signals "except VerificationError e"; any other error is a transport
// or internal failure and is not part of the retry protocol.
func (e *Engine) checkOnce(nowOpt *time.Time, isRetry bool) (Outcome, error) {
	now := e.resolveNow(nowOpt)

	trustedRoot, hasRoot, err := e.cache.LoadTrustedRoot()
	if err != nil {
		return NoUpdates, err
	}
	if !hasRoot {
		return NoUpdates, errors.New("no trusted root in cache; Bootstrap must run first")
	}
	root := trustedRoot.Value()

	cachedTimestamp, hasCachedTS, err := e.cache.LoadTrustedTimestamp()
	if err != nil {
		return NoUpdates, err
	}

	// --- timestamp ---
	rawTS, err := e.remote.FetchTimestamp(isRetry)
	if err != nil {
		return NoUpdates, err
	}
	envTS, err := decodeEnvelope(rawTS)
	if err != nil {
		return NoUpdates, err
	}
	var minTSVersion *int
	if hasCachedTS {
		v := cachedTimestamp.Value().Version
		minTSVersion = &v
	}
	trustedTS, err := VerifyRole[SignedTimestamp]("timestamp.json", root.Roles[roleTimestamp], root.Keys, envTS.Signed, envTS.Signatures, minTSVersion, now)
	if err != nil {
		return NoUpdates, err
	}
	newTS := trustedTS.Value()

	newSnapInfo, _ := newTS.SnapshotInfo()
	if hasCachedTS {
		if cachedSnapInfo, ok := cachedTimestamp.Value().SnapshotInfo(); ok && cachedSnapInfo.Equal(newSnapInfo) {
			if err := e.cache.CacheBytes(rawTS, CacheAsTimestamp); err != nil {
				return NoUpdates, err
			}
			return NoUpdates, nil
		}
	}

	// --- snapshot ---
	cachedSnapshot, hasCachedSnap, err := e.cache.LoadTrustedSnapshot()
	if err != nil {
		return NoUpdates, err
	}
	rawSS, err := e.remote.FetchSnapshot(isRetry, newSnapInfo)
	if err != nil {
		return NoUpdates, err
	}
	if err := verifyFileInfo(bytes.NewReader(rawSS), newSnapInfo); err != nil {
		return NoUpdates, errFileInfoMismatch("snapshot.json")
	}
	envSS, err := decodeEnvelope(rawSS)
	if err != nil {
		return NoUpdates, err
	}
	var minSSVersion *int
	if hasCachedSnap {
		v := cachedSnapshot.Value().Version
		minSSVersion = &v
	}
	trustedSS, err := VerifyRole[SignedSnapshot]("snapshot.json", root.Roles[roleSnapshot], root.Keys, envSS.Signed, envSS.Signatures, minSSVersion, now)
	if err != nil {
		return NoUpdates, err
	}
	newSS := trustedSS.Value()

	// --- root rotation check ---
	newRootInfo, hasNewRootInfo := newSS.RootInfo()
	rootChanged := false
	if hasCachedSnap && hasNewRootInfo {
		if cRootInfo, ok := cachedSnapshot.Value().RootInfo(); ok && !cRootInfo.Equal(newRootInfo) {
			rootChanged = true
		}
	}
	if rootChanged {
		if err := e.updateRoot(reasonNewRootInSnapshot, &newRootInfo, nowOpt); err != nil {
			return NoUpdates, err
		}
		return NoUpdates, rootUpdated{}
	}

	// --- mirrors ---
	newMirrorsInfo, hasNewMirrorsInfo := newSS.MirrorsInfo()
	mirrorsChanged := hasNewMirrorsInfo
	if hasCachedSnap && hasNewMirrorsInfo {
		if cMirrorsInfo, ok := cachedSnapshot.Value().MirrorsInfo(); ok && cMirrorsInfo.Equal(newMirrorsInfo) {
			mirrorsChanged = false
		}
	}
	var tentativeMirrors []byte
	if mirrorsChanged {
		raw, err := e.remote.FetchMirrors(isRetry, newMirrorsInfo)
		if err != nil {
			return NoUpdates, err
		}
		if err := verifyFileInfo(bytes.NewReader(raw), newMirrorsInfo); err != nil {
			return NoUpdates, errFileInfoMismatch("mirrors.json")
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return NoUpdates, err
		}
		if _, err := VerifyRole[SignedMirrors]("mirrors.json", root.Roles[roleMirrors], root.Keys, env.Signed, env.Signatures, nil, now); err != nil {
			return NoUpdates, err
		}
		tentativeMirrors = raw
	}

	// --- index ---
	newGzInfo, hasGzInfo, newUnInfo, hasUnInfo := newSS.IndexInfo(e.settings.IndexName)
	indexChanged := hasGzInfo
	if hasCachedSnap {
		if cGzInfo, cGzOK, cUnInfo, cUnOK := cachedSnapshot.Value().IndexInfo(e.settings.IndexName); cGzOK == hasGzInfo && cUnOK == hasUnInfo {
			if cGzInfo.Equal(newGzInfo) && (!hasUnInfo || cUnInfo.Equal(newUnInfo)) {
				indexChanged = false
			}
		}
	}
	var tentativeIndexPath string
	if indexChanged {
		tentativeIndexPath, err = e.updateIndex(newGzInfo, newUnInfo, hasUnInfo)
		if err != nil {
			return NoUpdates, err
		}
		defer os.Remove(tentativeIndexPath)
	}

	// --- promote ---
	if err := e.cache.CacheBytes(rawTS, CacheAsTimestamp); err != nil {
		return NoUpdates, err
	}
	if err := e.cache.CacheBytes(rawSS, CacheAsSnapshot); err != nil {
		return NoUpdates, err
	}
	if mirrorsChanged {
		if err := e.cache.CacheBytes(tentativeMirrors, CacheAsMirrors); err != nil {
			return NoUpdates, err
		}
	}
	if indexChanged {
		if err := e.cache.CacheRemoteFile(tentativeIndexPath, CacheIndex); err != nil {
			return NoUpdates, err
		}
	}
	return HasUpdates, nil
}

// updateRoot implements §4.7.2.
func (e *Engine) updateRoot(reason rootUpdateReason, maybeInfo *FileInfo, nowOpt *time.Time) error {
	now := e.resolveNow(nowOpt)

	trustedRoot, hasRoot, err := e.cache.LoadTrustedRoot()
	if err != nil {
		return err
	}
	if !hasRoot {
		return errors.New("no trusted root in cache; Bootstrap must run first")
	}
	oldRaw, _, err := e.cache.readCached(roleRoot)
	if err != nil {
		return err
	}

	isRetry := reason == reasonAfterVerificationError
	rawNewRoot, err := e.remote.FetchRoot(isRetry, maybeInfo)
	if err != nil {
		return err
	}
	if maybeInfo != nil {
		if err := verifyFileInfo(bytes.NewReader(rawNewRoot), *maybeInfo); err != nil {
			return errFileInfoMismatch("root.json")
		}
	}
	env, err := decodeEnvelope(rawNewRoot)
	if err != nil {
		return err
	}
	root := trustedRoot.Value()
	minVersion := root.Version
	if _, err := VerifyRole[SignedRoot]("root.json", root.Roles[roleRoot], root.Keys, env.Signed, env.Signatures, &minVersion, now); err != nil {
		return err
	}

	var changed bool
	if maybeInfo != nil {
		changed = true
	} else {
		changed = oldRaw == nil || hashBytes(oldRaw) != hashBytes(rawNewRoot)
	}
	if !changed {
		return nil
	}
	if err := e.cache.CacheBytes(rawNewRoot, CacheAsRoot); err != nil {
		return err
	}
	return e.cache.ClearCache()
}

// updateIndex implements §4.6's method selection and the
// incremental-then-degrade-to-full retry described there.
func (e *Engine) updateIndex(gzInfo FileInfo, unInfo FileInfo, hasUnInfo bool) (string, error) {
	localPath, hasLocal := e.cache.IndexPath()
	localLen := e.cache.IndexLen()

	method, _ := e.remote.DecideDownloadMethod(false, localLen, hasLocal, gzInfo, unInfo, hasUnInfo)
	if method != MethodUpdate {
		return e.downloadIndexFull(gzInfo)
	}

	rng := ByteRange{From: localLen - e.settings.TrailerLength, To: unInfo.Length}
	tail, err := e.remote.FetchIndexRange(e.settings.IndexName, rng)
	if err != nil {
		if _, ok := isVerificationError(err); ok {
			return e.downloadIndexFull(gzInfo)
		}
		return "", err
	}
	tmpPath, err := e.assembleIncrementalIndex(localPath, tail, unInfo)
	if err != nil {
		if _, ok := isVerificationError(err); ok {
			return e.downloadIndexFull(gzInfo)
		}
		return "", err
	}
	return tmpPath, nil
}

func (e *Engine) assembleIncrementalIndex(localPath string, tail []byte, unInfo FileInfo) (string, error) {
	prefixLen := e.cache.IndexLen() - e.settings.TrailerLength
	if prefixLen < 0 {
		prefixLen = 0
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "opening local index for incremental update")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(e.settings.Cache.Dir, ".tmp-index-incr-")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file for incremental index")
	}
	tmpPath := tmp.Name()

	if _, err := io.CopyN(tmp, src, prefixLen); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "copying stable index prefix")
	}
	if _, err := tmp.Write(tail); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "appending downloaded index tail")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := verifyFileInfo(tmp, unInfo); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errFileInfoMismatch(e.settings.IndexName)
	}
	tmp.Close()
	return tmpPath, nil
}

func (e *Engine) downloadIndexFull(gzInfo FileInfo) (string, error) {
	raw, err := e.remote.FetchIndexFull(e.settings.IndexName, gzInfo)
	if err != nil {
		return "", err
	}
	if err := verifyFileInfo(bytes.NewReader(raw), gzInfo); err != nil {
		return "", errFileInfoMismatch(e.settings.IndexName + indexMetaSuffixGz)
	}
	gzr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", errors.Wrap(err, "opening index gzip stream")
	}
	defer gzr.Close()

	tmp, err := os.CreateTemp(e.settings.Cache.Dir, ".tmp-index-full-")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file for full index download")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, gzr); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "decompressing index tarball")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// DownloadPackage implements §4.7.3.
func (e *Engine) DownloadPackage(pkgID string, callback func(tempPath string) error) error {
	return e.remote.WithMirror(e.loadTrustedMirrorEntries(), func() error {
		return e.downloadPackageLocked(pkgID, callback)
	})
}

func (e *Engine) downloadPackageLocked(pkgID string, callback func(string) error) error {
	raw, err := e.cache.GetFromIndex(targetsMetadataPath)
	if err != nil {
		return errors.Wrap(err, "reading targets.json from local index")
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	var payload SignedTargets
	if err := decodeStrict(env.Signed, &payload); err != nil {
		return err
	}
	info, ok := payload.Targets[pkgID]
	if !ok {
		return ErrInvalidPackage
	}

	raw2, err := e.remote.FetchPackage(pkgID, info)
	if err != nil {
		return err
	}
	if err := verifyFileInfo(bytes.NewReader(raw2), info); err != nil {
		return errFileInfoMismatch(pkgID)
	}

	tmp, err := os.CreateTemp(e.settings.Cache.Dir, ".tmp-pkg-")
	if err != nil {
		return errors.Wrap(err, "creating temp file for package download")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw2); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing package download")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return callback(tmpPath)
}
