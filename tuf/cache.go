package tuf

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Disposition names what CacheRemoteFile should do with a downloaded
// temp file once its verification has completed (§4.4).
type Disposition int

const (
	DontCache Disposition = iota
	CacheAsTimestamp
	CacheAsRoot
	CacheAsSnapshot
	CacheAsMirrors
	CacheIndex
)

// Cache owns the locally persisted trusted metadata, the index
// tarball, and its tar-index sidecar (§3.4, C4). Grounded on
// tuf/persistence.go and tuf/local_repo.go, replacing the teacher's
// backup-by-suffix persistence scheme with atomic create-temp+rename
// so invariant 3 (Atomicity) holds: after any call returns, every
// cache file either contains a fully-validated payload or does not
// exist.
type Cache struct {
	layout CacheLayout
}

// NewCache creates a Cache rooted at layout.Dir, creating the
// directory if it does not already exist.
func NewCache(layout CacheLayout) (*Cache, error) {
	if err := os.MkdirAll(layout.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating cache directory")
	}
	return &Cache{layout: layout}, nil
}

func (c *Cache) path(file string) string { return filepath.Join(c.layout.Dir, file) }

// GetCached returns the path to role's cached file if present.
func (c *Cache) GetCached(r role) (string, bool) {
	var file string
	switch r {
	case roleTimestamp:
		file = c.layout.TimestampFile
	case roleRoot:
		file = c.layout.RootFile
	case roleSnapshot:
		file = c.layout.SnapshotFile
	case roleMirrors:
		file = c.layout.MirrorsFile
	default:
		return "", false
	}
	p := c.path(file)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// readCached reads role's cached raw bytes, or nil if absent.
func (c *Cache) readCached(r role) ([]byte, bool, error) {
	p, ok := c.GetCached(r)
	if !ok {
		return nil, false, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	return b, true, nil
}

// LoadTrustedRoot reads the cached root.json and declares it Trusted
// without re-verifying signatures (§3.3: "labels are never forged
// except at designated entry points (bootstrap, load-from-local-
// cache)"). Returns ok=false if no cached root exists yet.
func (c *Cache) LoadTrustedRoot() (Trusted[SignedRoot], bool, error) {
	b, ok, err := c.readCached(roleRoot)
	if err != nil || !ok {
		return Trusted[SignedRoot]{}, false, err
	}
	var env Envelope
	if err := decodeStrict(b, &env); err != nil {
		return Trusted[SignedRoot]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	var payload SignedRoot
	if err := decodeStrict(env.Signed, &payload); err != nil {
		return Trusted[SignedRoot]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	return trustedValue(payload), true, nil
}

// LoadTrustedTimestamp mirrors LoadTrustedRoot for timestamp.json.
func (c *Cache) LoadTrustedTimestamp() (Trusted[SignedTimestamp], bool, error) {
	b, ok, err := c.readCached(roleTimestamp)
	if err != nil || !ok {
		return Trusted[SignedTimestamp]{}, false, err
	}
	var env Envelope
	if err := decodeStrict(b, &env); err != nil {
		return Trusted[SignedTimestamp]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	var payload SignedTimestamp
	if err := decodeStrict(env.Signed, &payload); err != nil {
		return Trusted[SignedTimestamp]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	return trustedValue(payload), true, nil
}

// LoadTrustedSnapshot mirrors LoadTrustedRoot for snapshot.json.
func (c *Cache) LoadTrustedSnapshot() (Trusted[SignedSnapshot], bool, error) {
	b, ok, err := c.readCached(roleSnapshot)
	if err != nil || !ok {
		return Trusted[SignedSnapshot]{}, false, err
	}
	var env Envelope
	if err := decodeStrict(b, &env); err != nil {
		return Trusted[SignedSnapshot]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	var payload SignedSnapshot
	if err := decodeStrict(env.Signed, &payload); err != nil {
		return Trusted[SignedSnapshot]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	return trustedValue(payload), true, nil
}

// LoadTrustedMirrors mirrors LoadTrustedRoot for mirrors.json.
func (c *Cache) LoadTrustedMirrors() (Trusted[SignedMirrors], bool, error) {
	b, ok, err := c.readCached(roleMirrors)
	if err != nil || !ok {
		return Trusted[SignedMirrors]{}, false, err
	}
	var env Envelope
	if err := decodeStrict(b, &env); err != nil {
		return Trusted[SignedMirrors]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	var payload SignedMirrors
	if err := decodeStrict(env.Signed, &payload); err != nil {
		return Trusted[SignedMirrors]{}, false, errors.Wrap(ErrLocalFileCorrupted, err.Error())
	}
	return trustedValue(payload), true, nil
}

// IndexPath returns the path to the cached uncompressed index
// tarball and whether it currently exists.
func (c *Cache) IndexPath() (string, bool) {
	p := c.path(c.layout.IndexTarFile)
	if _, err := os.Stat(p); err != nil {
		return p, false
	}
	return p, true
}

// IndexLen returns the size in bytes of the cached uncompressed
// index, or 0 if it does not exist (§4.6 DecideDownloadMethod).
func (c *Cache) IndexLen() int64 {
	p, ok := c.IndexPath()
	if !ok {
		return 0
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// GetFromIndex resolves pathInsideTar via the tar-index sidecar
// (§4.4): if the sidecar cannot be loaded, it is rebuilt and the
// lookup retried once; if the tar itself is invalid the failure is
// fatal.
func (c *Cache) GetFromIndex(pathInsideTar string) ([]byte, error) {
	tarPath, ok := c.IndexPath()
	if !ok {
		return nil, errors.New("no local index tarball present")
	}
	idx, err := c.loadTarIndex(tarPath)
	if err != nil {
		idx, err = c.rebuildTarIndex(tarPath)
		if err != nil {
			return nil, errors.Wrap(err, "index tarball is invalid")
		}
	}
	data, err := idx.fetch(tarPath, pathInsideTar)
	if err == nil {
		return data, nil
	}
	// Sidecar loaded but didn't have the entry: rebuild once in case
	// it was stale, then give up.
	idx, err = c.rebuildTarIndex(tarPath)
	if err != nil {
		return nil, errors.Wrap(err, "index tarball is invalid")
	}
	return idx.fetch(tarPath, pathInsideTar)
}

func (c *Cache) loadTarIndex(tarPath string) (*tarIndex, error) {
	p := c.path(c.layout.TarIndexFile)
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readTarIndex(f)
}

func (c *Cache) rebuildTarIndex(tarPath string) (*tarIndex, error) {
	idx, err := buildTarIndex(tarPath)
	if err != nil {
		return nil, err
	}
	if err := c.persistTarIndex(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *Cache) persistTarIndex(idx *tarIndex) error {
	return c.atomicWrite(c.layout.TarIndexFile, func(f *os.File) error {
		return writeTarIndex(f, idx)
	})
}

// atomicWrite writes to a temp file in the cache directory and
// renames it into place only on success, so a reader never observes a
// partially written file (§3.4).
func (c *Cache) atomicWrite(file string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(c.layout.Dir, ".tmp-"+file+"-")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, c.path(file)); err != nil {
		return errors.Wrap(err, "renaming temp file into place")
	}
	return nil
}

// atomicWriteBytes is atomicWrite specialized for an already-in-memory
// byte slice (the common case: a downloaded, verified metadata file).
func (c *Cache) atomicWriteBytes(file string, data []byte) error {
	return c.atomicWrite(file, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// atomicWriteFrom copies src into a temp file then renames it into
// place, for large payloads (the index tarball) that should not be
// fully buffered in memory.
func (c *Cache) atomicWriteFrom(file string, src io.Reader) error {
	return c.atomicWrite(file, func(f *os.File) error {
		_, err := io.Copy(f, src)
		return err
	})
}

// CacheBytes atomically installs an in-memory verified payload — the
// small role files (timestamp/root/snapshot/mirrors), unlike the index
// tarball which is staged through a temp file on disk by the caller
// before reaching CacheRemoteFile.
func (c *Cache) CacheBytes(data []byte, disposition Disposition) error {
	var target string
	switch disposition {
	case CacheAsTimestamp:
		target = c.layout.TimestampFile
	case CacheAsRoot:
		target = c.layout.RootFile
	case CacheAsSnapshot:
		target = c.layout.SnapshotFile
	case CacheAsMirrors:
		target = c.layout.MirrorsFile
	default:
		return errors.Errorf("unsupported cache disposition %d for in-memory bytes", disposition)
	}
	return c.atomicWriteBytes(target, data)
}

// CacheRemoteFile atomically installs a verified download per §4.4.
// For CacheIndex, the tar-index sidecar is rebuilt in the same
// critical section as the install.
func (c *Cache) CacheRemoteFile(tempPath string, disposition Disposition) error {
	if disposition == DontCache {
		return nil
	}
	src, err := os.Open(tempPath)
	if err != nil {
		return errors.Wrap(err, "opening staged download")
	}
	defer src.Close()

	var target string
	switch disposition {
	case CacheAsTimestamp:
		target = c.layout.TimestampFile
	case CacheAsRoot:
		target = c.layout.RootFile
	case CacheAsSnapshot:
		target = c.layout.SnapshotFile
	case CacheAsMirrors:
		target = c.layout.MirrorsFile
	case CacheIndex:
		target = c.layout.IndexTarFile
	default:
		return errors.Errorf("unknown cache disposition %d", disposition)
	}

	if err := c.atomicWriteFrom(target, src); err != nil {
		return err
	}
	if disposition == CacheIndex {
		idx, err := buildTarIndex(c.path(target))
		if err != nil {
			return errors.Wrap(err, "rebuilding tar index after install")
		}
		if err := c.persistTarIndex(idx); err != nil {
			return err
		}
	}
	return nil
}

// ClearCache deletes the cached timestamp and snapshot files only,
// used after a root rotation completes (§3.4, §4.7.2).
func (c *Cache) ClearCache() error {
	for _, f := range []string{c.layout.TimestampFile, c.layout.SnapshotFile} {
		p := c.path(f)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	return nil
}
