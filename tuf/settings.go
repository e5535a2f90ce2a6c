package tuf

import (
	"github.com/pkg/errors"
)

// RepositoryLayout names the repository-side paths the remote mirror
// serves (§6). These are data, not hardcoded strings, so a deployment
// can rename its index shard or target layout without code changes.
type RepositoryLayout struct {
	TimestampPath string // e.g. "timestamp.json"
	RootPath      string // e.g. "root.json"
	SnapshotPath  string // e.g. "snapshot.json"
	MirrorsPath   string // e.g. "mirrors.json"
	// IndexPath is the path to the index tarball without its
	// extension; ".tar.gz" and optionally ".tar" are appended, e.g.
	// "00/index" -> "00/index.tar.gz".
	IndexPath string
	// TargetPathTemplate and MetadataPathTemplate follow
	// text/template syntax over a struct with Name/Version fields,
	// e.g. "{{.Name}}-{{.Version}}/{{.Name}}-{{.Version}}.tar.gz".
	TargetPathTemplate   string
	MetadataPathTemplate string
}

func defaultRepositoryLayout() RepositoryLayout {
	return RepositoryLayout{
		TimestampPath:        "timestamp.json",
		RootPath:             "root.json",
		SnapshotPath:         "snapshot.json",
		MirrorsPath:          "mirrors.json",
		IndexPath:            "00/index",
		TargetPathTemplate:   "{{.Name}}-{{.Version}}/{{.Name}}-{{.Version}}.tar.gz",
		MetadataPathTemplate: "{{.Name}}-{{.Version}}/{{.Name}}.cabal-like-metadata",
	}
}

// CacheLayout maps the five role files and the index to cache-relative
// paths (§6). The engine never uses absolute paths except through
// this mapping.
type CacheLayout struct {
	Dir             string
	TimestampFile   string
	RootFile        string
	SnapshotFile    string
	MirrorsFile     string
	IndexTarFile    string
	IndexTarGzFile  string
	TarIndexFile    string
}

func defaultCacheLayout(dir string) CacheLayout {
	return CacheLayout{
		Dir:            dir,
		TimestampFile:  "timestamp.json",
		RootFile:       "root.json",
		SnapshotFile:   "snapshot.json",
		MirrorsFile:    "mirrors.json",
		IndexTarFile:   "index.tar",
		IndexTarGzFile: "index.tar.gz",
		TarIndexFile:   "index.tarindex",
	}
}

// Settings bundles everything the update engine needs to talk to one
// repository: out-of-band mirrors, the cache location, and the two
// layout objects above. Grounded on tuf/tuf.go's Settings, generalized
// from a single notary/mirror pair to the mirror-list model of §4.6.
type Settings struct {
	// OutOfBandMirrors lists mirror base URLs supplied by
	// configuration, tried before any mirror discovered via a trusted
	// mirrors.json (§4.6).
	OutOfBandMirrors []string
	LocalRepoPath    string
	IndexName        string // e.g. "00/index"; matches RepositoryLayout.IndexPath
	Repository       RepositoryLayout
	Cache            CacheLayout
	// MaxResponseSize bounds the timestamp.json download, which carries
	// no FileInfo. A root download without FileInfo (the retry path,
	// §4.7.2) is bounded by the fixed 2 MiB root ceiling instead.
	MaxResponseSize int64
	// TrailerLength is the tar end-of-archive padding rewritten on
	// every incremental index update (§4.6, §Glossary). Must be >=1024.
	TrailerLength int64
}

const (
	defaultMaxResponseSize = 5 * 1024 * 1024
	rootCeilingBytes       = 2 * 1024 * 1024
	defaultTrailerLength   = 1024
	// MaxIterations bounds check_for_updates retries (§4.7.1).
	MaxIterations = 5
)

// Verify validates Settings, in the manner of the teacher's
// settings.Verify() called from updater.go's New().
func (s *Settings) Verify() error {
	if len(s.OutOfBandMirrors) == 0 {
		return errors.New("at least one out-of-band mirror is required")
	}
	if s.LocalRepoPath == "" {
		return errors.New("local repo path is required")
	}
	if s.MaxResponseSize == 0 {
		s.MaxResponseSize = defaultMaxResponseSize
	}
	if s.TrailerLength == 0 {
		s.TrailerLength = defaultTrailerLength
	}
	if s.TrailerLength < 1024 {
		return errors.New("trailer length must be at least 1024 bytes")
	}
	if s.Repository == (RepositoryLayout{}) {
		s.Repository = defaultRepositoryLayout()
	}
	if s.Cache.TimestampFile == "" {
		s.Cache = defaultCacheLayout(s.LocalRepoPath)
	} else {
		s.Cache.Dir = s.LocalRepoPath
	}
	if s.IndexName == "" {
		s.IndexName = s.Repository.IndexPath
	}
	return nil
}
