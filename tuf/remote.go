package tuf

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// DownloadMethod is the §4.6 method selection result.
type DownloadMethod int

const (
	MethodNeverUpdated DownloadMethod = iota
	MethodUpdate
	MethodCannotUpdate
)

// CannotUpdateReason explains a MethodCannotUpdate verdict (§4.6).
type CannotUpdateReason int

const (
	ReasonWantsCompressed CannotUpdateReason = iota
	ReasonNoRangeSupport
	ReasonMissingFileInfo
	ReasonNoLocalCopy
	ReasonNotSmallerThanCompressed
)

// RemoteRepo is C6: it selects mirrors, applies request headers, and
// picks the download method for the index tarball. Grounded on
// tuf/repo.go's repo/remoteRepo interfaces and tuf/remote_repo.go's
// per-role notary fetch functions, generalized from one notary server
// to an ordered, deduplicated mirror list (§4.6).
type RemoteRepo struct {
	settings  *Settings
	transport Transport

	mirrors   []string
	mirrorIdx int
	inScope   bool

	// acceptRangesBytes is monotonic: once the server has advertised
	// Accept-Ranges: bytes it stays true for the process lifetime,
	// safe to read without locking under the cooperative model (§5).
	acceptRangesBytes bool
}

// NewRemoteRepo constructs a RemoteRepo.
func NewRemoteRepo(settings *Settings, transport Transport) *RemoteRepo {
	return &RemoteRepo{settings: settings, transport: transport}
}

// WithMirror enters a mirror-selection scope (§4.6, §5): an ordered,
// de-duplicated mirror list is built once (out-of-band mirrors first,
// then trusted mirrors.json entries) and pinned for the scope's
// duration; fn runs with that pin in effect. Mirror selection ends
// when WithMirror returns.
func (r *RemoteRepo) WithMirror(trustedMirrors []MirrorEntry, fn func() error) error {
	r.mirrors = buildMirrorList(r.settings.OutOfBandMirrors, trustedMirrors)
	r.mirrorIdx = 0
	r.inScope = true
	defer func() {
		r.inScope = false
		r.mirrors = nil
		r.mirrorIdx = 0
	}()
	return fn()
}

func buildMirrorList(outOfBand []string, trusted []MirrorEntry) []string {
	seen := make(map[string]bool)
	var list []string
	for _, m := range outOfBand {
		if !seen[m] {
			seen[m] = true
			list = append(list, m)
		}
	}
	for _, m := range trusted {
		if m.Content != mirrorContentFull {
			continue
		}
		if !seen[m.URLBase] {
			seen[m.URLBase] = true
			list = append(list, m.URLBase)
		}
	}
	return list
}

// withRetry runs op against the pinned mirror, advancing to the next
// mirror on any RemoteError and retrying there (§4.6); only the final
// mirror's RemoteError is returned. A non-RemoteError (e.g. a
// VerificationError from bounded-read or signature checks) is
// returned immediately without mirror failover, since switching
// mirrors cannot fix a verification failure. Calling this outside a
// WithMirror scope is a programmer error (§5: "unguarded read outside
// a with_mirror scope is a programming error").
func (r *RemoteRepo) withRetry(op func(mirrorBase string) error) error {
	if !r.inScope {
		panic("tuf: remote operation used outside WithMirror scope")
	}
	if len(r.mirrors) == 0 {
		return errors.New("no mirrors configured")
	}
	var lastErr error
	for i := r.mirrorIdx; i < len(r.mirrors); i++ {
		err := op(r.mirrors[i])
		if err == nil {
			r.mirrorIdx = i
			return nil
		}
		var re *RemoteError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = err
		r.mirrorIdx = i + 1
	}
	return lastErr
}

func joinURL(base, relPath string) string {
	base = strings.TrimSuffix(base, "/")
	relPath = strings.TrimPrefix(relPath, "/")
	return base + "/" + relPath
}

// fetchWhole performs a NeverUpdated-style full GET of relPath,
// bounding the read at maxSize (§4.5).
func (r *RemoteRepo) fetchWhole(relPath string, headers []RequestHeader, maxSize int64) ([]byte, error) {
	var result []byte
	err := r.withRetry(func(mirrorBase string) error {
		uri := joinURL(mirrorBase, relPath)
		return r.transport.Get(headers, uri, func(caps ResponseCapabilities, body BodyReader) error {
			if caps.AcceptRangesBytes {
				r.acceptRangesBytes = true
			}
			var buf bytes.Buffer
			if _, err := copyBounded(&buf, body, relPath, maxSize); err != nil {
				return err
			}
			result = buf.Bytes()
			return nil
		})
	})
	return result, err
}

// FetchTimestamp downloads timestamp.json whole (always NeverUpdated,
// §4.6).
func (r *RemoteRepo) FetchTimestamp(retry bool) ([]byte, error) {
	return r.fetchWhole(r.settings.Repository.TimestampPath, headersFor(retry), r.settings.MaxResponseSize)
}

// FetchRoot downloads root.json whole. If info is non-nil the read is
// bounded by its length; otherwise the hard-coded 2MiB ceiling of
// §4.7.2 applies (the retry-after-verification-error path, which has
// no FileInfo to bound against).
func (r *RemoteRepo) FetchRoot(retry bool, info *FileInfo) ([]byte, error) {
	bound := int64(rootCeilingBytes)
	if info != nil {
		bound = info.Length
	}
	return r.fetchWhole(r.settings.Repository.RootPath, headersFor(retry), bound)
}

// FetchSnapshot downloads snapshot.json whole (§4.6).
func (r *RemoteRepo) FetchSnapshot(retry bool, info FileInfo) ([]byte, error) {
	return r.fetchWhole(r.settings.Repository.SnapshotPath, headersFor(retry), info.Length)
}

// FetchMirrors downloads mirrors.json whole (§4.6).
func (r *RemoteRepo) FetchMirrors(retry bool, info FileInfo) ([]byte, error) {
	return r.fetchWhole(r.settings.Repository.MirrorsPath, headersFor(retry), info.Length)
}

// FetchPackage downloads a package tarball whole (always NeverUpdated,
// §4.6, §4.7.3).
func (r *RemoteRepo) FetchPackage(targetPath string, info FileInfo) ([]byte, error) {
	headers := []RequestHeader{HeaderNoTransform, HeaderContentCompression}
	return r.fetchWhole(targetPath, headers, info.Length)
}

// FetchIndexFull downloads the compressed index tarball whole, bounded
// by gzInfo (§4.6 CannotUpdate fallback).
func (r *RemoteRepo) FetchIndexFull(indexName string, gzInfo FileInfo) ([]byte, error) {
	headers := []RequestHeader{HeaderNoTransform}
	return r.fetchWhole(indexName+indexMetaSuffixGz, headers, gzInfo.Length)
}

// FetchIndexRange performs the incremental ranged GET described in
// §4.6: requesting bytes [localLen-trailerLen, newLen) of the
// uncompressed representation. Content compression must never be
// requested alongside a range (§4.5); FetchIndexRange never sets it.
func (r *RemoteRepo) FetchIndexRange(indexName string, rng ByteRange) ([]byte, error) {
	var result []byte
	err := r.withRetry(func(mirrorBase string) error {
		uri := joinURL(mirrorBase, indexName+indexMetaSuffix)
		headers := []RequestHeader{HeaderNoTransform}
		return r.transport.GetRange(headers, uri, rng, func(caps ResponseCapabilities, body BodyReader) error {
			if caps.AcceptRangesBytes {
				r.acceptRangesBytes = true
			}
			var buf bytes.Buffer
			bound := rng.To - rng.From
			if _, err := copyBounded(&buf, body, indexName, bound); err != nil {
				return err
			}
			result = buf.Bytes()
			return nil
		})
	})
	return result, err
}

func headersFor(retry bool) []RequestHeader {
	headers := []RequestHeader{HeaderNoTransform}
	if retry {
		headers = append(headers, HeaderMaxAge0)
	}
	return headers
}

// DecideDownloadMethod implements §4.6's method selection for the
// index tarball: Update is chosen only if every one of (i)-(v) holds;
// otherwise CannotUpdate(reason) is returned and the caller downloads
// the compressed form whole.
func (r *RemoteRepo) DecideDownloadMethod(wantsCompressed bool, localLen int64, hasLocal bool, gzInfo FileInfo, unInfo FileInfo, hasUnInfo bool) (DownloadMethod, CannotUpdateReason) {
	if wantsCompressed {
		return MethodCannotUpdate, ReasonWantsCompressed
	}
	if !r.acceptRangesBytes {
		return MethodCannotUpdate, ReasonNoRangeSupport
	}
	if !hasUnInfo {
		return MethodCannotUpdate, ReasonMissingFileInfo
	}
	if !hasLocal || localLen == 0 {
		return MethodCannotUpdate, ReasonNoLocalCopy
	}
	remaining := unInfo.Length - localLen
	if remaining >= gzInfo.Length {
		return MethodCannotUpdate, ReasonNotSmallerThanCompressed
	}
	return MethodUpdate, 0
}
