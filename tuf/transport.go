package tuf

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// RequestHeader names a header the engine may ask the transport to
// set on outgoing requests (§4.5).
type RequestHeader int

const (
	// HeaderMaxAge0 is set after a verification retry, asking the
	// transport/any intermediate cache to bypass cached responses.
	HeaderMaxAge0 RequestHeader = iota
	// HeaderNoTransform is always set, forbidding proxies from
	// altering the response body.
	HeaderNoTransform
	// HeaderContentCompression is allowed only on full GETs, never on
	// ranged requests (§4.5).
	HeaderContentCompression
)

// ResponseCapabilities reports what the server told the adapter about
// itself (§4.5). AcceptRangesBytes is monotonic once observed true
// (§5): callers may read it without synchronization under the
// single-threaded cooperative model.
type ResponseCapabilities struct {
	AcceptRangesBytes  bool
	ContentCompression bool
}

// ByteRange is a half-open range, in bytes of the decompressed
// representation: From inclusive, To exclusive (§4.5).
type ByteRange struct {
	From, To int64
}

// BodyReader is the pull API for a response body (§4.5): each call
// returns either a non-empty chunk or io.EOF.
type BodyReader interface {
	io.Reader
}

// Transport is the byte-range HTTP GET abstraction the engine depends
// on (§4.5, C5). The concrete implementation is out of scope per §1;
// httpTransport below is the default adapter, and tests substitute
// in-process fakes of this interface.
type Transport interface {
	// Get performs a full GET of uri with the given request headers
	// and invokes callback with the response capabilities and body.
	Get(headers []RequestHeader, uri string, callback func(ResponseCapabilities, BodyReader) error) error
	// GetRange performs a ranged GET of uri. HeaderContentCompression
	// must never be requested here (§4.5).
	GetRange(headers []RequestHeader, uri string, r ByteRange, callback func(ResponseCapabilities, BodyReader) error) error
}

// httpTransport is the default net/http-backed Transport
// implementation, generalized from the teacher's tuf/remote_repo.go
// getRole (build request, issue it, check status, hand back the
// body) into the callback-based pull API of §4.5.
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(client *http.Client) *httpTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpTransport{client: client}
}

// NewHTTPTransport constructs the default net/http-backed Transport. A
// nil client gets a 30-second-timeout default.
func NewHTTPTransport(client *http.Client) Transport {
	return newHTTPTransport(client)
}

func (t *httpTransport) Get(headers []RequestHeader, uri string, callback func(ResponseCapabilities, BodyReader) error) error {
	return t.do(headers, uri, nil, callback)
}

func (t *httpTransport) GetRange(headers []RequestHeader, uri string, r ByteRange, callback func(ResponseCapabilities, BodyReader) error) error {
	for _, h := range headers {
		if h == HeaderContentCompression {
			return errors.New("content compression must not be requested on ranged GETs")
		}
	}
	return t.do(headers, uri, &r, callback)
}

func (t *httpTransport) do(headers []RequestHeader, uri string, r *ByteRange, callback func(ResponseCapabilities, BodyReader) error) error {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return newRemoteError(uri, errors.Wrap(err, "building request"))
	}
	for _, h := range headers {
		switch h {
		case HeaderMaxAge0:
			req.Header.Add("Cache-Control", "max-age=0")
		case HeaderNoTransform:
			req.Header.Add("Cache-Control", "no-transform")
		case HeaderContentCompression:
			req.Header.Set("Accept-Encoding", "gzip")
		}
	}
	if r != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.From, r.To-1))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return newRemoteError(uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return newRemoteError(uri, errors.Errorf("unexpected status %s", resp.Status))
	}
	if r != nil && resp.StatusCode != http.StatusPartialContent {
		return newRemoteError(uri, errors.New("server did not honor range request"))
	}

	caps := ResponseCapabilities{
		AcceptRangesBytes:  resp.Header.Get("Accept-Ranges") == "bytes",
		ContentCompression: resp.Header.Get("Content-Encoding") != "",
	}
	return callback(caps, resp.Body)
}

// boundedWriter is the engine-side wrapper described in §4.5: it
// copies from a BodyReader and aborts with FileTooLarge as soon as
// cumulative length exceeds bound.
type boundedWriter struct {
	w       io.Writer
	path    string
	bound   int64
	written int64
}

func newBoundedWriter(w io.Writer, path string, bound int64) *boundedWriter {
	return &boundedWriter{w: w, path: path, bound: bound}
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.written+int64(len(p)) > b.bound {
		return 0, errFileTooLarge(b.path)
	}
	n, err := b.w.Write(p)
	b.written += int64(n)
	return n, err
}

// copyBounded copies from src into dst, refusing to exceed bound
// bytes (§4.5).
func copyBounded(dst io.Writer, src io.Reader, path string, bound int64) (int64, error) {
	bw := newBoundedWriter(dst, path, bound)
	n, err := io.Copy(bw, src)
	if err != nil {
		return n, err
	}
	return n, nil
}
