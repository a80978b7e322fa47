// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package httpfile implements a read-only file.Implementation backed
// by plain HTTP(S) GET/HEAD requests.
package httpfile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/ioctx"
)

// Negotiator attaches scheme-specific authentication (e.g. Kerberos
// SPNEGO) to an outgoing request. No implementation ships in this
// module; callers that need one inject it via Options.Negotiator.
type Negotiator interface {
	Negotiate(req *http.Request) error
}

// Options configures an HTTP Implementation.
type Options struct {
	// User and Password, if User is non-empty, are sent as HTTP basic
	// auth on every request.
	User, Password string

	// Negotiator, if set, is called on every outgoing request before
	// it is sent, to attach scheme-specific authentication headers.
	Negotiator Negotiator

	// Client is the http.Client used for all requests. If nil, the
	// package's HTTP/2-capable defaultClient is used.
	Client *http.Client
}

// defaultClient upgrades the transport to HTTP/2 where the server
// supports it; object stores and CDNs fronting the paths this backend
// reads from generally do, and HTTP/2 lets range-read requests share one
// connection instead of opening a new one per GET.
var defaultClient = &http.Client{Transport: newDefaultTransport()}

func newDefaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(t); err != nil {
		return http.DefaultTransport
	}
	return t
}

func (o Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return defaultClient
}

type httpImpl struct{ opts Options }

// NewImplementation returns a file.Implementation backed by HTTP(S)
// GET/HEAD requests, using opts for authentication and transport.
func NewImplementation(opts Options) file.Implementation {
	return &httpImpl{opts: opts}
}

func init() {
	file.RegisterImplementation("http", func() file.Implementation { return NewImplementation(Options{}) })
	file.RegisterImplementation("https", func() file.Implementation { return NewImplementation(Options{}) })
}

func (impl *httpImpl) String() string { return "http" }

func (impl *httpImpl) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	if impl.opts.User != "" {
		req.SetBasicAuth(impl.opts.User, impl.opts.Password)
	}
	if impl.opts.Negotiator != nil {
		if err := impl.opts.Negotiator.Negotiate(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Open implements file.Implementation.
func (impl *httpImpl) Open(ctx context.Context, url string, _ ...file.Opts) (file.File, error) {
	f := &httpFile{impl: impl, url: url}
	if err := f.probe(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Create implements file.Implementation. The HTTP backend is read-only.
func (impl *httpImpl) Create(context.Context, string, ...file.Opts) (file.File, error) {
	return nil, errors.E(errors.NotSupported, "httpfile: Create: http backend is read-only")
}

// List implements file.Implementation. HTTP has no directory model.
func (impl *httpImpl) List(_ context.Context, path string, _ bool) file.Lister {
	return &errLister{err: errors.E(errors.NotSupported, "httpfile: List not supported for ", path)}
}

// Stat implements file.Implementation.
func (impl *httpImpl) Stat(ctx context.Context, url string, _ ...file.Opts) (file.Info, error) {
	req, err := impl.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	resp, err := impl.opts.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.E(errors.NotExist, "httpfile: stat ", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.E(errors.TransportError, errors.Backend("http"), "httpfile: stat ", url, fmt.Sprintf("status %s", resp.Status))
	}
	return newInfo(resp), nil
}

// Remove implements file.Implementation.
func (impl *httpImpl) Remove(_ context.Context, path string) error {
	return errors.E(errors.NotSupported, "httpfile: Remove not supported for ", path)
}

// Presign implements file.Implementation.
func (impl *httpImpl) Presign(_ context.Context, path, _ string, _ time.Duration) (string, error) {
	return "", errors.E(errors.NotSupported, "httpfile: Presign not supported for ", path)
}

type errLister struct{ err error }

func (e *errLister) Scan() bool     { return false }
func (e *errLister) Err() error     { return e.err }
func (e *errLister) Path() string   { panic("httpfile: Path after Scan returned false") }
func (e *errLister) IsDir() bool    { panic("httpfile: IsDir after Scan returned false") }
func (e *errLister) Info() file.Info { panic("httpfile: Info after Scan returned false") }

type httpInfo struct {
	size    int64
	modTime time.Time
}

func newInfo(resp *http.Response) *httpInfo {
	modTime, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return &httpInfo{size: resp.ContentLength, modTime: modTime}
}

func (i *httpInfo) Size() int64        { return i.size }
func (i *httpInfo) ModTime() time.Time { return i.modTime }

// httpFile is a read-only file.File backed by HTTP GET requests. A
// fresh request is only ever issued lazily, on the first Read after
// Open or after a Seek moves the position.
type httpFile struct {
	impl *httpImpl
	url  string

	size         int64
	acceptRanges bool

	position int64
	body     io.ReadCloser // nil until the first Read (or after Seek)
	closed   bool
}

// probe issues a HEAD request to learn the object's size and whether
// the server advertises Range support.
func (f *httpFile) probe(ctx context.Context) error {
	req, err := f.impl.newRequest(ctx, http.MethodHead, f.url)
	if err != nil {
		return err
	}
	resp, err := f.impl.opts.client().Do(req)
	if err != nil {
		return errors.E(errors.TransportError, errors.Backend("http"), "httpfile: open ", f.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errors.E(errors.NotExist, "httpfile: open ", f.url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.E(errors.TransportError, errors.Backend("http"), "httpfile: open ", f.url, fmt.Sprintf("status %s", resp.Status))
	}
	f.size = resp.ContentLength
	f.acceptRanges = resp.Header.Get("Accept-Ranges") == "bytes"
	return nil
}

func (f *httpFile) String() string { return f.url }
func (f *httpFile) Name() string   { return f.url }

func (f *httpFile) Stat(context.Context) (file.Info, error) {
	return &httpInfo{size: f.size}, nil
}

// Reader implements file.File. The returned io.ReadSeeker shares this
// file's seek position, per the File.Reader contract.
func (f *httpFile) Reader(ctx context.Context) io.ReadSeeker {
	return &httpReadSeeker{f: f, ctx: ctx}
}

// OffsetReader implements file.File: an independent reader starting
// at offset, unaffected by Reader()'s shared position.
func (f *httpFile) OffsetReader(offset int64) ioctx.ReadCloser {
	return &httpOffsetReader{impl: f.impl, url: f.url, position: offset}
}

func (f *httpFile) Writer(context.Context) io.Writer {
	return file.NewError(errors.E(errors.NotSupported, "httpfile: write: http backend is read-only"))
}

func (f *httpFile) Discard(context.Context) {
	if f.body != nil {
		f.body.Close()
		f.body = nil
	}
}

func (f *httpFile) Close(context.Context) error {
	f.Discard(nil)
	f.closed = true
	return nil
}

// ensureBody issues (or continues) a GET request so reads can be
// served starting at f.position. If the server ignores the Range
// header and returns 200, the response body is discarded up to
// f.position to emulate a seek (spec scenario S6).
func (f *httpFile) ensureBody(ctx context.Context) error {
	if f.body != nil {
		return nil
	}
	req, err := f.impl.newRequest(ctx, http.MethodGet, f.url)
	if err != nil {
		return err
	}
	if f.position > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", f.position))
	}
	resp, err := f.impl.opts.client().Do(req)
	if err != nil {
		return errors.E(errors.TransportError, errors.Backend("http"), "httpfile: get ", f.url, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return errors.E(errors.NotExist, "httpfile: get ", f.url)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if f.position > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, f.position); err != nil {
				resp.Body.Close()
				return errors.E(errors.TransportError, errors.Backend("http"), "httpfile: discard-seek ", f.url, err)
			}
		}
	case http.StatusPartialContent:
		// Server honored the Range request; body already starts at f.position.
	default:
		resp.Body.Close()
		return errors.E(errors.TransportError, errors.Backend("http"), "httpfile: get ", f.url, fmt.Sprintf("status %s", resp.Status))
	}
	f.body = resp.Body
	return nil
}

func (f *httpFile) readAt(ctx context.Context, p []byte) (int, error) {
	if err := f.ensureBody(ctx); err != nil {
		return 0, err
	}
	n, err := f.body.Read(p)
	f.position += int64(n)
	if err == io.EOF {
		f.body.Close()
		f.body = nil
	}
	return n, err
}

func (f *httpFile) seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.position + offset
	case io.SeekEnd:
		target = f.size + offset
	default:
		return 0, fmt.Errorf("httpfile: seek %s: invalid whence %d", f.url, whence)
	}
	if target < 0 {
		target = 0
	}
	if target == f.position {
		return target, nil
	}
	if f.body != nil {
		f.body.Close()
		f.body = nil
	}
	f.position = target
	return target, nil
}

// httpReadSeeker implements io.ReadSeeker over an httpFile's shared
// position, per the File.Reader contract (multiple Reader() calls
// share state).
type httpReadSeeker struct {
	f   *httpFile
	ctx context.Context
}

func (r *httpReadSeeker) Read(p []byte) (int, error) { return r.f.readAt(r.ctx, p) }
func (r *httpReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return r.f.seek(offset, whence)
}

// httpOffsetReader implements ioctx.ReadCloser, independent of any
// httpFile's shared seek position.
type httpOffsetReader struct {
	impl     *httpImpl
	url      string
	position int64
	body     io.ReadCloser
}

func (r *httpOffsetReader) Read(ctx context.Context, p []byte) (int, error) {
	if r.body == nil {
		req, err := r.impl.newRequest(ctx, http.MethodGet, r.url)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.position))
		resp, err := r.impl.opts.client().Do(req)
		if err != nil {
			return 0, errors.E(errors.TransportError, errors.Backend("http"), "httpfile: get ", r.url, err)
		}
		if resp.StatusCode == http.StatusOK && r.position > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, r.position); err != nil {
				resp.Body.Close()
				return 0, errors.E(errors.TransportError, errors.Backend("http"), "httpfile: discard-seek ", r.url, err)
			}
		} else if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return 0, errors.E(errors.TransportError, errors.Backend("http"), "httpfile: get ", r.url, fmt.Sprintf("status %s", resp.Status))
		}
		r.body = resp.Body
	}
	n, err := r.body.Read(p)
	r.position += int64(n)
	return n, err
}

func (r *httpOffsetReader) Close(context.Context) error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}
