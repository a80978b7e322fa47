// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package stream is the top-level convenience API: it composes the file
// package's backend dispatch with the compress and textio layers the way a
// caller doing "open this URI and give me one stream" expects, instead of
// making every caller wire codec and encoding selection by hand.
package stream

import (
	"context"
	"io"

	"github.com/basinlabs/stream/bucketiter"
	"github.com/basinlabs/stream/compress"
	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/textio"
)

// Mode selects the direction a stream is opened in.
type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
)

type options struct {
	ignoreExt bool
	textMode  bool
	encoding  string
	newline   string
	fileOpts  file.Opts
}

// Option configures a single Open call.
type Option func(*options)

// WithIgnoreExt disables codec selection by filename extension, matching
// spec.md's "ignore_ext" parameter: the stream is opened as raw bytes even
// if the path ends in a registered compressor's suffix.
func WithIgnoreExt(ignore bool) Option {
	return func(o *options) { o.ignoreExt = ignore }
}

// WithEncoding requests a text-mode stream decoded/encoded as the named
// IANA character encoding (empty defaults to UTF-8 once WithNewline or
// WithEncoding is used). Without WithEncoding or WithNewline, Open returns
// the raw binary stream.
func WithEncoding(encoding string) Option {
	return func(o *options) { o.encoding = encoding; o.textMode = true }
}

// WithNewline selects newline translation for a text-mode stream; see
// textio.Wrap for the meaning of the empty string, "\n", and other values.
// Using WithNewline alone (without WithEncoding) still enables text mode,
// decoded as UTF-8.
func WithNewline(newline string) Option {
	return func(o *options) { o.newline = newline; o.textMode = true }
}

// WithRetryWhenNotFound threads file.Opts.RetryWhenNotFound through to the
// backend; see its documentation for when this is appropriate.
func WithRetryWhenNotFound(retry bool) Option {
	return func(o *options) { o.fileOpts.RetryWhenNotFound = retry }
}

// WithIgnoreNoSuchUpload threads file.Opts.IgnoreNoSuchUpload through to
// the backend; see its documentation for when this is appropriate.
func WithIgnoreNoSuchUpload(ignore bool) Option {
	return func(o *options) { o.fileOpts.IgnoreNoSuchUpload = ignore }
}

// Open dispatches uri to the backend registered for its scheme (see
// file.RegisterImplementation), opening it for read or write per mode.
// Unless WithIgnoreExt is set, a codec registered for uri's extension
// (see RegisterCompressor) wraps the raw stream. If WithEncoding or
// WithNewline is given, a further textio layer wraps that. Closing the
// result closes every layer down to the backend's connection.
func Open(ctx context.Context, uri string, mode Mode, opts ...Option) (_ io.ReadWriteCloser, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var f file.File
	switch mode {
	case ReadOnly:
		f, err = file.Open(ctx, uri, o.fileOpts)
	case WriteOnly:
		f, err = file.Create(ctx, uri, o.fileOpts)
	default:
		return nil, errors.E(errors.Invalid, "stream.Open: unknown mode")
	}
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if mode == WriteOnly {
			f.Discard(ctx)
		} else {
			f.Close(ctx)
		}
	}

	var rw io.ReadWriteCloser = &fileStream{ctx: ctx, f: f, write: mode == WriteOnly}

	if !o.ignoreExt {
		if _, factory, ok := compress.StripSuffix(uri); ok {
			wrapped, werr := factory(rw, mode == WriteOnly)
			if werr != nil {
				cleanup()
				return nil, werr
			}
			rw = wrapped
		}
	}

	if o.textMode {
		wrapped, werr := textio.Wrap(rw, o.encoding, o.newline)
		if werr != nil {
			rw.Close()
			return nil, werr
		}
		rw = wrapped
	}

	return rw, nil
}

// OpenStream is Open's "caller already has a stream" escape hatch: src may
// be a URI string, in which case OpenStream is exactly Open, or an
// io.Reader/io.Writer/io.ReadWriteCloser the caller opened itself. In the
// latter case backend dispatch, ParseLocation, and extension-based codec
// selection are all skipped entirely — src is wrapped in the
// io.ReadWriteCloser interface Open would have returned and handed back
// as-is, mode is ignored, and the Option values that only make sense for a
// URI-addressed backend (WithIgnoreExt, WithEncoding, WithNewline,
// WithRetryWhenNotFound, WithIgnoreNoSuchUpload) have no effect.
func OpenStream(ctx context.Context, src interface{}, mode Mode, opts ...Option) (io.ReadWriteCloser, error) {
	switch v := src.(type) {
	case string:
		return Open(ctx, v, mode, opts...)
	case io.ReadWriteCloser:
		return v, nil
	case io.Reader:
		return readOnlyStream{v}, nil
	case io.Writer:
		return writeOnlyStream{v}, nil
	default:
		return nil, errors.E(errors.Invalid, "stream.OpenStream: src must be a string, io.Reader, or io.Writer")
	}
}

// readOnlyStream adapts a bare io.Reader, bypassed via OpenStream, to
// io.ReadWriteCloser: Write always fails, Close delegates if the
// underlying reader is itself a Closer.
type readOnlyStream struct{ io.Reader }

func (readOnlyStream) Write([]byte) (int, error) {
	return 0, errors.E(errors.NotSupported, "stream: write on a read-only bypassed stream")
}
func (r readOnlyStream) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// writeOnlyStream is readOnlyStream's mirror for a bare io.Writer.
type writeOnlyStream struct{ io.Writer }

func (writeOnlyStream) Read([]byte) (int, error) {
	return 0, errors.E(errors.NotSupported, "stream: read on a write-only bypassed stream")
}
func (w writeOnlyStream) Close() error {
	if c, ok := w.Writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RegisterCompressor registers f as the codec for paths ending in ext (a
// dotted suffix, e.g. ".zst"). It is a thin re-export of compress.Register
// so callers need only import the stream package.
func RegisterCompressor(ext string, f compress.Factory) {
	compress.Register(ext, f)
}

// IterateBucket downloads every object under bucket/prefix in parallel,
// returning an Iterator the caller drains with Next. It is a thin
// convenience wrapper over bucketiter.New that builds the S3 URI from
// bucket and prefix the way spec.md's iter_bucket(bucket, prefix, ...)
// does.
func IterateBucket(ctx context.Context, bucket, prefix string, opts ...IterOption) *bucketiter.Iterator {
	var o bucketiter.Options
	for _, opt := range opts {
		opt(&o)
	}
	path := "s3://" + bucket
	if prefix != "" {
		path += "/" + prefix
	}
	return bucketiter.New(ctx, path, o)
}

// IterOption configures a single IterateBucket call.
type IterOption func(*bucketiter.Options)

// WithAcceptKey filters keys during listing; see bucketiter.Options.AcceptKey.
func WithAcceptKey(accept func(key string) bool) IterOption {
	return func(o *bucketiter.Options) { o.AcceptKey = accept }
}

// WithKeyLimit caps the number of keys downloaded; see bucketiter.Options.KeyLimit.
func WithKeyLimit(limit int) IterOption {
	return func(o *bucketiter.Options) { o.KeyLimit = limit }
}

// WithWorkers sets the downloader pool size; see bucketiter.Options.Workers.
func WithWorkers(workers int) IterOption {
	return func(o *bucketiter.Options) { o.Workers = workers }
}

// WithRetries sets the per-key retry budget; see bucketiter.Options.Retries.
func WithRetries(retries int) IterOption {
	return func(o *bucketiter.Options) { o.Retries = retries }
}

// fileStream adapts a file.File, whose Reader/Writer/Close take a
// context.Context, to the plain io.ReadWriteCloser that Open returns.
type fileStream struct {
	ctx   context.Context
	f     file.File
	write bool
}

func (s *fileStream) Read(p []byte) (int, error)  { return s.f.Reader(s.ctx).Read(p) }
func (s *fileStream) Write(p []byte) (int, error) { return s.f.Writer(s.ctx).Write(p) }
func (s *fileStream) Close() error                { return s.f.Close(s.ctx) }
