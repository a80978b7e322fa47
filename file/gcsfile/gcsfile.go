// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package gcsfile implements a file.Implementation backed by Google
// Cloud Storage.
package gcsfile

import (
	"context"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/ioctx"
)

// gcsChunkSize is the alignment GCS requires for resumable-upload
// chunks; Object.NewWriter's ChunkSize is rounded down to a multiple
// of this by the client library, so this module chooses a multiple
// directly rather than relying on that rounding.
const gcsChunkSize = 256 << 10

type gcsImpl struct{ client *gcs.Client }

// NewImplementation returns a file.Implementation backed by client.
// Callers typically construct client via gcs.NewClient(ctx), which
// resolves Application Default Credentials.
func NewImplementation(client *gcs.Client) file.Implementation {
	return &gcsImpl{client: client}
}

// Register installs client as the Implementation for the "gs" scheme.
// Unlike the other backends, GCS has no zero-value client construction
// (it always dials to resolve credentials), so there is no bare init()
// registration; callers that want "gs://" URIs to resolve must call
// Register explicitly during startup.
func Register(client *gcs.Client) {
	file.RegisterImplementation("gs", func() file.Implementation { return NewImplementation(client) })
}

func (impl *gcsImpl) String() string { return "gcs" }

func locationFor(path string) (file.GCSLocation, error) {
	loc, err := file.ParseLocation(path)
	if err != nil {
		return file.GCSLocation{}, err
	}
	g, ok := loc.(file.GCSLocation)
	if !ok {
		return file.GCSLocation{}, errors.E(errors.MalformedUri, "gcsfile: not a gs uri: ", path)
	}
	return g, nil
}

func (impl *gcsImpl) object(loc file.GCSLocation) *gcs.ObjectHandle {
	return impl.client.Bucket(loc.Bucket).Object(loc.Blob)
}

// Open implements file.Implementation.
func (impl *gcsImpl) Open(ctx context.Context, path string, _ ...file.Opts) (file.File, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	attrs, err := impl.object(loc).Attrs(ctx)
	if err != nil {
		if isNotExist(err) {
			return nil, errors.E(errors.NotExist, "gcsfile: open ", path, err)
		}
		return nil, errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: open ", path, err)
	}
	return &gcsFile{impl: impl, path: path, loc: loc, size: attrs.Size, modTime: attrs.Updated}, nil
}

// Create implements file.Implementation.
func (impl *gcsImpl) Create(ctx context.Context, path string, _ ...file.Opts) (file.File, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	w := impl.object(loc).NewWriter(ctx)
	w.ChunkSize = gcsChunkSize
	return &gcsFile{impl: impl, path: path, loc: loc, writing: true, writer: w}, nil
}

// Stat implements file.Implementation.
func (impl *gcsImpl) Stat(ctx context.Context, path string, _ ...file.Opts) (file.Info, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	attrs, err := impl.object(loc).Attrs(ctx)
	if err != nil {
		if isNotExist(err) {
			return nil, errors.E(errors.NotExist, "gcsfile: stat ", path, err)
		}
		return nil, errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: stat ", path, err)
	}
	return &gcsInfo{size: attrs.Size, modTime: attrs.Updated}, nil
}

// List implements file.Implementation.
func (impl *gcsImpl) List(ctx context.Context, path string, recursive bool) file.Lister {
	loc, err := locationFor(path)
	if err != nil {
		return &errLister{err: err}
	}
	q := &gcs.Query{Prefix: loc.Blob}
	if !recursive {
		q.Delimiter = "/"
	}
	return &gcsLister{it: impl.client.Bucket(loc.Bucket).Objects(ctx, q), prefix: path, bucketPrefix: "gs://" + loc.Bucket + "/"}
}

// Remove implements file.Implementation.
func (impl *gcsImpl) Remove(ctx context.Context, path string) error {
	loc, err := locationFor(path)
	if err != nil {
		return err
	}
	if err := impl.object(loc).Delete(ctx); err != nil {
		return errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: remove ", path, err)
	}
	return nil
}

// Presign implements file.Implementation.
func (impl *gcsImpl) Presign(ctx context.Context, path, method string, expiry time.Duration) (string, error) {
	loc, err := locationFor(path)
	if err != nil {
		return "", err
	}
	url, err := impl.client.Bucket(loc.Bucket).SignedURL(loc.Blob, &gcs.SignedURLOptions{
		Method:  method,
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: presign ", path, err)
	}
	return url, nil
}

func isNotExist(err error) bool {
	return err == gcs.ErrObjectNotExist || err == gcs.ErrBucketNotExist
}

type errLister struct{ err error }

func (e *errLister) Scan() bool      { return false }
func (e *errLister) Err() error      { return e.err }
func (e *errLister) Path() string    { panic("gcsfile: Path after Scan returned false") }
func (e *errLister) IsDir() bool     { panic("gcsfile: IsDir after Scan returned false") }
func (e *errLister) Info() file.Info { panic("gcsfile: Info after Scan returned false") }

type gcsLister struct {
	it           *gcs.ObjectIterator
	prefix       string
	bucketPrefix string

	path  string
	isDir bool
	info  file.Info
	err   error
	done  bool
}

func (l *gcsLister) Scan() bool {
	if l.done || l.err != nil {
		return false
	}
	attrs, err := l.it.Next()
	if err == iterator.Done {
		l.done = true
		return false
	}
	if err != nil {
		l.err = err
		return false
	}
	if attrs.Prefix != "" {
		l.path = l.bucketPrefix + attrs.Prefix
		l.isDir = true
		l.info = nil
		return true
	}
	l.path = l.bucketPrefix + attrs.Name
	l.isDir = false
	l.info = &gcsInfo{size: attrs.Size, modTime: attrs.Updated}
	return true
}

func (l *gcsLister) Err() error      { return l.err }
func (l *gcsLister) Path() string    { return l.path }
func (l *gcsLister) IsDir() bool     { return l.isDir }
func (l *gcsLister) Info() file.Info { return l.info }

type gcsInfo struct {
	size    int64
	modTime time.Time
}

func (i *gcsInfo) Size() int64        { return i.size }
func (i *gcsInfo) ModTime() time.Time { return i.modTime }

// gcsFile is a file.File for either a read (NewRangeReader, re-opened on
// seek) or a write (resumable NewWriter, chunk-aligned).
type gcsFile struct {
	impl *gcsImpl
	path string
	loc  file.GCSLocation

	size    int64
	modTime time.Time

	writing bool
	writer  *gcs.Writer

	position int64
	reader   io.ReadCloser
	closed   bool
}

func (f *gcsFile) String() string { return f.path }
func (f *gcsFile) Name() string   { return f.path }

func (f *gcsFile) Stat(context.Context) (file.Info, error) {
	return &gcsInfo{size: f.size, modTime: f.modTime}, nil
}

func (f *gcsFile) Reader(ctx context.Context) io.ReadSeeker {
	if f.writing {
		return file.NewError(fmt.Errorf("gcsfile: reader %s: file opened for writing", f.path))
	}
	return &gcsReadSeeker{f: f, ctx: ctx}
}

func (f *gcsFile) OffsetReader(offset int64) ioctx.ReadCloser {
	return &gcsOffsetReader{impl: f.impl, loc: f.loc, path: f.path, position: offset}
}

func (f *gcsFile) Writer(context.Context) io.Writer {
	if !f.writing {
		return file.NewError(fmt.Errorf("gcsfile: writer %s: file opened for reading", f.path))
	}
	return f.writer
}

func (f *gcsFile) Discard(context.Context) {
	f.closed = true
	if f.writing {
		f.writer.Close()
		impl := f.impl
		go impl.object(f.loc).Delete(context.Background()) //nolint:errcheck
		return
	}
	if f.reader != nil {
		f.reader.Close()
	}
}

func (f *gcsFile) Close(context.Context) error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.writing {
		return f.writer.Close()
	}
	if f.reader != nil {
		return f.reader.Close()
	}
	return nil
}

func (f *gcsFile) ensureReader(ctx context.Context) error {
	if f.reader != nil {
		return nil
	}
	r, err := f.impl.object(f.loc).NewRangeReader(ctx, f.position, -1)
	if err != nil {
		if isNotExist(err) {
			return errors.E(errors.NotExist, "gcsfile: read ", f.path, err)
		}
		return errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: read ", f.path, err)
	}
	f.reader = r
	return nil
}

func (f *gcsFile) readAt(ctx context.Context, p []byte) (int, error) {
	if err := f.ensureReader(ctx); err != nil {
		return 0, err
	}
	n, err := f.reader.Read(p)
	f.position += int64(n)
	if err == io.EOF {
		f.reader.Close()
		f.reader = nil
	}
	return n, err
}

func (f *gcsFile) seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.position + offset
	case io.SeekEnd:
		target = f.size + offset
	default:
		return 0, fmt.Errorf("gcsfile: seek %s: invalid whence %d", f.path, whence)
	}
	if target < 0 {
		target = 0
	}
	if target == f.position {
		return target, nil
	}
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
	f.position = target
	return target, nil
}

type gcsReadSeeker struct {
	f   *gcsFile
	ctx context.Context
}

func (r *gcsReadSeeker) Read(p []byte) (int, error) { return r.f.readAt(r.ctx, p) }
func (r *gcsReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return r.f.seek(offset, whence)
}

// gcsOffsetReader implements ioctx.ReadCloser, independent of any
// gcsFile's shared seek position.
type gcsOffsetReader struct {
	impl     *gcsImpl
	loc      file.GCSLocation
	path     string
	position int64
	reader   io.ReadCloser
}

func (r *gcsOffsetReader) Read(ctx context.Context, p []byte) (int, error) {
	if r.reader == nil {
		rdr, err := r.impl.object(r.loc).NewRangeReader(ctx, r.position, -1)
		if err != nil {
			if isNotExist(err) {
				return 0, errors.E(errors.NotExist, "gcsfile: read ", r.path, err)
			}
			return 0, errors.E(errors.TransportError, errors.Backend("gcs"), "gcsfile: read ", r.path, err)
		}
		r.reader = rdr
	}
	n, err := r.reader.Read(p)
	r.position += int64(n)
	return n, err
}

func (r *gcsOffsetReader) Close(context.Context) error {
	if r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
