// Package compress provides a pluggable registry of codecs, keyed by
// filename extension, used to wrap the raw byte streams produced by
// the file backends with a compressing or decompressing layer.
package compress

import (
	"compress/bzip2"
	"io"
	"strings"
	"sync"

	"github.com/basinlabs/stream/errors"
	"github.com/klauspost/compress/gzip"
)

// Factory wraps raw, a raw byte stream obtained from a backend, with
// a compressing (write=true) or decompressing (write=false) layer.
// Closing the returned stream must close raw.
type Factory func(raw io.ReadWriteCloser, write bool) (io.ReadWriteCloser, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register inserts or overwrites the factory associated with ext (a
// dotted suffix, e.g. ".gz"). Safe for concurrent use.
func Register(ext string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[ext] = f
}

// Lookup returns the factory registered for ext, if any.
func Lookup(ext string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[ext]
	return f, ok
}

// StripSuffix reports whether path ends with a registered extension
// (a case-sensitive match on the dotted suffix). If so, it returns
// the path with that suffix removed, the associated factory, and
// true.
func StripSuffix(path string) (inner string, f Factory, ok bool) {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return path, nil, false
	}
	suffix := path[idx:]
	f, ok = Lookup(suffix)
	if !ok {
		return path, nil, false
	}
	return path[:idx], f, true
}

func init() {
	Register(".gz", gzipFactory)
	Register(".bz2", bzip2Factory)
}

func gzipFactory(raw io.ReadWriteCloser, write bool) (io.ReadWriteCloser, error) {
	if write {
		return &gzipWriter{gz: gzip.NewWriter(raw), raw: raw}, nil
	}
	gz, err := gzip.NewReader(raw)
	if err != nil {
		return nil, errors.E(errors.Integrity, "compress: bad gzip header", err)
	}
	return &gzipReader{gz: gz, raw: raw}, nil
}

type gzipReader struct {
	gz  *gzip.Reader
	raw io.ReadWriteCloser
}

func (r *gzipReader) Read(p []byte) (int, error) { return r.gz.Read(p) }
func (r *gzipReader) Write([]byte) (int, error) {
	return 0, errors.E(errors.NotSupported, "compress: gzip reader is read-only")
}
func (r *gzipReader) Close() error {
	err := r.gz.Close()
	if cerr := r.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

type gzipWriter struct {
	gz  *gzip.Writer
	raw io.ReadWriteCloser
}

func (w *gzipWriter) Read([]byte) (int, error) {
	return 0, errors.E(errors.NotSupported, "compress: gzip writer is write-only")
}
func (w *gzipWriter) Write(p []byte) (int, error) { return w.gz.Write(p) }
func (w *gzipWriter) Close() error {
	err := w.gz.Close()
	if cerr := w.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

// bzip2Factory supports decompression only: the ecosystem's
// klauspost/compress/bzip2 package, like stdlib compress/bzip2, ships
// a reader but no encoder, and there is no actively maintained
// pure-Go bzip2 writer among this module's dependencies. Opening a
// .bz2 path for write fails with errors.NotSupported rather than
// silently writing uncompressed bytes under a .bz2 name.
func bzip2Factory(raw io.ReadWriteCloser, write bool) (io.ReadWriteCloser, error) {
	if write {
		return nil, errors.E(errors.NotSupported, "compress: bzip2 writer not supported")
	}
	return &bzip2Reader{br: bzip2.NewReader(raw), raw: raw}, nil
}

type bzip2Reader struct {
	br  io.Reader
	raw io.ReadWriteCloser
}

func (r *bzip2Reader) Read(p []byte) (int, error) { return r.br.Read(p) }
func (r *bzip2Reader) Write([]byte) (int, error) {
	return 0, errors.E(errors.NotSupported, "compress: bzip2 reader is read-only")
}
func (r *bzip2Reader) Close() error { return r.raw.Close() }
