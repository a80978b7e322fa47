// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bucketiter provides a parallel download pipeline over a bucket
// listing: one lister stage feeds a bounded key queue, a pool of downloader
// workers fetches object bodies concurrently with retries, and the caller
// drains results as a lazy, unordered sequence.
package bucketiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/retry"
)

const (
	defaultWorkers = 16
	defaultRetries = 3

	backoffInitial = time.Second
	backoffMax     = 32 * time.Second
	backoffFactor  = 2
	backoffJitter  = 0.2
)

// Result is one item produced by an Iterator: either the full contents of a
// successfully downloaded key, or a terminal per-key error. Every
// listed-and-accepted key produces exactly one Result. Key is relative to
// the bucket of the URI passed to New (e.g. "foo/x.json" when New was
// given "s3://bucket/foo"), or to the directory passed to New when that
// path has no scheme; it is not the scheme-qualified path used internally
// to fetch the object.
type Result struct {
	Key  string
	Data []byte
	Err  error
}

// keyItem threads both forms of a listed object through the pipeline: path
// is the scheme-qualified location file.ReadFile needs to fetch the object,
// rel is the bucket-relative key surfaced to AcceptKey and Result.Key.
type keyItem struct {
	path string
	rel  string
}

// relativeKey turns full (a path.Path() value from file.List, which is
// documented to start with base, the path given to New) into the key a
// caller expects from iter_bucket. For a URI base such as
// "s3://bucket/foo" it strips "s3://bucket/", so the key keeps the listed
// prefix ("foo/x.json"); for a base with no scheme it strips base and a
// trailing separator. If full doesn't actually have that prefix, it is
// returned unchanged as a fallback.
func relativeKey(base, full string) string {
	if i := strings.Index(base, "://"); i >= 0 {
		authority := i + len("://")
		if j := strings.IndexByte(base[authority:], '/'); j >= 0 {
			base = base[:authority+j]
		}
	}
	prefix := strings.TrimSuffix(base, "/") + "/"
	if rel := strings.TrimPrefix(full, prefix); rel != full {
		return rel
	}
	return full
}

// Options configures an Iterator.
type Options struct {
	// AcceptKey, if non-nil, filters keys as they're listed; a key for
	// which it returns false is skipped and never downloaded.
	AcceptKey func(key string) bool

	// KeyLimit stops the listing stage after this many accepted keys. Zero
	// means no limit.
	KeyLimit int

	// Workers is the number of concurrent downloads. Zero uses a default of 16.
	Workers int

	// Retries is the number of retry attempts per key after a transient
	// download failure, with exponential backoff. Zero uses a default of 3.
	Retries int
}

// Iterator is a lazy, unordered sequence of (key, downloaded bytes) pairs
// produced by New. Callers must drain it to completion with Next, or call
// Close to abandon it early; either releases the iterator's goroutines.
type Iterator struct {
	results chan Result
	cancel  context.CancelFunc
	drained chan struct{} // closed once all pipeline stages have exited
	once    sync.Once
}

// New starts listing bucket/prefix and begins downloading matching keys in
// the background, returning immediately. path is a full URI recognized by
// the file package's registered backends, e.g. "s3://bucket/prefix".
func New(ctx context.Context, path string, opts Options) *Iterator {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		cancel:  cancel,
		drained: make(chan struct{}),
	}
	keys := make(chan keyItem, 2*opts.Workers)
	results := make(chan Result, 2*opts.Workers)
	it.results = results

	go it.list(ctx, path, opts, keys)

	var wg sync.WaitGroup
	wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go func() {
			defer wg.Done()
			it.download(ctx, opts, keys, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
		close(it.drained)
	}()
	return it
}

// list is the Lister stage: it pages through path's listing, applies
// AcceptKey and KeyLimit, and pushes accepted keys onto keys. It always
// closes keys when done, whether that's because listing finished, the key
// limit was reached, or ctx was cancelled.
func (it *Iterator) list(ctx context.Context, path string, opts Options, keys chan<- keyItem) {
	defer close(keys)
	lister := file.List(ctx, path, true)
	var accepted int
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		full := lister.Path()
		rel := relativeKey(path, full)
		if opts.AcceptKey != nil && !opts.AcceptKey(rel) {
			continue
		}
		select {
		case keys <- keyItem{path: full, rel: rel}:
		case <-ctx.Done():
			return
		}
		accepted++
		if opts.KeyLimit > 0 && accepted >= opts.KeyLimit {
			return
		}
	}
	if err := lister.Err(); err != nil {
		select {
		case it.results <- Result{Err: errors.E(err, fmt.Sprintf("bucketiter: list %s", path))}:
		case <-ctx.Done():
		}
	}
}

// download is a single Downloader worker: it pulls keys until the channel
// is closed, retrying each transient failure with exponential backoff
// before giving up and reporting a per-key failure marker.
func (it *Iterator) download(ctx context.Context, opts Options, keys <-chan keyItem, results chan<- Result) {
	for k := range keys {
		data, err := downloadWithRetry(ctx, k.path, opts.Retries)
		select {
		case results <- Result{Key: k.rel, Data: data, Err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func downloadWithRetry(ctx context.Context, path string, retries int) ([]byte, error) {
	policy := retry.Jitter(retry.Backoff(backoffInitial, backoffMax, backoffFactor), backoffJitter)
	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := file.ReadFile(ctx, path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.IsTemporary(err) {
			break
		}
		if attempt >= retries {
			break
		}
		if werr := retry.Wait(ctx, policy, attempt); werr != nil {
			lastErr = werr
			break
		}
	}
	return nil, errors.E(lastErr, fmt.Sprintf("bucketiter: download %s", path))
}

// Next blocks until a result is available and returns it, or returns
// ok == false once every listed-and-accepted key has been yielded or
// reported as failed.
func (it *Iterator) Next() (Result, bool) {
	res, ok := <-it.results
	return res, ok
}

// Close abandons the iteration: in-flight downloads observe the
// cancellation within one request and exit, and the lister stops paging.
// It is safe to call Close after the iterator has been fully drained, and
// safe to call it more than once.
func (it *Iterator) Close() {
	it.once.Do(func() {
		it.cancel()
		for range it.results {
			// Drain so the pipeline's goroutines don't block forever
			// trying to deliver a result nobody will read.
		}
	})
	<-it.drained
}
