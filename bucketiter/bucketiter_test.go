// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bucketiter_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/basinlabs/stream/bucketiter"
	"github.com/basinlabs/stream/file"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

// writeFiles creates n files named key000.. under dir and returns their
// names relative to dir, the form bucketiter.Result.Key is expected to use.
func writeFiles(t *testing.T, dir string, n int) []string {
	t.Helper()
	ctx := context.Background()
	var names []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("key%03d", i)
		path := fmt.Sprintf("%s/%s", dir, name)
		assert.NoError(t, file.WriteFile(ctx, path, []byte(fmt.Sprintf("contents-%03d", i))))
		names = append(names, name)
	}
	return names
}

func drain(it *bucketiter.Iterator) (map[string]string, []error) {
	got := map[string]string{}
	var errs []error
	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		got[res.Key] = string(res.Data)
	}
	return got, errs
}

func TestIterateAll(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	names := writeFiles(t, dir, 20)

	it := bucketiter.New(context.Background(), dir, bucketiter.Options{Workers: 4})
	got, errs := drain(it)
	it.Close()

	assert.EQ(t, len(errs), 0)
	assert.EQ(t, len(got), len(names))
	for i, name := range names {
		assert.EQ(t, got[name], fmt.Sprintf("contents-%03d", i))
	}
}

func TestIterateAcceptKeyAndLimit(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeFiles(t, dir, 20)

	var seen []string
	it := bucketiter.New(context.Background(), dir, bucketiter.Options{
		Workers:  2,
		KeyLimit: 3,
		AcceptKey: func(key string) bool {
			return strings.HasSuffix(key, "0") || strings.HasSuffix(key, "5")
		},
	})
	got, errs := drain(it)
	it.Close()
	assert.EQ(t, len(errs), 0)
	// Four keys (key000, key005, key010, key015) pass AcceptKey; the limit
	// stops listing after three of them.
	assert.EQ(t, len(got), 3)
	for key := range got {
		seen = append(seen, key)
	}
	sort.Strings(seen)
	for _, key := range seen {
		last := key[len(key)-1]
		assert.True(t, last == '0' || last == '5')
	}
}

func TestIterateCloseEarly(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeFiles(t, dir, 50)

	it := bucketiter.New(context.Background(), dir, bucketiter.Options{Workers: 2})
	// Read exactly one result, then abandon the rest.
	_, ok := it.Next()
	assert.True(t, ok)
	it.Close() // must not hang
}
