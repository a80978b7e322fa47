// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// +build arc-ignore phabricator-ignore

package s3file_test

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/basinlabs/stream/file/s3file"
	"github.com/stretchr/testify/require"
)

var (
	manualFlag = flag.Bool("run-manual-test", false, "If true, run tests that access AWS.")
)

func maybeSkipManualTest(t *testing.T) {
	if *manualFlag {
		return
	}
	if os.Getenv("TEST_TMPDIR") == "" {
		return
	}
	t.Skip("not enabled")
}

func getBucketRegion(t *testing.T, ctx context.Context, bucket string) string {
	region, err := s3file.FindBucketRegion(ctx, bucket)
	require.NoError(t, err)
	return region
}

func TestBucketRegion(t *testing.T) {
	maybeSkipManualTest(t)

	ctx := context.Background()
	region := getBucketRegion(t, ctx, "grail-ysaito")
	require.Equal(t, region, "us-west-2")

	region = getBucketRegion(t, ctx, "grail-test-us-east-1")
	require.Equal(t, region, "us-east-1")

	region = getBucketRegion(t, ctx, "grail-test-us-east-2")
	require.Equal(t, region, "us-east-2")
}
