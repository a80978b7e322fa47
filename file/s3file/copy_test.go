// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//+build !unit

package s3file_test

import (
	"context"
	"io/ioutil"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/basinlabs/stream/file/s3file"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/s3test"
)

func copyRead(t *testing.T, client *s3test.Client, path string) []byte {
	t.Helper()
	provider := &testProvider{clients: []s3iface.S3API{client}}
	impl := s3file.NewImplementation(provider, s3file.Options{})
	f, err := impl.Open(context.Background(), path)
	assert.NoError(t, err)
	defer f.Close(context.Background())
	got, err := ioutil.ReadAll(f.Reader(context.Background()))
	assert.NoError(t, err)
	return got
}

func TestCopySmall(t *testing.T) {
	ctx := context.Background()
	client := s3test.NewClient(t, "b")
	provider := &testProvider{clients: []s3iface.S3API{client}}
	impl := s3file.NewImplementation(provider, s3file.Options{})

	want := []byte("hello, copy")
	f, err := impl.Create(ctx, "s3://b/src.txt")
	assert.NoError(t, err)
	_, err = f.Writer(ctx).Write(want)
	assert.NoError(t, err)
	assert.NoError(t, f.Close(ctx))

	assert.NoError(t, s3file.CopyObject(ctx, provider, "s3://b/src.txt", "s3://b/dst.txt", s3file.Options{}, nil))
	assert.EQ(t, copyRead(t, client, "s3://b/dst.txt"), want)
}

func TestCopyMultipart(t *testing.T) {
	oldSingle, oldPart := s3file.SingleCopySizeLimit, s3file.MultipartCopyPartSize
	s3file.SingleCopySizeLimit = 16
	s3file.MultipartCopyPartSize = 16
	defer func() {
		s3file.SingleCopySizeLimit = oldSingle
		s3file.MultipartCopyPartSize = oldPart
	}()

	ctx := context.Background()
	client := s3test.NewClient(t, "b")
	provider := &testProvider{clients: []s3iface.S3API{client}}
	impl := s3file.NewImplementation(provider, s3file.Options{})

	want := make([]byte, 100)
	for i := range want {
		want[i] = byte('a' + i%26)
	}
	f, err := impl.Create(ctx, "s3://b/bigsrc.bin")
	assert.NoError(t, err)
	_, err = f.Writer(ctx).Write(want)
	assert.NoError(t, err)
	assert.NoError(t, f.Close(ctx))

	assert.NoError(t, s3file.CopyObject(ctx, provider, "s3://b/bigsrc.bin", "s3://b/bigdst.bin", s3file.Options{}, nil))
	assert.EQ(t, copyRead(t, client, "s3://b/bigdst.bin"), want)
}

func TestCopyMetadata(t *testing.T) {
	ctx := context.Background()
	client := s3test.NewClient(t, "b")
	provider := &testProvider{clients: []s3iface.S3API{client}}
	impl := s3file.NewImplementation(provider, s3file.Options{})

	f, err := impl.Create(ctx, "s3://b/src.txt")
	assert.NoError(t, err)
	_, err = f.Writer(ctx).Write([]byte("v"))
	assert.NoError(t, err)
	assert.NoError(t, f.Close(ctx))

	meta := map[string]*string{"custom": aws.String("value")}
	assert.NoError(t, s3file.CopyObject(ctx, provider, "s3://b/src.txt", "s3://b/dst.txt", s3file.Options{}, meta))
	assert.EQ(t, copyRead(t, client, "s3://b/dst.txt"), []byte("v"))
}

func TestCopySourceNotFound(t *testing.T) {
	ctx := context.Background()
	client := s3test.NewClient(t, "b")
	provider := &testProvider{clients: []s3iface.S3API{client}}
	err := s3file.CopyObject(ctx, provider, "s3://b/missing.txt", "s3://b/dst.txt", s3file.Options{}, nil)
	assert.True(t, err != nil)
}
