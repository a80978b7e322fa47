// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package s3file

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/log"
	"github.com/basinlabs/stream/traverse"
)

// SingleCopySizeLimit is the largest object CopyObject will copy with a
// single CopyObject call; anything larger uses a multipart copy. Smaller
// than the service's 5GiB ceiling so that large copies parallelize. It is a
// var, rather than a const, so that unittests can shrink it.
var SingleCopySizeLimit int64 = 256 << 20 // 256MiB

// MultipartCopyPartSize is the size of each part in a multipart copy. It is
// a var, rather than a const, so that unittests can shrink it.
var MultipartCopyPartSize int64 = 128 << 20 // 128MiB

const multipartCopyConcurrency = 100

// CopyObject copies the object at srcPath to dstPath, both full "s3://..."
// URLs, without reading the data through this process (AWS performs the
// copy server-side). dstMetadata, if non-nil, is set on the destination
// object; the AWS API only preserves metadata automatically for
// single-request copies, so callers who care about metadata on large
// objects must always supply it explicitly.
func CopyObject(ctx context.Context, provider ClientProvider, srcPath, dstPath string, opts Options, dstMetadata map[string]*string) error {
	_, srcBucket, srcKey, err := ParseURL(srcPath)
	if err != nil {
		return err
	}
	_, dstBucket, dstKey, err := ParseURL(dstPath)
	if err != nil {
		return err
	}
	statClients, err := provider.Get(ctx, "GetObject", srcPath)
	if err != nil {
		return errors.E(err, "s3file.copy", srcPath)
	}
	statPolicy := newRetryPolicy(statClients, file.Opts{})
	srcInfo, err := stat(ctx, statClients, statPolicy, srcPath)
	if err != nil {
		return errors.E(err, "s3file.copy: stat source", srcPath)
	}

	clients, err := provider.Get(ctx, "PutObject", dstPath)
	if err != nil {
		return errors.E(err, "s3file.copy", dstPath)
	}
	copySource := srcBucket + "/" + srcKey

	if srcInfo.Size() <= SingleCopySizeLimit {
		return copySingle(ctx, clients, copySource, dstBucket, dstKey, dstPath, opts, dstMetadata)
	}
	return copyMultipart(ctx, clients, copySource, dstBucket, dstKey, dstPath, srcInfo.Size(), dstMetadata)
}

func copySingle(ctx context.Context, clients []s3iface.S3API, copySource, dstBucket, dstKey, dstPath string, opts Options, dstMetadata map[string]*string) error {
	policy := newRetryPolicy(clients, file.Opts{})
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource),
		Metadata:   dstMetadata,
	}
	if opts.ServerSideEncryption != "" {
		input.SetServerSideEncryption(opts.ServerSideEncryption)
	}
	for {
		var ids s3RequestIDs
		_, err := policy.client().CopyObjectWithContext(ctx, input, ids.captureOption())
		if policy.shouldRetry(ctx, err, dstPath) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, fmt.Sprintf("s3file.CopyObjectWithContext s3://%s/%s", dstBucket, dstKey))
		}
		return nil
	}
}

func copyMultipart(ctx context.Context, clients []s3iface.S3API, copySource, dstBucket, dstKey, dstPath string, srcSize int64, dstMetadata map[string]*string) error {
	policy := newRetryPolicy(clients, file.Opts{})
	var uploadID string
	for {
		var ids s3RequestIDs
		resp, err := policy.client().CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(dstBucket),
			Key:      aws.String(dstKey),
			Metadata: dstMetadata,
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, dstPath) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, fmt.Sprintf("s3file.CreateMultipartUploadWithContext s3://%s/%s", dstBucket, dstKey))
		}
		uploadID = *resp.UploadId
		break
	}
	client := policy.client()

	numParts := int((srcSize + MultipartCopyPartSize - 1) / MultipartCopyPartSize)
	parts := make([]*s3.CompletedPart, numParts)
	copyErr := traverse.Each(numParts).Limit(multipartCopyConcurrency).Do(func(i int) error {
		partNum := int64(i + 1)
		firstByte := int64(i) * MultipartCopyPartSize
		lastByte := firstByte + MultipartCopyPartSize - 1
		if lastByte >= srcSize {
			lastByte = srcSize - 1
		}
		partPolicy := newRetryPolicy([]s3iface.S3API{client}, file.Opts{})
		for {
			var ids s3RequestIDs
			out, err := client.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(dstBucket),
				Key:             aws.String(dstKey),
				CopySource:      aws.String(copySource),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int64(partNum),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", firstByte, lastByte)),
			}, ids.captureOption())
			if partPolicy.shouldRetry(ctx, err, dstPath) {
				continue
			}
			if err != nil {
				return annotate(err, ids, &partPolicy, fmt.Sprintf("s3file.UploadPartCopyWithContext s3://%s/%s part %d/%d", dstBucket, dstKey, partNum, numParts))
			}
			parts[i] = &s3.CompletedPart{ETag: out.CopyPartResult.ETag, PartNumber: aws.Int64(partNum)}
			return nil
		}
	})
	if copyErr != nil {
		abortMultipartCopy(ctx, client, dstBucket, dstKey, uploadID, dstPath)
		return copyErr
	}

	for {
		var ids s3RequestIDs
		_, err := client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(dstBucket),
			Key:             aws.String(dstKey),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, dstPath) {
			continue
		}
		if err != nil {
			abortMultipartCopy(ctx, client, dstBucket, dstKey, uploadID, dstPath)
			return annotate(err, ids, &policy, fmt.Sprintf("s3file.CompleteMultipartUploadWithContext s3://%s/%s", dstBucket, dstKey))
		}
		return nil
	}
}

func abortMultipartCopy(ctx context.Context, client s3iface.S3API, bucket, key, uploadID, path string) {
	policy := newRetryPolicy([]s3iface.S3API{client}, file.Opts{})
	for {
		var ids s3RequestIDs
		_, err := client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, path) {
			continue
		}
		if err != nil {
			log.Error.Printf("s3file: abort multipart copy %s: %v, awsrequestID: %v", path, err, ids)
		}
		return
	}
}
