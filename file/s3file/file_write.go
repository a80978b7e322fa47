package s3file

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/log"
)

// minPartSizeFloor is the S3 service minimum for any part except the last
// one in a multipart upload.
const minPartSizeFloor = 5 << 20

// defaultMinPartSize is used when Options.MinPartSize is unset (0) and
// UploadPartSize hasn't been overridden.
const defaultMinPartSize = 50 << 20

// maxPartCount is the maximum number of parts a multipart upload may have.
const maxPartCount = 10000

// MaxSinglePartUploadSize is the largest object that can be written via a
// single PutObject call. It is a var, rather than a const, so that unittests
// can shrink it.
var MaxSinglePartUploadSize int64 = 5 << 30

// A helper class for driving s3manager.Uploader through an io.Writer-like
// interface. Its write() method will feed data incrementally to the uploader,
// and finish() will wait for all the uploads to finish.
type s3Uploader struct {
	ctx               context.Context
	client            s3iface.S3API // pinned client for an in-progress multipart upload
	clients           []s3iface.S3API
	path, bucket, key string
	opts              file.Opts
	s3opts            Options
	uploadID          string
	createTime        time.Time // time of file.Create() call
	partSize          int
	singlePart        bool

	// curBuf is only accessed by the handleRequests thread.
	curBuf       *[]byte
	nextPartNum  int64
	totalWritten int64
	singleBuf    bytes.Buffer // accumulator used only when singlePart is set

	bufPool  sync.Pool
	reqCh    chan uploadChunk
	err      errors.Once
	sg       sync.WaitGroup
	mu       sync.Mutex
	parts    []*s3.CompletedPart
	finished int32 // atomic; 0 = open, 1 = finished (via finish(), abort(), or the finalizer)
}

type uploadChunk struct {
	client   s3iface.S3API
	uploadID string
	partNum  int64
	buf      *[]byte
}

const uploadParallelism = 16

// UploadPartSize is the default size of a chunk during multi-part uploads,
// used whenever Options.MinPartSize is zero. It is a var, rather than a
// const, so that unittests can shrink it.
var UploadPartSize = defaultMinPartSize

// effectivePartSize resolves the part size an uploader should use: the
// per-Options value if set (clamped up to the service floor), else the
// package-wide default.
func effectivePartSize(opts Options) int {
	if opts.MinPartSize > 0 {
		if opts.MinPartSize < minPartSizeFloor {
			return minPartSizeFloor
		}
		return opts.MinPartSize
	}
	return UploadPartSize
}

func newUploader(ctx context.Context, provider ClientProvider, opts Options, path, bucket, key string, fileOpts file.Opts) (*s3Uploader, error) {
	clients, err := provider.Get(ctx, "PutObject", path)
	if err != nil {
		return nil, errors.E(err, "s3file.write", path)
	}

	u := &s3Uploader{
		ctx:         ctx,
		path:        path,
		bucket:      bucket,
		key:         key,
		opts:        fileOpts,
		s3opts:      opts,
		clients:     clients,
		createTime:  time.Now(),
		partSize:    effectivePartSize(opts),
		singlePart:  opts.DisableMultipartUpload,
		nextPartNum: 1,
	}
	u.bufPool = sync.Pool{New: func() interface{} { slice := make([]byte, u.partSize); return &slice }}
	runtime.SetFinalizer(u, (*s3Uploader).finalize)

	// The multipart upload itself (CreateMultipartUpload and the upload
	// goroutines) is not started here: a file that is opened for write and
	// then closed without ever receiving a write() call should never issue
	// CreateMultipartUpload at all, matching the single-PutObject path taken
	// for an empty object. ensureMultipartUpload starts it lazily, from the
	// first write() call.
	return u, nil
}

// ensureMultipartUpload issues CreateMultipartUpload on first use. It can be
// called only by the request thread, the same goroutine that calls write().
func (u *s3Uploader) ensureMultipartUpload() error {
	if u.uploadID != "" {
		return nil
	}
	params := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.key),
	}
	if u.s3opts.ServerSideEncryption != "" {
		params.SetServerSideEncryption(u.s3opts.ServerSideEncryption)
	}

	policy := newRetryPolicy(u.clients, file.Opts{})
	for {
		var ids s3RequestIDs
		resp, err := policy.client().CreateMultipartUploadWithContext(u.ctx,
			params, ids.captureOption())
		if policy.shouldRetry(u.ctx, err, u.path) {
			continue
		}
		if err != nil {
			return annotate(err, ids, &policy, "s3file.CreateMultipartUploadWithContext", u.path)
		}
		u.client = policy.client()
		u.uploadID = *resp.UploadId
		if u.uploadID == "" {
			panic(fmt.Sprintf("empty uploadID: %+v, awsrequestID: %v", resp, ids))
		}
		break
	}

	u.reqCh = make(chan uploadChunk, uploadParallelism)
	for i := 0; i < uploadParallelism; i++ {
		u.sg.Add(1)
		go u.uploadThread()
	}
	return nil
}

func (u *s3Uploader) uploadThread() {
	defer u.sg.Done()
	for chunk := range u.reqCh {
		policy := newRetryPolicy([]s3iface.S3API{chunk.client}, file.Opts{})
	retry:
		params := &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(u.key),
			Body:       bytes.NewReader(*chunk.buf),
			UploadId:   aws.String(chunk.uploadID),
			PartNumber: &chunk.partNum,
		}
		var ids s3RequestIDs
		resp, err := chunk.client.UploadPartWithContext(u.ctx, params, ids.captureOption())
		if policy.shouldRetry(u.ctx, err, u.path) {
			goto retry
		}
		u.bufPool.Put(chunk.buf)
		if err != nil {
			u.err.Set(annotate(err, ids, &policy, fmt.Sprintf("s3file.UploadPartWithContext s3://%s/%s", u.bucket, u.key)))
			continue
		}
		partNum := chunk.partNum
		completed := &s3.CompletedPart{ETag: resp.ETag, PartNumber: &partNum}
		u.mu.Lock()
		u.parts = append(u.parts, completed)
		u.mu.Unlock()
	}
}

// write appends data to file. It can be called only by the request thread.
// Failures from earlier background UploadPart calls, as well as violations
// of the part-count or single-part size limits, surface here.
func (u *s3Uploader) write(buf []byte) error {
	if len(buf) == 0 {
		panic("empty buf in write")
	}
	if err := u.err.Err(); err != nil {
		return err
	}
	u.totalWritten += int64(len(buf))

	if u.singlePart {
		if u.totalWritten > MaxSinglePartUploadSize {
			err := errors.E(errors.LimitExceeded,
				fmt.Sprintf("s3file.write %s: single-part upload exceeds maximum object size of %d bytes", u.path, MaxSinglePartUploadSize))
			u.err.Set(err)
			return err
		}
		u.singleBuf.Write(buf)
		return nil
	}

	if u.uploadID == "" {
		if err := u.ensureMultipartUpload(); err != nil {
			u.err.Set(err)
			return err
		}
	}

	for len(buf) > 0 {
		if u.curBuf == nil {
			if u.nextPartNum > maxPartCount {
				err := errors.E(errors.LimitExceeded,
					fmt.Sprintf("s3file.write %s: exceeds maximum of %d parts", u.path, maxPartCount))
				u.err.Set(err)
				return err
			}
			u.curBuf = u.bufPool.Get().(*[]byte)
			*u.curBuf = (*u.curBuf)[:0]
		}
		if cap(*u.curBuf) != u.partSize {
			panic("empty buf")
		}
		uploadBuf := *u.curBuf
		space := uploadBuf[len(uploadBuf):cap(uploadBuf)]
		n := len(buf)
		if n < len(space) {
			copy(space, buf)
			*u.curBuf = uploadBuf[0 : len(uploadBuf)+n]
			return nil
		}
		copy(space, buf)
		buf = buf[len(space):]
		*u.curBuf = uploadBuf[0:cap(uploadBuf)]
		u.reqCh <- uploadChunk{client: u.client, uploadID: u.uploadID, partNum: u.nextPartNum, buf: u.curBuf}
		u.nextPartNum++
		u.curBuf = nil
	}
	return nil
}

// finalize aborts an in-progress multipart upload that was never explicitly
// finished or aborted. It runs either as a runtime finalizer (the writer was
// dropped without Close/Discard) or, synchronously, from finish()/abort().
func (u *s3Uploader) finalize() {
	if !atomic.CompareAndSwapInt32(&u.finished, 0, 1) {
		return
	}
	if u.singlePart || u.uploadID == "" {
		return
	}
	ctx := u.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	policy := newRetryPolicy(u.clients, file.Opts{})
	for {
		var ids s3RequestIDs
		_, err := policy.client().AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(u.key),
			UploadId: aws.String(u.uploadID),
		}, ids.captureOption())
		if policy.shouldRetry(ctx, err, u.path) {
			continue
		}
		if err != nil {
			log.Error.Printf("s3file: abort dropped upload %s: %v, awsrequestID: %v", u.path, err, ids)
		}
		return
	}
}

func (u *s3Uploader) abort() error {
	runtime.SetFinalizer(u, nil)
	atomic.StoreInt32(&u.finished, 1)
	if u.singlePart || u.uploadID == "" {
		return nil
	}
	policy := newRetryPolicy([]s3iface.S3API{u.client}, file.Opts{})
	for {
		var ids s3RequestIDs
		_, err := u.client.AbortMultipartUploadWithContext(u.ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(u.key),
			UploadId: aws.String(u.uploadID),
		}, ids.captureOption())
		if !policy.shouldRetry(u.ctx, err, u.path) {
			if err != nil {
				err = annotate(err, ids, &policy, fmt.Sprintf("s3file.AbortMultiPartUploadWithContext s3://%s/%s", u.bucket, u.key))
			}
			return err
		}
	}
}

// finish finishes writing. It can be called only by the request thread.
func (u *s3Uploader) finish() error {
	runtime.SetFinalizer(u, nil)
	atomic.StoreInt32(&u.finished, 1)

	if u.singlePart {
		if err := u.err.Err(); err != nil {
			return err
		}
		policy := newRetryPolicy(u.clients, file.Opts{})
		data := u.singleBuf.Bytes()
		for {
			input := &s3.PutObjectInput{
				Bucket: aws.String(u.bucket),
				Key:    aws.String(u.key),
				Body:   bytes.NewReader(data),
			}
			if u.s3opts.ServerSideEncryption != "" {
				input.SetServerSideEncryption(u.s3opts.ServerSideEncryption)
			}
			var ids s3RequestIDs
			_, err := policy.client().PutObjectWithContext(u.ctx, input, ids.captureOption())
			if policy.shouldRetry(u.ctx, err, u.path) {
				continue
			}
			if err != nil {
				err = annotate(err, ids, &policy, fmt.Sprintf("s3file.PutObjectWithContext s3://%s/%s", u.bucket, u.key))
			}
			u.err.Set(err)
			break
		}
		return u.err.Err()
	}

	if u.curBuf != nil && len(*u.curBuf) > 0 {
		u.reqCh <- uploadChunk{client: u.client, uploadID: u.uploadID, partNum: u.nextPartNum, buf: u.curBuf}
		u.curBuf = nil
	}
	if u.reqCh != nil {
		close(u.reqCh)
		u.sg.Wait()
	}
	var policy retryPolicy
	if u.client != nil {
		policy = newRetryPolicy([]s3iface.S3API{u.client}, file.Opts{})
	} else {
		policy = newRetryPolicy(u.clients, file.Opts{})
	}
	if err := u.err.Err(); err != nil {
		if u.uploadID != "" {
			u.abortMultipart(policy) // nolint: errcheck
		}
		return err
	}
	if len(u.parts) == 0 {
		// Zero bytes were ever written, so ensureMultipartUpload was never
		// called and no multipart upload exists to abort. Issue a plain
		// PutObject to create the (empty) object directly.
		if u.uploadID != "" {
			u.abortMultipart(policy) // nolint: errcheck
		}
		for {
			input := &s3.PutObjectInput{
				Bucket: aws.String(u.bucket),
				Key:    aws.String(u.key),
				Body:   bytes.NewReader(nil),
			}
			if u.s3opts.ServerSideEncryption != "" {
				input.SetServerSideEncryption(u.s3opts.ServerSideEncryption)
			}

			var ids s3RequestIDs
			_, err := policy.client().PutObjectWithContext(u.ctx, input, ids.captureOption())
			if !policy.shouldRetry(u.ctx, err, u.path) {
				if err != nil {
					err = annotate(err, ids, &policy, fmt.Sprintf("s3file.PutObjectWithContext s3://%s/%s", u.bucket, u.key))
				}
				u.err.Set(err)
				break
			}
		}
		return u.err.Err()
	}
	// Common case. Complete the multi-part upload.
	closeStartTime := time.Now()
	sort.Slice(u.parts, func(i, j int) bool { // Parts must be sorted in PartNumber order.
		return *u.parts[i].PartNumber < *u.parts[j].PartNumber
	})
	params := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: u.parts},
	}
	for {
		var ids s3RequestIDs
		_, err := u.client.CompleteMultipartUploadWithContext(u.ctx, params, ids.captureOption())
		if aerr, ok := getAWSError(err); ok && aerr.Code() == "NoSuchUpload" {
			if u.opts.IgnoreNoSuchUpload {
				// Here we managed to upload >=1 part, so the uploadID must have been
				// valid some point in the past.
				//
				// TODO(saito) we could check that upload isn't too old (say <= 7 days),
				// or that the file actually exists.
				log.Error.Printf("close %s: IgnoreNoSuchUpload is set; ignoring %v %+v", u.path, err, ids)
				err = nil
			}
		}
		if !policy.shouldRetry(u.ctx, err, u.path) {
			if err != nil {
				err = annotate(err, ids, &policy,
					fmt.Sprintf("s3file.CompleteMultipartUploadWithContext s3://%s/%s, "+
						"created at %v, started closing at %v, failed at %v",
						u.bucket, u.key, u.createTime, closeStartTime, time.Now()))
			}
			u.err.Set(err)
			break
		}
	}
	if u.err.Err() != nil {
		u.abortMultipart(policy) // nolint: errcheck
	}
	return u.err.Err()
}

// abortMultipart issues AbortMultipartUpload using an already-constructed
// retry policy, for use from within finish() where a policy is already at
// hand. It does not touch the finished/finalizer bookkeeping; abort() does.
func (u *s3Uploader) abortMultipart(policy retryPolicy) error {
	for {
		var ids s3RequestIDs
		_, err := u.client.AbortMultipartUploadWithContext(u.ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(u.key),
			UploadId: aws.String(u.uploadID),
		}, ids.captureOption())
		if !policy.shouldRetry(u.ctx, err, u.path) {
			if err != nil {
				err = annotate(err, ids, &policy, fmt.Sprintf("s3file.AbortMultiPartUploadWithContext s3://%s/%s", u.bucket, u.key))
			}
			return err
		}
	}
}
