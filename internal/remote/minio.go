package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"
)

// DefaultURLExpiry 是预签名流式地址的默认有效期。
const DefaultURLExpiry = 15 * time.Minute

// statTimeout 限制被多个调用方共享的 StatObject 调用时长。
const statTimeout = 30 * time.Second

// MinioOptions holds S3-compatible store configuration.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Region skips the bucket-location lookup when set.
	Region string
	// Prefix is prepended to every logical key.
	Prefix string
	// URLExpiry bounds presigned streaming URLs.
	URLExpiry time.Duration

	// Client is an optional pre-configured client; connection fields are ignored when set.
	Client *minio.Client
}

func (o *MinioOptions) validate() error {
	if o.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if o.Client != nil {
		return nil
	}
	if o.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if o.AccessKey == "" {
		return fmt.Errorf("access key is required when client is not provided")
	}
	if o.SecretKey == "" {
		return fmt.Errorf("secret key is required when client is not provided")
	}
	return nil
}

// objectClient is the subset of *minio.Client the reader uses.
type objectClient interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// MinioReader implements Reader for MinIO/S3-compatible storage.
// Concurrent stats of the same object (Exists and SizeOf probes from parallel
// prefetch tasks) share a single StatObject round trip.
type MinioReader struct {
	client objectClient
	bucket string
	prefix string
	expiry time.Duration
	stats  singleflight.Group
}

// NewMinioReader validates the options and connects a minio client.
func NewMinioReader(opts MinioOptions) (*MinioReader, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var client objectClient = opts.Client
	if opts.Client == nil {
		c, err := minio.New(opts.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
			Secure: opts.UseSSL,
			Region: opts.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		client = c
	}

	expiry := opts.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}

	return newMinioReader(client, opts.Bucket, opts.Prefix, expiry), nil
}

func newMinioReader(client objectClient, bucket, prefix string, expiry time.Duration) *MinioReader {
	return &MinioReader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		expiry: expiry,
	}
}

func (m *MinioReader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := m.stat(ctx, "exists", path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *MinioReader) SizeOf(ctx context.Context, path string) (int64, error) {
	info, err := m.stat(ctx, "size", path)
	if err != nil {
		return UnknownSize, err
	}
	if info.Size < 0 {
		return UnknownSize, nil
	}
	return info.Size, nil
}

func (m *MinioReader) FetchBytes(ctx context.Context, path string) (*Payload, error) {
	key := m.objectKey(path)
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate("fetch", path, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	info, err := obj.Stat()
	if err != nil {
		return nil, translate("fetch", path, err)
	}

	var buf bytes.Buffer
	if info.Size > 0 {
		buf.Grow(int(info.Size))
	}
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, translate("fetch", path, err)
	}
	return &Payload{Data: buf.Bytes(), ContentType: info.ContentType}, nil
}

func (m *MinioReader) AuthenticatedURL(ctx context.Context, path string) (*url.URL, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, m.objectKey(path), m.expiry, nil)
	if err != nil {
		return nil, translate("presign", path, err)
	}
	return u, nil
}

func (m *MinioReader) stat(ctx context.Context, op, path string) (minio.ObjectInfo, error) {
	key := m.objectKey(path)
	// 共享调用不继承发起者的取消，否则一个调用方断开会让同批的其他调用方一起失败；
	// 每个调用方仍只在自己的 ctx 上等待。
	ch := m.stats.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statTimeout)
		defer cancel()
		return m.client.StatObject(sctx, m.bucket, key, minio.StatObjectOptions{})
	})
	select {
	case <-ctx.Done():
		return minio.ObjectInfo{}, translate(op, path, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return minio.ObjectInfo{}, translate(op, path, res.Err)
		}
		info, _ := res.Val.(minio.ObjectInfo)
		return info, nil
	}
}

func (m *MinioReader) objectKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if m.prefix == "" {
		return path
	}
	return m.prefix + "/" + path
}

// translate converts MinIO errors into ErrNotFound or *TransportError.
func translate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Path: path, Err: err}
	}

	errResp := minio.ToErrorResponse(err)
	switch errResp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return ErrNotFound
	}
	if errResp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &TransportError{Op: op, Path: path, Status: errResp.StatusCode, Err: fmt.Errorf("minio: %w", err)}
}
