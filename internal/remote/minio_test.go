package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]int64
	statErr error
	stats   atomic.Int32
	gate    chan struct{}
}

func (f *fakeObjects) StatObject(ctx context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.stats.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return minio.ObjectInfo{}, ctx.Err()
		}
	}
	if f.statErr != nil {
		return minio.ObjectInfo{}, f.statErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", BucketName: bucket, Key: key, StatusCode: http.StatusNotFound}
	}
	return minio.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeObjects) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
}

func (f *fakeObjects) PresignedGetObject(context.Context, string, string, time.Duration, url.Values) (*url.URL, error) {
	return nil, errors.New("not used")
}

func TestMinioReaderExistsAndSize(t *testing.T) {
	fake := &fakeObjects{objects: map[string]int64{"gallery/2024/a.jpg": 42}}
	r := newMinioReader(fake, "photos", "/gallery/", time.Minute)
	ctx := context.Background()

	ok, err := r.Exists(ctx, "2024/a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(ctx, "2024/THUMBS/a.webp")
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := r.SizeOf(ctx, "/2024/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	_, err = r.SizeOf(ctx, "2024/missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMinioReaderProbeTransportError(t *testing.T) {
	fake := &fakeObjects{statErr: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}}
	r := newMinioReader(fake, "photos", "", time.Minute)

	ok, err := r.Exists(context.Background(), "a.jpg")
	assert.False(t, ok)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusForbidden, te.Status)
	assert.Equal(t, "exists", te.Op)
}

func TestMinioReaderFetchAccessDenied(t *testing.T) {
	r := newMinioReader(&fakeObjects{}, "photos", "", time.Minute)
	_, err := r.FetchBytes(context.Background(), "a.jpg")
	assert.True(t, IsTransport(err))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestMinioReaderSharesConcurrentStats(t *testing.T) {
	fake := &fakeObjects{objects: map[string]int64{"a.jpg": 1}, gate: make(chan struct{})}
	r := newMinioReader(fake, "photos", "", time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Exists(context.Background(), "a.jpg")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	require.Eventually(t, func() bool { return fake.stats.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	assert.Less(t, fake.stats.Load(), int32(8), "parallel probes of one object should share a round trip")
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("x", "p", nil))
	assert.ErrorIs(t, translate("x", "p", minio.ErrorResponse{Code: "NoSuchKey"}), ErrNotFound)
	assert.ErrorIs(t, translate("x", "p", minio.ErrorResponse{Code: "NoSuchBucket"}), ErrNotFound)
	assert.ErrorIs(t, translate("x", "p", minio.ErrorResponse{StatusCode: http.StatusNotFound}), ErrNotFound)

	err := translate("fetch", "p", context.DeadlineExceeded)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = translate("fetch", "p", errors.New("connection reset"))
	assert.True(t, IsTransport(err))
}

func TestMinioReaderPresign(t *testing.T) {
	r, err := NewMinioReader(MinioOptions{
		Endpoint:  "s3.example.com",
		Bucket:    "photos",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secret",
		UseSSL:    true,
		Region:    "us-east-1",
		Prefix:    "gallery",
	})
	require.NoError(t, err)

	u, err := r.AuthenticatedURL(context.Background(), "2024/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Contains(t, u.Path, "gallery/2024/clip.mov")
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestMinioOptionsValidate(t *testing.T) {
	cases := map[string]MinioOptions{
		"bucket":   {Endpoint: "e", AccessKey: "a", SecretKey: "s"},
		"endpoint": {Bucket: "b", AccessKey: "a", SecretKey: "s"},
		"access":   {Bucket: "b", Endpoint: "e", SecretKey: "s"},
		"secret":   {Bucket: "b", Endpoint: "e", AccessKey: "a"},
	}
	for name, opts := range cases {
		_, err := NewMinioReader(opts)
		assert.Error(t, err, name)
	}
}

func TestMinioReaderSharedStatSurvivesCallerCancel(t *testing.T) {
	fake := &fakeObjects{objects: map[string]int64{"v/COMPRESSED/a.mp4": 7}, gate: make(chan struct{})}
	r := newMinioReader(fake, "photos", "", time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Exists(firstCtx, "v/COMPRESSED/a.mp4")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return fake.stats.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		ok  bool
		err error
	}
	second := make(chan result, 1)
	go func() {
		ok, err := r.Exists(context.Background(), "v/COMPRESSED/a.mp4")
		second <- result{ok: ok, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller should return without waiting for the shared stat")
	}

	close(fake.gate)
	res := <-second
	require.NoError(t, res.err, "a live caller must not inherit another caller's cancellation")
	assert.True(t, res.ok)
}
