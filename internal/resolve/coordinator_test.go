package resolve

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-hub/internal/cache"
	"github.com/any-hub/media-hub/internal/remote"
)

// fakeReader 是内存中的远端对象仓库，按操作计数。
type fakeReader struct {
	mu      sync.Mutex
	objects map[string][]byte
	sizes   map[string]int64
	broken  map[string]error

	exists  atomic.Int32
	sizeOf  atomic.Int32
	fetches atomic.Int32
	urls    atomic.Int32

	fetchGate chan struct{}
}

func newFakeReader(objects map[string]string) *fakeReader {
	f := &fakeReader{
		objects: make(map[string][]byte),
		sizes:   make(map[string]int64),
		broken:  make(map[string]error),
	}
	for k, v := range objects {
		f.objects[k] = []byte(v)
	}
	return f
}

func (f *fakeReader) calls() int32 {
	return f.exists.Load() + f.sizeOf.Load() + f.fetches.Load() + f.urls.Load()
}

func (f *fakeReader) lookup(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.broken[path]; ok {
		return nil, err
	}
	data, ok := f.objects[path]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return data, nil
}

func (f *fakeReader) Exists(_ context.Context, path string) (bool, error) {
	f.exists.Add(1)
	_, err := f.lookup(path)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeReader) SizeOf(_ context.Context, path string) (int64, error) {
	f.sizeOf.Add(1)
	data, err := f.lookup(path)
	if err != nil {
		return remote.UnknownSize, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if size, ok := f.sizes[path]; ok {
		return size, nil
	}
	return int64(len(data)), nil
}

func (f *fakeReader) FetchBytes(ctx context.Context, path string) (*remote.Payload, error) {
	f.fetches.Add(1)
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, &remote.TransportError{Op: "fetch", Path: path, Err: ctx.Err()}
		}
	}
	data, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	return &remote.Payload{Data: data}, nil
}

func (f *fakeReader) AuthenticatedURL(_ context.Context, path string) (*url.URL, error) {
	f.urls.Add(1)
	return url.Parse("https://remote.test/" + path + "?sig=1")
}

// spyStore 统计对缓存的访问次数。
type spyStore struct {
	cache.Store
	calls atomic.Int32
}

func (s *spyStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	s.calls.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *spyStore) Put(ctx context.Context, key string, data []byte, contentType string) (*cache.Entry, error) {
	s.calls.Add(1)
	return s.Store.Put(ctx, key, data, contentType)
}

func (s *spyStore) Contains(key string) bool {
	s.calls.Add(1)
	return s.Store.Contains(key)
}

type fixture struct {
	coord  *Coordinator
	reader *fakeReader
	store  *spyStore
	mode   *AtomicMode
}

func newFixture(t *testing.T, budget int64, objects map[string]string) *fixture {
	t.Helper()
	published := NewPublished()
	store, err := cache.NewStore(t.TempDir(), cache.Options{
		Budget:  budget,
		OnEvict: func(key string) { published.ForgetSource(key) },
	})
	require.NoError(t, err)

	f := &fixture{
		reader: newFakeReader(objects),
		store:  &spyStore{Store: store},
		mode:   NewAtomicMode(ModeNormal),
	}
	f.coord, err = New(Options{Store: f.store, Reader: f.reader, Mode: f.mode, Published: published})
	require.NoError(t, err)
	return f
}

func TestResolveImageCachesOriginal(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"2024/a.jpg": "jpeg-bytes"})
	ctx := context.Background()

	ref, err := f.coord.Resolve(ctx, Request{Key: "2024/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, RefLocal, ref.Kind)
	assert.Equal(t, VariantOriginal, ref.Variant)
	assert.Equal(t, "2024/a.jpg", ref.Source)
	assert.Equal(t, "image/jpeg", ref.ContentType)
	assert.FileExists(t, ref.Path)
	assert.True(t, f.store.Store.Contains("2024/a.jpg"))

	again, err := f.coord.Resolve(ctx, Request{Key: "2024/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, ref.Path, again.Path)
	assert.Equal(t, int32(1), f.reader.fetches.Load(), "cache hit must not refetch")

	published, ok := f.coord.Published().Load("2024/a.jpg")
	require.True(t, ok)
	assert.Equal(t, RefLocal, published.Kind)
}

func TestResolveOversizedImageStreams(t *testing.T) {
	f := newFixture(t, 1000, map[string]string{"big.jpg": "x"})
	f.reader.sizes["big.jpg"] = 401

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "big.jpg"})
	require.NoError(t, err)
	assert.Equal(t, RefStream, ref.Kind)
	assert.Equal(t, "https://remote.test/big.jpg?sig=1", ref.URL)
	assert.Zero(t, f.reader.fetches.Load(), "oversized original must not be downloaded")
	assert.False(t, f.store.Store.Contains("big.jpg"))
}

func TestResolveUnknownSizeFallsBackToPutCheck(t *testing.T) {
	f := newFixture(t, 100, map[string]string{"doc.pdf": string(make([]byte, 60))})
	f.reader.sizes["doc.pdf"] = remote.UnknownSize

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, RefStream, ref.Kind, "put rejects above the single-entry cap, so the object streams")
	assert.Equal(t, int32(1), f.reader.fetches.Load())
}

func TestConcurrentResolveFetchesOnce(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "payload"})
	f.reader.fetchGate = make(chan struct{})

	var wg sync.WaitGroup
	refs := make([]*Reference, 2)
	errs := make([]error, 2)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = f.coord.Resolve(context.Background(), Request{Key: "a.jpg"})
		}(i)
	}

	require.Eventually(t, func() bool { return f.reader.fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.reader.fetchGate)
	wg.Wait()

	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, RefLocal, refs[i].Kind)
	}
	assert.Equal(t, int32(1), f.reader.fetches.Load())
}

func TestPrefetchDeclinesWhileInFlight(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "payload"})
	require.True(t, f.coord.registry.TryBegin("a.jpg"))

	_, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg", Prefetch: true})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, f.reader.fetches.Load())

	f.coord.registry.End("a.jpg")
	ref, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg", Prefetch: true})
	require.NoError(t, err)
	assert.Equal(t, RefLocal, ref.Kind)
}

func TestUserOpenWaitsForOwner(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "payload"})
	require.True(t, f.coord.registry.TryBegin("a.jpg"))

	done := make(chan *Reference, 1)
	go func() {
		ref, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg"})
		assert.NoError(t, err)
		done <- ref
	}()

	// 模拟持有者写入缓存后结束。
	_, err := f.store.Store.Put(context.Background(), "a.jpg", []byte("payload"), "image/jpeg")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	f.coord.registry.End("a.jpg")

	select {
	case ref := <-done:
		assert.Equal(t, RefLocal, ref.Kind)
	case <-time.After(time.Second):
		t.Fatal("user open did not resume after owner finished")
	}
	assert.Zero(t, f.reader.fetches.Load())
}

func TestExtremeLowPrefetchIsSkipped(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "x", "b.mov": "y"})
	f.mode.Set(ModeExtremeLow)

	for _, req := range []Request{
		{Key: "a.jpg", Prefetch: true},
		{Key: "b.mov", Prefetch: true},
		{Key: "a.jpg", Prefetch: true, ThumbnailOnly: true},
	} {
		ref, err := f.coord.Resolve(context.Background(), req)
		assert.ErrorIs(t, err, ErrSkipped)
		assert.Nil(t, ref)
	}
	assert.Zero(t, f.reader.calls(), "no remote calls")
	assert.Zero(t, f.store.calls.Load(), "no cache calls")

	// 用户主动打开不受影响。
	ref, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg"})
	require.NoError(t, err)
	assert.NotNil(t, ref)
}

func TestVideoPrefersCompressedCandidate(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{
		"a/b/video.mov":             "orig",
		"a/b/COMPRESSED/video.webm": "webm",
	})

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "a/b/video.mov"})
	require.NoError(t, err)
	assert.Equal(t, RefStream, ref.Kind)
	assert.Equal(t, VariantCompressed, ref.Variant)
	assert.Equal(t, "a/b/COMPRESSED/video.webm", ref.Source)
	assert.Equal(t, int32(2), f.reader.exists.Load(), "mp4 probed before webm")
	assert.Zero(t, f.reader.fetches.Load(), "videos are never downloaded")
}

func TestVideoWithoutCompressedStreamsOriginal(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"clip.mp4": "orig"})
	f.reader.broken["COMPRESSED/clip.mp4"] = &remote.TransportError{Op: "exists", Err: errors.New("reset")}

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "clip.mp4"})
	require.NoError(t, err)
	assert.Equal(t, RefStream, ref.Kind)
	assert.Equal(t, VariantOriginal, ref.Variant)
	assert.Equal(t, "clip.mp4", ref.Source)
	assert.False(t, f.store.Store.Contains("clip.mp4"))
}

func TestLowModeUsesThumbnail(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{
		"2024/a.jpg":         "full",
		"2024/THUMBS/a.webp": "thumb",
	})
	f.mode.Set(ModeLow)

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "2024/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, RefLocal, ref.Kind)
	assert.Equal(t, VariantThumbnail, ref.Variant)
	assert.Equal(t, "2024/THUMBS/a.webp", ref.Source)
	assert.Equal(t, "image/webp", ref.ContentType)
	assert.True(t, f.store.Store.Contains("2024/THUMBS/a.webp"))
	assert.False(t, f.store.Store.Contains("2024/a.jpg"))
}

func TestLowModeFallsThroughWhenThumbnailMissing(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"2024/a.jpg": "full"})
	f.mode.Set(ModeLow)

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "2024/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, VariantOriginal, ref.Variant)
	assert.Equal(t, RefLocal, ref.Kind)
}

func TestLowModeThumbnailTransportFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "full"})
	f.reader.broken["THUMBS/a.webp"] = &remote.TransportError{Op: "fetch", Status: 401, Err: errors.New("unauthorized")}
	f.mode.Set(ModeLow)

	_, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg", Prefetch: true})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, unavailable.Retryable, "prefetch failures are not retried")
	assert.True(t, remote.IsTransport(err))

	_, err = f.coord.Resolve(context.Background(), Request{Key: "a.jpg"})
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Retryable)
	assert.False(t, f.store.Store.Contains("a.jpg"), "no fall through on transport failure")
}

func TestThumbnailTooLargeForCacheStreams(t *testing.T) {
	f := newFixture(t, 100, map[string]string{
		"a.jpg":         "full",
		"THUMBS/a.webp": string(make([]byte, 50)),
	})
	f.mode.Set(ModeLow)

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, RefStream, ref.Kind)
	assert.Equal(t, VariantThumbnail, ref.Variant)
	assert.Equal(t, "THUMBS/a.webp", ref.Source)
}

func TestThumbnailOnlyRequest(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{
		"a.jpg":         "full",
		"THUMBS/b.webp": "thumb",
		"b.mov":         "video",
	})

	_, err := f.coord.Resolve(context.Background(), Request{Key: "a.jpg", ThumbnailOnly: true, Prefetch: true})
	assert.ErrorIs(t, err, remote.ErrNotFound)
	var unavailable *UnavailableError
	assert.False(t, errors.As(err, &unavailable), "missing thumbnail is silent")

	ref, err := f.coord.Resolve(context.Background(), Request{Key: "b.mov", ThumbnailOnly: true, Prefetch: true})
	require.NoError(t, err)
	assert.Equal(t, VariantThumbnail, ref.Variant)
	assert.Equal(t, RefLocal, ref.Kind)
}

func TestMissingOriginalIsUnavailable(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	_, err := f.coord.Resolve(context.Background(), Request{Key: "gone.jpg"})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.False(t, unavailable.Retryable)
}

func TestThumbnailDoesNotReplacePublishedOriginal(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{
		"a.jpg":         "full",
		"THUMBS/a.webp": "thumb",
	})
	ctx := context.Background()

	_, err := f.coord.Resolve(ctx, Request{Key: "a.jpg"})
	require.NoError(t, err)
	_, err = f.coord.Resolve(ctx, Request{Key: "a.jpg", ThumbnailOnly: true})
	require.NoError(t, err)

	ref, ok := f.coord.Published().Load("a.jpg")
	require.True(t, ok)
	assert.Equal(t, VariantOriginal, ref.Variant)
}

func TestClearCacheForgetsLocalRefs(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "full", "b.mp4": "video"})
	ctx := context.Background()

	_, err := f.coord.Resolve(ctx, Request{Key: "a.jpg"})
	require.NoError(t, err)
	_, err = f.coord.Resolve(ctx, Request{Key: "b.mp4"})
	require.NoError(t, err)

	require.NoError(t, f.coord.ClearCache(ctx))
	size, err := f.store.CurrentSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, ok := f.coord.Published().Load("a.jpg")
	assert.False(t, ok)
	_, ok = f.coord.Published().Load("b.mp4")
	assert.True(t, ok, "streaming references survive a cache clear")
}

func TestEvictionRetractsPublishedLocalRef(t *testing.T) {
	body := strings.Repeat("x", 40)
	f := newFixture(t, 100, map[string]string{"a.jpg": body, "b.jpg": body, "c.jpg": body})
	ctx := context.Background()

	for _, key := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		ref, err := f.coord.Resolve(ctx, Request{Key: key})
		require.NoError(t, err)
		require.Equal(t, RefLocal, ref.Kind)
	}

	assert.False(t, f.store.Store.Contains("a.jpg"), "oldest entry is evicted to fit c.jpg")
	_, ok := f.coord.Published().Load("a.jpg")
	assert.False(t, ok, "published map must not point at an evicted file")
	for _, key := range []string{"b.jpg", "c.jpg"} {
		ref, ok := f.coord.Published().Load(key)
		require.True(t, ok)
		assert.FileExists(t, ref.Path)
	}
}

func TestForgetRemovesOriginalAndThumbnail(t *testing.T) {
	f := newFixture(t, 1<<20, map[string]string{"a.jpg": "full", "THUMBS/a.webp": "thumb"})
	ctx := context.Background()

	_, err := f.coord.Resolve(ctx, Request{Key: "a.jpg"})
	require.NoError(t, err)
	_, err = f.coord.Resolve(ctx, Request{Key: "a.jpg", ThumbnailOnly: true})
	require.NoError(t, err)

	require.NoError(t, f.coord.Forget(ctx, "a.jpg"))
	assert.False(t, f.store.Store.Contains("a.jpg"))
	assert.False(t, f.store.Store.Contains("THUMBS/a.webp"))
	_, ok := f.coord.Published().Load("a.jpg")
	assert.False(t, ok)
}

func TestResolveRejectsEmptyKey(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	_, err := f.coord.Resolve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Reader: newFakeReader(nil)})
	assert.Error(t, err)

	store, err := cache.NewStore(t.TempDir(), cache.Options{Budget: 100})
	require.NoError(t, err)
	_, err = New(Options{Store: store})
	assert.Error(t, err)
}
