package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/remote"
	"github.com/any-hub/media-hub/internal/resolve"
)

type fakeResolver struct {
	mu        sync.Mutex
	published *resolve.Published
	refs      map[string]*resolve.Reference
	errs      map[string]error
	requests  []resolve.Request
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		published: resolve.NewPublished(),
		refs:      map[string]*resolve.Reference{},
		errs:      map[string]error{},
	}
}

func (f *fakeResolver) Resolve(_ context.Context, req resolve.Request) (*resolve.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.Key]; ok {
		return nil, err
	}
	ref, ok := f.refs[req.Key]
	if !ok {
		return nil, &resolve.UnavailableError{Key: req.Key, Retryable: true, Err: remote.ErrNotFound}
	}
	f.published.Publish(*ref)
	return ref, nil
}

func (f *fakeResolver) Published() *resolve.Published {
	return f.published
}

type fakePrefetcher struct {
	items []string
	index int
}

func (p *fakePrefetcher) Schedule(items []string, index int) int {
	p.items = items
	p.index = index
	return len(items)
}

type testApp struct {
	*fiber.App
	resolver   *fakeResolver
	prefetcher *fakePrefetcher
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	res := newFakeResolver()
	pre := &fakePrefetcher{}
	app, err := NewApp(AppOptions{Logger: logger, Resolver: res, Prefetcher: pre})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, resolver: res, prefetcher: pre}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without resolver")
	}
}

func TestMediaServesCachedFile(t *testing.T) {
	app := newTestApp(t)
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	app.resolver.refs["2024/trip/a.jpg"] = &resolve.Reference{
		Kind:        resolve.RefLocal,
		Variant:     resolve.VariantOriginal,
		Key:         "2024/trip/a.jpg",
		Path:        path,
		ContentType: "image/jpeg",
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/media/2024/trip/a.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpeg-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if req := app.resolver.requests[0]; req.Prefetch || req.ThumbnailOnly {
		t.Fatalf("media requests are user opens: %+v", req)
	}
}

func TestMediaRedirectsStreamingReference(t *testing.T) {
	app := newTestApp(t)
	app.resolver.refs["clip.mov"] = &resolve.Reference{
		Kind:    resolve.RefStream,
		Variant: resolve.VariantCompressed,
		Key:     "clip.mov",
		URL:     "https://remote.test/COMPRESSED/clip.mp4?sig=1",
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/media/clip.mov", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://remote.test/COMPRESSED/clip.mp4?sig=1" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestMediaThumbnailVariantQuery(t *testing.T) {
	app := newTestApp(t)
	app.resolver.refs["a.jpg"] = &resolve.Reference{Kind: resolve.RefStream, Key: "a.jpg", URL: "https://x"}

	if _, err := app.Test(httptest.NewRequest("GET", "/media/a.jpg?variant=thumbnail", nil)); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if !app.resolver.requests[0].ThumbnailOnly {
		t.Fatalf("variant=thumbnail should request the thumbnail only")
	}
}

func TestMediaUnavailable(t *testing.T) {
	app := newTestApp(t)
	app.resolver.errs["broken.jpg"] = &resolve.UnavailableError{
		Key:       "broken.jpg",
		Retryable: true,
		Err:       &remote.TransportError{Op: "fetch", Status: 401, Err: errors.New("unauthorized")},
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/media/broken.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"retryable":true`)) {
		t.Fatalf("expected retry hint, got %s", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/media/missing.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("missing object should be 404, got %d", resp.StatusCode)
	}
}

func TestOpenPublishesReference(t *testing.T) {
	app := newTestApp(t)
	app.resolver.refs["a.jpg"] = &resolve.Reference{Kind: resolve.RefStream, Variant: resolve.VariantOriginal, Key: "a.jpg", URL: "https://x/a.jpg"}

	req := httptest.NewRequest("POST", "/-/open", strings.NewReader(`{"key":"/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/refs", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Version uint64                       `json:"version"`
		Refs    map[string]resolve.Reference `json:"refs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode refs: %v", err)
	}
	if payload.Version != 1 || payload.Refs["a.jpg"].URL != "https://x/a.jpg" {
		t.Fatalf("unexpected refs payload: %+v", payload)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/refs/a.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for published key, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/refs/other.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", resp.StatusCode)
	}
}

func TestOpenRejectsBadBody(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest("POST", "/-/open", strings.NewReader(`{`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPositionSchedulesPrefetch(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "/-/position", strings.NewReader(`{"items":["a.jpg","b.jpg","c.mov"],"index":1}`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if app.prefetcher.index != 1 || len(app.prefetcher.items) != 3 {
		t.Fatalf("scheduler not invoked: %+v", app.prefetcher)
	}

	req = httptest.NewRequest("POST", "/-/position", strings.NewReader(`{"items":["a.jpg"],"index":4}`))
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for out of range index, got %d", resp.StatusCode)
	}
}
