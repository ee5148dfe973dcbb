package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	responsetransformer "github.com/always-cache/offline-cache/pkg/response-transformer"

	"github.com/rs/zerolog"
)

// testOrigin serves fixed files and counts requests per method and path.
type testOrigin struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{files: files, hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		body, ok := o.files[r.URL.Path]
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) hitCount(method, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

func (o *testOrigin) setFile(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func newTestManager(t *testing.T, origin *testOrigin, storage cache.Provider, resources []string) *Manager {
	t.Helper()
	return newTestManagerWithConfig(t, Config{
		Storage:   storage,
		OriginURL: mustParseURL(t, origin.URL),
		Resources: resources,
	})
}

func newTestManagerWithConfig(t *testing.T, config Config) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	m, err := CreateManager(config)
	if err != nil {
		t.Fatalf("Could not create manager: %v", err)
	}
	return m
}

func mustParseURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return *u
}

func serve(m *Manager, method, target string, body io.Reader) *http.Response {
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(method, target, body))
	return rr.Result()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func bucketKeys(t *testing.T, storage cache.Provider, name string) []string {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	if err := bucket.Keys(context.Background(), func(key string) { keys = append(keys, key) }); err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestInstallStoresAllResources(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A", "/b.css": "B"})
	storage := cache.NewMemCache()
	m := newTestManager(t, origin, storage, []string{"/a.html", "/b.css"})

	if m.State() != StateInstalling {
		t.Fatalf("State before install is %s", m.State())
	}
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateActive {
		t.Fatalf("State after install is %s", m.State())
	}
	keys := bucketKeys(t, storage, DefaultBucketName)
	if len(keys) != 2 || keys[0] != "/a.html" || keys[1] != "/b.css" {
		t.Fatalf("Stored keys are %v", keys)
	}
	if origin.hitCount("GET", "/a.html") != 1 || origin.hitCount("GET", "/b.css") != 1 {
		t.Fatalf("Origin hits are %v", origin.hits)
	}
}

func TestStoredResponseServedWithoutNetwork(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A", "/b.css": "B"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html", "/b.css"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/a.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if hits := origin.hitCount("GET", "/a.html"); hits != 1 {
		t.Fatalf("Origin called %d times", hits)
	}

	// stored copies are served even when the origin is gone
	origin.Close()
	res = serve(m, "GET", "/b.css", nil)
	if body := readBody(t, res); body != "B" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMissFallsBackToNetworkWithoutStoring(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A", "/b.css": "B", "/c.png": "C"})
	storage := cache.NewMemCache()
	m := newTestManager(t, origin, storage, []string{"/a.html", "/b.css"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res := serve(m, "GET", "/c.png", nil)
		if body := readBody(t, res); body != "C" {
			t.Fatalf("Body is %s", body)
		}
		if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; fwd=uri-miss" {
			t.Fatalf("Cache-Status is %s", cs)
		}
	}
	if hits := origin.hitCount("GET", "/c.png"); hits != 2 {
		t.Fatalf("Origin called %d times", hits)
	}
	for _, key := range bucketKeys(t, storage, DefaultBucketName) {
		if key == "/c.png" {
			t.Fatal("Network response was stored")
		}
	}
}

func TestMissReturnsOriginErrorsUnmodified(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/nope.html", nil)
	res, err := m.Respond(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestInstallFailsOnMissingResource(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	storage := cache.NewMemCache()
	m := newTestManager(t, origin, storage, []string{"/a.html", "/missing.png"})

	err := m.Install(context.Background())
	if err == nil {
		t.Fatal("Install succeeded")
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) || installErr.Resource != "/missing.png" {
		t.Fatalf("Error is %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Error is %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("State is %s", m.State())
	}
	if keys := bucketKeys(t, storage, DefaultBucketName); len(keys) != 0 {
		t.Fatalf("Stored keys are %v", keys)
	}
	bucket, _ := storage.Open(context.Background(), DefaultBucketName)
	if populatedAt, err := bucket.PopulatedAt(context.Background()); err != nil || !populatedAt.IsZero() {
		t.Fatalf("Bucket populated at %v (%v)", populatedAt, err)
	}

	// requests still reach the network
	res := serve(m, "GET", "/a.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestBypassBeforeInstall(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})

	res := serve(m, "GET", "/a.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if hits := origin.hitCount("GET", "/a.html"); hits != 1 {
		t.Fatalf("Origin called %d times", hits)
	}
}

func TestNonGetRequestsAreForwarded(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "POST", "/a.html", strings.NewReader("x=1"))
	readBody(t, res)
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if hits := origin.hitCount("POST", "/a.html"); hits != 1 {
		t.Fatalf("Origin called %d times", hits)
	}

	res = serve(m, "HEAD", "/a.html", nil)
	readBody(t, res)
	if hits := origin.hitCount("HEAD", "/a.html"); hits != 1 {
		t.Fatalf("Origin called %d times", hits)
	}
}

func TestReinstallOverwritesEntries(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.setFile("/a.html", "A2")
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if body := readBody(t, serve(m, "GET", "/a.html", nil)); body != "A2" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFailedReinstallKeepsServing(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.Close()
	if err := m.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded without origin")
	}
	if m.State() != StateActive {
		t.Fatalf("State is %s", m.State())
	}
	if body := readBody(t, serve(m, "GET", "/a.html", nil)); body != "A" {
		t.Fatalf("Body is %s", body)
	}
}

func TestUnreachableOriginIsBadGateway(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})
	origin.Close()

	res := serve(m, "GET", "/a.html", nil)
	readBody(t, res)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}

	if _, err := m.Respond(httptest.NewRequest("GET", "/a.html", nil)); err == nil {
		t.Fatal("Respond succeeded without origin")
	}
}

func TestMatchAllBuckets(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/old.html": "old", "/a.html": "A"})
	storage := cache.NewMemCache()

	previous := newTestManagerWithConfig(t, Config{
		BucketName: "maison-beignet-v0",
		Storage:    storage,
		OriginURL:  mustParseURL(t, origin.URL),
		Resources:  []string{"/old.html"},
	})
	if err := previous.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	scoped := newTestManager(t, origin, storage, []string{"/a.html"})
	all := newTestManagerWithConfig(t, Config{
		Storage:         storage,
		OriginURL:       mustParseURL(t, origin.URL),
		Resources:       []string{"/a.html"},
		MatchAllBuckets: true,
	})
	for _, m := range []*Manager{scoped, all} {
		if err := m.Install(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	res := serve(scoped, "GET", "/old.html", nil)
	readBody(t, res)
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; fwd=uri-miss" {
		t.Fatalf("Scoped Cache-Status is %s", cs)
	}

	res = serve(all, "GET", "/old.html", nil)
	if body := readBody(t, res); body != "old" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestRulesAppliedBeforeStoring(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/styles.css": "body{}"})
	m := newTestManagerWithConfig(t, Config{
		Storage:   cache.NewMemCache(),
		OriginURL: mustParseURL(t, origin.URL),
		Resources: []string{"/styles.css"},
		Rules: responsetransformer.Rules{
			responsetransformer.Rule{Prefix: "/", Default: "max-age=3600"},
		},
	})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/styles.css", nil)
	readBody(t, res)
	if cc := res.Header.Get("Cache-Control"); cc != "max-age=3600" {
		t.Fatalf("Cache-Control is %s", cc)
	}
}

func TestResourceWithSpacesMatchesEscapedRequest(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/assets/Logo Maison.png": "logo"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/assets/Logo Maison.png"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/assets/Logo%20Maison.png", nil)
	if body := readBody(t, res); body != "logo" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestInstallWithSQLiteStorage(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/": "root", "/index.html": "index"})
	storage, err := cache.NewSQLiteCache(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	m := newTestManager(t, origin, storage, []string{"/", "/index.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.Close()

	if body := readBody(t, serve(m, "GET", "/", nil)); body != "root" {
		t.Fatalf("Body is %s", body)
	}
	if body := readBody(t, serve(m, "GET", "/index.html", nil)); body != "index" {
		t.Fatalf("Body is %s", body)
	}
}

func TestCreateManagerValidatesConfig(t *testing.T) {
	origin := mustParseURL(t, "http://localhost:8080")
	storage := cache.NewMemCache()

	configs := map[string]Config{
		"no storage":        {OriginURL: origin},
		"relative origin":   {Storage: storage, OriginURL: mustParseURL(t, "/site")},
		"origin with path":  {Storage: storage, OriginURL: mustParseURL(t, "http://localhost:8080/site")},
		"absolute resource": {Storage: storage, OriginURL: origin, Resources: []string{"http://example.com/a.html"}},
		"relative resource": {Storage: storage, OriginURL: origin, Resources: []string{"a.html"}},
	}
	for name, config := range configs {
		if _, err := CreateManager(config); err == nil {
			t.Errorf("%s: created manager", name)
		}
	}
}

func TestDefaults(t *testing.T) {
	m := newTestManagerWithConfig(t, Config{
		Storage:   cache.NewMemCache(),
		OriginURL: mustParseURL(t, "http://localhost:8080/"),
	})
	if m.BucketName() != "maison-beignet-v1" {
		t.Fatalf("Bucket name is %s", m.BucketName())
	}
	resources := m.Resources()
	if len(resources) != 14 {
		t.Fatalf("%d resources", len(resources))
	}
	if resources[0] != "/" || resources[1] != "/index.html" {
		t.Fatalf("Resources start with %v", resources[:2])
	}
	found := false
	for _, key := range resources {
		if key == "/assets/Image%20beignet%20Acceuil.png" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Escaped resource not found in %v", resources)
	}
}

// brokenStorage wraps a provider so that bucket lookups fail, or panic.
type brokenStorage struct {
	cache.Provider
	panics bool
}

func (s brokenStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	b, err := s.Provider.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return brokenBucket{Bucket: b, panics: s.panics}, nil
}

type brokenBucket struct {
	cache.Bucket
	panics bool
}

func (b brokenBucket) Match(ctx context.Context, key string) (cache.Entry, error) {
	if b.panics {
		panic("bucket corrupted")
	}
	return cache.Entry{}, errors.New("disk on fire")
}

func TestStorageErrorIsServedAsMiss(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, brokenStorage{Provider: cache.NewMemCache()}, []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/a.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs := res.Header.Get("Cache-Status"); cs != `maison-beignet-v1; fwd=miss; detail="storage error"` {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if hits := origin.hitCount("GET", "/a.html"); hits != 2 {
		t.Fatalf("Origin called %d times", hits)
	}
}

func TestPanicFallsBackToOrigin(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, brokenStorage{Provider: cache.NewMemCache(), panics: true}, []string{"/a.html"})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/a.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if hits := origin.hitCount("GET", "/a.html"); hits != 2 {
		t.Fatalf("Origin called %d times", hits)
	}
}

func TestRedirectsPassedThroughAtServeTime(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/old.html" {
			http.Redirect(w, r, "/a.html", http.StatusFound)
			return
		}
		w.Write([]byte("A"))
	}))
	t.Cleanup(origin.Close)
	m := newTestManagerWithConfig(t, Config{
		Storage:   cache.NewMemCache(),
		OriginURL: mustParseURL(t, origin.URL),
		Resources: []string{"/b.html"},
	})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/old.html", nil)
	readBody(t, res)
	if res.StatusCode != http.StatusFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "/a.html" {
		t.Fatalf("Location is %s", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits["/a.html"] != 0 {
		t.Fatal("Redirect followed")
	}
}

func TestInstallFollowsRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.html" {
			http.Redirect(w, r, "/a.html", http.StatusMovedPermanently)
			return
		}
		w.Write([]byte("A"))
	}))
	t.Cleanup(origin.Close)
	m := newTestManagerWithConfig(t, Config{
		Storage:   cache.NewMemCache(),
		OriginURL: mustParseURL(t, origin.URL),
		Resources: []string{"/old.html"},
	})
	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := serve(m, "GET", "/old.html", nil)
	if body := readBody(t, res); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "maison-beignet-v1; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestConcurrentInstallsShareOnePopulation(t *testing.T) {
	var (
		mu          sync.Mutex
		hits        int
		startOnce   sync.Once
		releaseOnce sync.Once
	)
	started := make(chan struct{})
	release := make(chan struct{})
	releaseOrigin := func() { releaseOnce.Do(func() { close(release) }) }

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		startOnce.Do(func() { close(started) })
		<-release
		w.Write([]byte("A"))
	}))
	t.Cleanup(origin.Close)
	defer releaseOrigin()

	m := newTestManagerWithConfig(t, Config{
		Storage:   cache.NewMemCache(),
		OriginURL: mustParseURL(t, origin.URL),
		Resources: []string{"/a.html"},
	})

	ctx := context.Background()
	errs := make(chan error, 5)
	go func() { errs <- m.Install(ctx) }()
	<-started

	// a caller that gives up returns early, the shared install keeps going
	cancelCtx, cancel := context.WithCancel(ctx)
	cancelled := make(chan error, 1)
	go func() { cancelled <- m.Install(cancelCtx) }()
	for i := 0; i < 4; i++ {
		go func() { errs <- m.Install(ctx) }()
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("Cancelled caller got %v", err)
	}

	releaseOrigin()
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("Origin called %d times", hits)
	}
	if m.State() != StateActive {
		t.Fatalf("State is %s", m.State())
	}
}

func TestCancelledInstallKeepsState(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/a.html": "A"})
	m := newTestManager(t, origin, cache.NewMemCache(), []string{"/a.html"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Install(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Install returned %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("State is %s", m.State())
	}
	if hits := origin.hitCount("GET", "/a.html"); hits != 0 {
		t.Fatalf("Origin called %d times", hits)
	}

	if err := m.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateActive {
		t.Fatalf("State is %s", m.State())
	}
}
