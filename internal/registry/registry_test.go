package registry_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cascade/internal/registry"
)

type fakeRegistry struct {
	mu        sync.Mutex
	versions  map[string][]byte
	putStatus int
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/packages/")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if _, ok := f.versions[key]; ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	case http.MethodPut:
		if f.putStatus != 0 {
			http.Error(w, "nope", f.putStatus)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.versions[key] = body
		w.WriteHeader(http.StatusCreated)
	}
}

func newPackageDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.yml": "name: core\nversion: 1.0.0\n",
		"src/lib.txt": "hello",
		".git/HEAD":   "ref",
		"src/.hidden": "secret",
		"README.md":   "# core",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestHTTPPublishAndExists(t *testing.T) {
	fake := &fakeRegistry{versions: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := registry.NewHTTP(srv.URL, 5*time.Second)
	ctx := context.Background()

	ok, err := c.Exists(ctx, "core", "1.0.0")
	if err != nil || ok {
		t.Fatalf("expected absent, got %v %v", ok, err)
	}
	if err := c.Publish(ctx, registry.PublishRequest{Name: "core", Version: "1.0.0", Dir: newPackageDir(t)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ok, err = c.Exists(ctx, "core", "1.0.0")
	if err != nil || !ok {
		t.Fatalf("expected visible, got %v %v", ok, err)
	}

	gz, err := gzip.NewReader(strings.NewReader(string(fake.versions["core/1.0.0"])))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	want := []string{"README.md", "package.yml", "src/lib.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected archive entries %v", names)
	}
}

func TestHTTPClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusConflict, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		fake := &fakeRegistry{versions: map[string][]byte{}, putStatus: tc.status}
		srv := httptest.NewServer(fake)
		err := registry.NewHTTP(srv.URL, time.Second).Publish(context.Background(), registry.PublishRequest{Name: "core", Version: "1.0.0", Dir: newPackageDir(t)})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if registry.IsTransient(err) != tc.transient {
			t.Fatalf("status %d: transient=%v, err=%v", tc.status, registry.IsTransient(err), err)
		}
		if !tc.transient && !errors.Is(err, registry.ErrPermanent) {
			t.Fatalf("status %d: expected permanent error", tc.status)
		}
	}
}

func TestHTTPUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := registry.NewHTTP(url, time.Second).Exists(context.Background(), "core", "1.0.0")
	if !registry.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSimulated(t *testing.T) {
	s := registry.NewSimulated()
	ctx := context.Background()
	if ok, _ := s.Exists(ctx, "a", "1.0.0"); ok {
		t.Fatalf("simulated registry must start empty")
	}
	_ = s.Publish(ctx, registry.PublishRequest{Name: "a", Version: "1.0.0"})
	if ok, _ := s.Exists(ctx, "a", "1.0.0"); !ok {
		t.Fatalf("published version must be visible")
	}
	if e, p := s.Calls(); e != 2 || p != 1 {
		t.Fatalf("unexpected call counts %d %d", e, p)
	}
}
