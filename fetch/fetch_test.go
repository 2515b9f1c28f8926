package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c360studio/lexstream/fetch/weburl"
)

// Validation is tested in depth in fetch/weburl; this confirms the fetcher
// applies it before touching the network.
func TestFetch_RejectsUnsafeURLs(t *testing.T) {
	f := New()
	for _, url := range []string{
		"http://example.com",
		"https://localhost:8080",
		"https://192.168.1.1/doc",
	} {
		if _, err := f.Fetch(context.Background(), url); err == nil {
			t.Errorf("expected %q to be rejected", url)
		}
	}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<html><body>rule text</body></html>"))
	}))
	defer srv.Close()

	f := New(WithInsecureTargets())
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(string(res.Body), "rule text") {
		t.Errorf("unexpected body %q", res.Body)
	}
	if res.ETag != `"v1"` {
		t.Errorf("etag not captured: %q", res.ETag)
	}
	if !strings.HasPrefix(res.ContentType, "text/html") {
		t.Errorf("content type not captured: %q", res.ContentType)
	}
}

func TestFetchConditional_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("content"))
	}))
	defer srv.Close()

	f := New(WithInsecureTargets())

	first, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.NotModified() {
		t.Fatal("first fetch must not be a 304")
	}

	second, err := f.FetchConditional(context.Background(), srv.URL, first.ETag)
	if err != nil {
		t.Fatalf("conditional fetch: %v", err)
	}
	if !second.NotModified() {
		t.Error("expected 304 for matching etag")
	}
	if len(second.Body) != 0 {
		t.Error("304 response must have an empty body")
	}
}

func TestFetch_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := New(WithInsecureTargets(), WithMaxContentSize(1024))
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("expected size-limit error")
	}
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(WithInsecureTargets())
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 404")
	}
}

func TestDocumentIDStableAcrossFetches(t *testing.T) {
	url := "https://www.ecfr.gov/current/title-12/part-1026"
	if weburl.DocumentID(url) != weburl.DocumentID(url) {
		t.Error("document ID must be deterministic")
	}
}
