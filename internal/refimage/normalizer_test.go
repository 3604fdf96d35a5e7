package refimage

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testNormalizer(t *testing.T, opts Options) *Normalizer {
	t.Helper()
	opts.Logger = zerolog.New(io.Discard)
	return NewNormalizer(opts)
}

func TestSniffMime(t *testing.T) {
	cases := map[string]string{
		"/9j/4AAQSkZJRg": "image/jpeg",
		"iVBORw0KGgo":    "image/png",
		"R0lGODlh":       "image/gif",
		"UklGRh4A":       "image/webp",
		"AAAAHGZ0eXA":    "image/png", // unrecognized defaults to png
	}
	for prefix, want := range cases {
		if got := SniffMime(prefix); got != want {
			t.Fatalf("SniffMime(%q) = %q, want %q", prefix, got, want)
		}
	}
}

func TestInlineParsesDataURL(t *testing.T) {
	n := testNormalizer(t, Options{})
	img, ok := n.Inline(context.Background(), "data:image/webp;base64,UklGRh4A")
	if !ok {
		t.Fatal("data url should normalize")
	}
	if img.MimeType != "image/webp" || img.Data != "UklGRh4A" {
		t.Fatalf("unexpected image: %#v", img)
	}
}

func TestInlineClassifiesBareBase64(t *testing.T) {
	n := testNormalizer(t, Options{})
	img, ok := n.Inline(context.Background(), "/9j/4AAQSkZJRg")
	if !ok {
		t.Fatal("bare base64 should normalize")
	}
	if img.MimeType != "image/jpeg" {
		t.Fatalf("mime = %q, want image/jpeg", img.MimeType)
	}
}

func TestInlineDownloadsURL(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	n := testNormalizer(t, Options{HTTPClient: srv.Client()})
	img, ok := n.Inline(context.Background(), srv.URL+"/a.png")
	if !ok {
		t.Fatal("url should normalize")
	}
	if img.Data != base64.StdEncoding.EncodeToString(payload) {
		t.Fatalf("unexpected data: %q", img.Data)
	}
	if img.MimeType != "image/png" {
		t.Fatalf("mime = %q, want image/png", img.MimeType)
	}
	if img.URL == "" {
		t.Fatal("source url should be retained")
	}
}

func TestInlineDropsExpiredSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := testNormalizer(t, Options{HTTPClient: srv.Client()})
	_, ok := n.Inline(context.Background(), srv.URL+"/a.png?X-Amz-Signature=abc&X-Amz-Expires=60")
	if ok {
		t.Fatal("expired signed url should be dropped")
	}
}

func TestInlineForwardsOrdinaryURLOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := testNormalizer(t, Options{HTTPClient: srv.Client()})
	img, ok := n.Inline(context.Background(), srv.URL+"/plain.png")
	if !ok {
		t.Fatal("ordinary url should be forwarded, not dropped")
	}
	if img.Data != "" || img.URL == "" {
		t.Fatalf("expected url-only image, got %#v", img)
	}
}

func TestInlineRoutesThroughProxyForKnownHosts(t *testing.T) {
	var proxied string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8})
	}))
	defer proxy.Close()

	n := testNormalizer(t, Options{
		HTTPClient:   proxy.Client(),
		ProxyBaseURL: proxy.URL + "/proxy",
		ProxyHosts:   []string{"cdn.blocked.example.com"},
	})
	img, ok := n.Inline(context.Background(), "https://cdn.blocked.example.com/x.jpg")
	if !ok {
		t.Fatal("proxied url should normalize")
	}
	if proxied != "https://cdn.blocked.example.com/x.jpg" {
		t.Fatalf("proxy saw %q", proxied)
	}
	if img.Data == "" {
		t.Fatal("proxied download should produce inline bytes")
	}
}

func TestMaterializeRoundTripsThroughCache(t *testing.T) {
	payload := []byte("video-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	n := testNormalizer(t, Options{HTTPClient: srv.Client()})
	resultURL := srv.URL + "/result.mp4"
	encoded, mime, err := n.Materialize(context.Background(), resultURL)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if mime != "video/mp4" {
		t.Fatalf("mime = %q", mime)
	}

	// Looking up the same inline representation returns the original URL.
	got, ok := n.URLFor(context.Background(), encoded)
	if !ok || got != resultURL {
		t.Fatalf("URLFor = %q, %v; want %q", got, ok, resultURL)
	}
}

func TestURLForOmitsUncachedInline(t *testing.T) {
	n := testNormalizer(t, Options{})
	urls := n.URLsFor(context.Background(), []string{
		"https://img.example.com/kept.png",
		"iVBORw0KGgoAAAANSUhEUg", // inline, never materialized
	})
	if len(urls) != 1 || !strings.HasSuffix(urls[0], "kept.png") {
		t.Fatalf("unexpected urls: %#v", urls)
	}
}

func TestCacheIsBounded(t *testing.T) {
	c := NewCache(2)
	c.Remember("u1", "aaaa")
	c.Remember("u2", "bbbb")
	c.Remember("u3", "cccc")
	if _, ok := c.URLForInline("aaaa"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if u, ok := c.URLForInline("cccc"); !ok || u != "u3" {
		t.Fatalf("newest entry missing: %q, %v", u, ok)
	}
}
