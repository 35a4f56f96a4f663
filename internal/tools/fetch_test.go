package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchURLStripsHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<!doctype html><html><head>
			<title>Title</title>
			<script>var hidden = "secret";</script>
			<style>body { color: red; }</style>
		</head><body><h1>Heading</h1><p>First paragraph.</p><p>Second   paragraph.</p></body></html>`))
	}))
	defer srv.Close()

	_, reg := newTestToolset(t)
	got := invokeText(t, reg, "fetch_url", map[string]any{"url": srv.URL})

	for _, want := range []string{"Title", "Heading", "First paragraph.", "Second paragraph."} {
		if !strings.Contains(got, want) {
			t.Fatalf("text %q missing %q", got, want)
		}
	}
	for _, banned := range []string{"secret", "color: red", "<p>"} {
		if strings.Contains(got, banned) {
			t.Fatalf("text %q leaked %q", got, banned)
		}
	}
}

func TestFetchURLPlainText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain   body\n\n\nwith gaps\n"))
	}))
	defer srv.Close()

	_, reg := newTestToolset(t)
	got := invokeText(t, reg, "fetch_url", map[string]any{"url": srv.URL})
	if want := "plain body\nwith gaps"; got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestFetchURLErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, reg := newTestToolset(t)
	if _, err := reg.Invoke(context.Background(), "fetch_url", map[string]any{"url": srv.URL}); err == nil {
		t.Fatal("fetching a 404 succeeded")
	}
}

func TestFetchURLRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, reg := newTestToolset(t)
	for _, bad := range []string{"", "ftp://example.com/file", "not a url at all", "http://"} {
		if _, err := reg.Invoke(context.Background(), "fetch_url", map[string]any{"url": bad}); err == nil {
			t.Fatalf("fetch_url(%q) succeeded, want error", bad)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("héllo", 3); got != "hél" {
		t.Fatalf("truncateRunes = %q, want %q", got, "hél")
	}
	if got := truncateRunes("abc", 10); got != "abc" {
		t.Fatalf("truncateRunes = %q, want %q", got, "abc")
	}
	if got := truncateRunes("abc", 0); got != "" {
		t.Fatalf("truncateRunes = %q, want empty", got)
	}
}
