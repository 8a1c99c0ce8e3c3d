package upstream

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/revamp-proxy/revampd/internal/reqres"
)

func newTestRequest(t *testing.T, server *httptest.Server, path string) *reqres.Request {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return &reqres.Request{
		Scheme:  "http",
		Host:    u.Hostname(),
		Port:    port,
		Method:  http.MethodGet,
		Path:    path,
		Headers: http.Header{},
	}
}

func TestFetch_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	c := New(Config{})
	result, err := c.Fetch(context.Background(), newTestRequest(t, srv, "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(result.Body) != "hello world" {
		t.Errorf("Body = %q, want %q", result.Body, "hello world")
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
}

func TestFetch_DecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("gzip payload"))
	gw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(Config{})
	result, err := c.Fetch(context.Background(), newTestRequest(t, srv, "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(result.Body) != "gzip payload" {
		t.Errorf("Body = %q, want %q", result.Body, "gzip payload")
	}
	if result.Headers.Get("Content-Encoding") != "" {
		t.Errorf("expected Content-Encoding cleared after decompression, got %q", result.Headers.Get("Content-Encoding"))
	}
}

func TestFetch_DecompressesDeflate(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte("deflate payload"))
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(Config{})
	result, err := c.Fetch(context.Background(), newTestRequest(t, srv, "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(result.Body) != "deflate payload" {
		t.Errorf("Body = %q, want %q", result.Body, "deflate payload")
	}
}

func TestFetch_MalformedGzipPassesThroughUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("not actually gzip"))
	}))
	defer srv.Close()

	c := New(Config{})
	result, err := c.Fetch(context.Background(), newTestRequest(t, srv, "/"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(result.Body) != "not actually gzip" {
		t.Errorf("expected raw bytes passed through, got %q", result.Body)
	}
	if result.ContentEncoding != "gzip" {
		t.Errorf("expected ContentEncoding left intact on decompression failure, got %q", result.ContentEncoding)
	}
}

func TestFetch_StripsHopByHopRequestHeaders(t *testing.T) {
	var seenConnection string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenConnection = r.Header.Get("Proxy-Authorization")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	req := newTestRequest(t, srv, "/")
	req.Headers.Set("Proxy-Authorization", "Basic xyz")

	c := New(Config{})
	if _, err := c.Fetch(context.Background(), req); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if seenConnection != "" {
		t.Errorf("expected Proxy-Authorization stripped, server saw %q", seenConnection)
	}
}

func TestFetch_SetsAcceptEncoding(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Accept-Encoding")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Config{})
	if _, err := c.Fetch(context.Background(), newTestRequest(t, srv, "/")); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if seen != "gzip, deflate" {
		t.Errorf("Accept-Encoding = %q, want %q", seen, "gzip, deflate")
	}
}

func TestFetch_ConnectFailureIsUnavailable(t *testing.T) {
	c := New(Config{MaxRetries: 1})
	req := &reqres.Request{
		Scheme:  "http",
		Host:    "127.0.0.1",
		Port:    1, // nothing listens here
		Method:  http.MethodGet,
		Path:    "/",
		Headers: http.Header{},
	}
	_, err := c.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for connection refused")
	}
}
