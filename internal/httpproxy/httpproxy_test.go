package httpproxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/revamp-proxy/revampd/internal/cache"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/filterengine"
	"github.com/revamp-proxy/revampd/internal/hooks"
	"github.com/revamp-proxy/revampd/internal/metrics"
	"github.com/revamp-proxy/revampd/internal/pipeline"
	"github.com/revamp-proxy/revampd/internal/transform"
	"github.com/revamp-proxy/revampd/internal/upstream"
)

func newTestServer(t *testing.T, origin *httptest.Server) *Server {
	t.Helper()
	store := config.NewStore(config.Default())
	c := cache.New(cache.Config{CacheDir: t.TempDir()})
	t.Cleanup(c.Close)

	engine := &pipeline.Engine{
		Config:     store,
		Cache:      c,
		Filter:     filterengine.New(),
		Upstream:   upstream.New(upstream.Config{}),
		Transforms: transform.NewRegistry(),
		Hooks:      hooks.New(0),
		Metrics:    metrics.New(),
	}
	return &Server{Config: store, Pipeline: engine}
}

func TestHandleAbsoluteURI_ForwardsThroughPipeline(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	s := newTestServer(t, origin)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), server)
		close(done)
	}()

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/", nil)
	if err := req.WriteProxy(client); err != nil {
		t.Fatalf("WriteProxy() error = %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return")
	}
}

func TestHandleAbsoluteURI_RejectsRelativeRequestLine(t *testing.T) {
	s := newTestServer(t, nil)
	client, server := net.Pipe()
	defer client.Close()

	go s.handleConn(context.Background(), server)

	client.Write([]byte("GET /only-a-path HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if !strings.Contains(line, "400") {
		t.Errorf("status line = %q, want 400", line)
	}
}

func TestHandleConnect_NonTLSPortSplicesRaw(t *testing.T) {
	echoOrigin := newEchoServer(t)
	defer echoOrigin.Close()

	s := newTestServer(t, nil)
	client, server := net.Pipe()
	defer client.Close()

	go s.handleConn(context.Background(), server)

	client.Write([]byte("CONNECT " + echoOrigin.Addr().String() + " HTTP/1.1\r\nHost: " + echoOrigin.Addr().String() + "\r\n\r\n"))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("status line = %q, want 200 Connection Established", line)
	}
	// drain the blank line terminating the CONNECT response
	br.ReadString('\n')

	client.Write([]byte("ping"))
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("echo read error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed = %q, want %q", buf, "ping")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// newEchoServer starts a raw TCP listener that echoes back whatever it
// reads, used to exercise the raw-splice CONNECT path for non-443 ports.
func newEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDefaultPortFor(t *testing.T) {
	if got := defaultPortFor("https"); got != "443" {
		t.Errorf("defaultPortFor(https) = %q, want 443", got)
	}
	if got := defaultPortFor("http"); got != "80" {
		t.Errorf("defaultPortFor(http) = %q, want 80", got)
	}
}
