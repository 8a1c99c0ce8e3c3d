// Package httpproxy implements the classical HTTP/1.1 proxy ingress front
// end: absolute-URI request lines are run through the request pipeline
// directly, and CONNECT requests to port 443 get the same TLS-interception
// treatment as the SOCKS5 front end. It is built on a raw net.Listener loop
// rather than net/http's server because a CONNECT tunnel must be hijacked
// before any response is written, which net/http cannot do cleanly ahead of
// the request being routed.
package httpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/revamp-proxy/revampd/internal/certauthority"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/connutil"
	"github.com/revamp-proxy/revampd/internal/logutil"
	"github.com/revamp-proxy/revampd/internal/pipeline"
	"github.com/revamp-proxy/revampd/internal/reqres"
)

// Server accepts classical HTTP/1.1 proxy connections.
type Server struct {
	Addr     string
	CA       *certauthority.Authority
	Config   *config.Store
	Pipeline *pipeline.Engine
	Logger   *slog.Logger

	Dialer net.Dialer

	listener net.Listener
}

func (s *Server) logger() *slog.Logger {
	return logutil.OrDefault(s.Logger)
}

// ListenAndServe binds Addr and accepts connections until ctx is canceled or
// the listener fails. It blocks until shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen on %s: %w", s.Addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("httpproxy: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops the listener if it is active.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn serves exactly one proxy request per connection: the pipeline
// always frames its response with Connection: close, so there is never a
// second request to read.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	httpReq, err := http.ReadRequest(r)
	if err != nil {
		return
	}

	if httpReq.Method == http.MethodConnect {
		s.handleConnect(ctx, conn, r, httpReq)
		return
	}

	s.handleAbsoluteURI(ctx, conn, httpReq)
}

// handleAbsoluteURI runs one non-CONNECT proxy request through the
// pipeline and writes the framed response back.
func (s *Server) handleAbsoluteURI(ctx context.Context, conn net.Conn, httpReq *http.Request) {
	defer httpReq.Body.Close()

	if httpReq.URL.Scheme == "" || httpReq.URL.Host == "" {
		writeHTTPStatus(conn, http.StatusBadRequest, "absolute-URI required")
		return
	}

	host, portStr, err := net.SplitHostPort(httpReq.URL.Host)
	if err != nil {
		host = httpReq.URL.Host
		portStr = defaultPortFor(httpReq.URL.Scheme)
	}
	port, _ := strconv.Atoi(portStr)

	body, _ := io.ReadAll(httpReq.Body)
	req := &reqres.Request{
		Scheme:  httpReq.URL.Scheme,
		Host:    host,
		Port:    port,
		Method:  httpReq.Method,
		Path:    httpReq.URL.Path,
		Query:   httpReq.URL.RawQuery,
		Headers: httpReq.Header,
		Body:    body,
		Client:  connutil.ClientHost(conn),
	}

	resp := s.Pipeline.Handle(ctx, req)
	connutil.WriteHTTPResponse(conn, resp)
}

func defaultPortFor(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// handleConnect proceeds with the TLS-interception path for CONNECT:443,
// identical in shape to the SOCKS5 front end's HTTPS interception, and
// falls back to a raw tunnel for any other CONNECT target.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, r *bufio.Reader, httpReq *http.Request) {
	host, portStr, err := net.SplitHostPort(httpReq.Host)
	if err != nil {
		host = httpReq.Host
		portStr = "443"
	}
	port, _ := strconv.Atoi(portStr)

	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	if port != 443 {
		s.spliceRaw(conn, host, port)
		return
	}

	leaf, err := s.CA.LeafFor(host)
	if err != nil {
		s.logger().Warn("httpproxy: leaf certificate mint failed", "host", host, "error", err)
		return
	}

	tlsConn := tls.Server(connutil.BufioConn{Conn: conn, R: r}, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return
	}
	defer tlsConn.Close()

	s.serveTLSConn(ctx, tlsConn, host, port)
}

func (s *Server) serveTLSConn(ctx context.Context, conn net.Conn, host string, port int) {
	br := bufio.NewReader(conn)
	httpReq, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	defer httpReq.Body.Close()

	if connutil.IsWebSocketUpgrade(httpReq) {
		s.spliceWebSocketUpgrade(conn, httpReq, host, port)
		return
	}

	body, _ := io.ReadAll(httpReq.Body)
	req := &reqres.Request{
		Scheme:  "https",
		Host:    host,
		Port:    port,
		Method:  httpReq.Method,
		Path:    httpReq.URL.Path,
		Query:   httpReq.URL.RawQuery,
		Headers: httpReq.Header,
		Body:    body,
		Client:  connutil.ClientHost(conn),
	}

	resp := s.Pipeline.Handle(ctx, req)
	connutil.WriteHTTPResponse(conn, resp)
}

func (s *Server) spliceWebSocketUpgrade(conn net.Conn, httpReq *http.Request, host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	upstream, err := tls.DialWithDialer(&s.Dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return
	}
	defer upstream.Close()

	if err := httpReq.Write(upstream); err != nil {
		return
	}
	connutil.Splice(conn, upstream)
}

func (s *Server) spliceRaw(conn net.Conn, host string, port int) {
	upstream, err := s.Dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return
	}
	defer upstream.Close()
	connutil.Splice(conn, upstream)
}

func writeHTTPStatus(w io.Writer, code int, message string) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", code, http.StatusText(code), len(message), message)
	bw.Flush()
}
