// Package socks5 implements the SOCKS5 ingress front end: an RFC 1928
// subset (no-auth, CONNECT only) with inline TLS man-in-the-middle
// interception on port 443 and plaintext HTTP interception on port 80,
// driving every intercepted request through the shared request pipeline.
package socks5

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
	"github.com/revamp-proxy/revampd/internal/filterengine"
	"github.com/revamp-proxy/revampd/internal/logutil"
	"github.com/revamp-proxy/revampd/internal/pipeline"
	"github.com/revamp-proxy/revampd/internal/profilestore"
	"github.com/revamp-proxy/revampd/internal/reqres"
)

// version is the only SOCKS protocol version this server accepts.
const version = 0x05

const (
	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	methodNoAuth   = 0x00
	methodNoneAcceptable = 0xFF

	replySuccess            = 0x00
	replyCommandNotSupported = 0x07
	replyAddressNotSupported = 0x08
)

// greetingHeaderCap bounds how many bytes the request header may accumulate
// while ATYP parsing waits for more data, per the 300-byte cap.
const greetingHeaderCap = 300

// misdirectedHTTPBytes is the set of first-byte values ("C", "D", "G", "H",
// "O", "P") that mark an HTTP client that connected to the SOCKS port by
// mistake — those connections are silently closed, never SOCKS-rejected.
var misdirectedHTTPBytes = map[byte]bool{
	'C': true, 'D': true, 'G': true, 'H': true, 'O': true, 'P': true,
}

// Server accepts SOCKS5 connections and drives each through the handshake,
// interception, and pipeline dispatch described above.
type Server struct {
	Addr     string
	CA       *certauthority.Authority
	Config   *config.Store
	Filter   *filterengine.Engine
	Profiles *profilestore.Store
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
		return fmt.Errorf("socks5: listen on %s: %w", s.Addr, err)
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
			return fmt.Errorf("socks5: accept: %w", err)
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

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	if ok := s.handleGreeting(conn, r); !ok {
		return
	}

	target, err := s.handleRequest(conn, r)
	if err != nil {
		return
	}

	s.dispatch(ctx, conn, r, target)
}

// handleGreeting reads the version/method negotiation and detects a
// misdirected HTTP client before committing to any SOCKS framing.
func (s *Server) handleGreeting(conn net.Conn, r *bufio.Reader) bool {
	first, err := r.Peek(1)
	if err != nil {
		return false
	}
	if misdirectedHTTPBytes[first[0]] {
		return false
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return false
	}
	if header[0] != version {
		return false
	}

	nmethods := int(header[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return false
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == methodNoAuth {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		conn.Write([]byte{version, methodNoneAcceptable})
		return false
	}

	_, err = conn.Write([]byte{version, methodNoAuth})
	return err == nil
}

// target is the resolved SOCKS5 CONNECT destination.
type target struct {
	host string
	port int
}

// handleRequest reads the CONNECT request, replying with the appropriate
// rejection code on any unsupported command or address type.
func (s *Server) handleRequest(conn net.Conn, r *bufio.Reader) (target, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return target{}, err
	}
	if header[0] != version {
		return target{}, errors.New("socks5: unexpected version in request")
	}
	if header[1] != cmdConnect {
		writeReply(conn, replyCommandNotSupported)
		return target{}, errors.New("socks5: unsupported command")
	}

	atyp := header[3]

	var host string
	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return target{}, err
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return target{}, err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return target{}, err
		}
		n := int(lenByte[0])
		if 4+1+n > greetingHeaderCap {
			writeReply(conn, replyAddressNotSupported)
			return target{}, errors.New("socks5: domain length exceeds header cap")
		}
		domain := make([]byte, n)
		if _, err := io.ReadFull(r, domain); err != nil {
			return target{}, err
		}
		host = string(domain)
	default:
		writeReply(conn, replyAddressNotSupported)
		return target{}, errors.New("socks5: unsupported address type")
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return target{}, err
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	return target{host: host, port: port}, nil
}

func writeReply(conn net.Conn, code byte) {
	conn.Write([]byte{version, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

// dispatch resolves the blocking decision and routes to the appropriate
// interception or splice path.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, r *bufio.Reader, t target) {
	profile := s.profileFor(ctx, t.host)
	cfg := s.Config.Effective(connutil.ClientHost(conn))

	if s.Filter.ShouldBlockDomain(t.host, profile, cfg) {
		writeReply(conn, replySuccess)
		return
	}

	switch t.port {
	case 443:
		s.interceptHTTPS(ctx, conn, r, t)
	case 80:
		s.interceptHTTP(ctx, conn, r, t)
	default:
		s.spliceRaw(conn, t)
	}
}

func (s *Server) profileFor(ctx context.Context, hostname string) *filterengine.Profile {
	if s.Profiles == nil {
		return nil
	}
	profile, err := s.Profiles.GetProfile(ctx, hostname)
	if err != nil {
		return nil
	}
	return profile
}

// spliceRaw handles any CONNECT target outside ports 80/443: dial the
// target directly and, on success, bidirectionally copy bytes until either
// side closes.
func (s *Server) spliceRaw(conn net.Conn, t target) {
	upstream, err := s.Dialer.Dial("tcp", net.JoinHostPort(t.host, strconv.Itoa(t.port)))
	if err != nil {
		writeReply(conn, replyAddressNotSupported)
		return
	}
	defer upstream.Close()

	writeReply(conn, replySuccess)
	connutil.Splice(conn, upstream)
}

// interceptHTTPS writes the SOCKS success reply, performs a server-role TLS
// handshake using a leaf certificate minted for the target hostname, then
// parses and serves HTTP/1.1 traffic over the decrypted stream.
func (s *Server) interceptHTTPS(ctx context.Context, conn net.Conn, r *bufio.Reader, t target) {
	writeReply(conn, replySuccess)

	leaf, err := s.CA.LeafFor(t.host)
	if err != nil {
		s.logger().Warn("socks5: leaf certificate mint failed", "host", t.host, "error", err)
		return
	}

	tlsConn := tls.Server(connutil.BufioConn{Conn: conn, R: r}, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return
	}
	defer tlsConn.Close()

	s.serveHTTPOverConn(ctx, tlsConn, bufio.NewReader(tlsConn), "https", t, true)
}

// interceptHTTP writes the SOCKS success reply and serves HTTP/1.1 traffic
// directly off the plaintext client socket, reusing the reader that already
// buffered any bytes read during the SOCKS handshake.
func (s *Server) interceptHTTP(ctx context.Context, conn net.Conn, r *bufio.Reader, t target) {
	writeReply(conn, replySuccess)
	s.serveHTTPOverConn(ctx, conn, r, "http", t, false)
}

// serveHTTPOverConn reads one HTTP/1.1 request off r, bypasses the pipeline
// with a raw splice for WebSocket upgrades, and otherwise runs the request
// pipeline and writes the framed response back over conn.
func (s *Server) serveHTTPOverConn(ctx context.Context, conn net.Conn, r *bufio.Reader, scheme string, t target, tlsOrigin bool) {
	httpReq, err := http.ReadRequest(r)
	if err != nil {
		return
	}
	defer httpReq.Body.Close()

	if connutil.IsWebSocketUpgrade(httpReq) {
		s.spliceWebSocketUpgrade(conn, httpReq, t, tlsOrigin)
		return
	}

	body, _ := io.ReadAll(httpReq.Body)
	req := &reqres.Request{
		Scheme:  scheme,
		Host:    t.host,
		Port:    t.port,
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

// spliceWebSocketUpgrade bypasses the pipeline entirely: it dials the
// origin (TLS if the client connection was TLS-intercepted), forwards the
// original request bytes verbatim, then splices the two streams.
func (s *Server) spliceWebSocketUpgrade(conn net.Conn, httpReq *http.Request, t target, tlsOrigin bool) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	var upstream net.Conn
	var err error
	if tlsOrigin {
		upstream, err = tls.DialWithDialer(&s.Dialer, "tcp", addr, &tls.Config{ServerName: t.host})
	} else {
		upstream, err = s.Dialer.Dial("tcp", addr)
	}
	if err != nil {
		return
	}
	defer upstream.Close()

	if err := httpReq.Write(upstream); err != nil {
		return
	}

	connutil.Splice(conn, upstream)
}
