// Package connutil holds the raw-socket plumbing shared by the SOCKS5 and
// HTTP proxy ingress front ends: bidirectional byte splicing, HTTP/1.1
// response framing over a hijacked connection, client-address
// normalization, and the buffered-reader net.Conn adapter TLS interception
// needs to avoid losing bytes already peeked off the wire.
package connutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/reqres"
)

// Splice bidirectionally copies bytes between a and b until either side
// closes its half of the connection.
func Splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

// ClientHost extracts conn's remote address and runs it through the
// config package's client-address normalization, falling back to the raw
// address string when the address has no separable port.
func ClientHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return config.NormalizeClient(host)
}

// WriteHTTPResponse frames a pipeline response as HTTP/1.1 and writes it to
// w, unbuffered reads aside, exactly as a real origin server would.
func WriteHTTPResponse(w io.Writer, resp *reqres.Response) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, values := range resp.Headers {
		for _, v := range values {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	bw.WriteString("\r\n")
	bw.Write(resp.Body)
	bw.Flush()
}

// IsWebSocketUpgrade reports whether r carries an Upgrade: websocket header,
// the signal both front ends use to bypass the pipeline and splice raw.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket")
}

// BufioConn adapts a net.Conn whose initial bytes have already been
// buffered into R, so callers (notably tls.Server) read through the same
// buffer instead of losing already-peeked bytes.
type BufioConn struct {
	net.Conn
	R *bufio.Reader
}

func (c BufioConn) Read(p []byte) (int, error) { return c.R.Read(p) }
