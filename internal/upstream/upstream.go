// Package upstream forwards pipeline requests to origin servers: it builds
// the outbound request, strips hop-by-hop headers, retries transient
// connection failures with bounded backoff, and decompresses the response
// body synchronously.
package upstream

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v5"

	"github.com/revamp-proxy/revampd/internal/reqres"
)

// ErrUnavailable wraps DNS/connect/TLS failures and premature EOF, which the
// pipeline turns into a 502 to the client.
var ErrUnavailable = errors.New("upstream: unavailable")

// Result is the parsed, decompressed upstream response.
type Result struct {
	StatusCode     int
	StatusMessage  string
	Headers        http.Header
	Body           []byte // decompressed, or original bytes if decompression failed
	ContentEncoding string // left intact when decompression failed, else cleared
}

// Config controls Client construction.
type Config struct {
	ConnectTimeout       time.Duration
	TLSHandshakeTimeout  time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries           uint
}

// Client forwards requests to origin servers over a tuned transport.
type Client struct {
	httpClient *http.Client
	maxRetries uint
}

// New creates a Client with connection pooling and bounded timeouts tuned
// for many short-lived proxied requests.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		// The pipeline negotiates compression itself (§4.4) and
		// decompresses bodies explicitly, so transport-level transparent
		// decompression must stay off.
		DisableCompression: true,
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}

	return &Client{
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch forwards req to its target and returns the decompressed result.
// Transient DNS/connect failures are retried with bounded backoff before
// being classified as ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, req *reqres.Request) (*Result, error) {
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		r, err := c.buildRequest(ctx, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(r)
		if err != nil {
			if isTransient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxRetries))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: premature EOF: %v", ErrUnavailable, err)
	}

	return decompress(resp, body), nil
}

// buildRequest constructs the outbound *http.Request, forwarding all
// headers except the hop-by-hop set and requesting gzip/deflate.
func (c *Client) buildRequest(ctx context.Context, req *reqres.Request) (*http.Request, error) {
	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vv := range req.Headers {
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	reqres.StripHopByHop(outReq.Header)
	outReq.Header.Set("Accept-Encoding", "gzip, deflate")
	return outReq, nil
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// decompress inflates the body per the response's Content-Encoding. gzip,
// deflate, and br are supported; other encodings, or decompression
// failures, pass the bytes through unchanged with Content-Encoding intact.
func decompress(resp *http.Response, body []byte) *Result {
	headers := resp.Header.Clone()
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))

	var decoded []byte
	var err error
	switch encoding {
	case "gzip":
		decoded, err = decompressGzip(body)
	case "deflate":
		decoded, err = decompressDeflate(body)
	case "br":
		decoded, err = decompressBrotli(body)
	default:
		decoded, err = body, nil
	}

	if err != nil {
		// Decompression failed: pass compressed bytes through unchanged,
		// leaving Content-Encoding intact.
		return &Result{
			StatusCode:      resp.StatusCode,
			StatusMessage:   resp.Status,
			Headers:         headers,
			Body:            body,
			ContentEncoding: resp.Header.Get("Content-Encoding"),
		}
	}

	if encoding == "gzip" || encoding == "deflate" || encoding == "br" {
		headers.Del("Content-Encoding")
	}

	return &Result{
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.Status,
		Headers:       headers,
		Body:          decoded,
	}
}

func decompressGzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decompressDeflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decompressBrotli(body []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(body))
	return io.ReadAll(r)
}
