// Package pipeline implements the shared per-request engine every ingress
// front end (SOCKS5, HTTP proxy) drives: effective config resolution,
// reserved-path routing, hook phases, filter decision, cache lookup,
// upstream fetch, content classification and transformation, and response
// framing.
package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/revamp-proxy/revampd/internal/cache"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/filterengine"
	"github.com/revamp-proxy/revampd/internal/hooks"
	"github.com/revamp-proxy/revampd/internal/logutil"
	"github.com/revamp-proxy/revampd/internal/metrics"
	"github.com/revamp-proxy/revampd/internal/profilestore"
	"github.com/revamp-proxy/revampd/internal/reqres"
	"github.com/revamp-proxy/revampd/internal/transform"
	"github.com/revamp-proxy/revampd/internal/upstream"
)

// redirectStatuses is the closed set of status codes that mark a response
// as a redirect for cache-skip purposes.
var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// IsRedirectStatus reports whether n is one of the five redirect statuses.
func IsRedirectStatus(n int) bool { return redirectStatuses[n] }

// textContentTypes is the family of Content-Type prefixes eligible for
// gzip re-encoding on the way out.
var textContentTypes = []string{"text/", "application/javascript", "application/json", "application/xml", "image/svg+xml"}

// Engine wires every collaborator the pipeline calls as a service.
type Engine struct {
	Config       *config.Store
	Cache        *cache.Cache
	Filter       *filterengine.Engine
	Profiles     *profilestore.Store
	Upstream     *upstream.Client
	Transforms   *transform.Registry
	Hooks        *hooks.Registry
	Metrics  *metrics.Counters
	Reserved http.Handler // serves paths under filterengine.ReservedPathPrefix
	Logger   *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	return logutil.OrDefault(e.Logger)
}

// Handle runs a single request through the full pipeline and returns the
// framed response.
func (e *Engine) Handle(ctx context.Context, req *reqres.Request) *reqres.Response {
	requestID := uuid.NewString()
	log := e.logger().With("requestId", requestID)

	cfg := e.Config.Effective(req.Client)
	e.Metrics.RecordRequest()

	if strings.HasPrefix(req.Path, filterengine.ReservedPathPrefix) {
		return e.frame(req, e.dispatchReserved(req), cfg)
	}

	profile := e.profileFor(ctx, req.Host)
	configHash := cache.ConfigHash(serializeConfigForHash(cfg))

	if e.Hooks.HasHooks(hooks.RequestPre) {
		value, blocked, resp := e.runPreRequestHooks(ctx, req, requestID, cfg, configHash)
		if blocked {
			return e.frame(req, resp, cfg)
		}
		e.applyOverrides(req, value)
	}

	if e.Filter.ShouldBlockURL(req.URL(), req.Path, profile, cfg) {
		e.Metrics.RecordBlocked()
		return e.frame(req, blockedResponse(nil), cfg)
	}

	if req.Method == http.MethodOptions {
		return e.frame(req, e.corsPreflightResponse(req), cfg)
	}

	expectedType := transform.ClassifyByExtension(req.Path)

	var (
		body        []byte
		contentType transform.ContentType
		mediaType   string
	)

	if cached, ok := e.Cache.GetCached(cfg.CacheEnabled, req.Host, req.Client, configHash, req.URL(), string(expectedType)); ok {
		body = cached
		contentType = expectedType
		switch contentType {
		case transform.ContentJS:
			mediaType = "application/javascript"
		case transform.ContentCSS:
			mediaType = "text/css"
		case transform.ContentHTML:
			mediaType = "text/html"
		}
		e.Metrics.RecordCacheHit()
	} else {
		result, err := e.Upstream.Fetch(ctx, req)
		if err != nil {
			e.Metrics.RecordError()
			return e.frame(req, upstreamUnavailableResponse(), cfg)
		}

		mediaType = result.Headers.Get("Content-Type")
		contentType = transform.ClassifyByContentTypeHeader(mediaType, req.Path)
		body = result.Body

		if IsRedirectStatus(result.StatusCode) {
			if loc := result.Headers.Get("Location"); loc == "" || contentType == transform.ContentOther {
				e.Cache.MarkAsRedirect(req.URL())
			}
		}

		// A decompression failure leaves ContentEncoding intact and body
		// still compressed, so transforming or caching it would corrupt
		// the stored copy; serve it through untouched instead.
		if contentType != transform.ContentOther && result.ContentEncoding == "" {
			if t := e.Transforms.For(contentType); t != nil {
				transformed, terr := t.Transform(body, req.URL(), cfg)
				if terr != nil {
					log.Warn("transform failed, serving original bytes", "url", req.URL(), "error", terr)
				} else {
					body = transformed
					e.Metrics.RecordTransform()
				}
			}
			e.Cache.SetCache(cfg.CacheEnabled, req.Host, req.Client, configHash, req.URL(), string(contentType), body)
		}
	}

	resp := &reqres.Response{
		StatusCode:    http.StatusOK,
		StatusMessage: http.StatusText(http.StatusOK),
		Headers:       http.Header{},
		Body:          body,
	}
	if mediaType != "" {
		resp.Headers.Set("Content-Type", mediaType)
	}

	if e.Hooks.HasHooks(hooks.ResponsePost) {
		resp = e.runPostResponseHooks(ctx, req, resp, requestID, cfg, configHash)
	}

	return e.frame(req, resp, cfg)
}

func (e *Engine) profileFor(ctx context.Context, hostname string) *filterengine.Profile {
	if e.Profiles == nil {
		return nil
	}
	profile, err := e.Profiles.GetProfile(ctx, hostname)
	if err != nil {
		return nil
	}
	return profile
}

// dispatchReserved routes a reserved-prefix request to the portal handler
// by adapting reqres.Request/Response onto http.Request/ResponseRecorder.
func (e *Engine) dispatchReserved(req *reqres.Request) *reqres.Response {
	if e.Reserved == nil {
		return &reqres.Response{StatusCode: http.StatusNotFound, StatusMessage: "Not Found", Headers: http.Header{}}
	}

	httpReq := httptest.NewRequest(req.Method, req.URL(), bytes.NewReader(req.Body))
	httpReq.Header = req.Headers.Clone()
	if req.Headers == nil {
		httpReq.Header = http.Header{}
	}

	rec := httptest.NewRecorder()
	e.Reserved.ServeHTTP(rec, httpReq)

	return &reqres.Response{
		StatusCode:    rec.Code,
		StatusMessage: http.StatusText(rec.Code),
		Headers:       rec.Header().Clone(),
		Body:          rec.Body.Bytes(),
	}
}

func (e *Engine) runPreRequestHooks(ctx context.Context, req *reqres.Request, requestID string, cfg config.Snapshot, configHash string) (hooks.Value, bool, *reqres.Response) {
	initial := hooks.Value{
		"requestId":     requestID,
		"url":           req.URL(),
		"method":        req.Method,
		"headers":       req.Headers,
		"_request":      req,
		"_cacheEnabled": cfg.CacheEnabled,
		"_configHash":   configHash,
	}
	outcome := e.Hooks.ExecuteSequential(ctx, hooks.RequestPre, initial)

	if blocked, _ := outcome.Value["block"].(bool); blocked {
		e.Metrics.RecordBlocked()
		return outcome.Value, true, blockedResponse(outcome.Value)
	}
	return outcome.Value, false, nil
}

func (e *Engine) runPostResponseHooks(ctx context.Context, req *reqres.Request, resp *reqres.Response, requestID string, cfg config.Snapshot, configHash string) *reqres.Response {
	initial := hooks.Value{
		"requestId":     requestID,
		"statusCode":    resp.StatusCode,
		"body":          resp.Body,
		"headers":       resp.Headers,
		"_request":      req,
		"_cacheEnabled": cfg.CacheEnabled,
		"_configHash":   configHash,
	}
	outcome := e.Hooks.ExecuteSequential(ctx, hooks.ResponsePost, initial)

	if sc, ok := outcome.Value["statusCode"].(int); ok {
		resp.StatusCode = sc
	}
	if body, ok := outcome.Value["body"].([]byte); ok {
		resp.Body = body
	}
	if h, ok := outcome.Value["headers"].(http.Header); ok {
		resp.Headers = h
	}
	return resp
}

// applyOverrides rewrites req in place with whatever a pre-request hook
// supplied in value: a replacement header set, and/or a replacement target
// URL, decomposed back onto Scheme/Host/Port/Path/Query since Request has
// no single settable URL field.
func (e *Engine) applyOverrides(req *reqres.Request, value hooks.Value) {
	if h, ok := value["headers"].(http.Header); ok {
		req.Headers = h
	}
	if raw, ok := value["url"].(string); ok {
		e.applyURLOverride(req, raw)
	}
}

func (e *Engine) applyURLOverride(req *reqres.Request, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		e.logger().Warn("ignoring invalid pre-request URL override", "url", raw, "error", err)
		return
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		e.logger().Warn("ignoring pre-request URL override with invalid port", "url", raw, "error", err)
		return
	}

	req.Scheme = u.Scheme
	req.Host = host
	req.Port = portNum
	req.Path = u.Path
	req.Query = u.RawQuery
}

// blockedResponse builds the pre-request-hook or filter-decision block
// response: default 204, or the caller-supplied statusCode/body/headers.
func blockedResponse(value hooks.Value) *reqres.Response {
	resp := &reqres.Response{StatusCode: http.StatusNoContent, StatusMessage: "No Content", Headers: http.Header{}}
	if value == nil {
		return resp
	}
	if sc, ok := value["statusCode"].(int); ok {
		resp.StatusCode = sc
		resp.StatusMessage = http.StatusText(sc)
	}
	if body, ok := value["body"].([]byte); ok {
		resp.Body = body
	}
	if h, ok := value["headers"].(http.Header); ok {
		resp.Headers = h
	}
	return resp
}

func upstreamUnavailableResponse() *reqres.Response {
	return &reqres.Response{
		StatusCode:    http.StatusBadGateway,
		StatusMessage: http.StatusText(http.StatusBadGateway),
		Headers:       http.Header{"Content-Type": []string{"text/plain"}},
		Body:          []byte("upstream unavailable"),
	}
}

func (e *Engine) corsPreflightResponse(req *reqres.Request) *reqres.Response {
	origin := req.Headers.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	headers := http.Header{
		"Access-Control-Allow-Origin":      []string{origin},
		"Access-Control-Allow-Methods":     []string{"GET, POST, PUT, DELETE, OPTIONS"},
		"Access-Control-Allow-Headers":     []string{"*"},
		"Access-Control-Max-Age":           []string{"86400"},
		"Access-Control-Allow-Credentials": []string{"true"},
	}
	return &reqres.Response{StatusCode: http.StatusNoContent, StatusMessage: "No Content", Headers: headers}
}

// frame strips hop-by-hop headers, sets Content-Length, optionally
// gzip-compresses text-family bodies over 1024 bytes when the client
// accepts gzip, adds CORS headers, and forces Connection: close.
func (e *Engine) frame(req *reqres.Request, resp *reqres.Response, cfg config.Snapshot) *reqres.Response {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	reqres.StripHopByHop(resp.Headers)

	body := resp.Body
	if acceptsGzip(req.Headers.Get("Accept-Encoding")) && isTextFamily(resp.Headers.Get("Content-Type")) && len(body) > 1024 {
		if compressed, err := gzipCompress(body, cfg.CompressionLevel); err == nil {
			body = compressed
			resp.Headers.Set("Content-Encoding", "gzip")
			resp.Headers.Set("Vary", "Accept-Encoding")
		}
	}
	resp.Body = body
	resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))

	origin := req.Headers.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	resp.Headers.Set("Access-Control-Allow-Origin", origin)
	resp.Headers.Set("Access-Control-Allow-Credentials", "true")
	resp.Headers.Set("Connection", "close")

	e.Metrics.RecordBandwidth(int64(len(req.Body)), int64(len(body)))
	return resp
}

func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]), "gzip") {
			return true
		}
	}
	return false
}

func isTextFamily(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range textContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func gzipCompress(body []byte, level int) ([]byte, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeConfigForHash(cfg config.Snapshot) string {
	return fmt.Sprintf("%+v", cfg)
}
