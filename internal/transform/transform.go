// Package transform defines the Transformer collaborator interface the
// request pipeline drives during content classification. The byte-level
// rewriting a transformer performs (JS/CSS/HTML rewriting, polyfill
// injection) is out of scope; this package provides the interface, a
// registry, and a passthrough implementation used where no real
// transformer is registered for a content type.
package transform

import (
	"strings"
	"sync"

	"github.com/revamp-proxy/revampd/internal/config"
)

// ContentType is the pipeline's closed classification of response bodies.
type ContentType string

const (
	ContentJS    ContentType = "js"
	ContentCSS   ContentType = "css"
	ContentHTML  ContentType = "html"
	ContentOther ContentType = "other"
)

// ClassifyByExtension derives a ContentType from a URL path, per the
// pipeline's extension heuristics: .js/.mjs -> js, .css -> css, root path,
// no extension, or .html/.htm -> html, else other.
func ClassifyByExtension(path string) ContentType {
	ext := extensionOf(path)
	switch ext {
	case ".js", ".mjs":
		return ContentJS
	case ".css":
		return ContentCSS
	case "", ".html", ".htm":
		return ContentHTML
	default:
		return ContentOther
	}
}

// ClassifyByContentTypeHeader derives a ContentType from a response's
// Content-Type header value, falling back to extension classification when
// the header is empty or unrecognized.
func ClassifyByContentTypeHeader(header, path string) ContentType {
	switch {
	case header == "":
		return ClassifyByExtension(path)
	case strings.Contains(strings.ToLower(header), "javascript") || strings.Contains(strings.ToLower(header), "ecmascript"):
		return ContentJS
	case strings.Contains(strings.ToLower(header), "css"):
		return ContentCSS
	case strings.Contains(strings.ToLower(header), "html"):
		return ContentHTML
	default:
		return ClassifyByExtension(path)
	}
}

func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

// Transformer rewrites a decompressed response body for a given content
// type. Implementations are external collaborators; correctness of their
// output is not this package's concern.
type Transformer interface {
	Transform(body []byte, url string, cfg config.Snapshot) ([]byte, error)
}

// PassthroughTransformer returns its input unchanged. It is the default
// registered for any content type without a real transformer, and is the
// only Transformer this package implements.
type PassthroughTransformer struct{}

// Transform implements Transformer by returning body unmodified.
func (PassthroughTransformer) Transform(body []byte, _ string, _ config.Snapshot) ([]byte, error) {
	return body, nil
}

// Registry maps content types to their transformer. Safe for concurrent
// use; registrations are expected at startup, lookups per request.
type Registry struct {
	mu           sync.RWMutex
	transformers map[ContentType]Transformer
}

// NewRegistry creates a Registry with PassthroughTransformer registered for
// js, css, and html.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[ContentType]Transformer)}
	p := PassthroughTransformer{}
	r.Register(ContentJS, p)
	r.Register(ContentCSS, p)
	r.Register(ContentHTML, p)
	return r
}

// Register installs a Transformer for a content type, replacing any
// previous registration.
func (r *Registry) Register(ct ContentType, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[ct] = t
}

// For returns the Transformer registered for ct, or nil if none is
// registered (the case for ContentOther, which the pipeline never
// transforms).
func (r *Registry) For(ct ContentType) Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transformers[ct]
}
