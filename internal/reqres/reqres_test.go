package reqres

import (
	"net/http"
	"testing"
)

func TestRequest_URL(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "https default port omitted",
			req:  Request{Scheme: "https", Host: "example.com", Port: 443, Path: "/a"},
			want: "https://example.com/a",
		},
		{
			name: "http default port omitted",
			req:  Request{Scheme: "http", Host: "example.com", Port: 80, Path: "/"},
			want: "http://example.com/",
		},
		{
			name: "non-default port included",
			req:  Request{Scheme: "https", Host: "example.com", Port: 8443, Path: "/x"},
			want: "https://example.com:8443/x",
		},
		{
			name: "query preserved",
			req:  Request{Scheme: "https", Host: "example.com", Port: 443, Path: "/x", Query: "a=1"},
			want: "https://example.com/x?a=1",
		},
		{
			name: "ipv6 host bracketed with non-default port",
			req:  Request{Scheme: "https", Host: "::1", Port: 8443, Path: "/x"},
			want: "https://[::1]:8443/x",
		},
		{
			name: "uppercase host lowercased",
			req:  Request{Scheme: "https", Host: "Example.COM", Port: 443, Path: "/a"},
			want: "https://example.com/a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.URL(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripHopByHop(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/html")

	StripHopByHop(h)

	if h.Get("Connection") != "" || h.Get("Transfer-Encoding") != "" {
		t.Errorf("expected hop-by-hop headers to be stripped, got %v", h)
	}
	if h.Get("Content-Type") != "text/html" {
		t.Errorf("expected Content-Type to survive stripping")
	}
}
