package safefetch

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := f.addrs[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestFetch_BlocksNonHTTPScheme(t *testing.T) {
	c := New(Config{})
	_, err := c.Fetch(context.Background(), "file:///etc/passwd")
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for file scheme, got %v", err)
	}
}

func TestFetch_BlocksLocalhost(t *testing.T) {
	c := New(Config{})
	_, err := c.Fetch(context.Background(), "http://localhost/secret")
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for localhost, got %v", err)
	}
}

func TestFetch_BlocksPrivateIPLiteral(t *testing.T) {
	c := New(Config{})
	_, err := c.Fetch(context.Background(), "http://10.0.0.5/metadata")
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for private IP literal, got %v", err)
	}
}

func TestFetch_BlocksCloudMetadataIP(t *testing.T) {
	c := New(Config{})
	_, err := c.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data/")
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for cloud metadata IP, got %v", err)
	}
}

func TestFetch_BlocksInternalTLD(t *testing.T) {
	c := New(Config{})
	for _, host := range []string{"http://svc.internal/x", "http://router.lan/x", "http://box.local/x", "http://db.corp/x"} {
		_, err := c.Fetch(context.Background(), host)
		if !errors.Is(err, ErrBlocked) {
			t.Errorf("expected ErrBlocked for %s, got %v", host, err)
		}
	}
}

func TestFetch_BlocksResolvedPrivateIP(t *testing.T) {
	c := New(Config{Resolver: &fakeResolver{
		addrs: map[string][]net.IPAddr{
			"attacker.example.com": {{IP: net.ParseIP("192.168.1.1")}},
		},
	}})
	_, err := c.Fetch(context.Background(), "http://attacker.example.com/x")
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for a hostname resolving to a private IP, got %v", err)
	}
}

func TestFetch_UnresolvableHostFailsClosed(t *testing.T) {
	c := New(Config{Resolver: &fakeResolver{addrs: map[string][]net.IPAddr{}}})
	_, err := c.Fetch(context.Background(), "http://nowhere.example.invalid/x")
	if !errors.Is(err, ErrUnresolvable) {
		t.Errorf("expected ErrUnresolvable, got %v", err)
	}
}

func TestFetch_AllowsPublicHost(t *testing.T) {
	c := New(Config{Resolver: &fakeResolver{
		addrs: map[string][]net.IPAddr{"public.example.com": {{IP: net.ParseIP("93.184.216.34")}}},
	}})

	if err := c.checkSSRFHost(context.Background(), "public.example.com"); err != nil {
		t.Errorf("expected public resolved IP to be allowed, got %v", err)
	}
}

func TestIsAllowedIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.1.1", false},
		{"169.254.169.254", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
		{"8.8.8.8", true},
		{"93.184.216.34", true},
	}
	for _, tt := range tests {
		if got := isAllowedIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isAllowedIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
