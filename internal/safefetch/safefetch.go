// Package safefetch provides the permission-gated, SSRF-safe outbound HTTP
// client a plugin's context exposes to handlers holding the
// "network:fetch" permission.
package safefetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrBlocked is returned when a host or scheme is disallowed.
	ErrBlocked = errors.New("safefetch: request blocked")
	// ErrUnresolvable is returned when DNS resolution fails; resolution
	// failures fail closed rather than letting the dial proceed unchecked.
	ErrUnresolvable = errors.New("safefetch: host could not be resolved")
)

// blockedTLDs are suffix-matched, case-insensitively, against the request
// hostname.
var blockedTLDs = []string{".internal", ".local", ".corp", ".lan"}

// cloudMetadataIPs are well-known cloud provider metadata endpoints, blocked
// in addition to the generic private/loopback/link-local ranges.
var cloudMetadataIPs = []string{"169.254.169.254", "fd00:ec2::254"}

// Resolver abstracts hostname resolution so tests can substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// dnsResolver resolves via miekg/dns against the system's configured
// nameservers, instead of relying on net.DefaultResolver's cgo/pure-Go
// duality.
type dnsResolver struct {
	client  *dns.Client
	servers []string
}

func newDNSResolver() *dnsResolver {
	servers := []string{"127.0.0.1:53"}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = nil
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return &dnsResolver{client: &dns.Client{Timeout: 2 * time.Second}, servers: servers}
}

func (r *dnsResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var addrs []net.IPAddr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		for _, server := range r.servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil || resp == nil {
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					addrs = append(addrs, net.IPAddr{IP: rec.A})
				case *dns.AAAA:
					addrs = append(addrs, net.IPAddr{IP: rec.AAAA})
				}
			}
			break
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, host)
	}
	return addrs, nil
}

// Config controls Client construction.
type Config struct {
	TimeoutMS        int
	ConnectTimeoutMS int
	MaxRedirects     int
	Resolver         Resolver
}

// Client is a permission-gated outbound HTTP client for plugin sandboxes.
// It blocks loopback, private, link-local, unspecified, and multicast IPs,
// cloud metadata addresses, internal TLDs, and any non-http(s) scheme.
type Client struct {
	cfg        Config
	httpClient *http.Client
	resolver   Resolver
}

// New creates a Client. A nil cfg.Resolver defaults to DNS resolution via
// miekg/dns.
func New(cfg Config) *Client {
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 10000
	}
	if cfg.ConnectTimeoutMS <= 0 {
		cfg.ConnectTimeoutMS = 2000
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 1
	}

	c := &Client{cfg: cfg, resolver: cfg.Resolver}
	if c.resolver == nil {
		c.resolver = newDNSResolver()
	}

	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := c.checkSSRF(ctx, addr); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return c
}

// Fetch performs a GET request against urlStr, enforcing scheme, hostname,
// and resolved-IP restrictions before dialing.
func (c *Client) Fetch(ctx context.Context, urlStr string) (*http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrBlocked, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, u.Scheme)
	}
	if err := c.checkSSRFHost(ctx, u.Hostname()); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) checkSSRF(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return c.checkSSRFHost(ctx, host)
}

func (c *Client) checkSSRFHost(ctx context.Context, host string) error {
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	lowerHost := strings.ToLower(host)

	if lowerHost == "localhost" || lowerHost == "localhost.localdomain" {
		return fmt.Errorf("%w: localhost", ErrBlocked)
	}
	for _, tld := range blockedTLDs {
		if strings.HasSuffix(lowerHost, tld) {
			return fmt.Errorf("%w: internal TLD %s", ErrBlocked, tld)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isAllowedIP(ip) {
			return fmt.Errorf("%w: IP %s", ErrBlocked, ip)
		}
		return nil
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnresolvable, host, err)
	}
	for _, a := range addrs {
		if !isAllowedIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to blocked IP %s", ErrBlocked, host, a.IP)
		}
	}
	return nil
}

// isAllowedIP blocks loopback, private, link-local, unspecified, multicast,
// and known cloud metadata addresses.
func isAllowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	for _, meta := range cloudMetadataIPs {
		if ip.Equal(net.ParseIP(meta)) {
			return false
		}
	}
	return true
}
