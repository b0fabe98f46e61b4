package services

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var blockedCIDRs []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, cloud metadata
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",  // IPv6 ULA
		"fe80::/10", // IPv6 link-local
	} {
		_, parsed, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("bad CIDR %q: %v", cidr, err))
		}
		blockedCIDRs = append(blockedCIDRs, parsed)
	}
}

// IsBlockedIP reports whether ip is loopback, unspecified, link-local or
// private.
func IsBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalName(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	return h == "localhost" || h == "localhost.localdomain" ||
		strings.HasSuffix(h, ".localhost") || strings.HasSuffix(h, ".local")
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SSRFGuard decides whether a webhook URL may be contacted. It runs before
// every send, since DNS can change after a rule is saved.
type SSRFGuard struct {
	resolver Resolver
}

func NewSSRFGuard(resolver Resolver) *SSRFGuard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SSRFGuard{resolver: resolver}
}

// Validate parses rawURL and checks its scheme, hostname and every address
// it resolves to. Policy rejections wrap ErrSSRFBlocked; lookup failures
// wrap ErrDispatchFailure.
func (g *SSRFGuard) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrSSRFBlocked, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrSSRFBlocked, parsed.Scheme)
	}
	if _, err := g.Resolve(ctx, parsed.Hostname()); err != nil {
		return nil, err
	}
	return parsed, nil
}

// Resolve returns the addresses for host once all of them pass the policy.
func (g *SSRFGuard) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.Trim(host, "[]")
	if host == "" {
		return nil, fmt.Errorf("%w: missing hostname", ErrSSRFBlocked)
	}
	if isLocalName(host) {
		return nil, fmt.Errorf("%w: local hostname %s", ErrSSRFBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: address %s", ErrSSRFBlocked, ip)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: dns lookup %s: %v", ErrDispatchFailure, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", ErrDispatchFailure, host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if IsBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrSSRFBlocked, host, a.IP)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Transport returns an http.Transport that re-checks addresses at dial time
// and connects to the checked IP, so a rebinding DNS answer cannot slip a
// private address in between validation and connect.
func (g *SSRFGuard) Transport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("ssrf dialer: invalid address %q: %w", addr, err)
			}
			ips, err := g.Resolve(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
}
