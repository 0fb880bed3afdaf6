package research

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	errInvalidURLScheme = errors.New("only http and https urls can be read")
	errBlockedURLHost   = errors.New("url host is not publicly routable")
	errBlockedURLPort   = errors.New("url port is not allowed")
)

var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// validateResearchURL accepts public http(s) URLs on the default ports.
func validateResearchURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errInvalidURLScheme
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return nil, errors.New("url host is required")
	}
	if isBlockedHostname(hostname) {
		return nil, errBlockedURLHost
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return nil, errBlockedURLPort
	}
	return parsed, nil
}

func isBlockedHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return !isPublicAddr(addr)
	}
	return false
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return false
	}
	return true
}

// secureDialContext resolves the host itself and refuses to connect when any
// resolved address is not public, so redirects and DNS tricks cannot reach
// internal services.
func secureDialContext(base *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if isBlockedHostname(strings.ToLower(host)) {
			return nil, errBlockedURLHost
		}

		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for host %q", host)
		}
		for _, addr := range addrs {
			if !isPublicAddr(addr) {
				return nil, errBlockedURLHost
			}
		}
		return base.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
	}
}
