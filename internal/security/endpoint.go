package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var (
	ErrEndpointScheme = errors.New("security: upstream URL must use https")
	ErrEndpointHost   = errors.New("security: upstream host is not allowed")
)

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// blockedHosts are names that reach instance metadata or the local machine
// without going through DNS.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
	"metadata":                 true,
}

// sharedAddressSpace is the carrier-grade NAT range, which netip does not
// classify as private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL checks that an upstream the server calls on every paid
// request (facilitator, explorer, exchange, DEX index) is an https URL whose
// host, and every address it resolves to, is publicly routable.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ValidateEndpointURLContext(ctx, rawURL, defaultLookup)
}

// ValidateEndpointURLContext is ValidateEndpointURL with an explicit resolver.
func ValidateEndpointURLContext(ctx context.Context, rawURL string, lookup LookupFunc) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("security: invalid upstream URL: %w", err)
	}
	if u.Scheme != "https" {
		return ErrEndpointScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrEndpointHost)
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: %s", ErrEndpointHost, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("security: cannot resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("security: %s resolves to no addresses", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(), addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: %s resolves to %s", ErrEndpointHost, host, addr)
	}
	return nil
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
