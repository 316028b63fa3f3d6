// Package netguard validates outbound scan URLs against SSRF.
//
// A URL is admissible iff its scheme and port are allowed, its host is not
// deny-listed, and every address the host resolves to is publicly
// routable. The address-class check runs again after DNS resolution, so a
// public hostname pointing at a private address is rejected.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	scanerr "github.com/soclab/argus/internal/errors"
)

// Options configures a Validator.
type Options struct {
	AllowedSchemes  []string
	AllowedPorts    []int
	HostDenylist    []string // wildcard patterns, e.g. "*.corp.local"
	ResolverTimeout time.Duration
}

// Validator is stateless apart from its configuration and the shared DNS
// cache.
type Validator struct {
	schemes  map[string]bool
	ports    map[int]bool
	denylist []string
	timeout  time.Duration

	resolver   *dnscache.Resolver
	refreshTTL time.Duration
	once       sync.Once
}

// New builds a Validator from options, filling defaults for empty fields.
func New(opts Options) *Validator {
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	ports := opts.AllowedPorts
	if len(ports) == 0 {
		ports = []int{80, 443, 8080, 8443}
	}
	timeout := opts.ResolverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	v := &Validator{
		schemes:    make(map[string]bool, len(schemes)),
		ports:      make(map[int]bool, len(ports)),
		denylist:   opts.HostDenylist,
		timeout:    timeout,
		resolver:   &dnscache.Resolver{},
		refreshTTL: 5 * time.Minute,
	}
	for _, s := range schemes {
		v.schemes[strings.ToLower(s)] = true
	}
	for _, p := range ports {
		v.ports[p] = true
	}
	return v
}

// startRefresh keeps cached DNS entries from going stale.
func (v *Validator) startRefresh() {
	v.once.Do(func() {
		go func() {
			ticker := time.NewTicker(v.refreshTTL)
			defer ticker.Stop()
			for range ticker.C {
				v.resolver.Refresh(true)
			}
		}()
	})
}

// Validate checks a raw URL. It returns a ScanError with KindInvalidTarget
// on rejection.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "malformed URL %q: %v", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !v.schemes[scheme] {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "scheme %q not allowed", scheme)
	}

	host := u.Hostname()
	if host == "" {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "URL %q has no host", raw)
	}

	port, err := effectivePort(u)
	if err != nil {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "invalid port in %q", raw)
	}
	if !v.ports[port] {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "port %d not allowed", port)
	}

	if pattern := v.deniedBy(host); pattern != "" {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "host %q matches denylist pattern %q", host, pattern)
	}

	// Literal IPs skip resolution
	if ip := net.ParseIP(host); ip != nil {
		if !publicAddress(ip) {
			return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "address %s is not publicly routable", ip)
		}
		return nil
	}

	return v.checkResolved(ctx, host)
}

// ValidateHost checks a bare hostname or IP (no scheme/port component).
func (v *Validator) ValidateHost(ctx context.Context, host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_host", "empty host")
	}
	if pattern := v.deniedBy(host); pattern != "" {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_host", "host %q matches denylist pattern %q", host, pattern)
	}
	if ip := net.ParseIP(host); ip != nil {
		if !publicAddress(ip) {
			return scanerr.Newf(scanerr.KindInvalidTarget, "validate_host", "address %s is not publicly routable", ip)
		}
		return nil
	}
	return v.checkResolved(ctx, host)
}

// checkResolved applies the post-resolution address-class check. Every
// resolved address must be public; a single private record rejects the host.
func (v *Validator) checkResolved(ctx context.Context, host string) error {
	v.startRefresh()

	rctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	addrs, err := v.resolver.LookupHost(rctx, host)
	if err != nil {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "resolve %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "host %q resolved to no addresses", host)
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil || !publicAddress(ip) {
			log.Debug().Str("host", host).Str("addr", a).Msg("Rejecting host resolving to non-public address")
			return scanerr.Newf(scanerr.KindInvalidTarget, "validate_url", "host %q resolves to non-public address %s", host, a)
		}
	}
	return nil
}

func (v *Validator) deniedBy(host string) string {
	h := strings.ToLower(host)
	for _, pattern := range v.denylist {
		if wildcard.Match(strings.ToLower(pattern), h) {
			return pattern
		}
	}
	return ""
}

// publicAddress reports whether ip is routable on the public internet.
func publicAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	// Reserved ranges not covered by the net helpers
	for _, cidr := range reservedCIDRs {
		if cidr.Contains(ip) {
			return false
		}
	}
	return true
}

var reservedCIDRs = mustParseCIDRs(
	"100.64.0.0/10",  // carrier-grade NAT
	"192.0.0.0/24",   // IETF protocol assignments
	"192.0.2.0/24",   // TEST-NET-1
	"198.18.0.0/15",  // benchmarking
	"198.51.100.0/24",// TEST-NET-2
	"203.0.113.0/24", // TEST-NET-3
	"240.0.0.0/4",    // reserved
	"::/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7", // unique local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("netguard: bad builtin CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

func effectivePort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return 443, nil
	default:
		return 80, nil
	}
}
