// Package urlguard implements the outbound URL allow-list used to protect
// reverse-proxy egress. A destination is safe when its host matches one of
// the configured host patterns and none of its resolved addresses fall in a
// blocked IP range.
package urlguard

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBlockedRanges covers private and link-local IPv4 address space.
var DefaultBlockedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
}

// Config controls the guard. Empty AllowedHosts triggers local-host
// bootstrapping; empty BlockedIPRanges applies DefaultBlockedRanges.
type Config struct {
	AllowedHosts    []string
	BlockedIPRanges []string
}

// LookupFunc resolves a host name to its addresses. Swappable in tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// cidrRange is an IPv4 range as base address plus prefix mask.
type cidrRange struct {
	base net.IP
	mask net.IPMask
}

func (r cidrRange) contains(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if v4[i]&r.mask[i] != r.base[i]&r.mask[i] {
			return false
		}
	}
	return true
}

// Guard checks outbound destinations. Built once before serving begins;
// afterwards only the host-result and DNS caches mutate.
type Guard struct {
	patterns []*regexp.Regexp
	blocked  []cidrRange
	lookup   LookupFunc
	logger   *slog.Logger

	hostResults sync.Map // host -> bool
	dnsCache    sync.Map // host -> []net.IP
}

// New builds a guard from cfg. Invalid patterns or ranges are skipped with
// a log entry rather than failing startup.
func New(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}

	hosts := cfg.AllowedHosts
	if len(hosts) == 0 {
		hosts = bootstrapHosts(logger)
	}

	ranges := cfg.BlockedIPRanges
	if len(ranges) == 0 {
		ranges = DefaultBlockedRanges
	}

	g := &Guard{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
		logger: logger,
	}

	for _, h := range hosts {
		re, err := compilePattern(h)
		if err != nil {
			logger.Warn("skipping invalid host pattern", "pattern", h, "error", err)
			continue
		}
		g.patterns = append(g.patterns, re)
	}

	for _, r := range ranges {
		cr, err := parseCIDR(r)
		if err != nil {
			logger.Warn("skipping invalid blocked range", "range", r, "error", err)
			continue
		}
		g.blocked = append(g.blocked, cr)
	}

	return g
}

// SetLookup replaces the DNS lookup function. Intended for tests.
func (g *Guard) SetLookup(fn LookupFunc) {
	g.lookup = fn
}

// IsURLSafe reports whether the URL's host passes the allow-list and none
// of its resolved addresses are blocked.
func (g *Guard) IsURLSafe(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return g.IsHostAllowed(u.Hostname())
}

// IsHostAllowed checks a bare host name or address. Results are memoised
// for the process lifetime.
func (g *Guard) IsHostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if cached, ok := g.hostResults.Load(host); ok {
		return cached.(bool)
	}

	allowed := g.matchesPattern(host) && g.addressesAllowed(host)
	g.hostResults.Store(host, allowed)
	return allowed
}

func (g *Guard) matchesPattern(host string) bool {
	for _, re := range g.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// addressesAllowed resolves the host and requires every address to be
// outside every blocked range. A failed resolution yields no addresses
// and therefore fails the check.
func (g *Guard) addressesAllowed(host string) bool {
	ips := g.resolve(host)
	if len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		for _, r := range g.blocked {
			if r.contains(ip) {
				return false
			}
		}
	}
	return true
}

func (g *Guard) resolve(host string) []net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}
	}
	if cached, ok := g.dnsCache.Load(host); ok {
		return cached.([]net.IP)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ips, err := g.lookup(ctx, host)
	if err != nil {
		g.logger.Debug("dns lookup failed", "host", host, "error", err)
		ips = nil
	}
	g.dnsCache.Store(host, ips)
	return ips
}

// compilePattern converts a host pattern into an anchored regular
// expression. "*" matches exactly one label (no dots); everything else is
// matched literally, case-insensitive.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString("[^.]*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// parseCIDR parses "a.b.c.d/n" into a base address and an n-leading-ones
// mask over 4 bytes.
func parseCIDR(s string) (cidrRange, error) {
	addr, bitsStr, ok := strings.Cut(s, "/")
	if !ok {
		return cidrRange{}, &net.ParseError{Type: "CIDR address", Text: s}
	}
	base := net.ParseIP(strings.TrimSpace(addr))
	if base == nil || base.To4() == nil {
		return cidrRange{}, &net.ParseError{Type: "IP address", Text: addr}
	}
	bits, err := strconv.Atoi(strings.TrimSpace(bitsStr))
	if err != nil || bits < 0 || bits > 32 {
		return cidrRange{}, &net.ParseError{Type: "CIDR prefix", Text: bitsStr}
	}
	return cidrRange{base: base.To4(), mask: net.CIDRMask(bits, 32)}, nil
}

// bootstrapHosts builds the default allow-list when none is configured:
// localhost, loopback, addresses of operational interfaces with their
// reverse-DNS names, and any domain supplied via PORTWAY_DOMAIN.
func bootstrapHosts(logger *slog.Logger) []string {
	hosts := []string{"localhost", "127.0.0.1"}

	if domain := strings.TrimSpace(os.Getenv("PORTWAY_DOMAIN")); domain != "" {
		hosts = append(hosts, domain)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Debug("interface enumeration failed", "error", err)
		return hosts
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip := ipNet.IP.String()
			hosts = append(hosts, ip)
			if names, err := net.LookupAddr(ip); err == nil {
				for _, name := range names {
					hosts = append(hosts, strings.TrimSuffix(name, "."))
				}
			}
		}
	}
	return hosts
}
