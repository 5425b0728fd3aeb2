package blocklist

import (
	"net/netip"
	"strings"

	"threatguard/internal/config"
)

// AccessPolicy is the static allow/deny list from configuration. Trusted
// addresses are never blocked by recovery actions; denied addresses are
// always reported blocked.
type AccessPolicy struct {
	Enabled         bool
	TrustedAddrs    map[netip.Addr]struct{}
	TrustedPrefixes []netip.Prefix
	DeniedAddrs     map[netip.Addr]struct{}
	DeniedPrefixes  []netip.Prefix
}

func NewAccessPolicy(cfg config.AccessControlConfig) *AccessPolicy {
	ap := &AccessPolicy{Enabled: cfg.Enabled}
	if !ap.Enabled {
		return ap
	}
	ap.TrustedAddrs, ap.TrustedPrefixes = buildAddrSet(cfg.Trusted)
	ap.DeniedAddrs, ap.DeniedPrefixes = buildAddrSet(cfg.Denied)
	return ap
}

func buildAddrSet(values []string) (map[netip.Addr]struct{}, []netip.Prefix) {
	if len(values) == 0 {
		return nil, nil
	}
	set := make(map[netip.Addr]struct{}, len(values))
	var prefixes []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			if p, err := netip.ParsePrefix(v); err == nil {
				prefixes = append(prefixes, p.Masked())
			}
			continue
		}
		if addr, ok := normalizeAddr(v); ok {
			set[addr] = struct{}{}
		}
	}
	if len(set) == 0 {
		set = nil
	}
	return set, prefixes
}

func (a *AccessPolicy) IsTrusted(key string) bool {
	if a == nil || !a.Enabled {
		return false
	}
	return match(key, a.TrustedAddrs, a.TrustedPrefixes)
}

func (a *AccessPolicy) IsDenied(key string) bool {
	if a == nil || !a.Enabled {
		return false
	}
	return match(key, a.DeniedAddrs, a.DeniedPrefixes)
}

func match(key string, addrs map[netip.Addr]struct{}, prefixes []netip.Prefix) bool {
	addr, ok := normalizeAddr(key)
	if !ok {
		return false
	}
	if addrs != nil {
		if _, ok := addrs[addr]; ok {
			return true
		}
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// normalizeAddr accepts bare addresses, host:port pairs and "ip:" prefixed keys.
func normalizeAddr(key string) (netip.Addr, bool) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "ip:"))
	if key == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(key); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(key); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
