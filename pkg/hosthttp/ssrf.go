package hosthttp

import (
	"context"
	"net"
	"strings"
	"time"
)

// resolveTimeout bounds the DNS lookup a single fetch performs before giving
// up.
const resolveTimeout = 2 * time.Second

// isDisallowedIP reports whether ip falls in a private, loopback,
// link-local, multicast, unspecified, or carrier-grade-NAT range.
func isDisallowedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return isDisallowedIPv4(v4)
	}
	return isDisallowedIPv6(ip)
}

func isDisallowedIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// 0.0.0.0/8
	if ip[0] == 0 {
		return true
	}
	// carrier-grade NAT, RFC 6598: 100.64.0.0/10
	if ip[0] == 100 && ip[1] >= 64 && ip[1] <= 127 {
		return true
	}
	return false
}

func isDisallowedIPv6(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		// IPv4-in-IPv6 mapped address: recurse to the IPv4 check.
		return isDisallowedIPv4(v4)
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	// fc00::/7 unique local addresses
	if len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

// validateHost resolves host and rejects it if the hostname or any resolved
// address is private/loopback/etc. Literal IP hostnames are checked directly
// without a DNS round trip.
func validateHost(ctx context.Context, host string) error {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return errPrivateIP("empty hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errPrivateIP("localhost is not a permitted fetch target")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return errPrivateIP("literal IP target resolves to a private or reserved range")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return errDNS(err)
	}
	if len(addrs) == 0 {
		return errDNS(nil)
	}
	for _, addr := range addrs {
		if isDisallowedIP(addr.IP) {
			return errPrivateIP("hostname resolves to a private or reserved IP")
		}
	}
	return nil
}
