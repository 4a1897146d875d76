package hosthttp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDisallowedIPv4(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":    true,
		"10.0.0.5":     true,
		"172.16.0.5":   true,
		"192.168.1.1":  true,
		"169.254.1.1":  true,
		"0.0.0.5":      true,
		"100.64.0.1":   true,
		"100.127.0.1":  true,
		"100.128.0.1":  false,
		"8.8.8.8":      false,
		"1.1.1.1":      false,
	}
	for addr, want := range cases {
		ip := net.ParseIP(addr)
		assert.Equal(t, want, isDisallowedIP(ip), "ip %s", addr)
	}
}

func TestIsDisallowedIPv6(t *testing.T) {
	cases := map[string]bool{
		"::1":                      true,
		"::":                       true,
		"fc00::1":                  true,
		"fe80::1":                  true,
		"2001:4860:4860::8888":     false,
	}
	for addr, want := range cases {
		ip := net.ParseIP(addr)
		assert.Equal(t, want, isDisallowedIP(ip), "ip %s", addr)
	}
}

func TestIsDisallowedIPv4MappedIPv6(t *testing.T) {
	ip := net.ParseIP("::ffff:127.0.0.1")
	assert.True(t, isDisallowedIP(ip), "IPv4-in-IPv6 mapped loopback must recurse to the IPv4 check")
}

func TestValidateHostRejectsLocalhost(t *testing.T) {
	err := validateHost(context.Background(), "localhost")
	assert.Error(t, err)
}

func TestValidateHostRejectsLiteralPrivateIP(t *testing.T) {
	err := validateHost(context.Background(), "10.0.0.1")
	assert.Error(t, err)
}
