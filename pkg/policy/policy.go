// Package policy defines the Policy value type and the pure evaluators for
// domain, method, tool, and storage-path matching.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
)

// RateLimit is the optional rate_limit policy field.
type RateLimit struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"` // N{ms,s,m,h}
}

// Policy is the administrator-defined constraint set applied to one component
// at execution time.
type Policy struct {
	AllowedDomains      []string   `json:"allowed_domains,omitempty"`
	AllowedMethods      []string   `json:"allowed_methods,omitempty"`
	RateLimit           *RateLimit `json:"rate_limit,omitempty"`
	Timeout             string     `json:"timeout,omitempty"`
	MaxMemoryBytes      int64      `json:"max_memory_bytes,omitempty"`
	MaxRequestSize      int64      `json:"max_request_size,omitempty"`
	MaxResponseSize     int64      `json:"max_response_size,omitempty"`
	AllowedTools        []string   `json:"allowed_tools,omitempty"`
	AllowedStoragePaths []string   `json:"allowed_storage_paths,omitempty"`
}

// defaultCatalystMethods is the engine baseline used when allowed_methods is
// empty: empty list defaults to GET+POST for catalysts, rather than denying
// everything.
var defaultCatalystMethods = []string{"GET", "POST"}

// AllowsDomain matches host against AllowedDomains using leftmost-"*"
// wildcard matching; exact and suffix matches are supported. An empty list
// always denies.
func AllowsDomain(p *Policy, host string) bool {
	if p == nil || len(p.AllowedDomains) == 0 {
		return false
	}
	host = strings.ToLower(host)
	for _, pattern := range p.AllowedDomains {
		if matchDomain(strings.ToLower(pattern), host) {
			return true
		}
	}
	return false
}

// matchDomain implements the wildcard idiom: "*" matches anything,
// "*.example.com" matches example.com and any subdomain, otherwise exact
// match.
func matchDomain(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		domain := pattern[2:]
		return host == domain || strings.HasSuffix(host, "."+domain)
	}
	return pattern == host
}

// AllowsMethod checks case-insensitive membership of m in AllowedMethods.
// An empty list defaults to GET+POST.
func AllowsMethod(p *Policy, m string) bool {
	m = strings.ToUpper(m)
	methods := defaultCatalystMethods
	if p != nil && len(p.AllowedMethods) > 0 {
		methods = p.AllowedMethods
	}
	for _, allowed := range methods {
		if strings.EqualFold(allowed, m) {
			return true
		}
	}
	return false
}

// AllowsTool checks "ns.action" against AllowedTools: literal equality or a
// glob with a trailing "*".
func AllowsTool(p *Policy, nsAction string) bool {
	if p == nil {
		return false
	}
	for _, pattern := range p.AllowedTools {
		if pattern == nsAction {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(nsAction, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// AllowsStoragePath checks path against AllowedStoragePaths by prefix match.
func AllowsStoragePath(p *Policy, path string) bool {
	if p == nil {
		return false
	}
	for _, prefix := range p.AllowedStoragePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TimeoutMS parses Timeout into milliseconds, failing loudly on malformed
// values rather than silently falling back to a default.
func TimeoutMS(p *Policy) (int64, error) {
	if p == nil || p.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, enginerr.Wrap(enginerr.CodeMalformedRef, fmt.Sprintf("malformed timeout %q", p.Timeout), err)
	}
	return d.Milliseconds(), nil
}

// WindowMS parses a RateLimit.Window (N{ms,s,m,h}) into milliseconds.
func (rl *RateLimit) WindowMS() (int64, error) {
	if rl == nil {
		return 0, nil
	}
	d, err := time.ParseDuration(rl.Window)
	if err != nil {
		return 0, enginerr.Wrap(enginerr.CodeMalformedRef, fmt.Sprintf("malformed rate_limit.window %q", rl.Window), err)
	}
	return d.Milliseconds(), nil
}

// RequiresPolicy reports whether a component of the given type must have a
// valid, non-empty-domain policy to execute at all: catalysts only.
func RequiresPolicy(componentType string) bool {
	return componentType == "catalyst"
}
