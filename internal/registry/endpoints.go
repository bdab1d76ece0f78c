package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	DefaultCompletionsPath = "/api/chat/completions"
	GrantMessagePath       = "/message"
)

// ValidateEndpoint accepts https URLs, and plain http only for loopback hosts.
func ValidateEndpoint(raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("endpoint is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse endpoint %q: %w", value, err)
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return fmt.Errorf("endpoint %q has no host", value)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if isLoopbackHost(parsed.Hostname()) {
		if scheme == "http" || scheme == "https" {
			return nil
		}
		return fmt.Errorf("endpoint %q must use http or https", value)
	}
	if scheme != "https" {
		return fmt.Errorf("endpoint %q must use https", value)
	}
	return nil
}

// JoinEndpoint appends path to base without doubling the slash.
func JoinEndpoint(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
