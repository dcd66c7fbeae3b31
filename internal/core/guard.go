package core

import (
	"net"
	"net/url"
	"strings"
)

var internalSuffixes = []string{".local", ".localhost", ".internal", ".localdomain"}

// isInternalURL reports whether raw points at loopback, private, link-local or
// otherwise non-public hosts. Unparseable URLs and empty hosts count as
// internal. Hostnames are not resolved.
func isInternalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return true
	}
	if host == "localhost" {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
