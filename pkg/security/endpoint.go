// Package security checks the backend endpoints before the client talks to
// them.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Endpoint describes an accepted backend address.
type Endpoint struct {
	// Scheme is the plain text scheme, e.g. http or ws.
	Scheme string
	// SecureScheme is its TLS counterpart, e.g. https or wss.
	SecureScheme string
}

var (
	HTTPEndpoint      = Endpoint{Scheme: "http", SecureScheme: "https"}
	WebsocketEndpoint = Endpoint{Scheme: "ws", SecureScheme: "wss"}
)

// ValidateEndpointURL parses rawURL and checks that it can be dialed as e.
// IP literals that can never be a backend (unspecified, multicast, zoned)
// are rejected without DNS lookups.
func ValidateEndpointURL(rawURL string, e Endpoint) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}

	switch parsed.Scheme {
	case e.Scheme, e.SecureScheme:
	default:
		return nil, errors.Errorf("unsupported URL scheme %q, expected %s or %s", parsed.Scheme, e.Scheme, e.SecureScheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, errors.New("URL host is required")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return nil, errors.Errorf("zoned IP address %q is not allowed", host)
		}
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsMulticast() {
			return nil, errors.Errorf("disallowed IP address %q", host)
		}
	}

	return parsed, nil
}

// IsPlaintextRemote reports whether u goes unencrypted to a host outside of
// the local machine and private networks.
func IsPlaintextRemote(u *url.URL, e Endpoint) bool {
	if u.Scheme != e.Scheme {
		return false
	}
	return !IsLocalHost(u.Hostname())
}

// IsLocalHost reports whether host names the local machine or an address in
// a private or link-local network.
func IsLocalHost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
