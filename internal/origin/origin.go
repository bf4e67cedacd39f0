// Package origin implements browser Origin validation for the hub's HTTP and
// WebSocket endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns the canonical
// origin (scheme://host[:port]) together with its host[:port] part.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allowedOrigins list is an exact allowlist ("*" matches
// everything). Otherwise only same-host requests are allowed. Schemes are not
// compared so that TLS-terminating proxies in front of the hub keep working.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, ok := strings.Cut(normalizedOrigin, "://")
	if !ok {
		return false
	}
	normalizedRequestHost, ok := canonicalAuthority(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// Policy bundles an allowlist so handlers can check requests directly.
type Policy struct {
	AllowedOrigins []string
}

// Check validates the request's Origin header. Requests without an Origin
// header (non-browser clients) pass with an empty normalized origin.
func (p Policy) Check(r *http.Request) (normalizedOrigin string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalizedOrigin, originHost, ok := NormalizeHeader(header)
	if !ok {
		return "", false
	}
	if !IsAllowed(normalizedOrigin, originHost, r.Host, p.AllowedOrigins) {
		return "", false
	}
	return normalizedOrigin, true
}

// canonicalAuthority lowercases host[:port], brackets IPv6 literals and drops
// the scheme's default port.
func canonicalAuthority(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.TrimSpace(rawHost))
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok = strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
