// Package normalize canonicalises relay URLs so they can be compared and used
// as set members and storage keys.
package normalize

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL normalizes the url and replaces http://, https:// schemes by ws://,
// wss://. A missing scheme is taken to mean wss. Scheme, host and path are
// lower cased, default ports and trailing path slashes are removed and any
// fragment is dropped. Escapes of unreserved characters in the path are
// decoded, other escapes are kept, so an escaped slash is not a separator. An empty string is returned if the input cannot be
// parsed or has no host.
//
// URL is idempotent: URL(URL(u)) == URL(u).
func URL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return ""
	}
	if !(strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "ws://") ||
		strings.HasPrefix(u, "wss://")) {
		if strings.Contains(u, "://") {
			return ""
		}
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return ""
	}
	p.Host = strings.ToLower(p.Host)
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	host, port, err := net.SplitHostPort(p.Host)
	if err == nil && (p.Scheme == "wss" && port == "443" ||
		p.Scheme == "ws" && port == "80") {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		p.Host = host
	}
	path := strings.TrimRight(canonicalPath(p.EscapedPath()), "/")
	if p.Path, err = url.PathUnescape(path); err != nil {
		return ""
	}
	p.RawPath = path
	p.Fragment = ""
	p.RawFragment = ""
	p.User = nil
	return p.String()
}

// canonicalPath decodes the escapes of unreserved characters in an escaped
// path and lower cases the result.
func canonicalPath(escaped string) string {
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		if escaped[i] == '%' && i+3 <= len(escaped) {
			v, err := strconv.ParseUint(escaped[i+1:i+3], 16, 8)
			if err == nil && unreserved(byte(v)) {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(escaped[i])
	}
	return strings.ToLower(b.String())
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

// Valid reports whether u normalizes to a websocket URL with a plausible
// host: a dotted name, an IP address or localhost.
func Valid(u string) bool {
	n := URL(u)
	if n == "" {
		return false
	}
	p, err := url.Parse(n)
	if err != nil {
		return false
	}
	if p.Scheme != "wss" && p.Scheme != "ws" {
		return false
	}
	host := p.Hostname()
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	return len(strings.Split(host, ".")) >= 2 && !strings.HasSuffix(host, ".")
}

// URLs normalizes every entry of in, dropping invalid and duplicate URLs
// while keeping first-seen order.
func URLs(in []string) (out []string) {
	seen := make(map[string]struct{}, len(in))
	out = make([]string, 0, len(in))
	for _, u := range in {
		if !Valid(u) {
			continue
		}
		n := URL(u)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return
}
