package history

import (
	"net/url"
	"strings"
)

// CanRewrite reports whether a document at documentURL may change its URL to
// targetURL without navigating.
//
// The origin (scheme, credentials, host and port) must match. Beyond that
// http and https allow any path and query, file requires the same path, and
// every other scheme requires the same path and query.
func CanRewrite(documentURL, targetURL *url.URL) bool {
	if documentURL == nil || targetURL == nil {
		return false
	}
	if !strings.EqualFold(documentURL.Scheme, targetURL.Scheme) ||
		documentURL.User.String() != targetURL.User.String() ||
		!strings.EqualFold(documentURL.Hostname(), targetURL.Hostname()) ||
		effectivePort(documentURL) != effectivePort(targetURL) {
		return false
	}
	switch strings.ToLower(targetURL.Scheme) {
	case "http", "https":
		return true
	case "file":
		return samePath(documentURL, targetURL)
	default:
		return samePath(documentURL, targetURL) && documentURL.RawQuery == targetURL.RawQuery
	}
}

func samePath(a, b *url.URL) bool {
	return a.Opaque == b.Opaque && a.EscapedPath() == b.EscapedPath()
}

// effectivePort drops the default port, so http://a and http://a:80 are the
// same origin.
func effectivePort(u *url.URL) string {
	port := u.Port()
	switch {
	case port == "80" && strings.EqualFold(u.Scheme, "http"),
		port == "443" && strings.EqualFold(u.Scheme, "https"):
		return ""
	}
	return port
}

// resolve parses target relative to base.
func resolve(base *url.URL, target string) (*url.URL, error) {
	return base.Parse(target)
}
