// Package weburl validates document URLs before anything in the pipeline
// touches the network. It blocks SSRF vectors (private IPs, localhost,
// internal domains, DNS rebinding targets) and derives stable document IDs
// from URLs.
package weburl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Reserved ranges not covered by net.IP's built-in predicates.
var (
	cgnat    *net.IPNet // 100.64.0.0/10
	v6unique *net.IPNet // fc00::/7
	v6link   *net.IPNet // fe80::/10
)

// docIDPattern keeps document IDs safe for use in queue names and cache keys.
var docIDPattern = regexp.MustCompile(`^doc\.web\.[a-z0-9-]+$`)

func init() {
	for _, c := range []struct {
		cidr string
		dst  **net.IPNet
	}{
		{"100.64.0.0/10", &cgnat},
		{"fc00::/7", &v6unique},
		{"fe80::/10", &v6link},
	} {
		_, ipnet, err := net.ParseCIDR(c.cidr)
		if err != nil {
			panic("invalid reserved CIDR " + c.cidr + ": " + err.Error())
		}
		*c.dst = ipnet
	}
}

// Validate checks a document URL for SSRF safety. HTTPS is required;
// localhost, internal domains, and private IP literals are rejected.
func Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("internal domain URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("private IP addresses are not allowed")
	}

	return nil
}

// IsPrivateIP reports whether ip falls in a private or reserved range.
// IPv6-mapped IPv4 addresses are unwrapped before checking.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}

// DocumentID derives a stable "doc.web.<slug>" identifier from a URL.
// Unparseable URLs fall back to a hash so every input gets a valid ID.
func DocumentID(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		sum := sha256.Sum256([]byte(rawURL))
		return "doc.web." + hex.EncodeToString(sum[:8])
	}

	slug := parsed.Hostname()
	if p := strings.Trim(parsed.Path, "/"); p != "" {
		slug += "-" + strings.ReplaceAll(p, "/", "-")
	}
	slug = strings.ToLower(strings.ReplaceAll(slug, ".", "-"))
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > 80 {
		slug = strings.TrimRight(slug[:80], "-")
	}

	return "doc.web." + slug
}

// ValidDocumentID reports whether id is a well-formed document ID.
func ValidDocumentID(id string) bool {
	return docIDPattern.MatchString(id)
}

// Domain returns the hostname of a URL, or "" if it cannot be parsed.
func Domain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
