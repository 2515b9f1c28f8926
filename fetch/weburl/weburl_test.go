package weburl

import (
	"net"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https URL", "https://www.govinfo.gov/content/pkg/FR-2024-01-01", false},
		{"http rejected", "http://example.com", true},
		{"localhost rejected", "https://localhost:8080", true},
		{"loopback rejected", "https://127.0.0.1/path", true},
		{".local domain rejected", "https://registry.local/api", true},
		{".internal domain rejected", "https://vault.internal/api", true},
		{"private 192.168 rejected", "https://192.168.1.1/path", true},
		{"private 10.x rejected", "https://10.0.0.1/path", true},
		{"private 172.16 rejected", "https://172.16.0.1/path", true},
		{"not a url", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"192.168.1.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"100.64.0.1", true},
		{"100.127.255.255", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"::ffff:192.168.1.1", true},
		{"::ffff:8.8.8.8", false},
		{"fe80::1", true},
		{"fc00::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP: %s", tt.ip)
			}
			if got := IsPrivateIP(ip); got != tt.expected {
				t.Errorf("IsPrivateIP(%q) = %v, want %v", tt.ip, got, tt.expected)
			}
		})
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://example.com", "doc.web.example-com"},
		{"https://example.com/rules/final", "doc.web.example-com-rules-final"},
		{"https://www.ecfr.gov/current/title-12", "doc.web.www-ecfr-gov-current-title-12"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := DocumentID(tt.url); got != tt.expected {
				t.Errorf("DocumentID(%q) = %q, want %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestDocumentID_InvalidURLFallsBackToHash(t *testing.T) {
	id := DocumentID("not a valid url ://")
	if !ValidDocumentID(id) {
		t.Errorf("fallback ID is not valid: %s", id)
	}
}

func TestValidDocumentID(t *testing.T) {
	tests := []struct {
		id       string
		expected bool
	}{
		{"doc.web.example-com", true},
		{"doc.web.123-abc", true},
		{"doc.web.a", true},
		{"doc.web.", false},
		{"doc.web.ABC", false},
		{"doc.web.under_score", false},
		{"doc.web.wild*card", false},
		{"source.web.example-com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidDocumentID(tt.id); got != tt.expected {
				t.Errorf("ValidDocumentID(%q) = %v, want %v", tt.id, got, tt.expected)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://example.com/path", "example.com"},
		{"https://docs.example.com:8443/x", "docs.example.com"},
		{"invalid-url", ""},
	}
	for _, tt := range tests {
		if got := Domain(tt.url); got != tt.expected {
			t.Errorf("Domain(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}
