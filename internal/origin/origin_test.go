package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantOrig string
		wantHost string
		wantOK   bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"null", "null", "", true},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		orig, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK || orig != tc.wantOrig || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, orig, host, ok, tc.wantOrig, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("https://chat.example.com", "chat.example.com", "chat.example.com:443", nil) {
		t.Fatalf("expected default port to be equivalent")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "chat.example.com", nil) {
		t.Fatalf("expected cross-host origin to be rejected")
	}
	if IsAllowed("null", "", "chat.example.com", nil) {
		t.Fatalf("expected null origin to be rejected without allowlist")
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allow := []string{"https://app.example.com"}
	if !IsAllowed("https://app.example.com", "app.example.com", "api.example.com", allow) {
		t.Fatalf("expected allowlisted origin")
	}
	if IsAllowed("https://other.example.com", "other.example.com", "other.example.com", allow) {
		t.Fatalf("expected allowlist to replace same-host default")
	}
	if !IsAllowed("https://any.example.com", "any.example.com", "x", []string{"*"}) {
		t.Fatalf("expected wildcard to allow")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{}

	r := httptest.NewRequest("GET", "http://hub.local/ws", nil)
	if _, ok := p.Check(r); !ok {
		t.Fatalf("expected request without Origin to pass")
	}

	r.Header.Set("Origin", "http://hub.local")
	if got, ok := p.Check(r); !ok || got != "http://hub.local" {
		t.Fatalf("Check=(%q,%v), want same-host pass", got, ok)
	}

	r.Header.Set("Origin", "http://elsewhere.local")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected cross-origin request to fail")
	}
}
