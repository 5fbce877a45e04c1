package origin

import "testing"

func TestNormalize(t *testing.T) {
	t.Run("normalizes scheme and host, strips default port", func(t *testing.T) {
		normalized, host, ok := Normalize("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port", func(t *testing.T) {
		normalized, host, ok := Normalize("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://localhost:5173")
		}
		if host != "localhost:5173" {
			t.Fatalf("host=%q, want %q", host, "localhost:5173")
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := Normalize("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v, want null/\"\"/true", normalized, host, ok)
		}
	})

	t.Run("rejects scheme other than http/https", func(t *testing.T) {
		if _, _, ok := Normalize("ftp://example.com"); ok {
			t.Fatalf("expected ok=false")
		}
	})

	t.Run("rejects path, query, credentials, fragment", func(t *testing.T) {
		cases := []string{
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
		}
		for _, c := range cases {
			if _, _, ok := Normalize(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestPolicyCheck(t *testing.T) {
	t.Run("missing origin header is allowed", func(t *testing.T) {
		p := NewPolicy(nil)
		if !p.Check("", "relay.example.com") {
			t.Fatalf("expected non-browser request to be allowed")
		}
	})

	t.Run("default is same host only", func(t *testing.T) {
		p := NewPolicy(nil)
		if !p.Check("https://app.example.com", "app.example.com") {
			t.Fatalf("expected same-host to be allowed")
		}
		if !p.Check("https://app.example.com", "app.example.com:443") {
			t.Fatalf("expected default-port host header to be equivalent")
		}
		if p.Check("https://app.example.com", "other.example.com") {
			t.Fatalf("expected cross-host to be rejected")
		}
	})

	t.Run("star allows any origin", func(t *testing.T) {
		p := NewPolicy([]string{"*"})
		if !p.Check("https://app.example.com", "whatever:1234") {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit allowlist", func(t *testing.T) {
		p := NewPolicy([]string{"https://app.example.com"})
		if !p.Check("https://app.example.com", "relay.example.com") {
			t.Fatalf("expected explicit origin to be allowed")
		}
		if p.Check("https://other.example.com", "relay.example.com") {
			t.Fatalf("expected non-matching origin to be rejected")
		}
	})

	t.Run("null origin only via allowlist", func(t *testing.T) {
		if NewPolicy(nil).Check("null", "relay.example.com") {
			t.Fatalf("expected null origin to fail same-host policy")
		}
		if !NewPolicy([]string{"null"}).Check("null", "relay.example.com") {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})

	t.Run("malformed origin rejected", func(t *testing.T) {
		p := NewPolicy([]string{"*"})
		if p.Check("not a url", "relay.example.com") {
			t.Fatalf("expected malformed origin to be rejected")
		}
	})
}
