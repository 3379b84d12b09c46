package http

import (
	"testing"
)

func TestEncodeURI(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"http://пример.рф/путь?q=да#frag", "http://xn--e1afmkfd.xn--p1ai/%D0%BF%D1%83%D1%82%D1%8C?q=%D0%B4%D0%B0"},
		{"https://example.com:8443/a%20b?x=1", "https://example.com:8443/a%20b?x=1"},
		{"http://[::1]:8080/", "http://[::1]:8080/"},
		{"http://user:pw@example.com/", "http://user:pw@example.com/"},
	}

	for _, tt := range tests {
		got, err := EncodeURI(mustParse(t, tt.input))
		if err != nil {
			t.Errorf("EncodeURI(%q): %v", tt.input, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("EncodeURI(%q) = %q, want %q", tt.input, got.String(), tt.want)
		}
	}
}

func TestResolveRedirect(t *testing.T) {
	requested := "https://boards.example/b/res/1.html?x=1"
	tests := []struct {
		location string
		want     string
	}{
		{"", requested},
		{"http://other.example/z", "http://other.example/z"},
		{"//cdn.example/img.png", "https://cdn.example/img.png"},
		{"/b/", "https://boards.example/b/"},
		{"2.html", "https://boards.example/b/res/2.html"},
		{"?page=2", "https://boards.example/b/res/1.html?page=2"},
	}

	for _, tt := range tests {
		got, err := ResolveRedirect(mustParse(t, requested), tt.location)
		if err != nil {
			t.Errorf("ResolveRedirect(%q): %v", tt.location, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ResolveRedirect(%q) = %q, want %q", tt.location, got.String(), tt.want)
		}
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		input  string
		host   string
		port   int
		secure bool
	}{
		{"http://example.com/", "example.com", 80, false},
		{"https://example.com/", "example.com", 443, true},
		{"ws://example.com:8080/", "example.com", 8080, false},
		{"wss://пример.рф/", "xn--e1afmkfd.xn--p1ai", 443, true},
	}

	for _, tt := range tests {
		host, port, secure, err := HostPort(mustParse(t, tt.input))
		if err != nil {
			t.Errorf("HostPort(%q): %v", tt.input, err)
			continue
		}
		if host != tt.host || port != tt.port || secure != tt.secure {
			t.Errorf("HostPort(%q) = (%s, %d, %v), want (%s, %d, %v)",
				tt.input, host, port, secure, tt.host, tt.port, tt.secure)
		}
	}

	if _, _, _, err := HostPort(mustParse(t, "ftp://example.com/")); TypeOf(err) != ErrorUnsupportedScheme {
		t.Errorf("HostPort(ftp): expected unsupported scheme, got %v", err)
	}
}
