package http

import (
	"testing"
)

func TestCharsetFromContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"text/html; charset=windows-1251", "windows-1251"},
		{`text/html; charset="UTF-8"; foo=bar`, "UTF-8"},
		{"application/json", "UTF-8"},
		{"text/plain", ""},
		{"text/plain; charset=no-such-charset", ""},
	}

	for _, tt := range tests {
		if got := charsetFromContentType(tt.contentType); got != tt.want {
			t.Errorf("charsetFromContentType(%q) = %q, want %q", tt.contentType, got, tt.want)
		}
	}
}

func TestHTMLSniffMode(t *testing.T) {
	tests := []struct {
		contentTypes []string
		path         string
		want         htmlSniff
	}{
		{[]string{"text/html"}, "/", sniffHTML},
		{[]string{"text/html; charset=utf-8"}, "/", sniffNone},
		{nil, "/b/res/1.HTML", sniffHTML},
		{nil, "/", sniffCheck},
		{[]string{"text/html", "text/plain"}, "/", sniffCheck},
	}

	for _, tt := range tests {
		if got := htmlSniffMode(tt.contentTypes, tt.path); got != tt.want {
			t.Errorf("htmlSniffMode(%v, %q) = %d, want %d", tt.contentTypes, tt.path, got, tt.want)
		}
	}
}

func TestSniffCharset(t *testing.T) {
	const doc = `<!DOCTYPE html><html><head><title>x</title><meta charset="koi8-r"></head><body></body></html>`
	tests := []struct {
		name string
		data string
		mode htmlSniff
		want string
	}{
		{"html", doc, sniffHTML, "koi8-r"},
		{"check with doctype", doc, sniffCheck, "koi8-r"},
		{"check without doctype", "<html><head><meta charset=koi8-r></head>", sniffCheck, ""},
		{"none", doc, sniffNone, ""},
		{"after head", "<html><head></head><body><meta charset=koi8-r></body>", sniffHTML, ""},
		{"unknown", `<meta charset="bogus">`, sniffHTML, ""},
		{"http-equiv", `<meta http-equiv="content-type" content="text/html; charset=Shift_JIS">`, sniffHTML, "Shift_JIS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffCharset([]byte(tt.data), tt.mode); got != tt.want {
				t.Errorf("sniffCharset = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeTextLatin1(t *testing.T) {
	// 0x80 is a control character in ISO-8859-1 but the euro sign in
	// windows-1252.
	got, err := decodeText([]byte{'a', 0x80, 0xe9}, defaultCharset)
	if err != nil {
		t.Fatalf("decodeText: %v", err)
	}
	if got != "a\u0080é" {
		t.Errorf("decodeText = %q", got)
	}
}
