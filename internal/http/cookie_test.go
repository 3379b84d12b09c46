package http

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestCookieBuilder(t *testing.T) {
	b := NewCookieBuilder().Append("a", "1").Append("", "x").Append("b", "").AppendString("c=3; d = 4 ;broken")
	if got := b.Build(); got != "a=1; c=3; d=4" {
		t.Errorf("Build() = %q", got)
	}
	if v, ok := b.Get("d"); !ok || v != "4" {
		t.Errorf("Get(d) = %q, %v", v, ok)
	}
	if _, ok := b.Get("b"); ok {
		t.Error("empty value was appended")
	}

	var nilBuilder *CookieBuilder
	if !nilBuilder.IsEmpty() || nilBuilder.Copy() != nil || nilBuilder.Build() != "" {
		t.Error("nil builder must behave as empty")
	}

	c := b.Copy().Append("e", "5")
	if b.Build() == c.Build() {
		t.Error("Copy shares storage with the original")
	}
	if got := NewCookieBuilder().AppendBuilder(b).AppendBuilder(nil).String(); got != b.Build() {
		t.Errorf("AppendBuilder = %q", got)
	}
}

func TestParseCookiesRoundTrip(t *testing.T) {
	token := rapid.StringMatching(`[A-Za-z0-9_]{1,8}`)
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(token, 1, 6).Draw(t, "names")
		values := rapid.SliceOfN(token, len(names), len(names)).Draw(t, "values")

		var parts []string
		b := NewCookieBuilder()
		for i := range names {
			b.Append(names[i], values[i])
			parts = append(parts, names[i]+"="+values[i])
		}
		header := strings.Join(parts, "; ")
		if got := b.Build(); got != header {
			t.Fatalf("Build() = %q, want %q", got, header)
		}
		if got := ParseCookies(header).Build(); got != header {
			t.Fatalf("ParseCookies(%q).Build() = %q", header, got)
		}
	})
}
