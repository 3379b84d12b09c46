package http

import "strings"

// CookieBuilder assembles a Cookie header value from ordered name/value pairs.
type CookieBuilder struct {
	pairs []cookiePair
}

type cookiePair struct {
	name  string
	value string
}

// NewCookieBuilder returns an empty builder.
func NewCookieBuilder() *CookieBuilder {
	return &CookieBuilder{}
}

// ParseCookies parses a header value such as "a=1; b=2".
func ParseCookies(cookie string) *CookieBuilder {
	return NewCookieBuilder().AppendString(cookie)
}

// Append adds one cookie. Empty names or values are ignored.
func (c *CookieBuilder) Append(name, value string) *CookieBuilder {
	if name == "" || value == "" {
		return c
	}
	c.pairs = append(c.pairs, cookiePair{name: name, value: value})
	return c
}

// AppendString adds every cookie of a header value.
func (c *CookieBuilder) AppendString(cookie string) *CookieBuilder {
	for _, part := range strings.Split(cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		c.Append(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return c
}

// AppendBuilder adds every cookie of other.
func (c *CookieBuilder) AppendBuilder(other *CookieBuilder) *CookieBuilder {
	if other != nil {
		c.pairs = append(c.pairs, other.pairs...)
	}
	return c
}

// Get returns the last value appended for name.
func (c *CookieBuilder) Get(name string) (string, bool) {
	for i := len(c.pairs) - 1; i >= 0; i-- {
		if c.pairs[i].name == name {
			return c.pairs[i].value, true
		}
	}
	return "", false
}

// IsEmpty reports whether no cookie was appended.
func (c *CookieBuilder) IsEmpty() bool {
	return c == nil || len(c.pairs) == 0
}

// Copy returns an independent builder with the same cookies.
func (c *CookieBuilder) Copy() *CookieBuilder {
	if c == nil {
		return nil
	}
	return &CookieBuilder{pairs: append([]cookiePair(nil), c.pairs...)}
}

// Build returns the header value.
func (c *CookieBuilder) Build() string {
	if c.IsEmpty() {
		return ""
	}
	var b strings.Builder
	for i, pair := range c.pairs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(pair.name)
		b.WriteByte('=')
		b.WriteString(pair.value)
	}
	return b.String()
}

func (c *CookieBuilder) String() string {
	return c.Build()
}
