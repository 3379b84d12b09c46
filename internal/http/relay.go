package http

import (
	"context"
	"net/url"
)

// RelayIdentity describes the client identity a relay challenge was solved
// for. Cookies obtained for one identity are not valid for another.
type RelayIdentity struct {
	UserAgent        string
	DefaultUserAgent bool
}

// RelayCheck is the input of a relay block check.
type RelayCheck struct {
	Site     string
	URI      *url.URL
	Holder   *Holder
	Response *Response
	Identity RelayIdentity

	// MayResolve is false once the holder already resolved a block. A
	// resolver should then only report the block.
	MayResolve bool
}

// RelayResult reports a detected relay block.
type RelayResult struct {
	Resolved bool

	// RetransmitOnSuccess resends the original method and body instead of
	// the GET a previous redirect forced.
	RetransmitOnSuccess bool
}

// RelayResolver detects and resolves anti-bot challenges intercepting a
// response. A resolver may call Response.SetRedirectedURI to retry against
// another URI.
type RelayResolver interface {
	// CheckResponse returns nil when resp is not a challenge.
	CheckResponse(ctx context.Context, check RelayCheck) (*RelayResult, error)

	// CollectCookies returns the cookies to send with requests to uri, or nil.
	CollectCookies(site string, uri *url.URL, identity RelayIdentity) *CookieBuilder
}

// RelayChain consults resolvers in order. The first one reporting a block
// decides the result; cookies of all resolvers are merged.
type RelayChain []RelayResolver

func (c RelayChain) CheckResponse(ctx context.Context, check RelayCheck) (*RelayResult, error) {
	for _, resolver := range c {
		result, err := resolver.CheckResponse(ctx, check)
		if err != nil || result != nil {
			return result, err
		}
	}
	return nil, nil
}

func (c RelayChain) CollectCookies(site string, uri *url.URL, identity RelayIdentity) *CookieBuilder {
	cookies := NewCookieBuilder()
	for _, resolver := range c {
		cookies.AppendBuilder(resolver.CollectCookies(site, uri, identity))
	}
	return cookies
}
