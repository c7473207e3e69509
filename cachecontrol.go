package offload

import "strings"

// cacheControl is a minimal parse of a Cache-Control header value, kept
// just large enough to answer the one question the Request Pipeline
// needs: did the origin say no-store.
//
// The teacher repo's rfc9111/5.2_cache-control.go parses the full RFC
// 9111 directive grammar (quoted-string arguments, a known-directive
// table, per-directive argument requirements) into a directives map for
// a general-purpose RFC 9111 cache. This system doesn't implement RFC
// 9111 freshness semantics at all — spec §4.6 defines its own Freshness
// Oracle keyed on ETag/Content-Length/Last-Modified — so carrying that
// whole parser forward would be unused weight. What's kept is its
// directive-splitting shape (split on comma, split each token on '=',
// lowercase the name) adapted down to the one directive this pipeline
// actually consults.
type cacheControl struct {
	directives map[string]string
}

// parseCacheControl splits a Cache-Control header value into directives,
// the same token-splitting rule rfc9111/5.2_cache-control.go used:
// comma-separated tokens, each optionally carrying a "name=value" or
// "name=\"value\"" form.
func parseCacheControl(header string) cacheControl {
	cc := cacheControl{directives: make(map[string]string)}
	if header == "" {
		return cc
	}
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, value, _ := strings.Cut(tok, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		cc.directives[name] = value
	}
	return cc
}

func (cc cacheControl) has(directive string) bool {
	_, ok := cc.directives[directive]
	return ok
}

// noStore reports whether the origin's HEAD response carries
// Cache-Control: no-store, in which case the Request Pipeline must not
// create a CacheEntry for this object at all.
func noStore(headerValue string) bool {
	return parseCacheControl(headerValue).has("no-store")
}
