// Package cachekey derives the filesystem-safe CacheKey from an origin
// ETag, per spec §3.
//
// Grounded on github.com/always-cache/always-cache/pkg/cache-key: the
// teacher's CacheKeyer builds a composite cache key out of method, URI and
// Vary headers. The offload server's key space is simpler and stricter —
// the origin's ETag alone must address the cache entry, trimmed and
// de-weakened the way nph-offload.c's etagToCacheFname() does it — so this
// package keeps the teacher's "small stateless keyer type" shape but
// replaces its derivation entirely.
package cachekey

import "strings"

// trimChars are the characters etagToCacheFname() in nph-offload.c strips
// from both ends of the ETag: space, tab, vertical tab, double quote, and
// apostrophe.
const trimChars = " \t\v\"'"

// Key is a derived CacheKey together with whether the source ETag was weak.
type Key struct {
	// Value is the normalized CacheKey: filesystem-safe, and empty when
	// Derive rejected the ETag.
	Value string
	// Weak records whether the original ETag carried a "W/" prefix.
	Weak bool
}

// Derive computes the CacheKey for a raw origin ETag value, per spec §3:
// a case-insensitive "W/" prefix is stripped first (recording weakness),
// then leading and trailing occurrences of the trim character set are
// removed.
//
// Derive returns an empty Key.Value if the result would be empty or would
// contain a path separator or NUL byte, since either makes an unsafe
// filename; callers must treat that as equivalent to a missing ETag.
func Derive(rawETag string) Key {
	etag := rawETag
	weak := false
	if len(etag) >= 2 && strings.EqualFold(etag[:2], "W/") {
		weak = true
		etag = etag[2:]
	}
	etag = strings.Trim(etag, trimChars)

	if etag == "" || !isFilesystemSafe(etag) {
		return Key{}
	}
	return Key{Value: etag, Weak: weak}
}

// isFilesystemSafe reports whether s is safe to splice directly into a
// filename component. Spec §3 permits implementations to escape further
// but requires determinism; rather than escape, the offload server simply
// rejects ETags that would require it, since a real HTTP ETag is a quoted
// opaque token and origins practically never embed a path separator in one.
func isFilesystemSafe(s string) bool {
	return !strings.ContainsAny(s, "/\x00")
}
