// Package headermap implements the offload server's Header Map (spec
// §4.1): an insertion-ordered name/value mapping shared by the Origin
// Client's parsed responses, the Cache Store's metadata sidecar, and the
// request pipeline's outbound response headers.
//
// The teacher repo uses http.Header (a map of name to slice of values) for
// this throughout, since RFC 9111 caching has to handle repeated and
// multi-valued headers (Vary, Cache-Control, Warning). The offload
// protocol never needs multi-valued headers — spec §6 defines the
// metadata format as strictly alternating single key/value lines — so this
// is a flat, ordered, single-valued map instead, which also makes the
// metadata file's insertion order (and therefore its on-disk
// representation) deterministic and human-readable.
package headermap

import "strings"

// entry is one stored name/value pair. name keeps the exact spelling it
// was first Set with — spec §6's required-key list ("ETag",
// "X-Offload-Caching-PID", ...) and §3's validity invariant give literal
// spellings that cache.WriteMetadata writes straight into the metadata
// sidecar, and a second offload-server process (or an external janitor)
// reading that file with an exact-string match must find them unchanged.
type entry struct {
	name  string
	value string
}

// Map is an insertion-ordered mapping from header name to value. Lookups
// (Get/Has/Del/Set) are case-insensitive, per RFC 7230 — an origin is free
// to send "etag" or "ETag" or "Etag" and this package must treat them
// identically — but the name under which a value is stored and later
// iterated (Names) is whatever exact spelling was first used to Set it.
type Map struct {
	order []entry
	index map[string]int // strings.ToLower(name) -> index into order
}

// New returns an empty Map.
func New() *Map {
	return &Map{index: make(map[string]int)}
}

func foldKey(name string) string {
	return strings.ToLower(name)
}

// Set inserts or overwrites the value for name. If name was already
// present under a different case (e.g. Set("etag", ...) after
// Set("ETag", ...)), the originally stored spelling is kept and only the
// value is overwritten — the first spelling wins, matching how a single
// metadata sidecar has exactly one literal key per field.
//
// The new value is always treated as independent of the old one before
// the old one is discarded: callers sometimes derive the new value from a
// substring of the old value (e.g. stripping a "W/" weak-ETag prefix
// in-place), which is safe here because Go strings are immutable values,
// but the copy-then-free ordering matters in spirit and is called out in
// spec §4.1.
func (h *Map) Set(name, value string) {
	fold := foldKey(name)
	if i, ok := h.index[fold]; ok {
		h.order[i].value = value
		return
	}
	h.index[fold] = len(h.order)
	h.order = append(h.order, entry{name: name, value: value})
}

// Get returns the value for name and whether it was present.
func (h *Map) Get(name string) (string, bool) {
	i, ok := h.index[foldKey(name)]
	if !ok {
		return "", false
	}
	return h.order[i].value, true
}

// GetDefault returns the value for name, or def if name is absent.
func (h *Map) GetDefault(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

// Has reports whether name is present.
func (h *Map) Has(name string) bool {
	_, ok := h.index[foldKey(name)]
	return ok
}

// Del removes name, if present.
func (h *Map) Del(name string) {
	fold := foldKey(name)
	i, ok := h.index[fold]
	if !ok {
		return
	}
	h.order = append(h.order[:i], h.order[i+1:]...)
	delete(h.index, fold)
	for f, j := range h.index {
		if j > i {
			h.index[f] = j - 1
		}
	}
}

// Names returns all header names, in their originally-Set spelling, in
// insertion order. Callers must not mutate the returned slice.
func (h *Map) Names() []string {
	names := make([]string, len(h.order))
	for i, e := range h.order {
		names[i] = e.name
	}
	return names
}

// Len reports the number of distinct header names stored.
func (h *Map) Len() int {
	return len(h.order)
}

// Clone returns an independent copy of h.
func (h *Map) Clone() *Map {
	out := New()
	for _, e := range h.order {
		out.Set(e.name, e.value)
	}
	return out
}
