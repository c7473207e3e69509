// Package cache implements the offload server's Cache Store (spec §4.5)
// and Freshness Oracle (spec §4.6): the content-addressed on-disk layout
// of metadata/filedata file pairs keyed by CacheKey, and the predicate
// that decides whether a cached entry still represents the origin
// object.
//
// The teacher repo's cache/cache-provider.go defines a CacheEntry/
// CacheProvider pair backed by SQLite, with a separate response body
// store. That storage model doesn't fit here: spec §4.7 requires a
// reader to be able to open filedata while a writer is still appending
// to it and learn the writer's progress via fstat, and a SQL row doesn't
// support being streamed into by one connection while range-read by
// another the way an os.File does. So this package keeps the teacher's
// naming (CacheEntry, metadata fields) and its general shape — a small
// struct plus load/save functions — but the storage itself is grounded
// directly on original_source/nph-offload.c's loadMetadata() and the
// file-pair naming convention (filedata-<key>/metadata-<key>) it
// implements.
package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/icculus/nph-offload/headermap"
)

// Required metadata keys, per spec §6.
const (
	KeyContentLength = "Content-Length"
	KeyETag          = "ETag"
	KeyLastModified  = "Last-Modified"
	KeyContentType   = "Content-Type"
	KeyOrigURL       = "X-Offload-Orig-URL"
	KeyHostname      = "X-Offload-Hostname"
	KeyOrigETag      = "X-Offload-Orig-ETag"
	KeyIsWeak        = "X-Offload-Is-Weak"
	KeyCachingPID    = "X-Offload-Caching-PID"

	DefaultContentType = "application/octet-stream"
)

// Paths holds the two file paths that make up one CacheEntry.
type Paths struct {
	Metadata string
	Filedata string
}

// EntryPaths computes the Cache Store file-pair path for key, per spec
// §4.5.
func EntryPaths(dir, key string) Paths {
	return Paths{
		Metadata: filepath.Join(dir, "metadata-"+key),
		Filedata: filepath.Join(dir, "filedata-"+key),
	}
}

// WriteMetadata commits h to path as the strictly alternating key/value
// line format spec §6 defines, then syncs it to disk. Per spec §5's
// ordering guarantee, the caller must complete this call — including the
// fsync — before starting the CachingWorker, so that any reader who
// observes the metadata file can trust it matches the body the worker is
// about to produce.
func WriteMetadata(path string, h *headermap.Map) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cache: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, name := range h.Names() {
		value, _ := h.Get(name)
		if _, err := fmt.Fprintf(w, "%s\n%s\n", name, value); err != nil {
			return fmt.Errorf("cache: write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("cache: flush %s: %w", path, err)
	}
	return f.Sync()
}

// ReadMetadata parses path in the format WriteMetadata produces.
// Pairs are read two lines at a time; an empty key line, or an
// incomplete trailing pair, terminates parsing (spec §4.5/§6).
func ReadMetadata(path string) (*headermap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := headermap.New()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if !sc.Scan() {
			break
		}
		key := sc.Text()
		if key == "" {
			break
		}
		if !sc.Scan() {
			// incomplete trailing pair; discard.
			break
		}
		value := sc.Text()
		h.Set(key, value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	return h, nil
}

// Entry is a loaded, validated CacheEntry (spec §3).
type Entry struct {
	Paths    Paths
	Metadata *headermap.Map

	ContentLength int64
	ETag          string
	LastModified  string
	ContentType   string
	IsWeak        bool
	CachingPID    int
}

// requiredKeys are the metadata fields spec §3's validity invariant
// names: "the metadata lists Content-Length, ETag, Last-Modified, and
// X-Offload-Caching-PID."
var requiredKeys = []string{KeyContentLength, KeyETag, KeyLastModified, KeyCachingPID}

// Load reads and validates the CacheEntry for key under dir. It returns
// (nil, nil) — not an error — if the entry does not exist or fails
// validation, since both are ordinary "cache miss" outcomes to the
// caller (spec §3's validity invariant).
func Load(dir, key string) (*Entry, error) {
	paths := EntryPaths(dir, key)

	if _, err := os.Stat(paths.Metadata); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := os.Stat(paths.Filedata); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	h, err := ReadMetadata(paths.Metadata)
	if err != nil {
		return nil, err
	}

	for _, k := range requiredKeys {
		if !h.Has(k) {
			return nil, nil
		}
	}

	etag, _ := h.Get(KeyETag)
	if etag != key {
		return nil, nil
	}

	length, err := strconv.ParseInt(h.GetDefault(KeyContentLength, ""), 10, 64)
	if err != nil {
		return nil, nil
	}
	pid, err := strconv.Atoi(h.GetDefault(KeyCachingPID, ""))
	if err != nil {
		return nil, nil
	}
	lastModified, _ := h.Get(KeyLastModified)

	return &Entry{
		Paths:         paths,
		Metadata:      h,
		ContentLength: length,
		ETag:          etag,
		LastModified:  lastModified,
		ContentType:   h.GetDefault(KeyContentType, DefaultContentType),
		IsWeak:        h.GetDefault(KeyIsWeak, "0") == "1",
		CachingPID:    pid,
	}, nil
}

// Remove deletes both files of the CacheEntry for key under dir. Missing
// files are not an error — Remove is used both for cleaning up stale
// entries (spec §4.8's cache-miss path) and for nukeRequestFromCache
// (spec §4.7), and either file may already be gone.
func Remove(dir, key string) error {
	paths := EntryPaths(dir, key)
	if err := removeIfExists(paths.Metadata); err != nil {
		return err
	}
	return removeIfExists(paths.Filedata)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
