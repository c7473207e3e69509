package offload

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/icculus/nph-offload/cache"
	"github.com/icculus/nph-offload/cachekey"
	"github.com/icculus/nph-offload/dupeslots"
	"github.com/icculus/nph-offload/headermap"
	"github.com/icculus/nph-offload/originclient"
	"github.com/icculus/nph-offload/streamer"
)

// pipelineRequest carries the per-request state that nph-offload.c kept
// in module globals (Guri, GFilePath, GMetaDataPath, the semaphore
// holder count...). Spec §9 requires this be threaded explicitly
// instead: "the only legitimate globals are the singleton name-scoped
// semaphore and shared-memory handles."
type pipelineRequest struct {
	w   http.ResponseWriter
	r   *http.Request
	log zerolog.Logger

	method string
	uri    string

	slot       int // dupeslots.Registry slot, -1 if untracked/unacquired
	slotDigest [20]byte
	haveSlot   bool
}

func (o *Offload) newRequest(w http.ResponseWriter, r *http.Request) *pipelineRequest {
	return &pipelineRequest{
		w:      w,
		r:      r,
		log:    o.log.With().Str("method", r.Method).Str("uri", r.URL.RequestURI()).Logger(),
		method: strings.ToUpper(r.Method),
		uri:    r.URL.RequestURI(),
		slot:   -1,
	}
}

// run executes the Request Pipeline's state machine (spec §4.8):
// Parsed -> Validated -> HeadFetched -> CacheDecision ->
// (HitOpen | MissStartWriter) -> RespondHeaders -> StreamBody -> Done.
// Any step may return a *pipelineError, which ServeHTTP renders as the
// terminal Fail(status, message) state.
func (o *Offload) run(req *pipelineRequest) error {
	if req.uri == "/robots.txt" {
		return o.serveRobotsTxt(req)
	}

	if err := validateRequest(req); err != nil {
		return err
	}

	head, err := o.origin.Head(req.uri)
	if err != nil {
		return fail(503, "Could not reach origin server.")
	}
	if err := classifyHeadResponse(req, head); err != nil {
		return err
	}

	key := deriveCacheKey(head.Header)
	if key.Value == "" {
		return fail(403, "Offload server doesn't do dynamic content.")
	}

	start, end, reportRange, err := parseRange(req.r, mustParseInt64(head.Header.GetDefault(cache.KeyContentLength, "0")))
	if err != nil {
		return err
	}

	isGet := req.method == "GET"
	if isGet {
		if err := o.acquireDupeSlot(req); err != nil {
			return err
		}
		defer o.releaseDupeSlot(req)
	}

	if noStore(head.Header.GetDefault("Cache-Control", "")) {
		return o.servePassthrough(req, head.Header, start, end, reportRange)
	}

	entry, file, err := o.resolveCacheEntry(req, key.Value, head.Header)
	if err != nil {
		return err
	}
	defer file.Close()

	writeResponseHeaders(req.w, entry, start, end, reportRange)

	if !isGet {
		req.log.Debug().Msg("HEAD request done after headers")
		return nil
	}

	reader := &streamer.Reader{File: file, ContentLength: entry.ContentLength, Timeout: o.config.Timeout}
	if err := reader.Stream(req.w, start, end); err != nil {
		if err == streamer.ErrStalled {
			req.log.Warn().Msg("writer stalled; abandoning reader without touching cache")
		} else {
			req.log.Debug().Err(err).Msg("client disconnected")
		}
		return nil
	}
	return nil
}

// serveRobotsTxt answers the reserved /robots.txt URI locally, per spec
// §4.8/§6 and nph-offload.c's hard-coded disallow-all record.
func (o *Offload) serveRobotsTxt(req *pipelineRequest) error {
	req.w.Header().Set("Status", fmt.Sprintf("%d %s", http.StatusOK, http.StatusText(http.StatusOK)))
	req.w.Header().Set("Content-Type", "text/plain")
	req.w.WriteHeader(http.StatusOK)
	io.WriteString(req.w, "User-agent: *\nDisallow: /\n")
	return nil
}

// validateRequest implements spec §4.8's validation rules: URI must
// start with "/", method must be GET or HEAD, and no query string.
func validateRequest(req *pipelineRequest) error {
	if !strings.HasPrefix(req.uri, "/") {
		return fail(500, "Bad request URI")
	}
	if req.method != "GET" && req.method != "HEAD" {
		return fail(403, "Offload server doesn't do dynamic content.")
	}
	if strings.Contains(req.r.URL.RequestURI(), "?") {
		return fail(403, "Offload server doesn't do dynamic content.")
	}
	return nil
}

// classifyHeadResponse implements spec §4.8's HEAD-response validation:
// 401/WWW-Authenticate -> 403; non-200 -> forward; missing required
// headers -> 403.
func classifyHeadResponse(req *pipelineRequest, head *originclient.Response) error {
	if head.StatusCode == 401 || head.Header.Has("WWW-Authenticate") {
		return fail(403, "Offload server doesn't do protected content.")
	}
	if head.StatusCode != 200 {
		loc, _ := head.Header.Get("Location")
		return &pipelineError{status: head.StatusCode, msg: head.StatusLine, location: loc}
	}
	if !head.Header.Has(cache.KeyETag) || !head.Header.Has(cache.KeyContentLength) || !head.Header.Has(cache.KeyLastModified) {
		return fail(403, "Offload server doesn't do dynamic content.")
	}
	return nil
}

func deriveCacheKey(head *headermap.Map) cachekey.Key {
	etag, _ := head.Get(cache.KeyETag)
	return cachekey.Derive(etag)
}

func mustParseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseRange implements spec §4.8's Range handling.
func parseRange(r *http.Request, max int64) (start, end int64, reportRange bool, err error) {
	start, end = 0, max-1

	if r.Header.Get("If-Range") != "" {
		return start, end, false, nil
	}

	raw := r.Header.Get("Range")
	if raw == "" {
		return start, end, false, nil
	}
	if !strings.HasPrefix(strings.ToLower(raw), "bytes=") {
		return 0, 0, false, fail(400, "Only ranges of 'bytes' accepted.")
	}
	spec := raw[len("bytes="):]
	if strings.Contains(spec, ",") {
		return 0, 0, false, fail(400, "Multiple ranges not currently supported")
	}

	a, b, ok := strings.Cut(spec, "-")
	if !ok {
		return start, end, false, nil
	}
	if a != "" {
		start = mustParseInt64(a)
	}
	if b != "" {
		end = mustParseInt64(b)
	} else {
		end = max - 1
	}
	reportRange = true

	if end >= max {
		end = max - 1
	}
	if invalidRange(start, end, max) {
		return 0, 0, false, fail(400, "Bad content range requested.")
	}
	return start, end, reportRange, nil
}

func invalidRange(start, end, max int64) bool {
	if start < 0 || start >= max {
		return true
	}
	if end < 0 || end >= max {
		return true
	}
	return start > end
}

// writeResponseHeaders emits the response headers spec §4.8 always
// requires.
func writeResponseHeaders(w http.ResponseWriter, entry *cache.Entry, start, end int64, reportRange bool) {
	status := http.StatusOK
	if reportRange {
		status = http.StatusPartialContent
	}
	h := w.Header()
	h.Set("Status", fmt.Sprintf("%d %s", status, http.StatusText(status)))
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	h.Set("Server", "nph-offload")
	h.Set("Connection", "close")
	h.Set("ETag", entry.ETag)
	h.Set("Last-Modified", entry.LastModified)
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", entry.ContentType)
	if reportRange {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, entry.ContentLength))
	}
	w.WriteHeader(status)
}

// acquireDupeSlot implements spec §4.3's per-(client, URL) concurrency
// cap, GET requests only.
func (o *Offload) acquireDupeSlot(req *pipelineRequest) error {
	if o.config.MaxDupeDownloads <= 0 {
		return nil
	}
	digest := dupeslots.Digest(clientIP(req.r), req.uri)
	session := o.mutex.NewSession()
	if err := session.Acquire(); err != nil {
		return fail(503, "Could not acquire cache lock.")
	}
	admitted, slot := o.registry.Acquire(digest, o.config.MaxDupeDownloads)
	session.Release()
	if !admitted {
		return fail(403, "Please disable any download accelerator and try again.")
	}
	req.haveSlot = true
	req.slot = slot
	req.slotDigest = digest
	return nil
}

func (o *Offload) releaseDupeSlot(req *pipelineRequest) {
	if !req.haveSlot {
		return
	}
	session := o.mutex.NewSession()
	if err := session.Acquire(); err != nil {
		return
	}
	defer session.Release()
	o.registry.Release(req.slot)
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func writeError(w http.ResponseWriter, pe *pipelineError) {
	w.Header().Set("Status", fmt.Sprintf("%d %s", pe.status, http.StatusText(pe.status)))
	if pe.location != "" {
		w.Header().Set("Location", pe.location)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(pe.status)
	io.WriteString(w, pe.msg+"\n")
}

// servePassthrough proxies a GET straight through to the client without
// creating a CacheEntry, for the Cache-Control: no-store case (see
// SPEC_FULL.md's supplemented features).
func (o *Offload) servePassthrough(req *pipelineRequest, head *headermap.Map, start, end int64, reportRange bool) error {
	status := http.StatusOK
	if reportRange {
		status = http.StatusPartialContent
	}
	h := req.w.Header()
	h.Set("Status", fmt.Sprintf("%d %s", status, http.StatusText(status)))
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	h.Set("Server", "nph-offload")
	h.Set("Connection", "close")
	if etag, ok := head.Get(cache.KeyETag); ok {
		h.Set("ETag", etag)
	}
	if lm, ok := head.Get(cache.KeyLastModified); ok {
		h.Set("Last-Modified", lm)
	}
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", head.GetDefault(cache.KeyContentType, cache.DefaultContentType))
	if reportRange {
		total := mustParseInt64(head.GetDefault(cache.KeyContentLength, "0"))
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}
	req.w.WriteHeader(status)

	if req.method == "HEAD" {
		return nil
	}

	// Only a GET needs a second origin round trip; the client's ETag,
	// Content-Length and Last-Modified were already established by the
	// HEAD response above. The origin has no Range support of its own
	// here (spec §4.4 issues plain GETs), so the requested window is
	// carved out of the full body by discarding its head.
	_, conn, err := o.origin.Get(req.uri)
	if err != nil {
		return fail(503, "Could not reach origin server.")
	}
	defer conn.Close()

	if start > 0 {
		io.CopyN(io.Discard, conn, start)
	}
	io.CopyN(req.w, conn, end-start+1)
	return nil
}

// resolveCacheEntry implements spec §4.8's cache-decision and
// cache-miss paths, under the mutex for the parts that touch shared
// state (CacheEntry creation/deletion, as spec §5 requires).
func (o *Offload) resolveCacheEntry(req *pipelineRequest, key string, head *headermap.Map) (*cache.Entry, *os.File, error) {
	session := o.mutex.NewSession()
	if err := session.Acquire(); err != nil {
		return nil, nil, fail(503, "Could not acquire cache lock.")
	}
	defer session.Release()

	existing, err := cache.Load(o.config.CacheDir, key)
	if err != nil {
		return nil, nil, fail(500, "Couldn't access cached data.")
	}

	var filedataSize int64
	if existing != nil {
		if st, statErr := os.Stat(existing.Paths.Filedata); statErr == nil {
			filedataSize = st.Size()
		}
	}

	if existing != nil && cache.Fresh(existing, head, filedataSize) {
		f, err := os.Open(existing.Paths.Filedata)
		if err != nil {
			return nil, nil, fail(500, "Couldn't access cached data.")
		}
		return existing, f, nil
	}

	if existing != nil {
		if cache.Abandoned(existing, filedataSize) {
			req.log.Warn().Int("caching_pid", existing.CachingPID).Msg("CachingWorker died mid-write; treating entry as abandoned")
		} else {
			req.log.Debug().Msg("cache entry stale; removing")
		}
		if err := cache.Remove(o.config.CacheDir, key); err != nil {
			return nil, nil, fail(500, "Couldn't remove stale cache entry.")
		}
	}

	return o.startCachingWorker(req, key, head)
}

// startCachingWorker implements the cache-miss path of spec §4.8: open
// the origin GET, open filedata for writing, commit metadata, and start
// the CachingWorker — all before releasing the mutex that governs
// CacheEntry creation.
func (o *Offload) startCachingWorker(req *pipelineRequest, key string, headFromHead *headermap.Map) (*cache.Entry, *os.File, error) {
	res, conn, err := o.origin.Get(req.uri)
	if err != nil {
		return nil, nil, fail(503, "Could not reach origin server.")
	}

	// Metadata-rewrite race (spec §9): re-verify the GET response's own
	// headers against the HEAD-derived ones before committing, since the
	// origin could have changed the object between the two requests.
	if !headersAgree(headFromHead, res.Header) {
		conn.Close()
		return nil, nil, fail(503, "Origin object changed mid-request.")
	}

	meta := res.Header.Clone()
	if !meta.Has(cache.KeyContentType) {
		meta.Set(cache.KeyContentType, cache.DefaultContentType)
	}
	origEtag := meta.GetDefault(cache.KeyETag, "")
	meta.Set(cache.KeyOrigURL, req.uri)
	meta.Set(cache.KeyHostname, o.config.BaseServer)
	meta.Set(cache.KeyOrigETag, origEtag)
	if isWeakETag(origEtag) {
		meta.Set(cache.KeyIsWeak, "1")
	} else {
		meta.Set(cache.KeyIsWeak, "0")
	}
	meta.Set(cache.KeyETag, key)
	meta.Set(cache.KeyCachingPID, strconv.Itoa(o.pid))

	paths := cache.EntryPaths(o.config.CacheDir, key)
	writeFile, err := os.OpenFile(paths.Filedata, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		conn.Close()
		return nil, nil, fail(500, "Couldn't update cached data.")
	}
	if err := cache.WriteMetadata(paths.Metadata, meta); err != nil {
		writeFile.Close()
		conn.Close()
		cache.Remove(o.config.CacheDir, key)
		return nil, nil, fail(500, "Couldn't update metadata.")
	}

	contentLength := mustParseInt64(meta.GetDefault(cache.KeyContentLength, "0"))
	o.writers.Start(o.config.CacheDir, key, contentLength, conn, writeFile, o.config.Timeout)

	readFile, err := os.Open(paths.Filedata)
	if err != nil {
		return nil, nil, fail(500, "Couldn't access cached data.")
	}

	entry, err := cache.Load(o.config.CacheDir, key)
	if err != nil || entry == nil {
		readFile.Close()
		return nil, nil, fail(500, "Couldn't access cached data.")
	}
	return entry, readFile, nil
}

func isWeakETag(etag string) bool {
	return len(etag) >= 2 && strings.EqualFold(etag[:2], "W/")
}

// headersAgree implements the metadata-rewrite-race check (spec §9):
// the GET response must report the same ETag and Content-Length as the
// HEAD that triggered caching.
func headersAgree(head, get *headermap.Map) bool {
	he, _ := head.Get(cache.KeyETag)
	ge, _ := get.Get(cache.KeyETag)
	if he != ge {
		return false
	}
	hl, _ := head.Get(cache.KeyContentLength)
	gl, _ := get.Get(cache.KeyContentLength)
	return hl == gl
}
