package streamer

import (
	"errors"
	"io"
	"os"
	"time"
)

// ErrStalled is returned by Reader.Stream when the writer has made no
// progress for longer than the configured timeout (spec §4.7 step 2).
var ErrStalled = errors.New("streamer: writer stalled past timeout")

// pollInterval is the reader's retry sleep while waiting for the writer
// to produce more bytes (spec §4.7: "sleep one second and retry").
const pollInterval = time.Second

// Reader serves a byte range of a CacheEntry's filedata file to a
// client, tolerating a writer that is still appending to it.
//
// Grounded on original_source/nph-offload.c's main() streaming loop:
// fstat the file each iteration to learn cursize, block on sleep(1) if
// the writer hasn't produced enough yet (bounded by GTIMEOUT), else
// read and forward the next chunk.
type Reader struct {
	File          *os.File
	ContentLength int64
	Timeout       time.Duration
}

// Stream copies bytes [start, end] (inclusive) of r.File to w, pacing
// itself against the writer's progress. It returns ErrStalled if the
// writer makes no progress for r.Timeout, or the error from w.Write if
// the client disconnects — in neither case does Stream touch the cache
// files; that decision belongs to the caller (spec §4.7: "It tolerates
// client disconnects by terminating the request without touching the
// cache" and §7: "do NOT remove the CacheEntry" on stall).
func (r *Reader) Stream(w io.Writer, start, end int64) error {
	pos := start
	lastProgress := time.Now()
	buf := make([]byte, ChunkSize)

	for pos <= end {
		info, err := r.File.Stat()
		if err != nil {
			return err
		}
		cursize := info.Size()

		if cursize <= pos {
			if time.Since(lastProgress) > r.Timeout {
				return ErrStalled
			}
			time.Sleep(pollInterval)
			continue
		}

		want := min64(int64(len(buf)), cursize-pos, end+1-pos)
		n, err := r.File.ReadAt(buf[:want], pos)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			pos += int64(n)
			lastProgress = time.Now()
		}
		if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

func min64(a, b, c int64) int64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
