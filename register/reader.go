// Package register implements the per-client append-only register of
// spec §3/§4.B: an ordered log of path/version history, merged
// in-place through a crash-safe journal.
package register

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/register/wire"
)

// Status classifies the result of fetching the next line, mirroring
// spec §4.B's fetch_line: got_path, got_data, eor (clean end), eof
// (unexpected end) or failed.
type Status int

const (
	StatusPath Status = iota
	StatusData
	StatusEOR
	StatusEOF
	StatusFailed
)

// Reader is a streaming register reader with look-ahead: Peek fetches
// (and caches) the next item without consuming it; Advance clears
// the cache so the following Peek fetches a fresh item. This is the
// fetch/reset pattern of spec §4.B, implemented as the more idiomatic
// Peek/Advance pair suggested in spec §9.
type Reader struct {
	sc      *bufio.Scanner
	status  Status
	cur     wire.Line
	err     error
	pending bool
	version int
}

// NewReader wraps r for sequential line-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &Reader{sc: sc}
}

// Version returns the header version seen so far, or 0 if none yet.
func (r *Reader) Version() int { return r.version }

// Err returns the error that produced StatusFailed, if any.
func (r *Reader) Err() error { return r.err }

// Peek returns the status of, and (via Path/Record) access to, the
// next unconsumed item, fetching it from the underlying stream the
// first time it is called after construction or after Advance.
func (r *Reader) Peek() Status {
	if !r.pending {
		r.fetch()
	}
	return r.status
}

// Advance discards the currently peeked item so the next Peek fetches
// a new one.
func (r *Reader) Advance() {
	r.pending = false
}

// Path returns the path of the currently peeked StatusPath item.
func (r *Reader) Path() string { return r.cur.Path }

// Timestamp returns the timestamp of the currently peeked StatusData item.
func (r *Reader) Timestamp() int64 { return r.cur.Timestamp }

// Metadata returns the metadata of the currently peeked StatusData item.
func (r *Reader) Metadata() meta.Metadata { return r.cur.Metadata }

func (r *Reader) fetch() {
	r.pending = true
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			continue
		}
		if wire.IsComment(line) {
			if v, ok := wire.IsHeader(line); ok {
				r.version = v
				continue
			}
			if wire.IsFooter(line) {
				r.status = StatusEOR
				return
			}
			continue
		}
		decoded, err := wire.DecodeLine([]byte(line))
		if err != nil {
			r.status = StatusFailed
			r.err = err
			return
		}
		r.cur = decoded
		if decoded.IsPath {
			r.status = StatusPath
		} else {
			r.status = StatusData
		}
		return
	}
	if err := r.sc.Err(); err != nil {
		r.status = StatusFailed
		r.err = err
		return
	}
	r.status = StatusEOF
}

// PathRecord is one resolved (path, metadata) pair as returned by Latest.
type PathRecord struct {
	Path      string
	Timestamp int64
	Metadata  meta.Metadata
}

// Latest implements spec §4.B's get_next_record: it returns, for
// every path under pathPrefix in ascending path order, the
// highest-timestamped record with timestamp <= date (date == 0 means
// "latest"; a negative date is relative to now, per spec §4.B; a path
// whose selected record is a tombstone is omitted, since a tombstone
// is not "a file" to restore).
func Latest(r *Reader, pathPrefix string, date int64) ([]PathRecord, error) {
	return latest(r, pathPrefix, date, false)
}

// LatestAll is Latest but without tombstone filtering, used by the
// backup walk to classify a live node against its prior record: a
// tombstoned path is exactly the "no prior record" (add) case, and
// the walk needs to see that the prior entry was a tombstone rather
// than just absent, to tell it apart from a genuinely new path (the
// two are handled identically by op classification, but a caller
// building a full prior-state index wants the real last record).
func LatestAll(r *Reader, pathPrefix string, date int64) ([]PathRecord, error) {
	return latest(r, pathPrefix, date, true)
}

func latest(r *Reader, pathPrefix string, date int64, keepTombstones bool) ([]PathRecord, error) {
	if date < 0 {
		// spec §4.B: a negative date is relative to now.
		date = time.Now().Unix() + date
	}
	var out []PathRecord
	var curPath string
	var inPrefix bool
	var best *PathRecord

	flush := func() {
		if best != nil && (keepTombstones || !best.Metadata.IsTombstone()) {
			out = append(out, *best)
		}
		best = nil
	}

	for {
		switch r.Peek() {
		case StatusPath:
			flush()
			curPath = r.Path()
			inPrefix = withinPrefix(curPath, pathPrefix)
			r.Advance()
		case StatusData:
			if inPrefix {
				ts := r.Timestamp()
				if date == 0 || ts <= date {
					if best == nil || ts >= best.Timestamp {
						rec := PathRecord{Path: curPath, Timestamp: ts, Metadata: r.Metadata()}
						best = &rec
					}
				}
			}
			r.Advance()
		case StatusEOR, StatusEOF:
			flush()
			return out, nil
		case StatusFailed:
			flush()
			return out, r.Err()
		}
	}
}

// Checksums scans every record in the register (not just the latest
// per path) and returns the set of file fingerprints it references,
// mapped to the size recorded alongside them. This is getChecksums of
// spec §4.D's Scan: every version in history, not only the restorable
// ones, keeps its body alive in the content store.
func Checksums(r *Reader) (map[string]int64, error) {
	out := map[string]int64{}
	for {
		switch r.Peek() {
		case StatusPath:
			r.Advance()
		case StatusData:
			m := r.Metadata()
			if m.Kind == meta.KindFile && m.Extra != "" {
				out[m.Extra] = m.Size
			}
			r.Advance()
		case StatusEOR, StatusEOF:
			return out, nil
		case StatusFailed:
			return out, r.Err()
		}
	}
}

func withinPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
