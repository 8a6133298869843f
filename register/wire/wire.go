// Package wire implements the register line grammar of spec §6: path
// headers, metadata records and tombstones, each terminated by NUL-LF
// (writers) or LF alone (legacy readers).
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcowham/hbackup/meta"
)

// CurrentVersion is the header version this package writes.
const CurrentVersion = 1

const (
	headerPrefix = "# version\t"
	footerLine   = "# end"
)

// EncodeHeader returns the register's opening version-header line.
func EncodeHeader() string {
	return fmt.Sprintf("%s%d\n", headerPrefix, CurrentVersion)
}

// EncodeFooter returns the register's closing line, which marks a
// clean close (spec §3: "the file... ends with a footer line").
func EncodeFooter() string {
	return footerLine + "\n"
}

// IsComment reports whether a raw (already newline-stripped) line is
// a '#'-prefixed comment, which includes the header and footer lines.
func IsComment(line string) bool {
	return strings.HasPrefix(line, "#")
}

// IsHeader reports whether a comment line is the version header, and
// if so, the version number it carries.
func IsHeader(line string) (version int, ok bool) {
	if !strings.HasPrefix(line, headerPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(headerPrefix):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsFooter reports whether a comment line is the closing footer.
func IsFooter(line string) bool {
	return line == footerLine
}

// EncodePath encodes a path header line, always in NUL-LF form.
func EncodePath(path string) []byte {
	b := make([]byte, 0, len(path)+2)
	b = append(b, path...)
	b = append(b, 0, '\n')
	return b
}

// EncodeRecord encodes a timestamped metadata record (or, when m is a
// tombstone, a tombstone record), always in NUL-LF form.
func EncodeRecord(ts int64, m meta.Metadata) []byte {
	var sb strings.Builder
	if m.IsTombstone() {
		fmt.Fprintf(&sb, "\t%d\t%c", ts, byte(meta.KindTomb))
	} else {
		fmt.Fprintf(&sb, "\t%d\t%c\t%d\t%d\t%d\t%d\t%o", ts, byte(m.Kind), m.Size, m.Mtime, m.Uid, m.Gid, m.Mode)
		if m.Extra != "" {
			fmt.Fprintf(&sb, "\t%s", m.Extra)
		}
	}
	b := []byte(sb.String())
	b = append(b, 0, '\n')
	return b
}

// Line is one decoded path header or record.
type Line struct {
	IsPath   bool
	IsLegacy bool // terminated by LF alone, not NUL-LF

	Path      string // valid when IsPath
	Timestamp int64  // valid when !IsPath
	Metadata  meta.Metadata
}

// DecodeLine decodes one raw line, as already split on '\n' by the
// caller (the trailing '\n' must not be present; a trailing NUL, if
// present, is stripped here and its absence marks the legacy form).
func DecodeLine(raw []byte) (Line, error) {
	legacy := true
	if len(raw) > 0 && raw[len(raw)-1] == 0 {
		raw = raw[:len(raw)-1]
		legacy = false
	}
	s := string(raw)
	if !strings.HasPrefix(s, "\t") {
		return Line{IsPath: true, Path: s, IsLegacy: legacy}, nil
	}
	rec, err := decodeRecord(s)
	rec.IsLegacy = legacy
	return rec, err
}

func decodeRecord(s string) (Line, error) {
	fields := strings.Split(s, "\t")
	// fields[0] == "" (leading tab), fields[1] == ts, fields[2] == type, ...
	if len(fields) < 3 {
		return Line{}, fmt.Errorf("wire: malformed record %q", s)
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad timestamp in %q: %w", s, err)
	}
	if fields[2] == string(meta.KindTomb) {
		return Line{Timestamp: ts, Metadata: meta.Tombstone()}, nil
	}
	if len(fields) < 8 {
		return Line{}, fmt.Errorf("wire: malformed record %q", s)
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad size in %q: %w", s, err)
	}
	mtime, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad mtime in %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad uid in %q: %w", s, err)
	}
	gid, err := strconv.ParseUint(fields[6], 10, 32)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad gid in %q: %w", s, err)
	}
	mode, err := strconv.ParseUint(fields[7], 8, 32)
	if err != nil {
		return Line{}, fmt.Errorf("wire: bad mode in %q: %w", s, err)
	}
	extra := ""
	if len(fields) > 8 {
		extra = strings.Join(fields[8:], "\t")
	}
	if len(fields[2]) != 1 {
		return Line{}, fmt.Errorf("wire: bad type in %q", s)
	}
	m := meta.Metadata{
		Kind:  meta.Kind(fields[2][0]),
		Size:  size,
		Mtime: mtime,
		Uid:   uint32(uid),
		Gid:   uint32(gid),
		Mode:  uint32(mode),
		Extra: extra,
	}
	return Line{Timestamp: ts, Metadata: m}, nil
}
