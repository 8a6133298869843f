package register

import (
	"io"

	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/register/wire"
)

// lineWriter sequentially emits a well-formed register: header once,
// then path/record groups, then footer on Close.
type lineWriter struct {
	w           io.Writer
	wroteHeader bool
	closed      bool
	err         error
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) ensureHeader() {
	if lw.wroteHeader || lw.err != nil {
		return
	}
	lw.wroteHeader = true
	_, lw.err = io.WriteString(lw.w, wire.EncodeHeader())
}

func (lw *lineWriter) Path(path string) error {
	lw.ensureHeader()
	if lw.err != nil {
		return lw.err
	}
	_, lw.err = lw.w.Write(wire.EncodePath(path))
	return lw.err
}

func (lw *lineWriter) Record(ts int64, m meta.Metadata) error {
	lw.ensureHeader()
	if lw.err != nil {
		return lw.err
	}
	_, lw.err = lw.w.Write(wire.EncodeRecord(ts, m))
	return lw.err
}

// Close writes the footer line. It does not close the underlying
// writer, which callers of the merge protocol own (so they can rename
// it after flushing).
func (lw *lineWriter) Close() error {
	if lw.closed {
		return lw.err
	}
	lw.closed = true
	lw.ensureHeader()
	if lw.err != nil {
		return lw.err
	}
	_, lw.err = io.WriteString(lw.w, wire.EncodeFooter())
	return lw.err
}
