package store

import (
	"compress/gzip"
	"encoding/binary"
	"io"
)

// gzip extra-field subfield ID "SZ", spec §6: 2-byte SI, 2-byte
// length (= 8), 8-byte little-endian uncompressed data_size.
const (
	extraSI0 = 'S'
	extraSI1 = 'Z'
	extraLen = 8
)

func encodeSizeExtra(dataSize int64) []byte {
	b := make([]byte, 4+extraLen)
	b[0], b[1] = extraSI0, extraSI1
	binary.LittleEndian.PutUint16(b[2:4], uint16(extraLen))
	binary.LittleEndian.PutUint64(b[4:], uint64(dataSize))
	return b
}

// decodeSizeExtra scans a gzip Header.Extra field (which may hold
// several subfields back to back) for the SZ subfield. It returns
// ok=false if absent, which readers must tolerate per spec §6.
func decodeSizeExtra(extra []byte) (size int64, ok bool) {
	for len(extra) >= 4 {
		si0, si1 := extra[0], extra[1]
		l := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+l {
			return 0, false
		}
		if si0 == extraSI0 && si1 == extraSI1 && l == extraLen {
			return int64(binary.LittleEndian.Uint64(extra[4 : 4+extraLen])), true
		}
		extra = extra[4+l:]
	}
	return 0, false
}

// newGzipWriter wraps w with a gzip.Writer carrying the size extra
// field, so a later reader can recover data_size without fully
// decompressing the body.
func newGzipWriter(w io.Writer, dataSize int64) *gzip.Writer {
	gw, _ := gzip.NewWriterLevel(w, 5) // gzip -5: best speed/ratio, per original_source/lib/data.cpp
	gw.Extra = encodeSizeExtra(dataSize)
	return gw
}

// readGzipDataSize opens the gzip header only, returning the
// advertised data_size and whether it was present, without reading
// the compressed stream.
func readGzipDataSize(r io.Reader) (int64, bool, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, false, err
	}
	defer gr.Close()
	size, ok := decodeSizeExtra(gr.Header.Extra)
	return size, ok, nil
}
