package store

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs := memfs.New()
	return New(fs, Options{})
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := []byte("hello, content-addressed world")

	fp, status, err := s.Write(ctx, bytes.NewReader(content), Never, false)
	require.NoError(t, err)
	require.Equal(t, Added, status)
	require.True(t, fp.Valid())
	require.Equal(t, 0, fp.Slot())

	dest := memfs.New()
	require.NoError(t, s.Read(ctx, dest, "out", fp))
	f, err := dest.Open("out")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestWriteDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := []byte("duplicate me")

	fp1, status1, err := s.Write(ctx, bytes.NewReader(content), Never, false)
	require.NoError(t, err)
	require.Equal(t, Added, status1)

	fp2, status2, err := s.Write(ctx, bytes.NewReader(content), Never, false)
	require.NoError(t, err)
	require.Equal(t, Unchanged, status2)
	require.Equal(t, fp1, fp2)

	results, err := s.Crawl(false, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestWriteForcedCompressionRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte("compress-me "), 4096)

	fp, status, err := s.Write(ctx, bytes.NewReader(content), ForceNow, false)
	require.NoError(t, err)
	require.Equal(t, Added, status)

	_, ext, err := s.Name(fp)
	require.NoError(t, err)
	require.Equal(t, ".gz", ext)

	dest := memfs.New()
	require.NoError(t, s.Read(ctx, dest, "out", fp))
	f, _ := dest.Open("out")
	got, _ := io.ReadAll(f)
	require.Equal(t, content, got)
}

func TestCheckPristineRepositoryIsClean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, c := range [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")} {
		_, _, err := s.Write(ctx, bytes.NewReader(c), Defer, false)
		require.NoError(t, err)
	}
	results, err := s.Crawl(true, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
}

// TestCollisionProbesNextSlot exercises the base-hash collision path
// (spec §4.A, §8 scenario 3) by forcing a slot occupant whose content
// differs from, but whose declared size matches, the incoming write —
// so Write must fall through the byte-compare and allocate slot 1.
func TestCollisionProbesNextSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := []byte("0123456789") // 10 bytes
	hasher := newHasher()
	hasher.Write(content)
	base := hexSum(hasher)

	occupantDir, err := s.slotDir(base, 0)
	require.NoError(t, err)
	require.NoError(t, s.fs.MkdirAll(occupantDir, 0o755))
	f, err := s.fs.Create(s.fs.Join(occupantDir, bodyFlat))
	require.NoError(t, err)
	_, err = f.Write([]byte("9876543210")) // same size, different bytes
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.writeMeta(occupantDir, 10, ForcedNo))

	fp, status, err := s.Write(ctx, bytes.NewReader(content), Never, false)
	require.NoError(t, err)
	require.Equal(t, Added, status)
	require.Equal(t, 1, fp.Slot())
	require.Equal(t, base, fp.Base())
}

func hexSum(h interface{ Sum([]byte) []byte }) string {
	return fingerprintHex(h.Sum(nil))
}

func fingerprintHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
