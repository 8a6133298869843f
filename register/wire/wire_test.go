package wire

import (
	"testing"

	"github.com/rcowham/hbackup/meta"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []meta.Metadata{
		{Kind: meta.KindFile, Size: 13, Mtime: 1000, Uid: 1, Gid: 2, Mode: 0644, Extra: "deadbeef-0"},
		{Kind: meta.KindDir, Size: 4096, Mtime: 2000, Uid: 0, Gid: 0, Mode: 0755},
		{Kind: meta.KindLink, Size: 0, Mtime: 3000, Uid: 1, Gid: 1, Mode: 0777, Extra: "../target"},
		meta.Tombstone(),
	}
	for _, m := range cases {
		enc := EncodeRecord(1234567890, m)
		require.True(t, enc[len(enc)-1] == '\n')
		require.True(t, enc[len(enc)-2] == 0)
		line, err := DecodeLine(enc[:len(enc)-1]) // caller strips the trailing \n
		require.NoError(t, err)
		require.False(t, line.IsPath)
		require.False(t, line.IsLegacy)
		require.Equal(t, int64(1234567890), line.Timestamp)
		require.Equal(t, m, line.Metadata)
	}
}

func TestPathRoundTrip(t *testing.T) {
	enc := EncodePath("dir/a")
	line, err := DecodeLine(enc[:len(enc)-1])
	require.NoError(t, err)
	require.True(t, line.IsPath)
	require.Equal(t, "dir/a", line.Path)
}

func TestLegacyLineHasNoTrailingNUL(t *testing.T) {
	raw := []byte("\t100\t-") // no NUL before the (caller-stripped) newline
	line, err := DecodeLine(raw)
	require.NoError(t, err)
	require.True(t, line.IsLegacy)
	require.True(t, line.Metadata.IsTombstone())
	require.Equal(t, int64(100), line.Timestamp)
}

func TestHeaderAndFooter(t *testing.T) {
	v, ok := IsHeader("# version\t1")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.True(t, IsFooter("# end"))
	require.True(t, IsComment("# anything"))
}
