package register

import (
	"testing"

	"github.com/rcowham/hbackup/meta"
	"github.com/stretchr/testify/require"
)

func rec(ts int64) PathRecord {
	return PathRecord{Path: "x", Timestamp: ts, Metadata: meta.Metadata{Kind: meta.KindFile, Size: ts}}
}

func TestApplyExpiryNilKeepsEverything(t *testing.T) {
	records := []PathRecord{rec(1), rec(2), rec(3)}
	require.Equal(t, records, applyExpiry(records, nil))
}

func TestApplyExpiryZeroKeepsOnlyLatest(t *testing.T) {
	records := []PathRecord{rec(1), rec(2), rec(3)}
	zero := int64(0)
	got := applyExpiry(records, &zero)
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].Timestamp)
}

func TestApplyExpiryCutoffAlwaysKeepsYoungest(t *testing.T) {
	records := []PathRecord{rec(1), rec(2), rec(3)}
	cutoff := int64(10) // above every timestamp
	got := applyExpiry(records, &cutoff)
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].Timestamp)
}

func TestApplyExpiryCutoffKeepsRecordsAtOrAboveCutoff(t *testing.T) {
	records := []PathRecord{rec(1), rec(5), rec(9)}
	cutoff := int64(5)
	got := applyExpiry(records, &cutoff)
	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].Timestamp)
	require.Equal(t, int64(9), got[1].Timestamp)
}

func TestDedupeLatestPerPathKeepsNewestAndOrder(t *testing.T) {
	entries := []Entry{
		{Path: "a", Timestamp: 1},
		{Path: "b", Timestamp: 5},
		{Path: "a", Timestamp: 2},
	}
	got := dedupeLatestPerPath(entries)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Path)
	require.Equal(t, int64(2), got[0].Timestamp)
	require.Equal(t, "b", got[1].Path)
}
