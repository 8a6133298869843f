package register

import (
	"fmt"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rcowham/hbackup/meta"
	"github.com/stretchr/testify/require"
)

func fileMeta(size int64, mtime int64) meta.Metadata {
	return meta.Metadata{Kind: meta.KindFile, Size: size, Mtime: mtime, Uid: 1, Gid: 1, Mode: 0o644, Extra: "abc-0"}
}

func TestFreshClientOneFile(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	require.NoError(t, sess.Record("a/b.txt", 100, fileMeta(10, 100)))
	require.NoError(t, sess.Commit(nil))

	recs, err := reg.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a/b.txt", recs[0].Path)
	require.Equal(t, int64(10), recs[0].Metadata.Size)
}

func TestSecondBackupAddsUpdatesAndTombstonesVanished(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	require.NoError(t, sess.Record("keep.txt", 100, fileMeta(10, 100)))
	require.NoError(t, sess.Record("gone.txt", 100, fileMeta(20, 100)))
	require.NoError(t, sess.Commit(nil))

	sess2, err := reg.OpenForWrite(200)
	require.NoError(t, err)
	require.NoError(t, sess2.Record("keep.txt", 200, fileMeta(11, 200)))
	require.NoError(t, sess2.Commit(nil))

	recs, err := reg.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "keep.txt", recs[0].Path)
	require.Equal(t, int64(11), recs[0].Metadata.Size)

	recsAtT1, err := reg.Latest("", 150)
	require.NoError(t, err)
	require.Len(t, recsAtT1, 2)
}

func TestDeduplicationIsRegisterLevelIndependentOfStore(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	m := fileMeta(10, 100)
	require.NoError(t, sess.Record("a.txt", 100, m))
	require.NoError(t, sess.Record("b.txt", 100, m))
	require.NoError(t, sess.Commit(nil))

	recs, err := reg.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, recs[0].Metadata.Extra, recs[1].Metadata.Extra)
}

func TestCrashAfterNextBeforeRenamesCompletesOnReopen(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)
	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	require.NoError(t, sess.Record("a.txt", 100, fileMeta(1, 100)))
	require.NoError(t, sess.Commit(nil))

	// Simulate a crash that lands "next" (the merge result of a second,
	// completed session) but dies before the journal is removed or the
	// list/list~ renames run.
	jw, err := CreateJournal(fs, reg.path(journalFile))
	require.NoError(t, err)
	require.NoError(t, jw.Write("a.txt", 200, fileMeta(2, 200)))
	require.NoError(t, jw.Finish())
	require.NoError(t, jw.Close())

	entries, complete, err := ReadJournal(fs, reg.path(journalFile))
	require.NoError(t, err)
	require.True(t, complete)
	oldReader, closeOld, err := reg.openListReader()
	require.NoError(t, err)
	partial, err := fs.Create(reg.path(partialFile))
	require.NoError(t, err)
	require.NoError(t, Merge(oldReader, partial, entries, 200, nil, complete))
	require.NoError(t, closeOld())
	require.NoError(t, partial.Close())
	require.NoError(t, fs.Rename(reg.path(partialFile), reg.path(nextFile)))

	// On reopen, recovery must finish the commit tail: remove the
	// journal, back up list to list~, and install next as list.
	reg2, err := Open(fs, "/c1", nil)
	require.NoError(t, err)
	_, err = fs.Stat(reg2.path(journalFile))
	require.Error(t, err)
	_, err = fs.Stat(reg2.path(nextFile))
	require.Error(t, err)
	_, err = fs.Stat(reg2.path(listBakFile))
	require.NoError(t, err)

	recs, err := reg2.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(2), recs[0].Metadata.Size)
}

func TestTruncatedJournalDoesNotVanishUntouchedPaths(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)
	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	require.NoError(t, sess.Record("untouched.txt", 100, fileMeta(1, 100)))
	require.NoError(t, sess.Record("touched.txt", 100, fileMeta(2, 100)))
	require.NoError(t, sess.Commit(nil))

	// Simulate a crash mid-walk: a new journal is written with one
	// record and no completion footer, then the process "dies".
	jw, err := CreateJournal(fs, reg.path(journalFile))
	require.NoError(t, err)
	require.NoError(t, jw.Write("touched.txt", 200, fileMeta(3, 200)))
	require.NoError(t, jw.Close())

	reg2, err := Open(fs, "/c1", nil)
	require.NoError(t, err)
	recs, err := reg2.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		if r.Path == "untouched.txt" {
			require.False(t, r.Metadata.IsTombstone())
		}
	}
}

func TestLatestHoldsAndReleasesHardLink(t *testing.T) {
	fs := osfs.New(t.TempDir())
	reg, err := Open(fs, "c1", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(100)
	require.NoError(t, err)
	require.NoError(t, sess.Record("a.txt", 100, fileMeta(10, 100)))
	require.NoError(t, sess.Commit(nil))

	_, err = reg.Latest("", 0)
	require.NoError(t, err)

	linkName := fmt.Sprintf("%s.%d", reg.path(listFile), os.Getpid())
	_, statErr := fs.Stat(linkName)
	require.True(t, os.IsNotExist(statErr), "hard link should be removed once the read completes")
}

func TestEmptyJournalIsDiscardedOnOpen(t *testing.T) {
	fs := memfs.New()
	reg, err := Open(fs, "/c1", nil)
	require.NoError(t, err)
	_, err = CreateJournal(fs, reg.path(journalFile))
	require.NoError(t, err)

	_, err = Open(fs, "/c1", nil)
	require.NoError(t, err)
	require.False(t, reg.exists(journalFile))
}
