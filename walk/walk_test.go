package walk

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/store"
)

func TestBackupAddsNewFiles(t *testing.T) {
	live := memfs.New()
	require.NoError(t, live.MkdirAll("/src/dir", 0o755))
	f, err := live.Create("/src/dir/a.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := store.New(memfs.New(), store.Options{ChunkSize: 4096, FanoutThreshold: 100, Slack: 0})
	reg, err := register.Open(memfs.New(), "/reg", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(1000)
	require.NoError(t, err)
	prior, err := reg.PriorState()
	require.NoError(t, err)

	w := New(live, 1000, Options{Store: st, Session: sess, Prior: prior})
	require.NoError(t, w.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess.Commit(nil))

	recs, err := reg.Latest("", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2) // dir + file
	var fileRec *register.PathRecord
	for i := range recs {
		if recs[i].Path == "dir/a.txt" {
			fileRec = &recs[i]
		}
	}
	require.NotNil(t, fileRec)
	require.NotEmpty(t, fileRec.Metadata.Extra)
}

func TestSecondBackupKeepsFirstRecordOfUnchangedFile(t *testing.T) {
	live := memfs.New()
	require.NoError(t, live.MkdirAll("/src", 0o755))
	f, err := live.Create("/src/a.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("stable content"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	regFS := memfs.New()
	st := store.New(memfs.New(), store.Options{ChunkSize: 4096, FanoutThreshold: 100})
	reg, err := register.Open(regFS, "/reg", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(1000)
	require.NoError(t, err)
	prior, err := reg.PriorState()
	require.NoError(t, err)
	w := New(live, 1000, Options{Store: st, Session: sess, Prior: prior})
	require.NoError(t, w.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess.Commit(nil))

	sess2, err := reg.OpenForWrite(2000)
	require.NoError(t, err)
	prior2, err := reg.PriorState()
	require.NoError(t, err)
	w2 := New(live, 2000, Options{Store: st, Session: sess2, Prior: prior2})
	require.NoError(t, w2.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess2.Commit(nil))

	recsAtT1, err := reg.Latest("", 1500)
	require.NoError(t, err)
	require.Len(t, recsAtT1, 1)
	require.Equal(t, int64(1000), recsAtT1[0].Timestamp)
}

func TestVanishedPathTombstonedNextBackup(t *testing.T) {
	live := memfs.New()
	require.NoError(t, live.MkdirAll("/src", 0o755))
	f, err := live.Create("/src/gone.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("temp"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := store.New(memfs.New(), store.Options{ChunkSize: 4096, FanoutThreshold: 100})
	reg, err := register.Open(memfs.New(), "/reg", nil)
	require.NoError(t, err)

	sess, err := reg.OpenForWrite(1000)
	require.NoError(t, err)
	prior, err := reg.PriorState()
	require.NoError(t, err)
	w := New(live, 1000, Options{Store: st, Session: sess, Prior: prior})
	require.NoError(t, w.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess.Commit(nil))

	require.NoError(t, live.Remove("/src/gone.txt"))

	sess2, err := reg.OpenForWrite(2000)
	require.NoError(t, err)
	prior2, err := reg.PriorState()
	require.NoError(t, err)
	w2 := New(live, 2000, Options{Store: st, Session: sess2, Prior: prior2})
	require.NoError(t, w2.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess2.Commit(nil))

	recsNow, err := reg.Latest("", 0)
	require.NoError(t, err)
	for _, r := range recsNow {
		require.NotEqual(t, "gone.txt", r.Path)
	}

	recsAtT1, err := reg.Latest("", 1500)
	require.NoError(t, err)
	found := false
	for _, r := range recsAtT1 {
		if r.Path == "gone.txt" {
			found = true
		}
	}
	require.True(t, found)
}
