package repo

import (
	"context"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/hbackup/store"
	"github.com/rcowham/hbackup/walk"
)

func backupOneFile(t *testing.T, c *Coordinator, client, path, content string, now int64) {
	t.Helper()
	live := memfs.New()
	require.NoError(t, live.MkdirAll("/src", 0o755))
	f, err := live.Create("/src/" + path)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reg := c.Register(client)
	sess, err := reg.OpenForWrite(now)
	require.NoError(t, err)
	prior, err := reg.PriorState()
	require.NoError(t, err)
	w := walk.New(live, now, walk.Options{Store: c.Store(), Session: sess, Prior: prior, Missing: c.Missing()})
	require.NoError(t, w.Backup(context.Background(), "/src", ""))
	require.NoError(t, sess.Commit(nil))
}

func TestScanFindsNoIssuesAfterCleanBackup(t *testing.T) {
	fs := memfs.New()
	c, err := Open(fs, "/repo", []string{"client1"}, ReadWrite, nil)
	require.NoError(t, err)

	backupOneFile(t, c, "client1", "a.txt", "hello world", 1000)

	res, err := c.Scan(false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Referenced)
	require.Equal(t, 0, res.Missing)
	require.Equal(t, 0, res.Inconsistent)

	_, ok := c.LastScan()
	require.True(t, ok)

	require.NoError(t, c.Close())
}

func TestScanDetectsMissingObject(t *testing.T) {
	fs := memfs.New()
	c, err := Open(fs, "/repo", []string{"client1"}, ReadWrite, nil)
	require.NoError(t, err)

	backupOneFile(t, c, "client1", "a.txt", "some bytes", 1000)

	sums, err := c.Register("client1").Checksums()
	require.NoError(t, err)
	require.Len(t, sums, 1)
	var fp string
	for k := range sums {
		fp = k
	}

	require.NoError(t, c.Store().Remove(store.Fingerprint(fp)))

	res, err := c.Scan(false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Missing)
	require.True(t, c.Missing().IsBad(fp))

	require.NoError(t, c.Close())
}

func TestScanRemovesObsoleteWhenRequested(t *testing.T) {
	fs := memfs.New()
	c, err := Open(fs, "/repo", []string{"client1"}, ReadWrite, nil)
	require.NoError(t, err)

	// Write an object directly to the store that no register references.
	fp, _, err := c.Store().Write(context.Background(), strings.NewReader("orphan"), store.Defer, false)
	require.NoError(t, err)

	res, err := c.Scan(true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Removed)

	_, _, err = c.Store().Name(fp)
	require.Error(t, err)

	require.NoError(t, c.Close())
}

func TestRestoreRecreatesFile(t *testing.T) {
	fs := memfs.New()
	c, err := Open(fs, "/repo", []string{"client1"}, ReadWrite, nil)
	require.NoError(t, err)
	backupOneFile(t, c, "client1", "a.txt", "restore me", 1000)
	require.NoError(t, c.Close())

	c2, err := Open(fs, "/repo", []string{"client1"}, ReadOnly, nil)
	require.NoError(t, err)

	dest := memfs.New()
	res, err := c2.Restore(context.Background(), RestoreOptions{
		Client: "client1",
		Dest:   dest,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Restored)
	require.Equal(t, 0, res.Failed)

	f, err := dest.Open("a.txt")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, _ := f.Read(buf)
	require.Equal(t, "restore me", string(buf[:n]))
	require.NoError(t, f.Close())

	require.NoError(t, c2.Close())
}
