package repo

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/store"
)

// RestoreOptions configures Restore.
type RestoreOptions struct {
	Client     string
	PathPrefix string
	Date       int64 // 0 means "latest"
	Dest       billy.Filesystem
	// LinkToStore recreates a file as a link to its store object
	// instead of copying its bytes out, per spec §4.D's "or create a
	// sym/hard link to the store path".
	LinkToStore bool
}

// RestoreResult summarizes one Restore pass.
type RestoreResult struct {
	Restored int
	Failed   int
}

// Restore implements spec §4.D's Restore: stream the named client's
// register as of opts.Date under opts.PathPrefix, recreating every
// surviving node under opts.Dest and restoring its mtime, permissions
// and ownership. A failure on one node is logged and the walk
// continues onto the next.
func (c *Coordinator) Restore(ctx context.Context, opts RestoreOptions) (RestoreResult, error) {
	reg := c.registers[opts.Client]
	if reg == nil {
		return RestoreResult{}, fmt.Errorf("repo: restore: unknown client %q", opts.Client)
	}
	records, err := reg.Latest(opts.PathPrefix, opts.Date)
	if err != nil {
		return RestoreResult{}, err
	}

	var res RestoreResult
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		if err := c.restoreOne(ctx, opts.Dest, rec, opts.LinkToStore); err != nil {
			c.logf("repo: restore: %s: %v", rec.Path, err)
			res.Failed++
			continue
		}
		res.Restored++
	}
	return res, nil
}

func (c *Coordinator) restoreOne(ctx context.Context, dest billy.Filesystem, rec register.PathRecord, linkToStore bool) error {
	m := rec.Metadata
	dir := path.Dir(rec.Path)
	if dir != "." {
		if err := dest.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	_ = dest.Remove(rec.Path)

	switch m.Kind {
	case meta.KindDir:
		if err := dest.MkdirAll(rec.Path, os.FileMode(m.Mode)); err != nil {
			return err
		}
	case meta.KindLink:
		if err := dest.Symlink(m.Extra, rec.Path); err != nil {
			return err
		}
	case meta.KindFifo:
		if err := mkfifo(dest, rec.Path, os.FileMode(m.Mode)); err != nil {
			return err
		}
	case meta.KindFile:
		if err := c.restoreFile(ctx, dest, rec.Path, m, linkToStore); err != nil {
			return err
		}
	default:
		return fmt.Errorf("restore: unsupported node type %c", m.Kind)
	}

	restoreAttrs(dest, rec.Path, m)
	return nil
}

func (c *Coordinator) restoreFile(ctx context.Context, dest billy.Filesystem, path string, m meta.Metadata, linkToStore bool) error {
	if m.Extra == "" {
		return fmt.Errorf("restore: %s has no stored fingerprint", path)
	}
	fp := store.Fingerprint(m.Extra)
	if linkToStore {
		storePath, _, err := c.store.Name(fp)
		if err != nil {
			return err
		}
		if linker, ok := dest.(interface{ Link(string, string) error }); ok {
			if err := linker.Link(storePath, path); err == nil {
				return nil
			}
		}
		return dest.Symlink(storePath, path)
	}
	return c.store.Read(ctx, dest, path, fp)
}

// mkfifo creates a named pipe at path on dest, via its real OS path
// if dest is backed by one (most fifo-capable destinations are);
// destinations that aren't (e.g. an in-memory filesystem in tests)
// report an error here rather than silently skipping, consistent
// with spec's "failures are logged and the traversal continues".
func mkfifo(dest billy.Filesystem, path string, mode os.FileMode) error {
	real := filepath.Join(dest.Root(), path)
	return syscall.Mkfifo(real, uint32(mode.Perm()))
}

// chtimesFS and chownFS are the narrow capability interfaces a real
// filesystem implementation can satisfy for attribute restoration;
// go-billy's Filesystem does not standardize either, since most of
// its implementations (memfs included) have no meaningful mtime or
// ownership of their own, so these are opt-in rather than assumed
// from Root() the way mkfifo's real path must be.
type chtimesFS interface {
	Chtimes(name string, atime, mtime time.Time) error
}

type chownFS interface {
	Lchown(name string, uid, gid int) error
}

// restoreAttrs best-effort restores permission bits, mtime and
// ownership via whichever optional capabilities dest implements.
// Any failure, or any capability dest lacks, is silently skipped,
// matching spec's log-and-continue restore semantics.
func restoreAttrs(dest billy.Filesystem, path string, m meta.Metadata) {
	if chmodFS, ok := dest.(interface {
		Chmod(name string, mode os.FileMode) error
	}); ok {
		_ = chmodFS.Chmod(path, os.FileMode(m.Mode))
	}
	if ct, ok := dest.(chtimesFS); ok {
		mtime := time.Unix(m.Mtime, 0)
		_ = ct.Chtimes(path, mtime, mtime)
	}
	if co, ok := dest.(chownFS); ok {
		_ = co.Lchown(path, int(m.Uid), int(m.Gid))
	}
}
