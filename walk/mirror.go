package walk

import (
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"

	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/store"
)

// LinkMode selects how Mirror represents a backed-up file in the
// shadow tree.
type LinkMode int

const (
	// Symlink points the mirror entry at the store object's on-disk path.
	Symlink LinkMode = iota
	// Hardlink hard-links the mirror entry to the store object's body
	// file, falling back to a symlink when fs doesn't support hard
	// links (go-billy's Filesystem interface doesn't guarantee one).
	Hardlink
)

// hardLinker is implemented by filesystems that can hard-link, such
// as go-billy's osfs; memfs and most others cannot.
type hardLinker interface {
	Link(oldname, newname string) error
}

// Mirror builds the optional shadow directory tree of spec §4.C: a
// tree next to the content store whose files are links to their
// store location, whose directories are real directories, and whose
// symlinks are copied through unchanged.
type Mirror struct {
	fs    billy.Filesystem
	root  string
	store *store.Store
	mode  LinkMode
}

// NewMirror roots a shadow tree at root on fs, resolving file entries
// against st.
func NewMirror(fs billy.Filesystem, root string, st *store.Store, mode LinkMode) *Mirror {
	return &Mirror{fs: fs, root: root, store: st, mode: mode}
}

// Apply reflects one backed-up node's current metadata into the
// mirror tree at remotePath, replacing whatever was there before.
func (m *Mirror) Apply(remotePath string, n meta.Metadata) error {
	dest := m.fs.Join(m.root, remotePath)
	_ = m.fs.Remove(dest)

	switch n.Kind {
	case meta.KindDir:
		return m.fs.MkdirAll(dest, os.FileMode(n.Mode))
	case meta.KindLink:
		if err := m.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
			return err
		}
		return m.fs.Symlink(n.Extra, dest)
	case meta.KindFile:
		return m.linkToStore(dest, n.Extra)
	case meta.KindTomb:
		return nil
	default:
		// fifo/device/socket nodes are not recreated in the mirror; the
		// register record is still the authoritative history for them.
		return nil
	}
}

func (m *Mirror) linkToStore(dest, fingerprint string) error {
	storePath, _, err := m.store.Name(store.Fingerprint(fingerprint))
	if err != nil {
		return fmt.Errorf("mirror: resolving %s: %w", fingerprint, err)
	}
	if err := m.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return err
	}
	if m.mode == Hardlink {
		if linker, ok := m.fs.(hardLinker); ok {
			return linker.Link(storePath, dest)
		}
	}
	return m.fs.Symlink(storePath, dest)
}
