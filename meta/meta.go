// Package meta defines the node metadata tuple shared by the register
// and the backup walk: the tagged variant of node kinds and the
// path comparator used to keep a register's paths in strictly
// increasing order.
package meta

import "fmt"

// Kind tags the type of filesystem node a Metadata tuple describes.
type Kind byte

const (
	KindFile    Kind = 'f'
	KindDir     Kind = 'd'
	KindLink    Kind = 'l'
	KindFifo    Kind = 'p'
	KindCharDev Kind = 'c'
	KindBlkDev  Kind = 'b'
	KindSocket  Kind = 's'
	KindTomb    Kind = '-'
	KindUnknown Kind = '?'
)

func (k Kind) String() string {
	return string(k)
}

// Metadata is the (type, size, mtime, uid, gid, mode, extra) tuple of
// spec §3. Extra carries the fingerprint string for files, the link
// target for symlinks, and is empty otherwise.
type Metadata struct {
	Kind  Kind
	Size  int64
	Mtime int64
	Uid   uint32
	Gid   uint32
	Mode  uint32 // permission bits, as would be passed to chmod
	Extra string
}

// Tombstone is the metadata of a deletion record: type '-', every
// other field zeroed.
func Tombstone() Metadata {
	return Metadata{Kind: KindTomb}
}

func (m Metadata) IsTombstone() bool {
	return m.Kind == KindTomb
}

// Same reports whether two metadata tuples describe the same node,
// per spec §3 ("all tuple fields match").
func (m Metadata) Same(o Metadata) bool {
	return m == o
}

// MetadataOnlyDiffers reports whether m and o differ only in
// uid/gid/mode/link-target, with type, size and mtime equal — the
// condition for the walk's '~' metadata-only operation.
func (m Metadata) MetadataOnlyDiffers(o Metadata) bool {
	if m.Kind != o.Kind || m.Size != o.Size || m.Mtime != o.Mtime {
		return false
	}
	if m.Kind == KindLink {
		return m.Extra == o.Extra // a changed link target is a real change
	}
	return true
}

func (m Metadata) String() string {
	return fmt.Sprintf("%c size=%d mtime=%d uid=%d gid=%d mode=%o extra=%q",
		m.Kind, m.Size, m.Mtime, m.Uid, m.Gid, m.Mode, m.Extra)
}

// ComparePath orders two paths the way spec §6 defines: byte-wise,
// except that '/' sorts lower than any byte >= the space character;
// a shorter string that is a prefix of a longer one sorts first.
func ComparePath(a, b string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		ra, rb := pathRank(ca), pathRank(cb)
		if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		if ca < cb {
			return -1
		}
		return 1
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// pathRank places '/' just below any byte >= ' ' (0x20), and leaves
// bytes below space (control characters, which do not occur in real
// paths) ordered as-is beneath both.
func pathRank(c byte) int {
	switch {
	case c == '/':
		return 1
	case c >= ' ':
		return 2
	default:
		return 0
	}
}

// LessPath reports whether a sorts strictly before b.
func LessPath(a, b string) bool {
	return ComparePath(a, b) < 0
}
