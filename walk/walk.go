// Package walk implements the backup traversal of spec §4.C: for a
// client's configured root paths, it recursively diffs the live
// filesystem against the client's register, classifying every node
// into one of the operation codes A ~ M ! C R L (or an ignore), and
// feeds new bodies to the content store and new records to the
// register's journal.
package walk

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/hbackup/filter"
	"github.com/rcowham/hbackup/internal/abort"
	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/missing"
	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/scm"
	"github.com/rcowham/hbackup/store"
)

// ErrAborted is returned by Backup when the process-wide abort flag
// was observed set.
var ErrAborted = fmt.Errorf("walk: aborted")

// Op is the one-letter classification of a node visit (spec §4.C/GLOSSARY).
type Op byte

const (
	OpIgnore      Op = 'I'
	OpAdd         Op = 'A'
	OpMetaOnly    Op = '~'
	OpModified    Op = 'M'
	OpIncomplete  Op = '!'
	OpConflict    Op = 'C'
	OpRecover     Op = 'R'
	OpLinkChanged Op = 'L'
)

// IgnoreReason is why a node was assigned OpIgnore.
type IgnoreReason byte

const (
	ReasonNone       IgnoreReason = 0
	ReasonSystem     IgnoreReason = 's' // the repository's own ".hbackup" directory
	ReasonParser     IgnoreReason = 'p' // an SCM probe's parser said so
	ReasonFilter     IgnoreReason = 'f' // a configured filter rule said so
	ReasonUnstatable IgnoreReason = 'u' // lstat failed
)

// Visit is the outcome of one node's decision procedure, used both to
// drive the journal write and to produce the five-character log code
// of spec §7.
type Visit struct {
	RemotePath   string
	Op           Op
	IgnoreReason IgnoreReason
	Kind         meta.Kind
	Compressed   bool
	Replaced     bool
}

// LogCode renders the spec §7 "<op><type> <store-type><info>" code.
func (v Visit) LogCode() string {
	store := byte(' ')
	switch {
	case v.Op == OpIgnore:
		store = byte(v.IgnoreReason)
	case v.Compressed:
		store = 'z'
	}
	info := byte(' ')
	if v.Replaced {
		info = 'r'
	}
	return fmt.Sprintf("%c%c %c%c", v.Op, v.Kind, store, info)
}

// CompressionPolicy resolves the effective compression level for a
// file about to be written to the store (spec §4.C step 6): filter
// overrides take precedence, otherwise auto_later is the default.
type CompressionPolicy interface {
	// Resolve returns requested and autoCompress per store.Write's
	// contract, given the node about to be written.
	Resolve(n filter.Node) (requested store.Compression, autoCompress bool)
}

// defaultCompressionPolicy always defers compression decisions to the
// store's own best-of-both-representations logic.
type defaultCompressionPolicy struct{}

func (defaultCompressionPolicy) Resolve(filter.Node) (store.Compression, bool) {
	return store.Defer, true
}

// FilterCompressionPolicy layers never/always-compress filters (spec
// §4.C step 6) over the default auto behavior.
type FilterCompressionPolicy struct {
	NeverCompress  *filter.Set
	AlwaysCompress *filter.Set
}

func (p FilterCompressionPolicy) Resolve(n filter.Node) (store.Compression, bool) {
	if p.NeverCompress != nil && p.NeverCompress.Match(n) {
		return store.Never, false
	}
	if p.AlwaysCompress != nil && p.AlwaysCompress.Match(n) {
		return store.ForceNow, false
	}
	return store.Defer, true
}

// Options configures a Walker.
type Options struct {
	Store       *store.Store
	Session     *register.Session
	Prior       map[string]register.PathRecord // pre-session latest-per-path, via Register.PriorState
	Missing     *missing.List
	Filters     *filter.Ruleset
	SCM         *scm.Registry
	Mirror      *Mirror // optional shadow tree, nil to disable
	Compression CompressionPolicy
	Checksum    bool // supplemented mode: re-hash unchanged files to catch mtime-stable content drift
	Log         *logrus.Logger
}

// Walker drives one client's backup traversal.
type Walker struct {
	fs   billy.Filesystem
	opts Options
	now  int64
}

// New constructs a Walker over the live filesystem fs, journaling
// observations with timestamp now.
func New(fs billy.Filesystem, now int64, opts Options) *Walker {
	if opts.Compression == nil {
		opts.Compression = defaultCompressionPolicy{}
	}
	return &Walker{fs: fs, opts: opts, now: now}
}

// Backup implements spec §4.C's entry point: walk rootPath recursively,
// journaling every visited node under remotePrefix (the client's
// configured remote path for this root).
func (w *Walker) Backup(ctx context.Context, rootPath, remotePrefix string) error {
	return w.walkDir(ctx, rootPath, remotePrefix, nil)
}

func (w *Walker) walkDir(ctx context.Context, liveDir, remoteDir string, parser scm.Parser) error {
	if abort.Requested() {
		return ErrAborted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if parser == nil && w.opts.SCM != nil {
		parser = w.opts.SCM.Probe(w.fs, liveDir)
	}

	entries, err := w.fs.ReadDir(liveDir)
	if err != nil {
		return fmt.Errorf("walk: reading %s: %w", liveDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return meta.LessPath(entries[i].Name(), entries[j].Name()) })

	for _, entry := range entries {
		if abort.Requested() {
			return ErrAborted
		}
		name := entry.Name()
		livePath := w.fs.Join(liveDir, name)
		remotePath := path.Join(remoteDir, name)

		childParser, err := w.visit(ctx, livePath, remotePath, name, parser)
		if err != nil {
			return err
		}
		if entry.IsDir() && childParser != skipRecursion {
			if err := w.walkDir(ctx, livePath, remotePath, childParser); err != nil {
				return err
			}
		}
	}
	return nil
}

// skipRecursion is a sentinel scm.Parser value signaling the caller
// should not descend (node was ignored, or its directory listing
// itself failed).
var skipRecursion scm.Parser = sentinelParser{}

type sentinelParser struct{}

func (sentinelParser) Ignore(scm.Node) bool        { return false }
func (sentinelParser) ChildFor(string) scm.Parser   { return skipRecursion }

// visit implements spec §4.C's per-node decision procedure, steps 1-8.
func (w *Walker) visit(ctx context.Context, livePath, remotePath, name string, parser scm.Parser) (scm.Parser, error) {
	fi, statErr := w.fs.Lstat(livePath)
	if statErr != nil {
		w.record(Visit{RemotePath: remotePath, Op: OpIgnore, IgnoreReason: ReasonUnstatable})
		return skipRecursion, nil
	}

	if name == ".hbackup" && fi.IsDir() {
		w.record(Visit{RemotePath: remotePath, Op: OpIgnore, IgnoreReason: ReasonSystem, Kind: meta.KindDir})
		return skipRecursion, nil
	}

	if parser != nil && parser.Ignore(scm.Node{Name: name, Dir: fi.IsDir()}) {
		w.record(Visit{RemotePath: remotePath, Op: OpIgnore, IgnoreReason: ReasonParser})
		return skipRecursion, nil
	}

	live, linkTarget, err := w.describe(livePath, fi)
	if err != nil {
		return nil, err
	}
	fnode := filter.Node{Path: remotePath, Name: name, Kind: live.Kind, Size: live.Size, Mode: live.Mode}
	if w.opts.Filters != nil && w.opts.Filters.MustIgnore(fnode) {
		w.record(Visit{RemotePath: remotePath, Op: OpIgnore, IgnoreReason: ReasonFilter, Kind: live.Kind})
		return skipRecursion, nil
	}

	if live.Kind == meta.KindLink {
		live.Extra = linkTarget
	}

	prior, hadPrior := w.opts.Prior[remotePath]
	op := classify(hadPrior, prior, live, w.opts.Missing)

	var childParser scm.Parser
	if live.Kind == meta.KindDir {
		if children, err := w.fs.ReadDir(livePath); err != nil {
			live.Size = -1
			childParser = skipRecursion
		} else {
			_ = children // presence check only; walkDir re-lists for the real traversal
			if parser != nil {
				childParser = parser.ChildFor(name)
			}
		}
	}

	visit := Visit{RemotePath: remotePath, Op: op, Kind: live.Kind}

	if needsBody(op) && live.Kind == meta.KindFile {
		if err := w.writeBody(ctx, livePath, fnode, &live, &visit); err != nil {
			return nil, err
		}
	} else if op == OpMetaOnly && live.Kind == meta.KindFile {
		priorFP := prior.Metadata.Extra
		live.Extra = priorFP
		if w.opts.Checksum {
			// Supplemented mode: re-hash even though mtime matched, to
			// catch content drift a clock-resolution collision would
			// otherwise hide. Write is a no-op on disk when the
			// fingerprint comes back unchanged.
			if err := w.writeBody(ctx, livePath, fnode, &live, &visit); err != nil {
				return nil, err
			}
			if live.Extra != priorFP {
				visit.Op = OpModified
			}
		}
	}

	if err := w.opts.Session.Record(remotePath, w.now, live); err != nil {
		return nil, err
	}
	w.record(visit)

	if w.opts.Mirror != nil {
		if err := w.opts.Mirror.Apply(remotePath, live); err != nil {
			w.logf("mirror: %s: %v", remotePath, err)
		}
	}

	return childParser, nil
}

func needsBody(op Op) bool {
	switch op {
	case OpAdd, OpModified, OpIncomplete, OpConflict, OpRecover:
		return true
	default:
		return false
	}
}

func (w *Walker) writeBody(ctx context.Context, livePath string, fnode filter.Node, live *meta.Metadata, visit *Visit) error {
	f, err := w.fs.Open(livePath)
	if err != nil {
		return fmt.Errorf("walk: opening %s: %w", livePath, err)
	}
	defer f.Close()

	requested, autoCompress := w.opts.Compression.Resolve(fnode)
	fp, status, err := w.opts.Store.Write(ctx, f, requested, autoCompress)
	if err != nil {
		return fmt.Errorf("walk: storing %s: %w", livePath, err)
	}
	live.Extra = string(fp)
	if _, ext, nameErr := w.opts.Store.Name(fp); nameErr == nil {
		visit.Compressed = ext == ".gz"
	}
	visit.Replaced = status == store.Replaced

	if w.opts.Missing != nil && w.opts.Missing.IsBad(string(fp)) {
		w.opts.Missing.Recover(string(fp))
	}
	return nil
}

func (w *Walker) record(v Visit) {
	if w.opts.Log != nil {
		w.opts.Log.Debugf("%s %s", v.LogCode(), v.RemotePath)
	}
}

func (w *Walker) logf(format string, args ...interface{}) {
	if w.opts.Log != nil {
		w.opts.Log.Debugf(format, args...)
	}
}

// describe builds the live node's metadata tuple (spec §3), reading a
// symlink's target when applicable.
func (w *Walker) describe(livePath string, fi fs.FileInfo) (meta.Metadata, string, error) {
	m := meta.Metadata{
		Size:  fi.Size(),
		Mtime: fi.ModTime().Unix(),
		Mode:  uint32(fi.Mode().Perm()),
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		m.Kind = meta.KindLink
	case fi.IsDir():
		m.Kind = meta.KindDir
	case fi.Mode()&os.ModeNamedPipe != 0:
		m.Kind = meta.KindFifo
	case fi.Mode()&os.ModeSocket != 0:
		m.Kind = meta.KindSocket
	case fi.Mode()&os.ModeCharDevice != 0:
		m.Kind = meta.KindCharDev
	case fi.Mode()&os.ModeDevice != 0:
		m.Kind = meta.KindBlkDev
	default:
		m.Kind = meta.KindFile
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		m.Uid = st.Uid
		m.Gid = st.Gid
	}

	var target string
	if m.Kind == meta.KindLink {
		t, err := w.fs.Readlink(livePath)
		if err != nil {
			return meta.Metadata{}, "", fmt.Errorf("walk: reading link %s: %w", livePath, err)
		}
		target = t
	}
	return m, target, nil
}

// classify implements spec §4.C step 5's register.send_entry operation code table.
func classify(hadPrior bool, prior register.PathRecord, live meta.Metadata, missingList *missing.List) Op {
	if !hadPrior || prior.Metadata.IsTombstone() {
		return OpAdd
	}
	p := prior.Metadata
	if p.Kind != live.Kind {
		return OpModified
	}
	if live.Kind == meta.KindLink && p.Extra != live.Extra {
		return OpLinkChanged
	}
	if p.Size != live.Size || p.Mtime != live.Mtime {
		return OpModified
	}
	if live.Kind == meta.KindFile {
		if p.Extra == "" {
			return OpIncomplete
		}
		if missingList != nil {
			if e, ok := missingList.Lookup(p.Extra); ok && !e.Recovered {
				if e.Reason == missing.Inconsistent {
					return OpConflict
				}
				return OpRecover
			}
		}
	}
	return OpMetaOnly
}
