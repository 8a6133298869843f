package register

import (
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rcowham/hbackup/meta"
	"github.com/sirupsen/logrus"
)

const (
	listFile    = "list"
	listBakFile = "list~"
	journalFile = "journal"
	partialFile = "partial"
	nextFile    = "next"
)

// Register is one client's persisted path/version history, stored as
// the three-file commit protocol of spec §4.B: list is the last
// clean register, journal accumulates the live session, and
// partial/next are the merge's transient and committed-but-not-yet-
// installed states.
type Register struct {
	fs  billy.Filesystem
	dir string
	log *logrus.Logger
}

// Session is an open backup run against a Register: new path
// observations are journaled as they're discovered, then folded into
// a new register on Commit.
type Session struct {
	reg *Register
	jw  *Journal
	now int64
}

// Open opens (creating if absent) the register rooted at dir, first
// running whatever crash recovery spec §4.B's state machine calls
// for:
//   - a leftover "next" means the rename sequence was interrupted
//     after the merge completed, and must be finished;
//   - a "journal" with no "next" means a session recorded something
//     but the merge never completed (or never started); it is
//     replayed, treating an incomplete (footer-less) journal as a
//     crash mid-walk, so untouched old paths are carried forward
//     rather than tombstoned;
//   - an empty journal is a session that recorded nothing, and is
//     simply discarded;
//   - a leftover "list~" with no "list" means the final install
//     (next -> list) is what's missing; list~ is promoted back.
func Open(fs billy.Filesystem, dir string, log *logrus.Logger) (*Register, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("register: open %s: %w", dir, err)
	}
	r := &Register{fs: fs, dir: dir, log: log}
	if err := r.recover(); err != nil {
		return nil, fmt.Errorf("register: recovering %s: %w", dir, err)
	}
	return r, nil
}

func (r *Register) path(name string) string { return r.fs.Join(r.dir, name) }

func (r *Register) exists(name string) bool {
	_, err := r.fs.Stat(r.path(name))
	return err == nil
}

func (r *Register) logf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Debugf(format, args...)
	}
}

func (r *Register) recover() error {
	if r.exists(nextFile) {
		r.logf("register: resuming interrupted commit in %s", r.dir)
		return r.finishCommit()
	}

	if fi, err := r.fs.Stat(r.path(journalFile)); err == nil {
		if fi.Size() == 0 {
			return r.fs.Remove(r.path(journalFile))
		}
		entries, complete, err := ReadJournal(r.fs, r.path(journalFile))
		if err != nil {
			return err
		}
		r.logf("register: replaying %s journal in %s (complete=%v)", r.dir, r.dir, complete)
		return r.commitEntries(entries, time.Now().Unix(), nil, complete)
	}

	if r.exists(listBakFile) && !r.exists(listFile) {
		return r.fs.Rename(r.path(listBakFile), r.path(listFile))
	}
	return nil
}

// finishCommit performs the tail of the commit sequence: drop the
// journal (its contents are already durable in "next"), back up the
// current list, then install "next" as the new list. Every step is
// safe to repeat, which is also what makes this correct as crash
// recovery when "next" is found to already exist.
func (r *Register) finishCommit() error {
	if err := r.fs.Remove(r.path(journalFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.exists(listFile) {
		if err := r.fs.Rename(r.path(listFile), r.path(listBakFile)); err != nil {
			return err
		}
	}
	return r.fs.Rename(r.path(nextFile), r.path(listFile))
}

// OpenForWrite starts a new backup session: a fresh journal, to which
// the caller records every path/metadata observation made during the
// walk via Session.Record.
func (r *Register) OpenForWrite(now int64) (*Session, error) {
	jw, err := CreateJournal(r.fs, r.path(journalFile))
	if err != nil {
		return nil, err
	}
	return &Session{reg: r, jw: jw, now: now}, nil
}

// Record journals one path observation. The journal is flushed after
// every record, so a crash mid-walk loses at most the record
// currently being written, never previously recorded ones.
func (sess *Session) Record(path string, ts int64, m meta.Metadata) error {
	return sess.jw.Write(path, ts, m)
}

// Commit marks the walk complete and merges its journal into the
// register. expire, if non-nil, prunes record history per spec §4.B.
func (sess *Session) Commit(expire Expire) error {
	if err := sess.jw.Finish(); err != nil {
		return err
	}
	if err := sess.jw.Close(); err != nil {
		return err
	}
	entries, complete, err := ReadJournal(sess.reg.fs, sess.reg.path(journalFile))
	if err != nil {
		return err
	}
	return sess.reg.commitEntries(entries, sess.now, expire, complete)
}

// Abandon closes the session's journal without committing, leaving it
// in place for the next Open's crash recovery to replay (as an
// incomplete, non-vanishing-detecting merge).
func (sess *Session) Abandon() error {
	return sess.jw.Close()
}

// listLinker is implemented by filesystems that can hard-link, such
// as go-billy's osfs; memfs and most others cannot.
type listLinker interface {
	Link(oldname, newname string) error
}

// holdList hard-links the current list under a name carrying this
// process's PID and opens the link for reading, so that a concurrent
// writer's atomic list rename (finishCommit) cannot disturb an
// in-progress read: spec §4.B's "concurrency within a client",
// grounded on original_source/lib/owner.cpp's Owner::hold/release.
// The returned close func removes the link, releasing the hold. A
// register with no prior backups (no list file yet) returns a nil
// Reader, not an error.
func (r *Register) holdList() (*Reader, func() error, error) {
	if _, err := r.fs.Stat(r.path(listFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, func() error { return nil }, nil
		}
		return nil, nil, err
	}

	linker, ok := r.fs.(listLinker)
	if !ok {
		// fs can't hard-link (e.g. in-memory test filesystems): fall
		// back to a direct open, best-effort only.
		f, err := r.fs.Open(r.path(listFile))
		if err != nil {
			return nil, nil, err
		}
		return NewReader(f), f.Close, nil
	}

	linkName := fmt.Sprintf("%s.%d", r.path(listFile), os.Getpid())
	_ = r.fs.Remove(linkName) // clear a stale link left by a prior crash
	if err := linker.Link(r.path(listFile), linkName); err != nil {
		return nil, nil, err
	}
	f, err := r.fs.Open(linkName)
	if err != nil {
		_ = r.fs.Remove(linkName)
		return nil, nil, err
	}
	release := func() error {
		cerr := f.Close()
		_ = r.fs.Remove(linkName)
		return cerr
	}
	return NewReader(f), release, nil
}

// Latest opens the current register and returns, for every path
// under pathPrefix, its record as of date (date == 0 meaning "now").
// A register with no prior backups (no list file yet) returns no
// records rather than an error.
func (r *Register) Latest(pathPrefix string, date int64) ([]PathRecord, error) {
	reader, release, err := r.holdList()
	if err != nil {
		return nil, err
	}
	defer release()
	if reader == nil {
		return nil, nil
	}
	return Latest(reader, pathPrefix, date)
}

// PriorState reads the current register into a map of every path's
// latest record (including tombstones), for a walk to consult while
// classifying each live node's op code without re-scanning the
// register once per node. A register with no prior backups yields an
// empty map.
func (r *Register) PriorState() (map[string]PathRecord, error) {
	reader, release, err := r.holdList()
	if err != nil {
		return nil, err
	}
	defer release()
	if reader == nil {
		return map[string]PathRecord{}, nil
	}

	records, err := LatestAll(reader, "", 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PathRecord, len(records))
	for _, rec := range records {
		out[rec.Path] = rec
	}
	return out, nil
}

// Checksums returns every file fingerprint referenced anywhere in the
// register's history, mapped to its recorded size, for the repository
// coordinator's Scan. A register with no prior backups yields an
// empty map.
func (r *Register) Checksums() (map[string]int64, error) {
	reader, release, err := r.holdList()
	if err != nil {
		return nil, err
	}
	defer release()
	if reader == nil {
		return map[string]int64{}, nil
	}
	return Checksums(reader)
}

// openListReader opens the current list for merge input, returning a
// nil Reader (not an error) when no prior register exists yet.
func (r *Register) openListReader() (*Reader, func() error, error) {
	f, err := r.fs.Open(r.path(listFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, func() error { return nil }, nil
		}
		return nil, nil, err
	}
	return NewReader(f), f.Close, nil
}

// commitEntries merges entries against the current list into
// "partial", installs it as "next", and runs the commit tail.
func (r *Register) commitEntries(entries []Entry, now int64, expire Expire, detectVanished bool) error {
	oldReader, closeOld, err := r.openListReader()
	if err != nil {
		return err
	}
	defer closeOld()

	partial, err := r.fs.Create(r.path(partialFile))
	if err != nil {
		return err
	}

	mergeErr := Merge(oldReader, partial, entries, now, expire, detectVanished)
	if syncer, ok := partial.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
	if cerr := partial.Close(); cerr != nil && mergeErr == nil {
		mergeErr = cerr
	}
	if mergeErr != nil {
		_ = r.fs.Remove(r.path(partialFile))
		return mergeErr
	}

	if err := r.fs.Rename(r.path(partialFile), r.path(nextFile)); err != nil {
		return err
	}
	return r.finishCommit()
}
