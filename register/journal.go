package register

import (
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/rcowham/hbackup/meta"
	"github.com/rcowham/hbackup/register/wire"
)

// Journal is the append-only, flush-per-record log a live backup
// session writes to (spec §4.B): every new path/record pair observed
// during a walk lands here before the session is merged into the
// client's register, so a crash mid-backup leaves a durable,
// replayable trail rather than a half-written register. A session
// that completes its walk writes the same footer line a register
// itself closes with, so a later reader can tell a truncated journal
// (crash mid-walk) from a complete one (crash during or after merge).
type Journal struct {
	f billy.File
}

// CreateJournal truncates (or creates) the journal file for a new
// backup session.
func CreateJournal(fs billy.Filesystem, path string) (*Journal, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f}, nil
}

// Write appends one path/record pair and flushes it, so the record is
// durable before the walk proceeds to the next node.
func (j *Journal) Write(path string, ts int64, m meta.Metadata) error {
	if _, err := j.f.Write(wire.EncodePath(path)); err != nil {
		return err
	}
	if _, err := j.f.Write(wire.EncodeRecord(ts, m)); err != nil {
		return err
	}
	return j.sync()
}

// Finish marks the journal complete: the session's walk reached the
// end without crashing, so any old path absent from this session may
// safely be treated as vanished on merge.
func (j *Journal) Finish() error {
	if _, err := j.f.Write([]byte(wire.EncodeFooter())); err != nil {
		return err
	}
	return j.sync()
}

func (j *Journal) sync() error {
	if syncer, ok := j.f.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close closes the underlying file without removing it; the journal
// is only removed once its contents are durably merged into "next".
func (j *Journal) Close() error {
	return j.f.Close()
}

// ReadJournal replays a journal file into an Entry slice, in the order
// the records were written, reporting whether the journal ends with
// the completion footer.
// A missing journal reads as empty and complete.
func ReadJournal(fs billy.Filesystem, path string) (entries []Entry, complete bool, err error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	defer f.Close()

	r := NewReader(f)
	var curPath string
	for {
		switch r.Peek() {
		case StatusPath:
			curPath = r.Path()
			r.Advance()
		case StatusData:
			entries = append(entries, Entry{Path: curPath, Timestamp: r.Timestamp(), Metadata: r.Metadata()})
			r.Advance()
		case StatusEOR:
			return entries, true, nil
		case StatusEOF:
			return entries, false, nil
		case StatusFailed:
			return entries, false, r.Err()
		}
	}
}
