// Package missing implements the cross-component tracker of
// fingerprints known to be either absent from the content store or
// inconsistent with what a register expects of them.
package missing

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/emirpasic/gods/v2/sets/treeset"
	"github.com/go-git/go-billy/v5"
)

// Reason classifies why a fingerprint is tracked.
type Reason int

const (
	// Missing means no store object exists for the fingerprint.
	Missing Reason = iota
	// Inconsistent means a store object exists but its size disagrees
	// with what a register recorded.
	Inconsistent
)

func (r Reason) String() string {
	if r == Inconsistent {
		return "inconsistent"
	}
	return "missing"
}

// Entry is one tracked fingerprint, with its expected size (-1 if
// unknown) and whether a later write has recovered it this session.
type Entry struct {
	Fingerprint string
	Reason      Reason
	ExpectedSize int64
	Recovered    bool
}

// List is the ordered, fingerprint-keyed set of Entry values (spec's
// MissingList), safe for concurrent use since the repository
// coordinator and every client register's send_entry share it.
type List struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   *treeset.Set[string]
}

// New returns an empty list.
func New() *List {
	return &List{
		entries: make(map[string]*Entry),
		order:   treeset.New[string](),
	}
}

// MarkMissing records fp as missing, with expectedSize for later
// reconciliation (-1 if the caller doesn't know it).
func (l *List) MarkMissing(fp string, expectedSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(fp, Missing, expectedSize)
}

// MarkInconsistent records fp as inconsistent, carrying the size the
// referencing register expected.
func (l *List) MarkInconsistent(fp string, expectedSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(fp, Inconsistent, expectedSize)
}

func (l *List) put(fp string, reason Reason, expectedSize int64) {
	if e, ok := l.entries[fp]; ok {
		e.Reason = reason
		e.ExpectedSize = expectedSize
		e.Recovered = false
		return
	}
	l.entries[fp] = &Entry{Fingerprint: fp, Reason: reason, ExpectedSize: expectedSize}
	l.order.Add(fp)
}

// Lookup reports whether fp is currently tracked, and its entry.
func (l *List) Lookup(fp string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fp]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Recover marks fp as recovered: a write has since supplied a body
// for a fingerprint previously tracked as missing or inconsistent.
// The entry is not removed (the spec's "recovered" flag is
// transient-within-a-session bookkeeping so a scan can report what
// was fixed). IsBad treats a recovered entry as resolved; Lookup
// still returns it, with Recovered set.
func (l *List) Recover(fp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[fp]; ok {
		e.Recovered = true
	}
}

// IsBad reports whether fp is tracked and not (yet) recovered.
func (l *List) IsBad(fp string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fp]
	return ok && !e.Recovered
}

// Remove drops fp from the list entirely, used once a scan confirms
// it is no longer referenced or has been fully reconciled.
func (l *List) Remove(fp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, fp)
	l.order.Remove(fp)
}

// Entries returns every tracked entry in fingerprint order.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, l.order.Size())
	for _, fp := range l.order.Values() {
		out = append(out, *l.entries[fp])
	}
	return out
}

const checksumsHeader = "# checksums\t1\n"

// Save persists the list to path in the repository root (".checksums"
// per spec §6), one line per entry: "<fingerprint>\t<reason>\t<size>".
func (l *List) Save(fs billy.Filesystem, path string) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(checksumsHeader)); err != nil {
		return err
	}
	for _, e := range l.Entries() {
		reasonChar := "m"
		if e.Reason == Inconsistent {
			reasonChar = "i"
		}
		line := fmt.Sprintf("%s\t%s\t%d\n", e.Fingerprint, reasonChar, e.ExpectedSize)
		if _, err := f.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a list previously written by Save. A missing file yields
// an empty, valid list rather than an error.
func Load(fs billy.Filesystem, path string) (*List, error) {
	l := New()
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("missing: malformed checksums line %q", line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("missing: bad size in %q: %w", line, err)
		}
		reason := Missing
		if fields[1] == "i" {
			reason = Inconsistent
		}
		l.put(fields[0], reason, size)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}
