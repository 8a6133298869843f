// Package scm implements spec.md's version-control probe contract: a
// Prober inspects a directory once and, if it recognizes the SCM
// metadata there, returns a Parser answering ignore(node) and
// child_for(subdir) for the rest of that subtree. Grounded on the
// original engine's Parsers::createParserIfControlled dispatch and
// its per-directory checkout detection (original_source/lib/parsers.cpp);
// the concrete per-SCM parsers themselves (CVS/SVN diff-aware modes)
// are out of scope per spec.md, so only the dispatch contract and one
// built-in, conservative probe are implemented.
package scm

import (
	"github.com/go-git/go-billy/v5"
)

// Node is the minimal view a Parser needs to decide ignore(node).
type Node struct {
	Name string
	Dir  bool
}

// Parser answers ignore/child_for for one directory's subtree, per
// spec.md's out-of-scope contract: "given a directory, return an
// object answering ignore(node) and child_for(subdir)".
type Parser interface {
	// Ignore reports whether n (a direct child of the directory this
	// Parser was created for) should be skipped by the backup walk.
	Ignore(n Node) bool
	// ChildFor returns the Parser to use for a subdirectory, which may
	// be the same Parser (SCM metadata is usually repo-wide) or nil to
	// fall back to re-probing from scratch.
	ChildFor(subdir string) Parser
}

// Prober recognizes one kind of version-control checkout directory.
type Prober interface {
	// Name identifies the prober, e.g. "git", "svn", "hg".
	Name() string
	// Probe inspects dirPath (already known to exist) and returns a
	// Parser if it recognizes SCM metadata there, or nil if not.
	Probe(fs billy.Filesystem, dirPath string) Parser
}

// Registry holds the probers consulted at each directory in walk
// order; the first to recognize the directory wins, matching
// Parsers::createParserIfControlled's first-match dispatch.
type Registry struct {
	probers []Prober
}

// NewRegistry builds a registry from the given probers, consulted in
// order.
func NewRegistry(probers ...Prober) *Registry {
	return &Registry{probers: probers}
}

// Default returns a registry with the built-in metadata-directory
// probers for git, svn and mercurial.
func Default() *Registry {
	return NewRegistry(markerDirProber{name: "git", marker: ".git"},
		markerDirProber{name: "svn", marker: ".svn"},
		markerDirProber{name: "hg", marker: ".hg"})
}

// Probe tries every registered prober against dirPath in order,
// returning the first match, or nil if none recognize it.
func (r *Registry) Probe(fs billy.Filesystem, dirPath string) Parser {
	for _, p := range r.probers {
		if parser := p.Probe(fs, dirPath); parser != nil {
			return parser
		}
	}
	return nil
}

// markerDirProber recognizes any directory containing a subdirectory
// named marker (".git", ".svn", ".hg") as an SCM checkout root. Its
// Parser is conservative: it never ignores anything (ignore=false),
// deferring actual modified/others/controlled filtering to a real
// per-SCM plugin, which spec.md places out of scope. This still lets
// the walk's SCM-ignore step (§4.C step 3) compile and run without a
// plugin installed, at the cost of backing up VCS metadata verbatim.
type markerDirProber struct {
	name   string
	marker string
}

func (p markerDirProber) Name() string { return p.name }

func (p markerDirProber) Probe(fs billy.Filesystem, dirPath string) Parser {
	fi, err := fs.Stat(fs.Join(dirPath, p.marker))
	if err != nil || !fi.IsDir() {
		return nil
	}
	return noopParser{}
}

// noopParser never ignores and always hands the same instance down
// to subdirectories, since SCM checkout status is repo-wide.
type noopParser struct{}

func (noopParser) Ignore(Node) bool       { return false }
func (noopParser) ChildFor(string) Parser { return noopParser{} }
