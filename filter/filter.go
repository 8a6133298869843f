// Package filter implements the node-ignore predicate trees of
// spec.md's "filter evaluation" contract (given a node, return bool),
// grounded on the condition/filter tree of the original engine: a
// Filter is an AND or OR of Conditions, and a Condition may itself
// embed another named Filter so expressions compose.
package filter

import (
	"regexp"
	"strings"

	"github.com/rcowham/hbackup/meta"
)

// Node is the minimal view of a live filesystem entry a Condition
// needs to decide whether it matches; walk builds one per visit.
type Node struct {
	Path string // the node's remote path: the walk's remote prefix joined with its path under the root
	Name string // basename
	Kind meta.Kind
	Size int64
	Mode uint32
}

// Mode is how a Filter combines the results of its children.
type Mode int

const (
	// Any matches if at least one child condition matches.
	Any Mode = iota
	// All matches only if every child condition matches.
	All
)

// Condition is a single leaf predicate, or a reference to a nested
// Filter (kind == kindFilter, built by NestedFilter).
type Condition struct {
	kind     conditionKind
	negated  bool
	str      string
	re       *regexp.Regexp
	num      int64
	fileType meta.Kind
	filter   *Set
}

type conditionKind int

const (
	kindFilter conditionKind = iota
	kindType
	kindName
	kindNameStart
	kindNameEnd
	kindNameRegex
	kindPath
	kindPathStart
	kindPathEnd
	kindPathRegex
	kindSizeGE
	kindSizeGT
	kindSizeLE
	kindSizeLT
	kindModeAnd
	kindModeEq
)

// Conditions. Each constructor mirrors one Condition::Type of the
// original engine's condition tree.

func Type(t meta.Kind, negated bool) Condition {
	return Condition{kind: kindType, fileType: t, negated: negated}
}
func Name(s string, negated bool) Condition {
	return Condition{kind: kindName, str: s, negated: negated}
}
func NameStart(s string, negated bool) Condition {
	return Condition{kind: kindNameStart, str: s, negated: negated}
}
func NameEnd(s string, negated bool) Condition {
	return Condition{kind: kindNameEnd, str: s, negated: negated}
}
func NameRegex(pattern string, negated bool) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Condition{}, err
	}
	return Condition{kind: kindNameRegex, re: re, negated: negated}, nil
}
func Path(s string, negated bool) Condition {
	return Condition{kind: kindPath, str: s, negated: negated}
}
func PathStart(s string, negated bool) Condition {
	return Condition{kind: kindPathStart, str: s, negated: negated}
}
func PathEnd(s string, negated bool) Condition {
	return Condition{kind: kindPathEnd, str: s, negated: negated}
}
func PathRegex(pattern string, negated bool) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Condition{}, err
	}
	return Condition{kind: kindPathRegex, re: re, negated: negated}, nil
}
func SizeGE(n int64, negated bool) Condition { return Condition{kind: kindSizeGE, num: n, negated: negated} }
func SizeGT(n int64, negated bool) Condition { return Condition{kind: kindSizeGT, num: n, negated: negated} }
func SizeLE(n int64, negated bool) Condition { return Condition{kind: kindSizeLE, num: n, negated: negated} }
func SizeLT(n int64, negated bool) Condition { return Condition{kind: kindSizeLT, num: n, negated: negated} }
func ModeAnd(mask uint32, negated bool) Condition {
	return Condition{kind: kindModeAnd, num: int64(mask), negated: negated}
}
func ModeEq(mode uint32, negated bool) Condition {
	return Condition{kind: kindModeEq, num: int64(mode), negated: negated}
}

// NestedFilter embeds another named Set as a single condition, the
// way the original lets filters reference one another by name.
func NestedFilter(s *Set, negated bool) Condition {
	return Condition{kind: kindFilter, filter: s, negated: negated}
}

func (c Condition) match(n Node) bool {
	var result bool
	switch c.kind {
	case kindFilter:
		result = c.filter.Match(n)
	case kindType:
		result = n.Kind == c.fileType
	case kindName:
		result = n.Name == c.str
	case kindNameStart:
		result = strings.HasPrefix(n.Name, c.str)
	case kindNameEnd:
		result = strings.HasSuffix(n.Name, c.str)
	case kindNameRegex:
		result = c.re != nil && c.re.MatchString(n.Name)
	case kindPath:
		result = n.Path == c.str
	case kindPathStart:
		result = strings.HasPrefix(n.Path, c.str)
	case kindPathEnd:
		result = strings.HasSuffix(n.Path, c.str)
	case kindPathRegex:
		result = c.re != nil && c.re.MatchString(n.Path)
	case kindSizeGE:
		result = n.Size >= c.num
	case kindSizeGT:
		result = n.Size > c.num
	case kindSizeLE:
		result = n.Size <= c.num
	case kindSizeLT:
		result = n.Size < c.num
	case kindModeAnd:
		result = n.Mode&uint32(c.num) != 0
	case kindModeEq:
		result = n.Mode == uint32(c.num)
	}
	if c.negated {
		return !result
	}
	return result
}

// Set is a named AND/OR group of Conditions (spec's "Filter").
type Set struct {
	Name       string
	Mode       Mode
	Conditions []Condition
}

// NewSet constructs an empty named filter in the given combination mode.
func NewSet(name string, mode Mode) *Set {
	return &Set{Name: name, Mode: mode}
}

// Add appends a condition to the set.
func (s *Set) Add(c Condition) { s.Conditions = append(s.Conditions, c) }

// Match evaluates the set's conditions against n per its Mode.
func (s *Set) Match(n Node) bool {
	if len(s.Conditions) == 0 {
		return s.Mode == All // an empty "all" vacuously matches; an empty "any" does not
	}
	switch s.Mode {
	case All:
		for _, c := range s.Conditions {
			if !c.match(n) {
				return false
			}
		}
		return true
	default:
		for _, c := range s.Conditions {
			if c.match(n) {
				return true
			}
		}
		return false
	}
}

// Rule pairs a named filter with a decision: whether a match means
// "ignore this node" (Ignore true) or "keep this node" (Ignore false).
// Compression overrides do not go through Rule; they match a Set
// directly (see walk.FilterCompressionPolicy).
type Rule struct {
	Filter *Set
	Ignore bool
}

// Ruleset evaluates an ordered list of Rules; the first matching rule
// decides, so more specific rules should precede general ones.
type Ruleset struct {
	Rules []Rule
}

// MustIgnore implements spec §4.C step 4's must_ignore(node) contract:
// the first rule whose Filter matches decides, and the node is ignored
// if that rule says Ignore; a node no rule matches is not ignored.
func (rs *Ruleset) MustIgnore(n Node) bool {
	for _, r := range rs.Rules {
		if r.Filter.Match(n) {
			return r.Ignore
		}
	}
	return false
}
