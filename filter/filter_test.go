package filter

import (
	"testing"

	"github.com/rcowham/hbackup/meta"
	"github.com/stretchr/testify/require"
)

func TestAllModeRequiresEveryCondition(t *testing.T) {
	s := NewSet("big-logs", All)
	s.Add(NameEnd(".log", false))
	s.Add(SizeGT(1000, false))

	require.True(t, s.Match(Node{Name: "a.log", Size: 2000}))
	require.False(t, s.Match(Node{Name: "a.log", Size: 10}))
	require.False(t, s.Match(Node{Name: "a.txt", Size: 2000}))
}

func TestAnyModeRequiresOneCondition(t *testing.T) {
	s := NewSet("vcs-dirs", Any)
	s.Add(Name(".git", false))
	s.Add(Name(".svn", false))

	require.True(t, s.Match(Node{Name: ".git"}))
	require.True(t, s.Match(Node{Name: ".svn"}))
	require.False(t, s.Match(Node{Name: "src"}))
}

func TestNegation(t *testing.T) {
	s := NewSet("not-dirs", All)
	s.Add(Type(meta.KindDir, true))
	require.True(t, s.Match(Node{Kind: meta.KindFile}))
	require.False(t, s.Match(Node{Kind: meta.KindDir}))
}

func TestNestedFilter(t *testing.T) {
	inner := NewSet("tmp-names", Any)
	inner.Add(NameEnd(".tmp", false))
	inner.Add(NameEnd(".swp", false))

	outer := NewSet("ignore-tmp", All)
	outer.Add(NestedFilter(inner, false))
	outer.Add(SizeGE(0, false))

	require.True(t, outer.Match(Node{Name: "x.tmp"}))
	require.False(t, outer.Match(Node{Name: "x.go"}))
}

func TestRulesetFirstMatchWins(t *testing.T) {
	keep := NewSet("keep-important", Any)
	keep.Add(NameEnd(".important.log", false))
	ignoreLogs := NewSet("ignore-logs", Any)
	ignoreLogs.Add(NameEnd(".log", false))

	rs := &Ruleset{Rules: []Rule{
		{Filter: keep, Ignore: false},
		{Filter: ignoreLogs, Ignore: true},
	}}

	require.False(t, rs.MustIgnore(Node{Name: "a.important.log"}))
	require.True(t, rs.MustIgnore(Node{Name: "a.log"}))
	require.False(t, rs.MustIgnore(Node{Name: "a.txt"}))
}

func TestPathRegex(t *testing.T) {
	c, err := PathRegex(`^cache/.*\.bin$`, false)
	require.NoError(t, err)
	s := NewSet("cache-bins", All)
	s.Add(c)
	require.True(t, s.Match(Node{Path: "cache/x.bin"}))
	require.False(t, s.Match(Node{Path: "src/x.bin"}))
}
