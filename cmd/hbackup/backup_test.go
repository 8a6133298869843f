package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/hbackup/config"
	"github.com/rcowham/hbackup/filter"
)

func TestExpireCutoffNilPassesThrough(t *testing.T) {
	assert.Nil(t, expireCutoff(nil, 1000))
}

func TestExpireCutoffZeroMeansLatestOnly(t *testing.T) {
	zero := int64(0)
	got := expireCutoff(&zero, 1000)
	if assert.NotNil(t, got) {
		assert.EqualValues(t, 0, *got)
	}
}

func TestExpireCutoffConvertsDaysToTimestamp(t *testing.T) {
	days := int64(30)
	got := expireCutoff(&days, 1_000_000)
	if assert.NotNil(t, got) {
		assert.EqualValues(t, 1_000_000-30*secondsPerDay, *got)
	}
}

func TestIgnoreRulesetMatchesConfiguredPattern(t *testing.T) {
	cfg, err := config.Unmarshal([]byte(`
clients:
- name: web1
  paths:
  - root: /etc
  ignore:
  - path_regex: '^cache/'
`))
	require.NoError(t, err)

	rs := ignoreRuleset(cfg.Client("web1"))
	require.NotNil(t, rs)
	assert.True(t, rs.MustIgnore(filter.Node{Path: "cache/x.tmp"}))
	assert.False(t, rs.MustIgnore(filter.Node{Path: "etc/passwd"}))
}

func TestIgnoreRulesetNilWhenUnconfigured(t *testing.T) {
	cfg, err := config.Unmarshal([]byte(`
clients:
- name: web1
  paths:
  - root: /etc
`))
	require.NoError(t, err)
	assert.Nil(t, ignoreRuleset(cfg.Client("web1")))
}
