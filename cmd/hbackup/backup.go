package main

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/hbackup/config"
	"github.com/rcowham/hbackup/filter"
	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/repo"
	"github.com/rcowham/hbackup/scm"
	"github.com/rcowham/hbackup/store"
	"github.com/rcowham/hbackup/walk"
)

const secondsPerDay = 24 * 60 * 60

// expireCutoff converts a client's days-based retention window into
// the epoch cutoff timestamp register.Expire expects: 0 keeps only
// the latest record of every path (true in both units, so it passes
// through unchanged), a positive count of days becomes "now minus
// that many days".
func expireCutoff(days *int64, now int64) register.Expire {
	if days == nil {
		return nil
	}
	if *days == 0 {
		return days
	}
	cutoff := now - *days*secondsPerDay
	return &cutoff
}

// compressionSet compiles a client's named compression rules into a
// filter.Set of NameRegex conditions, any one of which matches.
func compressionSet(name string, rules []config.CompressionRule) *filter.Set {
	if len(rules) == 0 {
		return nil
	}
	set := filter.NewSet(name, filter.Any)
	for _, r := range rules {
		cond, err := filter.NameRegex(r.Regex().String(), false)
		if err != nil {
			// validate() already compiled this pattern successfully.
			continue
		}
		set.Add(cond)
	}
	return set
}

// ignoreRuleset compiles a client's ignore rules into a filter.Ruleset
// of path-regex conditions, any match excluding the node from the walk.
func ignoreRuleset(client *config.ClientConfig) *filter.Ruleset {
	if len(client.Ignore) == 0 {
		return nil
	}
	rs := &filter.Ruleset{}
	for _, r := range client.Ignore {
		set := filter.NewSet(client.Name+".ignore", filter.Any)
		cond, err := filter.PathRegex(r.Regex().String(), false)
		if err != nil {
			// validate() already compiled this pattern successfully.
			continue
		}
		set.Add(cond)
		rs.Rules = append(rs.Rules, filter.Rule{Filter: set, Ignore: true})
	}
	return rs
}

// mirrorFor builds the shadow tree configured by cfg.Mirror, or nil
// if none is configured.
func mirrorFor(cfg *config.Config, st *store.Store) *walk.Mirror {
	if cfg.Mirror == nil {
		return nil
	}
	mode := walk.Symlink
	if cfg.Mirror.Mode == "hardlink" {
		mode = walk.Hardlink
	}
	return walk.NewMirror(osfs.New(cfg.Mirror.Root), ".", st, mode)
}

func backupClient(logger *logrus.Logger, c *repo.Coordinator, client *config.ClientConfig, mirror *walk.Mirror, now int64) error {
	reg := c.Register(client.Name)
	if reg == nil {
		return fmt.Errorf("client %q has no open register", client.Name)
	}

	sess, err := reg.OpenForWrite(now)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	prior, err := reg.PriorState()
	if err != nil {
		_ = sess.Abandon()
		return fmt.Errorf("loading prior state: %w", err)
	}

	opts := walk.Options{
		Store:   c.Store(),
		Session: sess,
		Prior:   prior,
		Missing: c.Missing(),
		SCM:     scm.Default(),
		Mirror:  mirror,
		Filters: ignoreRuleset(client),
		Compression: walk.FilterCompressionPolicy{
			NeverCompress:  compressionSet(client.Name+".never_compress", client.NeverCompress),
			AlwaysCompress: compressionSet(client.Name+".always_compress", client.AlwaysCompress),
		},
		Checksum: client.Checksum,
		Log:      logger,
	}

	ctx := context.Background()
	for _, p := range client.Paths {
		live := osfs.New(p.Root)
		w := walk.New(live, now, opts)
		if err := w.Backup(ctx, ".", p.Remote); err != nil {
			_ = sess.Abandon()
			return fmt.Errorf("walking %s: %w", p.Root, err)
		}
	}

	if err := sess.Commit(expireCutoff(client.ExpireDays, now)); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}
