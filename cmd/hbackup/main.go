// Command hbackup is the CLI entry point onto a repository: it loads
// the per-repository YAML configuration, opens the repository
// coordinator and dispatches one of backup, scan, check, restore or
// graph.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/perforce/p4prometheus/version"

	"github.com/rcowham/hbackup/config"
	"github.com/rcowham/hbackup/repo"
)

var (
	app        = kingpin.New("hbackup", "Content-addressed, incremental, deduplicating backup.")
	configFile = app.Flag("config", "Repository configuration file.").
			Default("hbackup.yaml").Short('c').String()
	removeObsolete = app.Flag("remove-obsolete", "Delete store objects no client register references (overrides config).").Bool()
	debug          = app.Flag("debug", "Enable debugging level.").Default("0").Int()
	cpuProfile     = app.Flag("profile", "Write a pprof profile (cpu or mem) to ./cpu.pprof or ./mem.pprof.").Enum("", "cpu", "mem")

	backupCmd       = app.Command("backup", "Walk every configured client and journal changes since the last run.")
	backupClients   = backupCmd.Arg("client", "Client(s) to back up (default: all configured clients).").Strings()
	backupTimestamp = backupCmd.Flag("at", "Unix timestamp to journal this session under (default: now).").Int64()

	scanCmd = app.Command("scan", "Reconcile every client register's referenced fingerprints against the content store.")

	checkCmd    = app.Command("check", "Thoroughly re-hash every object in the content store.")
	checkRepair = checkCmd.Flag("repair", "Mark corrupt objects instead of only reporting them.").Bool()

	restoreCmd    = app.Command("restore", "Recreate a client's backed-up tree under a destination directory.")
	restoreClient = restoreCmd.Arg("client", "Client to restore from.").Required().String()
	restoreDest   = restoreCmd.Arg("dest", "Destination directory to recreate the tree under.").Required().String()
	restorePrefix = restoreCmd.Flag("prefix", "Restrict restore to paths under this prefix.").String()
	restoreDate   = restoreCmd.Flag("date", "Unix timestamp to restore as of (default: latest).").Int64()
	restoreLink   = restoreCmd.Flag("link", "Recreate files as links into the content store instead of copying them out.").Bool()

	graphCmd    = app.Command("graph", "Render a client's latest backed-up tree to Graphviz DOT.")
	graphClient = graphCmd.Arg("client", "Client to graph.").Required().String()
	graphOutput = graphCmd.Flag("output", "DOT file to write.").Short('o').Default("hbackup.dot").String()
	graphPrefix = graphCmd.Flag("prefix", "Restrict the graph to paths under this prefix.").String()
	graphDate   = graphCmd.Flag("date", "Unix timestamp to graph as of (default: latest).").Int64()
)

func main() {
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("hbackup")).Author("Robert Cowham")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	switch *cpuProfile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	if err := cfg.ApplyOverrides(config.Config{RemoveObsolete: *removeObsolete}); err != nil {
		logger.Errorf("error applying overrides: %v", err)
		os.Exit(1)
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("hbackup"))
	logger.Infof("Starting %s, repository: %v, cmd: %v", startTime, cfg.Repository, cmd)
	logger.Infof("OS: %s/%s", runtime.GOOS, runtime.GOARCH)

	repoFS := osfs.New(cfg.Repository)

	var exitErr error
	switch cmd {
	case backupCmd.FullCommand():
		exitErr = runBackup(logger, cfg, repoFS)
	case scanCmd.FullCommand():
		exitErr = runScan(logger, cfg, repoFS)
	case checkCmd.FullCommand():
		exitErr = runCheck(logger, cfg, repoFS)
	case restoreCmd.FullCommand():
		exitErr = runRestore(logger, cfg, repoFS)
	case graphCmd.FullCommand():
		exitErr = runGraph(logger, cfg, repoFS)
	}
	if exitErr != nil {
		logger.Errorf("%v", exitErr)
		os.Exit(1)
	}
	logger.Infof("Finished %s, elapsed: %v", cmd, time.Since(startTime))
}

func runBackup(logger *logrus.Logger, cfg *config.Config, repoFS billy.Filesystem) error {
	clients := *backupClients
	if len(clients) == 0 {
		clients = cfg.ClientNames()
	}
	now := *backupTimestamp
	if now == 0 {
		now = time.Now().Unix()
	}

	c, err := repo.Open(repoFS, ".", clients, repo.ReadWrite, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer c.Close()

	mirror := mirrorFor(cfg, c.Store())
	for _, name := range clients {
		client := cfg.Client(name)
		if client == nil {
			return fmt.Errorf("unknown client %q in config", name)
		}
		if err := backupClient(logger, c, client, mirror, now); err != nil {
			return fmt.Errorf("backing up %s: %w", name, err)
		}
	}
	return nil
}

func runScan(logger *logrus.Logger, cfg *config.Config, repoFS billy.Filesystem) error {
	c, err := repo.Open(repoFS, ".", cfg.ClientNames(), repo.ReadWriteCheck, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer c.Close()

	res, err := c.Scan(cfg.RemoveObsolete)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	logger.Infof("scan: referenced=%d present=%d missing=%d inconsistent=%d removed=%d",
		res.Referenced, res.Present, res.Missing, res.Inconsistent, res.Removed)
	return nil
}

func runCheck(logger *logrus.Logger, cfg *config.Config, repoFS billy.Filesystem) error {
	c, err := repo.Open(repoFS, ".", cfg.ClientNames(), repo.ReadWriteCheck, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer c.Close()

	res, err := c.Check(*checkRepair)
	if err != nil {
		return fmt.Errorf("checking: %w", err)
	}
	logger.Infof("check: healthy=%d", res.Healthy)
	return nil
}

func runRestore(logger *logrus.Logger, cfg *config.Config, repoFS billy.Filesystem) error {
	c, err := repo.Open(repoFS, ".", cfg.ClientNames(), repo.ReadOnly, logger)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer c.Close()

	dest := osfs.New(*restoreDest)
	res, err := c.Restore(context.Background(), repo.RestoreOptions{
		Client:      *restoreClient,
		PathPrefix:  *restorePrefix,
		Date:        *restoreDate,
		Dest:        dest,
		LinkToStore: *restoreLink,
	})
	if err != nil {
		return fmt.Errorf("restoring: %w", err)
	}
	logger.Infof("restore: restored=%d failed=%d", res.Restored, res.Failed)
	return nil
}
