// Package repo implements the repository coordinator of spec §4.D:
// the top-level object a caller opens once per invocation, holding
// the exclusive writer lock, the shared content store, the
// cross-client missing-fingerprint tracker, and every configured
// client's register, and orchestrating Scan, Check and Restore across
// them.
package repo

import (
	"fmt"
	"runtime"
	"time"

	"github.com/alitto/pond"
	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/hbackup/missing"
	"github.com/rcowham/hbackup/register"
	"github.com/rcowham/hbackup/store"
)

// Mode selects how Open treats the repository lock and each client's
// register.
type Mode int

const (
	// ReadOnly never locks and is for Restore: the store is read but
	// never written, and no register is opened for a backup session.
	ReadOnly Mode = iota
	// ReadWrite takes the exclusive lock, then opens every client
	// register, completing any half-finished merge.
	ReadWrite
	// ReadWriteCheck opens every client register (completing any
	// half-finished merge) without taking the lock: spec §4.D's
	// "recovery dry-run of every client on startup".
	ReadWriteCheck
)

const (
	dataDir       = ".data"
	checksumsFile = ".checksums"
	lastScanFile  = ".last-scan"
	lastCheckFile = ".last-check"
)

// Coordinator is one open repository.
type Coordinator struct {
	fs   billy.Filesystem
	root string
	mode Mode
	log  *logrus.Logger

	store     *store.Store
	pool      *pond.WorkerPool
	missing   *missing.List
	registers map[string]*register.Register
	locked    bool
}

// Open opens the repository rooted at root on fs for the named
// clients, per mode. Every client register is opened (and thereby
// crash-recovered, per register.Open) regardless of mode; only
// ReadWrite additionally takes the exclusive lock.
func Open(fs billy.Filesystem, root string, clients []string, mode Mode, log *logrus.Logger) (*Coordinator, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("repo: open %s: %w", root, err)
	}
	c := &Coordinator{
		fs:        fs,
		root:      root,
		mode:      mode,
		log:       log,
		registers: map[string]*register.Register{},
	}

	if mode == ReadWrite {
		if err := c.acquireLock(); err != nil {
			return nil, err
		}
		c.locked = true
	}

	dataRoot, err := fs.Chroot(fs.Join(root, dataDir))
	if err != nil {
		c.closeOnError()
		return nil, fmt.Errorf("repo: rooting store: %w", err)
	}
	c.pool = pond.New(runtime.NumCPU(), 0, pond.MinWorkers(10))
	c.store = store.New(dataRoot, store.Options{Log: log, Pool: c.pool})

	ml, err := missing.Load(fs, fs.Join(root, checksumsFile))
	if err != nil {
		c.closeOnError()
		return nil, fmt.Errorf("repo: loading missing list: %w", err)
	}
	c.missing = ml

	for _, name := range clients {
		reg, err := register.Open(fs, fs.Join(root, name), log)
		if err != nil {
			c.closeOnError()
			return nil, fmt.Errorf("repo: opening client %s: %w", name, err)
		}
		c.registers[name] = reg
	}

	return c, nil
}

func (c *Coordinator) closeOnError() {
	if c.pool != nil {
		c.pool.StopAndWait()
	}
	if c.locked {
		_ = c.releaseLock()
	}
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Debugf(format, args...)
	}
}

// Store returns the repository's shared content store.
func (c *Coordinator) Store() *store.Store { return c.store }

// Missing returns the repository's cross-client missing-fingerprint tracker.
func (c *Coordinator) Missing() *missing.List { return c.missing }

// Register returns the named client's register, or nil if it was not
// among the clients passed to Open.
func (c *Coordinator) Register(client string) *register.Register { return c.registers[client] }

// Clients returns the names passed to Open.
func (c *Coordinator) Clients() []string {
	names := make([]string, 0, len(c.registers))
	for name := range c.registers {
		names = append(names, name)
	}
	return names
}

// Close persists the missing list and, in ReadWrite mode, releases
// the lock.
func (c *Coordinator) Close() error {
	if c.pool != nil {
		c.pool.StopAndWait()
	}
	if err := c.missing.Save(c.fs, c.fs.Join(c.root, checksumsFile)); err != nil {
		return fmt.Errorf("repo: saving missing list: %w", err)
	}
	if c.locked {
		if err := c.releaseLock(); err != nil {
			return fmt.Errorf("repo: releasing lock: %w", err)
		}
		c.locked = false
	}
	return nil
}

// LastScan returns the wall-clock time of the last successful Scan,
// and whether one has ever run (supplemented feature, grounded on
// original_source/lib/owner.cpp's scan marker).
func (c *Coordinator) LastScan() (time.Time, bool) {
	return c.readMarker(lastScanFile)
}

// LastCheck returns the wall-clock time of the last successful Check.
func (c *Coordinator) LastCheck() (time.Time, bool) {
	return c.readMarker(lastCheckFile)
}

func (c *Coordinator) readMarker(name string) (time.Time, bool) {
	fi, err := c.fs.Stat(c.fs.Join(c.root, name))
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

func (c *Coordinator) touchMarker(name string) error {
	path := c.fs.Join(c.root, name)
	_ = c.fs.Remove(path)
	f, err := c.fs.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
