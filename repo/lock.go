package repo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
)

const lockFile = ".lock"

// acquireLock implements spec §4.D's lock: if a lock file is present,
// the recorded process is probed; a gone process means the lock is
// stale and is broken with a warning, otherwise open fails.
func (c *Coordinator) acquireLock() error {
	path := c.fs.Join(c.root, lockFile)
	pid, ok, err := readLockPID(c.fs, path)
	if err != nil {
		return fmt.Errorf("repo: reading lock: %w", err)
	}
	if ok {
		if processAlive(pid) {
			return fmt.Errorf("repo: locked by pid %d", pid)
		}
		c.logf("repo: breaking stale lock held by pid %d", pid)
	}
	f, err := c.fs.Create(path)
	if err != nil {
		return fmt.Errorf("repo: writing lock: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

func (c *Coordinator) releaseLock() error {
	err := c.fs.Remove(c.fs.Join(c.root, lockFile))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func readLockPID(fs billy.Filesystem, path string) (pid int, ok bool, err error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()
	buf := make([]byte, 32)
	n, _ := f.Read(buf)
	text := strings.TrimSpace(string(buf[:n]))
	if text == "" {
		return 0, false, nil
	}
	pid, perr := strconv.Atoi(text)
	if perr != nil {
		return 0, false, nil
	}
	return pid, true, nil
}
