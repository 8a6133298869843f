package store

import "strings"

// Reorganise inspects dir (store-root-relative, "." for the root) and,
// if it holds more than threshold object entries, fans them out into
// two-character prefix subdirectories and drops a .nofiles marker —
// the supplemented feature described in SPEC_FULL.md, ported from
// original_source/lib/data.cpp:Data::organise.
//
// It is idempotent: a directory that already carries .nofiles, or
// that is at or below threshold, is left untouched.
func (s *Store) Reorganise(dir string, threshold int) error {
	if threshold <= 0 {
		threshold = s.opts.FanoutThreshold
	}
	if _, err := s.fs.Stat(s.fs.Join(dir, nofilesMrk)); err == nil {
		return nil // already organised
	}
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	count := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			count++
		}
	}
	if count <= threshold {
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.IsDir() || len(name) <= 2 {
			continue
		}
		prefix := name[:2]
		prefixDir := s.fs.Join(dir, prefix)
		if err := s.fs.MkdirAll(prefixDir, 0o755); err != nil {
			return err
		}
		if err := s.fs.Rename(s.fs.Join(dir, name), s.fs.Join(prefixDir, name[2:])); err != nil {
			return err
		}
	}
	f, err := s.fs.Create(s.fs.Join(dir, nofilesMrk))
	if err != nil {
		return err
	}
	return f.Close()
}
