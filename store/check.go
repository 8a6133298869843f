package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	billy "github.com/go-git/go-billy/v5"
)

// CheckResult is one surviving object returned by Crawl.
type CheckResult struct {
	Fingerprint Fingerprint
	Size        int64
	Compressed  bool
}

// Check verifies one object. A surficial check only verifies that a
// body and metadata file exist; a thorough check re-hashes the body.
// In repair mode, mismatches are corrected: a missing/wrong data_size
// is rewritten, and a corrupt body is marked (or removed, if repair
// additionally wants it gone — here repair always prefers marking,
// matching spec §4.A "marked corrupt (sentinel file) or removed, per
// repair").
func (s *Store) Check(fp Fingerprint, thorough, repair bool) (ok bool, size int64, compressed bool, err error) {
	dir, err := s.slotDir(fp.Base(), fp.Slot())
	if err != nil {
		return false, 0, false, err
	}
	return s.checkDir(dir, fp.Base(), thorough, repair)
}

func (s *Store) checkDir(dir, base string, thorough, repair bool) (ok bool, size int64, compressed bool, err error) {
	if _, err := s.fs.Stat(s.fs.Join(dir, corruptMrk)); err == nil {
		return false, 0, false, nil
	}

	metaSize, metaTag, metaErr := s.readMeta(dir)
	_, flatErr := s.fs.Stat(s.fs.Join(dir, bodyFlat))
	_, gzErr := s.fs.Stat(s.fs.Join(dir, bodyGzip))
	compressed = gzErr == nil
	hasBody := flatErr == nil || gzErr == nil

	if !hasBody {
		return false, 0, false, nil
	}
	if metaErr != nil {
		if !repair {
			return false, 0, compressed, nil
		}
	}

	if !thorough {
		ok = hasBody && metaErr == nil
		if compressed && metaErr != nil {
			// meta is missing or unreadable: recover data_size from the
			// gzip header's size-extra field rather than requiring a
			// full thorough decompress just to repair it.
			if sz, present, gzErr := s.gzipHeaderSize(dir); gzErr == nil && present {
				metaSize = sz
				if repair {
					if werr := s.writeMeta(dir, sz, Unknown); werr == nil {
						ok = true
						metaErr = nil
					}
				}
			}
		}
		return ok, metaSize, compressed, nil
	}

	actualSize, actualBase, hashErr := s.hashBody(dir, compressed)
	if hashErr != nil {
		return false, 0, compressed, hashErr
	}
	if actualBase != base {
		if repair {
			if err := s.markCorrupt(dir); err != nil {
				return false, 0, compressed, err
			}
		}
		return false, 0, compressed, nil
	}
	if metaErr != nil || actualSize != metaSize {
		if !repair {
			return false, 0, compressed, nil
		}
		tag := Unknown
		if metaErr == nil {
			tag = metaTag
		}
		if err := s.writeMeta(dir, actualSize, tag); err != nil {
			return false, 0, compressed, err
		}
		metaSize = actualSize
	}
	return true, actualSize, compressed, nil
}

func (s *Store) hashBody(dir string, compressed bool) (size int64, base string, err error) {
	var r io.Reader
	var f billy.File
	if compressed {
		f, err = s.fs.Open(s.fs.Join(dir, bodyGzip))
		if err != nil {
			return 0, "", err
		}
		defer f.Close()
		gr, gerr := gzip.NewReader(f)
		if gerr != nil {
			return 0, "", nil // unreadable gzip: the empty hash never equals base, so the caller treats it as corrupt
		}
		defer gr.Close()
		r = gr
	} else {
		f, err = s.fs.Open(s.fs.Join(dir, bodyFlat))
		if err != nil {
			return 0, "", err
		}
		defer f.Close()
		r = f
	}
	h := newHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, "", err
	}
	return n, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// gzipHeaderSize reads dir's compressed body's gzip header only,
// returning the data_size advertised in its size-extra field.
func (s *Store) gzipHeaderSize(dir string) (int64, bool, error) {
	f, err := s.fs.Open(s.fs.Join(dir, bodyGzip))
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	return readGzipDataSize(f)
}

func (s *Store) markCorrupt(dir string) error {
	f, err := s.fs.Create(s.fs.Join(dir, corruptMrk))
	if err != nil {
		return err
	}
	return f.Close()
}

// Crawl walks the whole store, resolving .nofiles prefix markers, and
// returns every object that Check reports healthy.
func (s *Store) Crawl(thorough, repair bool) ([]CheckResult, error) {
	var out []CheckResult
	err := s.crawl(".", "", thorough, repair, &out)
	return out, err
}

func (s *Store) crawl(dir, prefix string, thorough, repair bool, out *[]CheckResult) error {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	_, nofilesErr := s.fs.Stat(s.fs.Join(dir, nofilesMrk))
	descending := nofilesErr == nil

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		child := s.fs.Join(dir, name)
		if descending && e.IsDir() && len(name) == 2 {
			if err := s.crawl(child, prefix+name, thorough, repair, out); err != nil {
				return err
			}
			continue
		}
		if !e.IsDir() {
			continue
		}
		// An object directory name is "<base>" or "<base>-<slot>".
		base := prefix + name
		slot := 0
		if i := strings.LastIndexByte(base, '-'); i > 0 {
			if n, err := parseSlot(base[i+1:]); err == nil {
				base, slot = base[:i], n
			}
		}
		ok, size, compressed, err := s.checkDir(child, base, thorough, repair)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		*out = append(*out, CheckResult{
			Fingerprint: NewFingerprint(base, slot),
			Size:        size,
			Compressed:  compressed,
		})
	}
	return nil
}

func parseSlot(s string) (int, error) {
	var n int
	if s == "" {
		return 0, fmt.Errorf("empty slot")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a slot: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
