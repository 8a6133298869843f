// Package store implements the content-addressed data store of
// spec §4.A: an on-disk key/value store mapping a content fingerprint
// to a file body, optionally compressed, with deduplication,
// integrity verification and crash-recoverable writes.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alitto/pond"
	billy "github.com/go-git/go-billy/v5"
	"github.com/h2non/filetype"
	"github.com/pjbgf/sha1cd"
	"github.com/sirupsen/logrus"
)

// Status classifies the outcome of a Write.
type Status string

const (
	Added     Status = "added"
	Replaced  Status = "replaced"
	Unchanged Status = "unchanged"
	Errored   Status = "error"
)

// Compression is the caller-supplied compression request of spec
// §4.A: negative never compresses, zero defers ("later"), positive
// compresses now. It is distinct from auto_compress, which overrides
// this entirely when set.
type Compression int

const (
	Never      Compression = -1
	Defer      Compression = 0
	ForceNow   Compression = 1
)

// Options configures a Store.
type Options struct {
	// ChunkSize bounds how much of an existing object's body is
	// compared against new content before two colliding base hashes
	// are declared byte-equal or distinct. Default 10 MiB.
	ChunkSize int64
	// FanoutThreshold is the number of objects a directory may hold
	// before Write reorganises it into two-character prefix
	// subdirectories (supplemented feature, see SPEC_FULL.md).
	FanoutThreshold int
	// Slack biases a tied auto_compress decision toward the flat
	// representation: the compressed body must be smaller by more
	// than Slack bytes to be preferred.
	Slack int64
	Pool  *pond.WorkerPool
	Log   *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10 << 20
	}
	if o.FanoutThreshold <= 0 {
		o.FanoutThreshold = 256
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// Store is the content-addressed body store rooted at fs.
type Store struct {
	fs   billy.Filesystem
	opts Options
}

func New(fs billy.Filesystem, opts Options) *Store {
	opts.setDefaults()
	return &Store{fs: fs, opts: opts}
}

func newHasher() hash.Hash {
	return sha1cd.New()
}

// the on-disk names within one object directory.
const (
	bodyFlat   = "data"
	bodyGzip   = "data.gz"
	metaFile   = "meta"
	corruptMrk = "corrupted"
	nofilesMrk = ".nofiles"
)

// resolveDir follows .nofiles markers down from the store root,
// returning the directory that does (or, with create, will) hold the
// object whose base hash is base. Mirrors
// original_source/lib/data.cpp:Data::getDir.
func (s *Store) resolveDir(base string, create bool) (string, error) {
	path := "."
	level := 0
	for {
		if _, err := s.fs.Stat(s.fs.Join(path, nofilesMrk)); err == nil {
			if level+2 > len(base) {
				break
			}
			path = s.fs.Join(path, base[level:level+2])
			level += 2
			if create {
				if err := s.fs.MkdirAll(path, 0o755); err != nil {
					return "", err
				}
			}
			continue
		}
		break
	}
	return s.fs.Join(path, base[level:]), nil
}

// slotDir returns the directory for fingerprint base-slot.
func (s *Store) slotDir(base string, slot int) (string, error) {
	dir, err := s.resolveDir(base, true)
	if err != nil {
		return "", err
	}
	if slot == 0 {
		return dir, nil
	}
	return dir + "-" + strconv.Itoa(slot), nil
}

func (s *Store) exists(dir string) bool {
	_, err := s.fs.Stat(s.fs.Join(dir, metaFile))
	return err == nil
}

// Write stores source under a fingerprint derived from its content,
// per spec §4.A.
func (s *Store) Write(ctx context.Context, source io.Reader, requested Compression, autoCompress bool) (Fingerprint, Status, error) {
	hasher := newHasher()
	tmp, err := s.fs.TempFile(".", "tmp_obj_")
	if err != nil {
		return "", Errored, err
	}
	tmpName := tmp.Name()
	removeTmp := func() { _ = s.fs.Remove(tmpName) }

	n, err := twoSinkCopy(ctx, s.opts.Pool, source, tmp, hasher)
	if err != nil {
		tmp.Close()
		removeTmp()
		return "", Errored, err
	}
	if err := tmp.Close(); err != nil {
		removeTmp()
		return "", Errored, err
	}
	dataSize := n
	base := fmt.Sprintf("%x", hasher.Sum(nil))

	tag, flatName, gzName, err := s.materialize(tmpName, dataSize, requested, autoCompress)
	if err != nil {
		removeTmp()
		return "", Errored, err
	}
	cleanup := func() {
		if flatName != "" {
			_ = s.fs.Remove(flatName)
		}
		if gzName != "" {
			_ = s.fs.Remove(gzName)
		}
	}

	for slot := 0; ; slot++ {
		dir, err := s.slotDir(base, slot)
		if err != nil {
			cleanup()
			return "", Errored, err
		}
		if !s.exists(dir) {
			if err := s.fs.MkdirAll(dir, 0o755); err != nil {
				cleanup()
				return "", Errored, err
			}
			if err := s.place(dir, flatName, gzName, dataSize, tag); err != nil {
				cleanup()
				return "", Errored, err
			}
			s.maybeReorganise(dir)
			return NewFingerprint(base, slot), Added, nil
		}

		equal, existingLarger, existingEmptyCompressed, err := s.compareAgainst(dir, flatName, gzName, dataSize)
		if err != nil {
			cleanup()
			return "", Errored, err
		}
		if !equal {
			continue // base-hash collision on distinct content: probe next slot
		}
		if existingLarger || existingEmptyCompressed {
			if err := s.removeObject(dir); err != nil {
				cleanup()
				return "", Errored, err
			}
			if err := s.place(dir, flatName, gzName, dataSize, tag); err != nil {
				cleanup()
				return "", Errored, err
			}
			return NewFingerprint(base, slot), Replaced, nil
		}
		cleanup()
		return NewFingerprint(base, slot), Unchanged, nil
	}
}

// materialize produces the on-disk temp body file(s) for the write,
// deciding compression per spec §4.A.
func (s *Store) materialize(tmpFlat string, dataSize int64, requested Compression, autoCompress bool) (tag Tag, flatName, gzName string, err error) {
	if autoCompress {
		return s.materializeAuto(tmpFlat, dataSize)
	}
	switch {
	case requested < 0:
		return ForcedNo, tmpFlat, "", nil
	case requested > 0:
		gz, err := s.compressTemp(tmpFlat, dataSize)
		if err != nil {
			return Unknown, "", "", err
		}
		_ = s.fs.Remove(tmpFlat)
		return ForcedYes, "", gz, nil
	default:
		return Later, tmpFlat, "", nil
	}
}

func (s *Store) materializeAuto(tmpFlat string, dataSize int64) (Tag, string, string, error) {
	if looksPrecompressed(s.fs, tmpFlat) {
		return SizeNo, tmpFlat, "", nil
	}
	gz, err := s.compressTemp(tmpFlat, dataSize)
	if err != nil {
		return Unknown, "", "", err
	}
	flatInfo, err := s.fs.Stat(tmpFlat)
	if err != nil {
		return Unknown, "", "", err
	}
	gzInfo, err := s.fs.Stat(gz)
	if err != nil {
		return Unknown, "", "", err
	}
	if gzInfo.Size()+s.opts.Slack < flatInfo.Size() {
		_ = s.fs.Remove(tmpFlat)
		return SizeYes, "", gz, nil
	}
	_ = s.fs.Remove(gz)
	return SizeNo, tmpFlat, "", nil
}

// looksPrecompressed sniffs the first 261 bytes of the temp file; if
// filetype recognises an already-compressed container, auto_compress
// skips materializing a (wasted) compressed attempt.
func looksPrecompressed(fs billy.Filesystem, path string) bool {
	f, err := fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	if n == 0 {
		return false
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return false
	}
	switch kind.MIME.Type {
	case "image", "video", "audio":
		return true
	}
	switch kind.Extension {
	case "zip", "gz", "bz2", "xz", "zst", "7z", "rar", "mp4", "mp3", "png", "jpg", "webp":
		return true
	}
	return false
}

func (s *Store) compressTemp(tmpFlat string, dataSize int64) (string, error) {
	src, err := s.fs.Open(tmpFlat)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := s.fs.TempFile(".", "tmp_gz_")
	if err != nil {
		return "", err
	}
	gw := newGzipWriter(dst, dataSize)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		_ = s.fs.Remove(dst.Name())
		return "", err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		_ = s.fs.Remove(dst.Name())
		return "", err
	}
	name := dst.Name()
	return name, dst.Close()
}

func (s *Store) place(dir, flatName, gzName string, dataSize int64, tag Tag) error {
	if flatName != "" {
		if err := s.fs.Rename(flatName, s.fs.Join(dir, bodyFlat)); err != nil {
			return err
		}
	}
	if gzName != "" {
		if err := s.fs.Rename(gzName, s.fs.Join(dir, bodyGzip)); err != nil {
			return err
		}
	}
	return s.writeMeta(dir, dataSize, tag)
}

func (s *Store) writeMeta(dir string, dataSize int64, tag Tag) error {
	f, err := s.fs.Create(s.fs.Join(dir, metaFile))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%d\t%c\n", dataSize, byte(tag))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) readMeta(dir string) (dataSize int64, tag Tag, err error) {
	f, err := s.fs.Open(s.fs.Join(dir, metaFile))
	if err != nil {
		return 0, Unknown, err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return 0, Unknown, err
	}
	line := strings.TrimRight(string(buf), "\n")
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 || len(parts[1]) != 1 {
		return 0, Unknown, fmt.Errorf("store: malformed meta file %q", dir)
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, Unknown, err
	}
	t := Tag(parts[1][0])
	if !t.Valid() {
		t = Unknown
	}
	return n, t, nil
}

// compareAgainst compares the object in dir with the new write's
// content (in flatName or gzName), returning whether they are
// byte-identical, whether the existing object is strictly larger, and
// whether it is an empty compressed body (always replaced, per spec).
func (s *Store) compareAgainst(dir, flatName, gzName string, dataSize int64) (equal, existingLarger, existingEmptyCompressed bool, err error) {
	existingSize, existingTag, err := s.readMeta(dir)
	if err != nil {
		return false, false, false, err
	}
	if existingSize != dataSize {
		return false, existingSize > dataSize, false, nil
	}
	existingEmptyCompressed = existingSize == 0 && existingTag.Compressed()

	newReader, closeNew, err := s.tempUncompressedReader(flatName, gzName)
	if err != nil {
		return false, false, false, err
	}
	defer closeNew()

	exReader, closeEx, err := s.objectUncompressedReader(dir)
	if err != nil {
		return false, false, false, err
	}
	defer closeEx()

	eq, err := readersEqual(newReader, exReader, s.opts.ChunkSize)
	if err != nil {
		return false, false, false, err
	}
	return eq, false, existingEmptyCompressed, nil
}

func (s *Store) tempUncompressedReader(flatName, gzName string) (io.Reader, func(), error) {
	if flatName != "" {
		f, err := s.fs.Open(flatName)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	f, err := s.fs.Open(gzName)
	if err != nil {
		return nil, nil, err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return gr, func() { gr.Close(); f.Close() }, nil
}

func (s *Store) objectUncompressedReader(dir string) (io.Reader, func(), error) {
	if _, err := s.fs.Stat(s.fs.Join(dir, bodyFlat)); err == nil {
		f, err := s.fs.Open(s.fs.Join(dir, bodyFlat))
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	f, err := s.fs.Open(s.fs.Join(dir, bodyGzip))
	if err != nil {
		return nil, nil, err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return gr, func() { gr.Close(); f.Close() }, nil
}

func readersEqual(a, b io.Reader, chunk int64) (bool, error) {
	for {
		bufA := make([]byte, 32*1024)
		bufB := make([]byte, 32*1024)
		na, erra := io.ReadFull(a, bufA)
		nb, errb := io.ReadFull(b, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		aDone := erra == io.EOF || erra == io.ErrUnexpectedEOF
		bDone := errb == io.EOF || errb == io.ErrUnexpectedEOF
		if aDone != bDone {
			return false, nil
		}
		if aDone {
			return true, nil
		}
		if erra != nil && erra != io.EOF {
			return false, erra
		}
		if errb != nil && errb != io.EOF {
			return false, errb
		}
	}
}

func (s *Store) removeObject(dir string) error {
	_ = s.fs.Remove(s.fs.Join(dir, bodyFlat))
	_ = s.fs.Remove(s.fs.Join(dir, bodyGzip))
	_ = s.fs.Remove(s.fs.Join(dir, metaFile))
	_ = s.fs.Remove(s.fs.Join(dir, corruptMrk))
	return nil
}

// Remove deletes the stored object for fingerprint fp entirely.
func (s *Store) Remove(fp Fingerprint) error {
	dir, err := s.slotDir(fp.Base(), fp.Slot())
	if err != nil {
		return err
	}
	if err := s.removeObject(dir); err != nil {
		return err
	}
	return s.fs.Remove(dir)
}

// Name returns the on-disk body path and extension ("" or ".gz")
// without copying, for restore's link modes.
func (s *Store) Name(fp Fingerprint) (path string, extension string, err error) {
	dir, err := s.slotDir(fp.Base(), fp.Slot())
	if err != nil {
		return "", "", err
	}
	if _, err := s.fs.Stat(s.fs.Join(dir, bodyFlat)); err == nil {
		return s.fs.Join(dir, bodyFlat), "", nil
	}
	if _, err := s.fs.Stat(s.fs.Join(dir, bodyGzip)); err == nil {
		return s.fs.Join(dir, bodyGzip), ".gz", nil
	}
	return "", "", fmt.Errorf("store: object %s not found", fp)
}

// Read materializes the uncompressed body of fp at destination,
// verifying the fingerprint during the copy.
func (s *Store) Read(ctx context.Context, destination billy.Filesystem, destPath string, fp Fingerprint) error {
	dir, err := s.slotDir(fp.Base(), fp.Slot())
	if err != nil {
		return err
	}
	r, closeR, err := s.objectUncompressedReader(dir)
	if err != nil {
		return err
	}
	defer closeR()

	tmp, err := destination.TempFile(".", "tmp_read_")
	if err != nil {
		return err
	}
	hasher := newHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		tmp.Close()
		_ = destination.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = destination.Remove(tmp.Name())
		return err
	}
	got := fmt.Sprintf("%x", hasher.Sum(nil))
	if got != fp.Base() {
		_ = destination.Remove(tmp.Name())
		return fmt.Errorf("store: read of %s failed integrity check (got %s)", fp, got)
	}
	return destination.Rename(tmp.Name(), destPath)
}

// maybeReorganise reorganises the directory that newly holds dir,
// mirroring original_source/lib/data.cpp:644's inline
// organise(dest_path, 256) call on every write.
func (s *Store) maybeReorganise(dir string) {
	parent := filepath.Dir(dir)
	if err := s.Reorganise(parent, s.opts.FanoutThreshold); err != nil {
		s.opts.Log.Warnf("store: reorganising %s: %v", parent, err)
	}
}
