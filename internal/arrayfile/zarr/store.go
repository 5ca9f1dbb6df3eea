// Package zarr writes arrayfile datasets as Zarr v2 directory stores.
//
// A store is a directory holding a .zgroup, the group .zattrs and one
// sub-directory per variable with its .zarray, .zattrs and chunk objects.
// Dimension names are recorded in the _ARRAY_DIMENSIONS attribute so xarray
// opens the store as a labelled dataset. Chunk objects are raw little-endian
// C-order bytes, optionally zstd compressed.
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/dumpring/internal/arrayfile"
	"github.com/banshee-data/dumpring/internal/fsutil"
)

const (
	formatVersion  = 2
	groupMetaKey   = ".zgroup"
	arrayMetaKey   = ".zarray"
	attrsKey       = ".zattrs"
	dimensionsAttr = "_ARRAY_DIMENSIONS"

	// MaxCompressionLevel is the highest zstd level accepted.
	MaxCompressionLevel = 22
)

// ErrExists is returned by Create when the destination is already present
// and Overwrite is not set.
var ErrExists = fmt.Errorf("zarr: destination %w", fs.ErrExist)

// Options configures a store.
type Options struct {
	// FS is the filesystem to write through. Nil means the OS filesystem.
	FS fsutil.FileSystem
	// CompressionLevel is the zstd level for chunk objects; 0 stores raw bytes.
	CompressionLevel int
	// Overwrite replaces an existing destination instead of failing.
	Overwrite bool
}

// Store is a Zarr v2 group being written. It implements arrayfile.Dataset.
type Store struct {
	path   string
	fs     fsutil.FileSystem
	dims   arrayfile.Dims
	arrays []*array
	byName map[string]*array
	attrs  map[string]string
	enc    *zstd.Encoder
	level  int
	closed bool
}

var _ arrayfile.Dataset = (*Store)(nil)

// Create makes a new store rooted at path.
func Create(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("zarr: empty destination path")
	}
	if opts.CompressionLevel < 0 || opts.CompressionLevel > MaxCompressionLevel {
		return nil, fmt.Errorf("zarr: compression level %d outside [0, %d]", opts.CompressionLevel, MaxCompressionLevel)
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	if fsys.Exists(path) {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		if err := fsys.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("zarr: failed to remove existing %s: %w", path, err)
		}
	}
	if err := fsys.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("zarr: failed to create %s: %w", path, err)
	}

	s := &Store{
		path:   path,
		fs:     fsys,
		byName: make(map[string]*array),
		attrs:  make(map[string]string),
		level:  opts.CompressionLevel,
	}
	if err := s.writeJSON(filepath.Join(path, groupMetaKey), map[string]int{"zarr_format": formatVersion}); err != nil {
		return nil, err
	}
	if s.level > 0 {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zarr: failed to create zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// Path returns the store's root directory.
func (s *Store) Path() string { return s.path }

func (s *Store) AddDimension(name string, length int) error {
	if s.closed {
		return arrayfile.ErrClosed
	}
	return s.dims.Add(name, length)
}

func (s *Store) AddVariable(name string, dtype arrayfile.DType, dims ...string) (arrayfile.Variable, error) {
	if s.closed {
		return nil, arrayfile.ErrClosed
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("zarr: invalid variable name %q", name)
	}
	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("zarr: variable %q: %w", name, arrayfile.ErrDuplicate)
	}
	if _, err := dtypeCode(dtype, 1); err != nil {
		return nil, fmt.Errorf("zarr: variable %q: %w", name, err)
	}
	shape, err := s.dims.Shape(dims)
	if err != nil {
		return nil, fmt.Errorf("zarr: variable %q: %w", name, err)
	}
	if err := s.fs.MkdirAll(filepath.Join(s.path, name), 0o755); err != nil {
		return nil, fmt.Errorf("zarr: failed to create variable %q: %w", name, err)
	}

	a := &array{
		st:      s,
		name:    name,
		dtype:   dtype,
		dims:    append([]string(nil), dims...),
		shape:   shape,
		chunks:  append([]int(nil), shape...),
		attrs:   make(map[string]string),
		pending: make(map[int]*pendingChunk),
		flushed: make(map[int]bool),
	}
	if dtype == arrayfile.String {
		a.strs = make([]string, shape[0]*arrayfile.RowLen(shape))
	}
	s.arrays = append(s.arrays, a)
	s.byName[name] = a
	return a, nil
}

func (s *Store) PutAttribute(name, value string) error {
	if s.closed {
		return arrayfile.ErrClosed
	}
	s.attrs[name] = value
	return nil
}

// Close writes all remaining metadata and chunk objects. Rows never written
// read back as the fill value. The first failure is returned and the store
// is left as far as it got.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.enc != nil {
		defer s.enc.Close()
	}

	for _, a := range s.arrays {
		if err := a.finish(); err != nil {
			return err
		}
	}
	return s.writeJSON(filepath.Join(s.path, attrsKey), s.attrs)
}

// Abort releases the store without writing anything further. Whatever was
// already written stays on disk.
func (s *Store) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	if s.enc != nil {
		s.enc.Close()
	}
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("zarr: failed to encode %s: %w", name, err)
	}
	if err := s.fs.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("zarr: failed to write %s: %w", name, err)
	}
	return nil
}

func (s *Store) compress(raw []byte) []byte {
	if s.enc == nil {
		return raw
	}
	return s.enc.EncodeAll(raw, nil)
}
