package zarr

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dumpring/internal/arrayfile"
	"github.com/banshee-data/dumpring/internal/fsutil"
)

func newStore(t *testing.T, level int) (*Store, *fsutil.MemoryFileSystem) {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	s, err := Create("/out/test.zarr", Options{FS: mfs, CompressionLevel: level})
	require.NoError(t, err)
	require.NoError(t, s.AddDimension("time", 5))
	require.NoError(t, s.AddDimension("x", 3))
	return s, mfs
}

func TestCreate_Layout(t *testing.T) {
	s, mfs := newStore(t, 0)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	require.NoError(t, v.PutAttribute("units", "Volts"))
	require.NoError(t, s.PutAttribute("title", "test"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{
		"/out/test.zarr/.zattrs",
		"/out/test.zarr/.zgroup",
		"/out/test.zarr/v/.zarray",
		"/out/test.zarr/v/.zattrs",
	}, mfs.Files("/out/test.zarr"))

	group, err := mfs.ReadFile("/out/test.zarr/.zgroup")
	require.NoError(t, err)
	assert.JSONEq(t, `{"zarr_format": 2}`, string(group))

	meta, err := ReadMeta(mfs, "/out/test.zarr", "v")
	require.NoError(t, err)
	assert.Equal(t, ArrayMeta{
		ZarrFormat:         2,
		Shape:              []int{5, 3},
		Chunks:             []int{5, 3},
		DType:              "|i1",
		FillValue:          float64(0),
		Order:              "C",
		DimensionSeparator: ".",
	}, meta)

	attrs, err := ReadAttrs(mfs, "/out/test.zarr", "v")
	require.NoError(t, err)
	assert.Equal(t, "Volts", attrs["units"])
	assert.Equal(t, []any{"time", "x"}, attrs["_ARRAY_DIMENSIONS"])

	group2, err := ReadAttrs(mfs, "/out/test.zarr", "")
	require.NoError(t, err)
	assert.Equal(t, "test", group2["title"])
}

func TestCreate_Errors(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	_, err := Create("", Options{FS: mfs})
	assert.Error(t, err)
	_, err = Create("/a.zarr", Options{FS: mfs, CompressionLevel: 23})
	assert.Error(t, err)
	_, err = Create("/a.zarr", Options{FS: mfs, CompressionLevel: -1})
	assert.Error(t, err)

	require.NoError(t, mfs.MkdirAll("/a.zarr", 0o755))
	require.NoError(t, mfs.WriteFile("/a.zarr/stale", []byte("x"), 0o644))
	_, err = Create("/a.zarr", Options{FS: mfs})
	assert.ErrorIs(t, err, ErrExists)
	assert.ErrorIs(t, err, fs.ErrExist)

	s, err := Create("/a.zarr", Options{FS: mfs, Overwrite: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, mfs.Exists("/a.zarr/stale"))
}

func TestAddVariable_Validation(t *testing.T) {
	s, _ := newStore(t, 0)
	for _, name := range []string{"", "a/b", `a\b`, ".hidden"} {
		_, err := s.AddVariable(name, arrayfile.Int8, "time")
		assert.Error(t, err, "name %q", name)
	}
	_, err := s.AddVariable("v", arrayfile.Int8, "nope")
	assert.ErrorIs(t, err, arrayfile.ErrUnknownDimension)
	_, err = s.AddVariable("v", arrayfile.DType(99), "time")
	assert.Error(t, err)

	_, err = s.AddVariable("v", arrayfile.Int8, "time")
	require.NoError(t, err)
	_, err = s.AddVariable("v", arrayfile.Int8, "time")
	assert.ErrorIs(t, err, arrayfile.ErrDuplicate)
}

func TestArray_ChunksStreamOut(t *testing.T) {
	s, mfs := newStore(t, 0)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	require.NoError(t, v.SetChunking([]int{2, 3}))

	// rows 2..4 first: completes chunk 1 and half of the tail chunk 2
	require.NoError(t, v.WriteInt8(2, []int8{7, 8, 9, 10, 11, 12, 13, 14, 15}))
	assert.True(t, mfs.Exists("/out/test.zarr/v/1.0"))
	assert.True(t, mfs.Exists("/out/test.zarr/v/2.0"), "the tail chunk holds only one row")
	assert.False(t, mfs.Exists("/out/test.zarr/v/0.0"))

	require.NoError(t, v.WriteInt8(0, []int8{1, 2, 3}))
	assert.False(t, mfs.Exists("/out/test.zarr/v/0.0"), "chunk 0 still misses a row")

	assert.ErrorContains(t, v.WriteInt8(2, []int8{0, 0, 0}), "already written")
	require.NoError(t, s.Close())

	chunk0, err := mfs.ReadFile("/out/test.zarr/v/0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0}, chunk0, "unwritten rows read back as the fill value")
	chunk2, err := mfs.ReadFile("/out/test.zarr/v/2.0")
	require.NoError(t, err)
	assert.Len(t, chunk2, 6, "edge chunks are stored at full chunk size")

	_, raw, err := ReadRaw(mfs, "/out/test.zarr", "v")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 7, 8, 9, 10, 11, 12, 13, 14, 15}, raw)
}

func TestArray_ChunkingRules(t *testing.T) {
	s, _ := newStore(t, 0)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	assert.ErrorIs(t, v.SetChunking([]int{2, 1}), arrayfile.ErrChunking)
	require.NoError(t, v.SetChunking([]int{8, 3}))
	require.NoError(t, v.WriteInt8(0, []int8{1, 2, 3}))
	assert.ErrorIs(t, v.SetChunking([]int{1, 3}), arrayfile.ErrChunking)

	str, err := s.AddVariable("s", arrayfile.String, "time")
	require.NoError(t, err)
	assert.ErrorIs(t, str.SetChunking([]int{1}), arrayfile.ErrChunking)
	assert.NoError(t, str.SetChunking([]int{5}))

	assert.ErrorIs(t, v.WriteFloat64(0, []float64{1, 2, 3}), arrayfile.ErrTypeMismatch)
	assert.ErrorIs(t, v.WriteInt8(4, []int8{1, 2, 3, 4, 5, 6}), arrayfile.ErrOutOfRange)
	assert.Error(t, v.PutAttribute("_ARRAY_DIMENSIONS", "x"))
}

func TestArray_NumericEncoding(t *testing.T) {
	s, mfs := newStore(t, 0)
	u, err := s.AddVariable("u", arrayfile.Uint64, "time")
	require.NoError(t, err)
	f, err := s.AddVariable("f", arrayfile.Float64, "x")
	require.NoError(t, err)
	require.NoError(t, u.WriteUint64(0, []uint64{1, 2, 3, 4, math.MaxUint64}))
	require.NoError(t, f.WriteFloat64(1, []float64{1.5, -2}))
	require.NoError(t, s.Close())

	meta, raw, err := ReadRaw(mfs, "/out/test.zarr", "u")
	require.NoError(t, err)
	assert.Equal(t, "<u8", meta.DType)
	assert.Equal(t, uint64(math.MaxUint64), binary.LittleEndian.Uint64(raw[32:]))

	meta, raw, err = ReadRaw(mfs, "/out/test.zarr", "f")
	require.NoError(t, err)
	assert.Equal(t, "<f8", meta.DType)
	assert.Equal(t, "NaN", meta.FillValue)
	assert.Equal(t, 1.5, math.Float64frombits(binary.LittleEndian.Uint64(raw[8:])))
	assert.Equal(t, -2.0, math.Float64frombits(binary.LittleEndian.Uint64(raw[16:])))
	assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(raw))), "unwritten row reads back as NaN")
}

func TestArray_FloatFillInStoredChunks(t *testing.T) {
	s, mfs := newStore(t, 0)
	f, err := s.AddVariable("f", arrayfile.Float64, "time")
	require.NoError(t, err)
	require.NoError(t, f.SetChunking([]int{2}))
	// chunk 0 streams out and its buffer is reused for the partial chunk 1
	require.NoError(t, f.WriteFloat64(0, []float64{1, 2, 3}))
	require.NoError(t, s.Close())

	chunk1, err := mfs.ReadFile("/out/test.zarr/f/1.0")
	require.NoError(t, err)
	require.Len(t, chunk1, 16)
	assert.Equal(t, 3.0, math.Float64frombits(binary.LittleEndian.Uint64(chunk1)))
	assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(chunk1[8:]))))
	assert.False(t, mfs.Exists("/out/test.zarr/f/2.0"))

	_, raw, err := ReadRaw(mfs, "/out/test.zarr", "f")
	require.NoError(t, err)
	for i, want := range []float64{1, 2, 3} {
		assert.Equal(t, want, math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
	}
	for i := 3; i < 5; i++ {
		assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))), "row %d", i)
	}
}

func TestArray_ChunkClampedToAxis(t *testing.T) {
	s, mfs := newStore(t, 0)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	require.NoError(t, v.SetChunking([]int{8192, 3}))
	require.NoError(t, v.WriteInt8(0, make([]int8, 15)))
	require.NoError(t, s.Close())

	meta, err := ReadMeta(mfs, "/out/test.zarr", "v")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, meta.Chunks)
	chunk, err := mfs.ReadFile("/out/test.zarr/v/0.0")
	require.NoError(t, err)
	assert.Len(t, chunk, 15)
}

func TestArray_Strings(t *testing.T) {
	s, mfs := newStore(t, 0)
	require.NoError(t, s.AddDimension("reim", 2))
	v, err := s.AddVariable("reim", arrayfile.String, "reim")
	require.NoError(t, err)
	require.NoError(t, v.WriteStrings(0, []string{"real", "imaginary"}))
	require.NoError(t, s.Close())

	meta, raw, err := ReadRaw(mfs, "/out/test.zarr", "reim")
	require.NoError(t, err)
	assert.Equal(t, "|S9", meta.DType)
	assert.Nil(t, meta.FillValue)
	assert.Equal(t, append([]byte("real\x00\x00\x00\x00\x00"), "imaginary"...), raw)
}

func TestStore_Compression(t *testing.T) {
	s, mfs := newStore(t, 5)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	data := make([]int8, 15)
	for i := range data {
		data[i] = int8(i % 4)
	}
	require.NoError(t, v.WriteInt8(0, data))
	require.NoError(t, s.Close())

	meta, raw, err := ReadRaw(mfs, "/out/test.zarr", "v")
	require.NoError(t, err)
	require.NotNil(t, meta.Compressor)
	assert.Equal(t, CompressorMeta{ID: "zstd", Level: 5}, *meta.Compressor)
	for i, b := range raw {
		assert.Equal(t, byte(i%4), b)
	}

	stored, err := mfs.ReadFile("/out/test.zarr/v/0.0")
	require.NoError(t, err)
	assert.NotEqual(t, raw, stored)
}

func TestStore_Closed(t *testing.T) {
	s, _ := newStore(t, 0)
	v, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.AddDimension("y", 1), arrayfile.ErrClosed)
	assert.ErrorIs(t, s.PutAttribute("a", "b"), arrayfile.ErrClosed)
	assert.ErrorIs(t, v.WriteInt8(0, []int8{1, 2, 3}), arrayfile.ErrClosed)
	_, err = s.AddVariable("w", arrayfile.Int8, "time")
	assert.ErrorIs(t, err, arrayfile.ErrClosed)
}

func TestStore_Abort(t *testing.T) {
	s, mfs := newStore(t, 3)
	_, err := s.AddVariable("v", arrayfile.Int8, "time", "x")
	require.NoError(t, err)
	s.Abort()
	s.Abort()
	assert.False(t, mfs.Exists("/out/test.zarr/v/.zattrs"))
	assert.ErrorIs(t, s.PutAttribute("a", "b"), arrayfile.ErrClosed)
}

func TestStore_CloseFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	ffs := fsutil.NewFaultFileSystem(fsutil.NewMemoryFileSystem())
	ffs.FailOn("v/.zattrs", boom)

	s, err := Create("/q.zarr", Options{FS: ffs})
	require.NoError(t, err)
	require.NoError(t, s.AddDimension("time", 2))
	_, err = s.AddVariable("v", arrayfile.Int8, "time")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Close(), boom)
}

func TestStore_OSFileSystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "os.zarr")
	s, err := Create(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.AddDimension("time", 2))
	v, err := s.AddVariable("v", arrayfile.Int8, "time")
	require.NoError(t, err)
	require.NoError(t, v.WriteInt8(0, []int8{-1, 1}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "v", "0"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x01}, data)
}
