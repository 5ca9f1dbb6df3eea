package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/banshee-data/dumpring/internal/arrayfile"
)

// ArrayMeta is the .zarray document.
type ArrayMeta struct {
	ZarrFormat         int             `json:"zarr_format"`
	Shape              []int           `json:"shape"`
	Chunks             []int           `json:"chunks"`
	DType              string          `json:"dtype"`
	Compressor         *CompressorMeta `json:"compressor"`
	FillValue          any             `json:"fill_value"`
	Order              string          `json:"order"`
	Filters            []any           `json:"filters"`
	DimensionSeparator string          `json:"dimension_separator"`
}

// CompressorMeta names the numcodecs codec applied to chunk objects.
type CompressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// dtypeCode returns the numpy type string for d. itemSize is only used for
// fixed-width byte strings.
func dtypeCode(d arrayfile.DType, itemSize int) (string, error) {
	switch d {
	case arrayfile.Int8:
		return "|i1", nil
	case arrayfile.Uint64:
		return "<u8", nil
	case arrayfile.Float64:
		return "<f8", nil
	case arrayfile.String:
		return "|S" + strconv.Itoa(itemSize), nil
	default:
		return "", fmt.Errorf("unsupported type %v", d)
	}
}

type pendingChunk struct {
	buf     []byte
	written []bool
	n       int
}

// array is one variable of a Store. Numeric arrays stream chunk objects out
// as soon as every row of a chunk has been written; string arrays are held in
// memory and written as a single chunk on Close since their item width is
// only known then.
type array struct {
	st     *Store
	name   string
	dtype  arrayfile.DType
	dims   []string
	shape  []int
	chunks []int
	attrs  map[string]string

	metaWritten bool
	pending     map[int]*pendingChunk
	flushed     map[int]bool
	spare       []byte

	strs  []string
	wrote bool
}

var _ arrayfile.Variable = (*array)(nil)

func (a *array) Name() string { return a.name }

func (a *array) PutAttribute(name, value string) error {
	if a.st.closed {
		return arrayfile.ErrClosed
	}
	if name == dimensionsAttr {
		return fmt.Errorf("zarr: variable %q: attribute %s is reserved", a.name, dimensionsAttr)
	}
	a.attrs[name] = value
	return nil
}

func (a *array) SetChunking(chunks []int) error {
	if a.metaWritten || a.wrote {
		return fmt.Errorf("zarr: variable %q: %w: chunking set after first write", a.name, arrayfile.ErrChunking)
	}
	if err := arrayfile.CheckChunks(a.shape, chunks); err != nil {
		return fmt.Errorf("zarr: variable %q: %w", a.name, err)
	}
	if a.dtype == arrayfile.String && chunks[0] != a.shape[0] {
		return fmt.Errorf("zarr: variable %q: %w: string variables are stored unchunked", a.name, arrayfile.ErrChunking)
	}
	a.chunks = append(a.chunks[:0], chunks...)
	// A chunk longer than the first axis still yields a single chunk object.
	a.chunks[0] = min(a.chunks[0], a.shape[0])
	return nil
}

func (a *array) check(dtype arrayfile.DType, offset, n int) (int, error) {
	if a.st.closed {
		return 0, arrayfile.ErrClosed
	}
	if dtype != a.dtype {
		return 0, fmt.Errorf("zarr: variable %q: %w: %v into %v", a.name, arrayfile.ErrTypeMismatch, dtype, a.dtype)
	}
	rows, err := arrayfile.Rows(a.shape, offset, n)
	if err != nil {
		return 0, fmt.Errorf("zarr: variable %q: %w", a.name, err)
	}
	a.wrote = true
	return rows, nil
}

func (a *array) WriteInt8(offset int, data []int8) error {
	rows, err := a.check(arrayfile.Int8, offset, len(data))
	if err != nil {
		return err
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data))
	return a.writeRows(offset, rows, raw)
}

func (a *array) WriteUint64(offset int, data []uint64) error {
	rows, err := a.check(arrayfile.Uint64, offset, len(data))
	if err != nil {
		return err
	}
	raw := make([]byte, 0, 8*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint64(raw, v)
	}
	return a.writeRows(offset, rows, raw)
}

func (a *array) WriteFloat64(offset int, data []float64) error {
	rows, err := a.check(arrayfile.Float64, offset, len(data))
	if err != nil {
		return err
	}
	raw := make([]byte, 0, 8*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(v))
	}
	return a.writeRows(offset, rows, raw)
}

func (a *array) WriteStrings(offset int, data []string) error {
	if _, err := a.check(arrayfile.String, offset, len(data)); err != nil {
		return err
	}
	copy(a.strs[offset*arrayfile.RowLen(a.shape):], data)
	return nil
}

func (a *array) rowBytes() int {
	return arrayfile.RowLen(a.shape) * a.dtype.Size()
}

// chunkRows is the number of valid rows in chunk k; the last chunk may
// extend past the end of the array.
func (a *array) chunkRows(k int) int {
	return min(a.chunks[0], a.shape[0]-k*a.chunks[0])
}

func (a *array) writeRows(offset, rows int, raw []byte) error {
	if err := a.writeMeta(0); err != nil {
		return err
	}
	rowBytes := a.rowBytes()
	c0 := a.chunks[0]
	for row := offset; row < offset+rows; {
		k := row / c0
		if a.flushed[k] {
			return fmt.Errorf("zarr: variable %q: chunk %d already written", a.name, k)
		}
		base := k * c0
		end := min(base+c0, offset+rows)

		pc := a.pending[k]
		if pc == nil {
			pc = &pendingChunk{buf: a.takeBuffer(c0 * rowBytes), written: make([]bool, c0)}
			a.pending[k] = pc
		}
		copy(pc.buf[(row-base)*rowBytes:], raw[(row-offset)*rowBytes:(end-offset)*rowBytes])
		for i := row - base; i < end-base; i++ {
			if !pc.written[i] {
				pc.written[i] = true
				pc.n++
			}
		}
		if pc.n == a.chunkRows(k) {
			if err := a.flush(k); err != nil {
				return err
			}
		}
		row = end
	}
	return nil
}

// takeBuffer returns an n-byte chunk buffer preset to the fill value, so rows
// that are never written read back as fill rather than zero.
func (a *array) takeBuffer(n int) []byte {
	buf := a.spare
	a.spare = nil
	if buf == nil {
		buf = make([]byte, n)
	}
	a.fill(buf)
	return buf
}

func (a *array) fill(buf []byte) {
	if a.dtype != arrayfile.Float64 {
		clear(buf)
		return
	}
	fillNaN(buf)
}

func fillNaN(buf []byte) {
	nan := math.Float64bits(math.NaN())
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], nan)
	}
}

func (a *array) chunkKey(k int) string {
	return chunkKey(k, len(a.shape))
}

// chunkKey names chunk k along the first axis of an ndim array; every inner
// axis is a single chunk.
func chunkKey(k, ndim int) string {
	parts := make([]string, ndim)
	parts[0] = strconv.Itoa(k)
	for i := 1; i < ndim; i++ {
		parts[i] = "0"
	}
	return strings.Join(parts, ".")
}

func (a *array) flush(k int) error {
	pc := a.pending[k]
	delete(a.pending, k)
	key := a.chunkKey(k)
	name := filepath.Join(a.st.path, a.name, key)
	if err := a.st.fs.WriteFile(name, a.st.compress(pc.buf), 0o644); err != nil {
		return fmt.Errorf("zarr: failed to write chunk %s/%s: %w", a.name, key, err)
	}
	a.flushed[k] = true
	a.spare = pc.buf
	return nil
}

func (a *array) meta(itemSize int) (ArrayMeta, error) {
	code, err := dtypeCode(a.dtype, itemSize)
	if err != nil {
		return ArrayMeta{}, err
	}
	m := ArrayMeta{
		ZarrFormat:         formatVersion,
		Shape:              a.shape,
		Chunks:             a.chunks,
		DType:              code,
		Order:              "C",
		DimensionSeparator: ".",
	}
	switch a.dtype {
	case arrayfile.Float64:
		m.FillValue = "NaN"
	case arrayfile.String:
		m.FillValue = nil
	default:
		m.FillValue = 0
	}
	if a.st.level > 0 {
		m.Compressor = &CompressorMeta{ID: "zstd", Level: a.st.level}
	}
	return m, nil
}

func (a *array) writeMeta(itemSize int) error {
	if a.metaWritten {
		return nil
	}
	m, err := a.meta(itemSize)
	if err != nil {
		return fmt.Errorf("zarr: variable %q: %w", a.name, err)
	}
	if err := a.st.writeJSON(filepath.Join(a.st.path, a.name, arrayMetaKey), m); err != nil {
		return err
	}
	a.metaWritten = true
	return nil
}

func (a *array) finish() error {
	if a.dtype == arrayfile.String {
		if err := a.finishStrings(); err != nil {
			return err
		}
	} else {
		if err := a.writeMeta(0); err != nil {
			return err
		}
		keys := make([]int, 0, len(a.pending))
		for k := range a.pending {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			if err := a.flush(k); err != nil {
				return err
			}
		}
	}

	attrs := make(map[string]any, len(a.attrs)+1)
	for k, v := range a.attrs {
		attrs[k] = v
	}
	attrs[dimensionsAttr] = a.dims
	return a.st.writeJSON(filepath.Join(a.st.path, a.name, attrsKey), attrs)
}

// finishStrings writes a fixed-width, NUL-padded byte string chunk.
func (a *array) finishStrings() error {
	width := 1
	for _, s := range a.strs {
		width = max(width, len(s))
	}
	if err := a.writeMeta(width); err != nil {
		return err
	}
	if !a.wrote {
		return nil
	}
	buf := make([]byte, width*len(a.strs))
	for i, s := range a.strs {
		copy(buf[i*width:], s)
	}
	key := a.chunkKey(0)
	if err := a.st.fs.WriteFile(filepath.Join(a.st.path, a.name, key), a.st.compress(buf), 0o644); err != nil {
		return fmt.Errorf("zarr: failed to write chunk %s/%s: %w", a.name, key, err)
	}
	return nil
}
