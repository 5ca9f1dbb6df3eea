// Package memfile is an in-memory arrayfile.Dataset. It records everything
// written to it and can be told to fail a given operation, which makes it the
// reference adapter for dump tests.
package memfile

import (
	"fmt"

	"github.com/banshee-data/dumpring/internal/arrayfile"
)

// Op names a Dataset or Variable operation for fault injection.
type Op string

const (
	OpDimension Op = "dimension"
	OpVariable  Op = "variable"
	OpAttribute Op = "attribute"
	OpChunking  Op = "chunking"
	OpWrite     Op = "write"
	OpClose     Op = "close"
)

type faultKey struct {
	op   Op
	name string
}

// Write is one recorded variable write.
type Write struct {
	Var    string
	Offset int
	Rows   int
}

// Dataset implements arrayfile.Dataset in memory.
type Dataset struct {
	dims   arrayfile.Dims
	vars   map[string]*Variable
	order  []string
	attrs  map[string]string
	faults map[faultKey]error
	writes []Write
	closed bool
}

// New returns an empty dataset.
func New() *Dataset {
	return &Dataset{
		vars:   make(map[string]*Variable),
		attrs:  make(map[string]string),
		faults: make(map[faultKey]error),
	}
}

// FailOn makes op on the named dimension, variable or attribute return err.
// An empty name matches every target of op. Variable attributes are named
// "variable.attribute".
func (d *Dataset) FailOn(op Op, name string, err error) {
	d.faults[faultKey{op, name}] = err
}

func (d *Dataset) fault(op Op, name string) error {
	if err, ok := d.faults[faultKey{op, name}]; ok {
		return err
	}
	return d.faults[faultKey{op, ""}]
}

func (d *Dataset) AddDimension(name string, length int) error {
	if d.closed {
		return arrayfile.ErrClosed
	}
	if err := d.fault(OpDimension, name); err != nil {
		return err
	}
	return d.dims.Add(name, length)
}

func (d *Dataset) AddVariable(name string, dtype arrayfile.DType, dims ...string) (arrayfile.Variable, error) {
	if d.closed {
		return nil, arrayfile.ErrClosed
	}
	if err := d.fault(OpVariable, name); err != nil {
		return nil, err
	}
	if _, ok := d.vars[name]; ok {
		return nil, fmt.Errorf("variable %q: %w", name, arrayfile.ErrDuplicate)
	}
	shape, err := d.dims.Shape(dims)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	size := shape[0] * arrayfile.RowLen(shape)
	v := &Variable{ds: d, name: name, dtype: dtype, dims: dims, shape: shape, attrs: make(map[string]string)}
	switch dtype {
	case arrayfile.Int8:
		v.int8s = make([]int8, size)
	case arrayfile.Uint64:
		v.uint64s = make([]uint64, size)
	case arrayfile.Float64:
		v.float64s = make([]float64, size)
	case arrayfile.String:
		v.strings = make([]string, size)
	default:
		return nil, fmt.Errorf("variable %q: unsupported type %v", name, dtype)
	}
	d.vars[name] = v
	d.order = append(d.order, name)
	return v, nil
}

func (d *Dataset) PutAttribute(name, value string) error {
	if d.closed {
		return arrayfile.ErrClosed
	}
	if err := d.fault(OpAttribute, name); err != nil {
		return err
	}
	d.attrs[name] = value
	return nil
}

func (d *Dataset) Close() error {
	if d.closed {
		return nil
	}
	if err := d.fault(OpClose, ""); err != nil {
		return err
	}
	d.closed = true
	return nil
}

// Closed reports whether Close succeeded.
func (d *Dataset) Closed() bool { return d.closed }

// Dimensions returns the declared dimension names in order.
func (d *Dataset) Dimensions() []string { return d.dims.Names() }

// DimensionLen returns a declared dimension's length.
func (d *Dataset) DimensionLen(name string) int {
	n, _ := d.dims.Len(name)
	return n
}

// Variables returns variable names in declaration order.
func (d *Dataset) Variables() []string { return d.order }

// Variable returns a declared variable or nil.
func (d *Dataset) Variable(name string) *Variable { return d.vars[name] }

// Attribute returns a dataset attribute.
func (d *Dataset) Attribute(name string) string { return d.attrs[name] }

// Writes returns the log of variable writes in the order they happened.
func (d *Dataset) Writes() []Write { return d.writes }

// Variable implements arrayfile.Variable in memory.
type Variable struct {
	ds     *Dataset
	name   string
	dtype  arrayfile.DType
	dims   []string
	shape  []int
	chunks []int
	attrs  map[string]string
	wrote  bool

	int8s    []int8
	uint64s  []uint64
	float64s []float64
	strings  []string
}

func (v *Variable) Name() string { return v.name }

func (v *Variable) PutAttribute(name, value string) error {
	if err := v.ds.fault(OpAttribute, v.name+"."+name); err != nil {
		return err
	}
	v.attrs[name] = value
	return nil
}

func (v *Variable) SetChunking(chunks []int) error {
	if err := v.ds.fault(OpChunking, v.name); err != nil {
		return err
	}
	if v.wrote {
		return fmt.Errorf("variable %q: %w: chunking set after first write", v.name, arrayfile.ErrChunking)
	}
	if err := arrayfile.CheckChunks(v.shape, chunks); err != nil {
		return fmt.Errorf("variable %q: %w", v.name, err)
	}
	v.chunks = append([]int(nil), chunks...)
	return nil
}

func (v *Variable) begin(dtype arrayfile.DType, offset, n int) (int, error) {
	if v.ds.closed {
		return 0, arrayfile.ErrClosed
	}
	if err := v.ds.fault(OpWrite, v.name); err != nil {
		return 0, err
	}
	if dtype != v.dtype {
		return 0, fmt.Errorf("variable %q: %w: %v into %v", v.name, arrayfile.ErrTypeMismatch, dtype, v.dtype)
	}
	rows, err := arrayfile.Rows(v.shape, offset, n)
	if err != nil {
		return 0, fmt.Errorf("variable %q: %w", v.name, err)
	}
	v.wrote = true
	v.ds.writes = append(v.ds.writes, Write{Var: v.name, Offset: offset, Rows: rows})
	return offset * arrayfile.RowLen(v.shape), nil
}

func (v *Variable) WriteInt8(offset int, data []int8) error {
	start, err := v.begin(arrayfile.Int8, offset, len(data))
	if err != nil {
		return err
	}
	copy(v.int8s[start:], data)
	return nil
}

func (v *Variable) WriteUint64(offset int, data []uint64) error {
	start, err := v.begin(arrayfile.Uint64, offset, len(data))
	if err != nil {
		return err
	}
	copy(v.uint64s[start:], data)
	return nil
}

func (v *Variable) WriteFloat64(offset int, data []float64) error {
	start, err := v.begin(arrayfile.Float64, offset, len(data))
	if err != nil {
		return err
	}
	copy(v.float64s[start:], data)
	return nil
}

func (v *Variable) WriteStrings(offset int, data []string) error {
	start, err := v.begin(arrayfile.String, offset, len(data))
	if err != nil {
		return err
	}
	copy(v.strings[start:], data)
	return nil
}

// DType returns the variable's element type.
func (v *Variable) DType() arrayfile.DType { return v.dtype }

// Dims returns the variable's dimension names.
func (v *Variable) Dims() []string { return v.dims }

// Chunks returns the chunk shape set by SetChunking, or nil.
func (v *Variable) Chunks() []int { return v.chunks }

// Attribute returns a variable attribute.
func (v *Variable) Attribute(name string) string { return v.attrs[name] }

// Int8s returns the stored int8 data, row-major.
func (v *Variable) Int8s() []int8 { return v.int8s }

// Uint64s returns the stored uint64 data.
func (v *Variable) Uint64s() []uint64 { return v.uint64s }

// Float64s returns the stored float64 data.
func (v *Variable) Float64s() []float64 { return v.float64s }

// Strings returns the stored string data.
func (v *Variable) Strings() []string { return v.strings }
