// Package arrayfile defines the contract between the dump ring and the file
// formats it exports to: named dimensions, typed variables laid over them,
// string attributes, chunking along the leading axis, and writes positioned
// by an offset on that axis.
package arrayfile

import (
	"errors"
	"fmt"
)

// DType is the element type of a variable.
type DType int

const (
	Int8 DType = iota + 1
	Uint64
	Float64
	String
)

func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case Uint64:
		return "uint64"
	case Float64:
		return "float64"
	case String:
		return "string"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the element size in bytes, or 0 for variable-length strings.
func (d DType) Size() int {
	switch d {
	case Int8:
		return 1
	case Uint64, Float64:
		return 8
	default:
		return 0
	}
}

var (
	ErrDuplicate        = errors.New("arrayfile: already defined")
	ErrUnknownDimension = errors.New("arrayfile: unknown dimension")
	ErrTypeMismatch     = errors.New("arrayfile: write does not match variable type")
	ErrOutOfRange       = errors.New("arrayfile: write out of range")
	ErrChunking         = errors.New("arrayfile: invalid chunking")
	ErrClosed           = errors.New("arrayfile: dataset closed")
)

// Dataset is a writable multi-dimensional array file.
type Dataset interface {
	// AddDimension declares a named axis of fixed length.
	AddDimension(name string, length int) error
	// AddVariable declares a variable over previously declared dimensions.
	AddVariable(name string, dtype DType, dims ...string) (Variable, error)
	// PutAttribute sets a dataset-level attribute.
	PutAttribute(name, value string) error
	// Close flushes pending data and releases the dataset.
	Close() error
}

// Variable is one typed array in a Dataset. Write methods place data starting
// at offset along the variable's first dimension; len(data) must be a whole
// number of rows.
type Variable interface {
	Name() string
	PutAttribute(name, value string) error
	// SetChunking sets the storage chunk extent per dimension. It must be
	// called before the first write.
	SetChunking(chunks []int) error
	WriteInt8(offset int, data []int8) error
	WriteUint64(offset int, data []uint64) error
	WriteFloat64(offset int, data []float64) error
	WriteStrings(offset int, data []string) error
}
