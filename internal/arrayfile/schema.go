package arrayfile

import "fmt"

// Dims is the ordered dimension table shared by Dataset implementations.
type Dims struct {
	names   []string
	lengths map[string]int
}

// Add declares a dimension.
func (d *Dims) Add(name string, length int) error {
	if d.lengths == nil {
		d.lengths = make(map[string]int)
	}
	if _, ok := d.lengths[name]; ok {
		return fmt.Errorf("dimension %q: %w", name, ErrDuplicate)
	}
	if length < 1 {
		return fmt.Errorf("dimension %q: length %d must be positive", name, length)
	}
	d.names = append(d.names, name)
	d.lengths[name] = length
	return nil
}

// Names returns the dimension names in declaration order.
func (d *Dims) Names() []string { return d.names }

// Len returns the length of a declared dimension.
func (d *Dims) Len(name string) (int, bool) {
	n, ok := d.lengths[name]
	return n, ok
}

// Shape resolves dimension names to their lengths.
func (d *Dims) Shape(dims []string) ([]int, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: variables need at least one dimension", ErrUnknownDimension)
	}
	shape := make([]int, len(dims))
	for i, name := range dims {
		n, ok := d.lengths[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, name)
		}
		shape[i] = n
	}
	return shape, nil
}

// RowLen returns the number of elements in one slice along the first axis.
func RowLen(shape []int) int {
	n := 1
	for _, s := range shape[1:] {
		n *= s
	}
	return n
}

// Rows validates a write of n elements at offset against shape and returns
// the number of rows it covers.
func Rows(shape []int, offset, n int) (int, error) {
	rowLen := RowLen(shape)
	if n%rowLen != 0 {
		return 0, fmt.Errorf("%w: %d elements is not a multiple of the %d-element row", ErrOutOfRange, n, rowLen)
	}
	rows := n / rowLen
	if offset < 0 || offset+rows > shape[0] {
		return 0, fmt.Errorf("%w: rows [%d, %d) outside [0, %d)", ErrOutOfRange, offset, offset+rows, shape[0])
	}
	return rows, nil
}

// CheckChunks validates a chunk shape against a variable shape. Chunking is
// only supported along the first axis; inner extents must span their axis.
func CheckChunks(shape, chunks []int) error {
	if len(chunks) != len(shape) {
		return fmt.Errorf("%w: %d chunk extents for %d dimensions", ErrChunking, len(chunks), len(shape))
	}
	if chunks[0] < 1 {
		return fmt.Errorf("%w: leading chunk extent %d must be positive", ErrChunking, chunks[0])
	}
	for i := 1; i < len(shape); i++ {
		if chunks[i] != shape[i] {
			return fmt.Errorf("%w: axis %d chunk %d must equal its length %d", ErrChunking, i, chunks[i], shape[i])
		}
	}
	return nil
}
