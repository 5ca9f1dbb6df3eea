package voltage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// Payload layout constants.
const (
	Channels    = 2048 // Frequency channels per polarization
	Pols        = 2    // Polarizations per payload (A, B)
	Reim        = 2    // Components per complex sample (real, imaginary)
	HeaderSize  = 8    // Sample counter preceding the sample block
	SlotSize    = Pols * Channels * Reim
	PayloadSize = HeaderSize + SlotSize
)

// Tensor strides, in int8 elements, for the (pol, channel, reim) axes.
var (
	TensorShape   = [3]int{Pols, Channels, Reim}
	TensorStrides = [3]int{Channels * Reim, Reim, 1}
)

// ErrPacketSize is returned when a captured packet is not exactly PayloadSize bytes.
var ErrPacketSize = errors.New("voltage: packet size mismatch")

// Complex8 is one complex sample with 8-bit components.
type Complex8 struct {
	Re int8
	Im int8
}

// Payload is one sample frame as it comes off the NIC.
type Payload struct {
	Count uint64
	PolA  [Channels]Complex8
	PolB  [Channels]Complex8
}

// The tensor view depends on PolA and PolB being one contiguous run of bytes.
// These fail to compile if the struct layout ever gains padding.
const (
	polAOffset = unsafe.Offsetof(Payload{}.PolA)
	polBOffset = unsafe.Offsetof(Payload{}.PolB)
	sampleSize = unsafe.Sizeof(Complex8{})
)

var (
	_ [polBOffset - polAOffset - Channels*Reim]struct{}
	_ [polAOffset + Channels*Reim - polBOffset]struct{}
	_ [sampleSize - Reim]struct{}
	_ [Reim - sampleSize]struct{}
	_ [polAOffset - HeaderSize]struct{}
	_ [HeaderSize - polAOffset]struct{}
)

// Tensor is a read-only (pol, channel, reim) view over one payload's samples.
// It borrows the memory it was created from; it is valid only as long as that
// memory is neither freed nor written.
type Tensor struct {
	data []int8
}

// View returns the zero-copy tensor view of the payload's samples.
func (p *Payload) View() Tensor {
	return Tensor{data: unsafe.Slice((*int8)(unsafe.Pointer(&p.PolA[0])), SlotSize)}
}

// ViewPacket interprets a captured packet in place. The returned tensor
// aliases b.
func ViewPacket(b []byte) (uint64, Tensor, error) {
	if len(b) != PayloadSize {
		return 0, Tensor{}, fmt.Errorf("%w: got %d bytes, want %d", ErrPacketSize, len(b), PayloadSize)
	}
	count := binary.LittleEndian.Uint64(b[:HeaderSize])
	data := unsafe.Slice((*int8)(unsafe.Pointer(&b[HeaderSize])), SlotSize)
	return count, Tensor{data: data}, nil
}

// MarshalBinary encodes the payload in its wire layout.
func (p *Payload) MarshalBinary() ([]byte, error) {
	b := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint64(b, p.Count)
	samples := p.View().data
	copy(b[HeaderSize:], unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), SlotSize))
	return b, nil
}

// UnmarshalBinary decodes a wire-layout payload, copying its samples.
func (p *Payload) UnmarshalBinary(b []byte) error {
	count, t, err := ViewPacket(b)
	if err != nil {
		return err
	}
	p.Count = count
	dst := unsafe.Slice((*int8)(unsafe.Pointer(&p.PolA[0])), SlotSize)
	copy(dst, t.data)
	return nil
}

// Shape returns the tensor dimensions.
func (t Tensor) Shape() [3]int { return TensorShape }

// Strides returns the element strides for each axis.
func (t Tensor) Strides() [3]int { return TensorStrides }

// Len returns the number of int8 elements, SlotSize for any non-zero view.
func (t Tensor) Len() int { return len(t.data) }

// At returns the component at (pol, ch, reim). It panics if any index is out
// of range for its own axis, even when the flat offset would be in bounds.
func (t Tensor) At(pol, ch, reim int) int8 {
	if pol < 0 || pol >= Pols || ch < 0 || ch >= Channels || reim < 0 || reim >= Reim {
		panic(fmt.Sprintf("voltage: index (%d, %d, %d) out of range %v", pol, ch, reim, TensorShape))
	}
	return t.data[pol*TensorStrides[0]+ch*TensorStrides[1]+reim]
}

// Sample returns the complex sample at (pol, ch).
func (t Tensor) Sample(pol, ch int) Complex8 {
	return Complex8{Re: t.At(pol, ch, 0), Im: t.At(pol, ch, 1)}
}

// CopyTo copies the tensor elements into dst in row-major order and returns
// the number copied.
func (t Tensor) CopyTo(dst []int8) int {
	return copy(dst, t.data)
}
