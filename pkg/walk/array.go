package walk

import (
	"golang.org/x/exp/constraints"

	"github.com/go-delve/kwalk/pkg/logflags"
)

// Clamp returns n bounded by max.
func Clamp[T constraints.Unsigned](n, max T) T {
	if n > max {
		return max
	}
	return n
}

// Count is a number of elements read from guest memory.
type Count struct {
	// N is the number of elements to iterate over.
	N uint64
	// Raw is the value read from the guest.
	Raw uint64
	// Clamped is set if Raw exceeded the bound.
	Clamped bool
	// Err is set if the count could not be read, N is zero then.
	Err error
}

// ReadCount reads an unsigned count of the given width and clamps it to
// bound. An unreadable count is zero elements.
func ReadCount(mem Reader, addr uint64, width int, bound uint64) Count {
	raw, err := mem.ReadScalar(addr, width)
	if err != nil {
		return Count{Err: err}
	}
	c := Count{N: Clamp(raw, bound), Raw: raw}
	c.Clamped = c.N != raw
	if c.Clamped && logflags.Walker() {
		logflags.WalkerLogger().Debugf("count at %#x is %d, clamped to %d", addr, raw, bound)
	}
	return c
}

// Slot is an element of an array or a matrix.
type Slot struct {
	Index    uint64
	Row, Col uint64
	Addr     uint64
}

// ArrayIterator yields the slots of a contiguous array. It never reads
// guest memory: reading a slot and handling its errors is up to the
// caller, a failed slot should not stop the iteration.
type ArrayIterator struct {
	base   uint64
	stride uint64
	cols   uint64
	n      uint64
	i      uint64
	slot   Slot
}

// Array returns an iterator over count elements of size stride starting
// at base. The count is clamped to bound.
func Array(base, stride, count, bound uint64) *ArrayIterator {
	return &ArrayIterator{base: base, stride: stride, cols: 1, n: Clamp(count, bound)}
}

// Matrix returns an iterator over a rows×cols array of elements of size
// stride stored in row-major order.
func Matrix(base uint64, rows, cols int, stride uint64) *ArrayIterator {
	if rows <= 0 || cols <= 0 {
		return &ArrayIterator{cols: 1}
	}
	return &ArrayIterator{base: base, stride: stride, cols: uint64(cols), n: uint64(rows) * uint64(cols)}
}

// Next advances to the next slot.
func (it *ArrayIterator) Next() bool {
	if it.i >= it.n {
		return false
	}
	it.slot = Slot{
		Index: it.i,
		Row:   it.i / it.cols,
		Col:   it.i % it.cols,
		Addr:  it.base + it.i*it.stride,
	}
	it.i++
	return true
}

// Slot returns the current slot.
func (it *ArrayIterator) Slot() Slot {
	return it.slot
}

// Len returns the number of slots the iterator yields in total.
func (it *ArrayIterator) Len() uint64 {
	return it.n
}
