package snapshot

import (
	"fmt"
	"io"
	"sort"
)

// A splicedMemory is an address space formed from multiple regions, each
// of which may override parts of the regions added before it. For
// example a full dump of kernel memory can be corrected by a second,
// smaller dump of a region taken later.
type splicedMemory struct {
	// regions are sorted by start address and never overlap.
	regions []region
}

type region struct {
	start  uint64
	length uint64
	reader io.ReaderAt
	off    int64
}

func (r region) end() uint64 { return r.start + r.length }

// add maps length bytes of reader, starting at off, at address start.
func (m *splicedMemory) add(reader io.ReaderAt, start, length uint64, off int64) {
	if length == 0 {
		return
	}
	nr := region{start: start, length: length, reader: reader, off: off}
	out := make([]region, 0, len(m.regions)+2)
	for _, e := range m.regions {
		if e.end() <= nr.start || e.start >= nr.end() {
			out = append(out, e)
			continue
		}
		// Keep what sticks out on either side of the new region.
		if e.start < nr.start {
			out = append(out, region{e.start, nr.start - e.start, e.reader, e.off})
		}
		if e.end() > nr.end() {
			skip := nr.end() - e.start
			out = append(out, region{nr.end(), e.end() - nr.end(), e.reader, e.off + int64(skip)})
		}
	}
	out = append(out, nr)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	m.regions = out
}

// ReadAt reads len(buf) bytes at addr, possibly spanning several
// adjacent regions.
func (m *splicedMemory) ReadAt(buf []byte, addr uint64) (n int, err error) {
	for len(buf) > 0 {
		i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
		if i == len(m.regions) || m.regions[i].start > addr {
			if n == 0 {
				return 0, fmt.Errorf("address %#x not in snapshot", addr)
			}
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
		}
		e := m.regions[i]
		pb := buf
		if rem := e.end() - addr; uint64(len(pb)) > rem {
			pb = pb[:rem]
		}
		pn, err := e.reader.ReadAt(pb, e.off+int64(addr-e.start))
		n += pn
		if pn != len(pb) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("error while reading snapshot at %#x: %v", addr, err)
		}
		buf = buf[pn:]
		addr += uint64(pn)
	}
	return n, nil
}
