package vmi

const cacheEnabled = true

// memCache serves reads that fall inside a block of guest memory read
// ahead of time, forwarding everything else to mem.
type memCache struct {
	cacheAddr uint64
	cache     []byte
	as        AddressSpace
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	if addr < m.cacheAddr || size < 0 {
		return false
	}
	off := addr - m.cacheAddr
	n := uint64(len(m.cache))
	return off <= n && uint64(size) <= n-off
}

func (m *memCache) ReadVA(data []byte, addr uint64, as AddressSpace) (n int, err error) {
	if as == m.as && m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadVA(data, addr, as)
}

// cacheMemory reads size bytes at addr and returns a reader that serves
// them from memory. If the block can not be read mem is returned as is,
// so that every individual read reports its own failure.
func cacheMemory(mem MemoryReader, addr uint64, size int, as AddressSpace) MemoryReader {
	if !cacheEnabled || size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.as == as && cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadVA(cache, addr, as)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, as, mem}
}
