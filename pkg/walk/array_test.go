package walk_test

import (
	"math/rand"
	"testing"

	"github.com/go-delve/kwalk/pkg/walk"
)

func TestClamp(t *testing.T) {
	if walk.Clamp[uint32](10, 4) != 4 || walk.Clamp[uint64](3, 4) != 3 || walk.Clamp[uint16](4, 4) != 4 {
		t.Fatal("bad clamp")
	}
}

func TestReadCount(t *testing.T) {
	g := newGuest()
	g.PutU32(0x1000, 12)
	g.PutU32(0x1004, 0xffffffff)
	g.PutU16(0x1008, 7)

	tests := []struct {
		addr    uint64
		width   int
		n       uint64
		clamped bool
		err     bool
	}{
		{0x1000, 4, 12, false, false},
		{0x1004, 4, 64, true, false},
		{0x1008, 2, 7, false, false},
		{0x9000, 4, 0, false, true},
	}
	for _, tc := range tests {
		c := walk.ReadCount(g.Mem(), tc.addr, tc.width, 64)
		if c.N != tc.n || c.Clamped != tc.clamped || (c.Err != nil) != tc.err {
			t.Errorf("%#x: got %+v", tc.addr, c)
		}
	}
}

func TestArraySlots(t *testing.T) {
	it := walk.Array(0x1000, 8, 3, 16)
	var got []uint64
	for it.Next() {
		s := it.Slot()
		if s.Index != uint64(len(got)) {
			t.Errorf("index %d at position %d", s.Index, len(got))
		}
		got = append(got, s.Addr)
	}
	if len(got) != 3 || got[0] != 0x1000 || got[2] != 0x1010 {
		t.Errorf("got %#x", got)
	}
	if n := walk.Array(0, 8, 1<<40, 16).Len(); n != 16 {
		t.Errorf("unclamped array: %d", n)
	}
}

func TestMatrixSlots(t *testing.T) {
	it := walk.Matrix(0x1000, 12, 8, 8)
	n := 0
	for it.Next() {
		s := it.Slot()
		if s.Addr != 0x1000+(s.Row*8+s.Col)*8 {
			t.Fatalf("slot %+v", s)
		}
		if s.Row >= 12 || s.Col >= 8 {
			t.Fatalf("slot out of range %+v", s)
		}
		n++
	}
	if n != 96 {
		t.Errorf("%d slots", n)
	}
	if walk.Matrix(0, 0, 8, 8).Next() || walk.Matrix(0, 3, -1, 8).Next() {
		t.Errorf("empty matrix yields slots")
	}
}

// TestAdversarialCounts checks that the amount of guest memory touched
// while iterating an array is bounded by the clamp, whatever the guest
// says.
func TestAdversarialCounts(t *testing.T) {
	const bound = 256
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		g := newGuest()
		raw := r.Uint64()
		if i%4 == 0 {
			raw = uint64(r.Intn(bound))
		}
		g.PutU64(0x1000, raw)
		g.Map(0x2000, 8*bound)
		mem := g.Mem()

		c := walk.ReadCount(mem, 0x1000, 8, bound)
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		g.Reads = 0
		it := walk.Array(0x2000, 8, c.N, bound)
		for it.Next() {
			if _, err := mem.ReadPointer(it.Slot().Addr); err != nil {
				t.Fatal(err)
			}
		}
		if g.Reads > bound {
			t.Fatalf("count %#x: %d reads", raw, g.Reads)
		}
		if c.N > bound || (raw <= bound && c.N != raw) {
			t.Fatalf("count %#x clamped to %d", raw, c.N)
		}
	}
}
