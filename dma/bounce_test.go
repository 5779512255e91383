package dma

import (
	"bytes"
	"testing"
)

func pages(addrs ...uint64) []Region {
	r := make([]Region, len(addrs))
	for i, a := range addrs {
		r[i] = Region{Mem: make([]byte, PageSize), Bus: a}
	}
	return r
}

func TestBounceMapLoad(t *testing.T) {
	tests := map[string]struct {
		pages   []Region
		maxSegs int
		size    int
		segs    []Segment
		err     error
	}{
		"contiguous": {
			pages(0x10000, 0x11000, 0x12000), 4, 8192,
			[]Segment{{0x10000, 8192}}, nil,
		},
		"scattered": {
			pages(0x10000, 0x30000, 0x12000), 4, 8192,
			[]Segment{{0x10000, 4096}, {0x30000, 4096}}, nil,
		},
		"partial": {
			pages(0x10000, 0x30000), 4, 5000,
			[]Segment{{0x10000, 4096}, {0x30000, 904}}, nil,
		},
		"tooLarge": {
			pages(0x10000), 4, 4097, nil, ErrTooLarge,
		},
		"tooManySegments": {
			pages(0x10000, 0x30000, 0x50000), 2, 3 * 4096, nil, ErrTooManySegments,
		},
		"empty": {
			pages(0x10000), 1, 0, nil, ErrEmpty,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewBounceMap(tc.pages, tc.maxSegs, nil)
			segs, err := m.Load(make([]byte, tc.size), ToDevice)
			if err != tc.err {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if err != nil {
				if m.Loaded() {
					t.Fatal("map loaded after error")
				}
				return
			}
			if len(segs) != len(tc.segs) {
				t.Fatalf("expected %v, got %v", tc.segs, segs)
			}
			for i := range segs {
				if segs[i] != tc.segs[i] {
					t.Fatalf("expected %v, got %v", tc.segs, segs)
				}
			}
			if _, err := m.Load(make([]byte, 1), ToDevice); err != ErrLoaded {
				t.Fatalf("expected %v, got %v", ErrLoaded, err)
			}
		})
	}
}

func TestBounceMapSync(t *testing.T) {
	released := false
	m := NewBounceMap(pages(0x10000, 0x30000), 2, func() { released = true })

	out := bytes.Repeat([]byte("ahci"), 1500)
	if _, err := m.Load(out, ToDevice); err != nil {
		t.Fatal(err)
	}
	m.Sync(PreWrite)
	if !bytes.Equal(m.pages[0].Mem, out[:PageSize]) ||
		!bytes.Equal(m.pages[1].Mem[:len(out)-PageSize], out[PageSize:]) {
		t.Fatal("pages don't hold buffer after PreWrite")
	}
	m.Unload()

	in := make([]byte, len(out))
	if _, err := m.Load(in, FromDevice); err != nil {
		t.Fatal(err)
	}
	m.Sync(PreRead)
	if !bytes.Equal(in, make([]byte, len(in))) {
		t.Fatal("buffer modified before PostRead")
	}
	m.Sync(PostRead)
	if !bytes.Equal(in, out) {
		t.Fatal("buffer doesn't hold pages after PostRead")
	}

	m.Destroy()
	if m.Loaded() || !released {
		t.Fatal("map not released")
	}
}
