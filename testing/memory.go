package testing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/clktmr/ahci/dma"
)

const memBase = 0x1000_0000

var (
	ErrOutOfMemory = errors.New("sim: out of dma memory")
	ErrInjected    = errors.New("sim: injected load failure")
)

// Memory is a dma.Allocator over a fixed arena with fake bus addresses. The
// simulated HBA accesses it by bus address.
type Memory struct {
	mu    sync.Mutex
	arena []byte
	next  int

	scatter   bool
	failLoads int
	loads     int
	loaded    int
	regions   map[uint64]int
	maps      int
}

// NewMemory returns an allocator of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{arena: make([]byte, size), regions: make(map[uint64]int)}
}

// Scatter makes subsequently created maps use pages that are never
// adjacent in bus address space.
func (m *Memory) Scatter(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scatter = on
}

// FailLoads makes the next n map loads fail.
func (m *Memory) FailLoads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoads = n
}

// Loads returns the number of successful map loads.
func (m *Memory) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Loaded returns the number of maps currently loaded.
func (m *Memory) Loaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Live returns the number of allocated regions and maps.
func (m *Memory) Live() (regions, maps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions), m.maps
}

func (m *Memory) alloc(size int) (*dma.Region, error) {
	size = (size + dma.PageSize - 1) &^ (dma.PageSize - 1)
	if m.next+size > len(m.arena) {
		return nil, ErrOutOfMemory
	}
	r := &dma.Region{Mem: m.arena[m.next : m.next+size : m.next+size], Bus: memBase + uint64(m.next)}
	m.next += size
	return r, nil
}

func (m *Memory) Alloc(size int) (*dma.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.alloc(size)
	if err != nil {
		return nil, err
	}
	m.regions[r.Bus] = len(r.Mem)
	r.Mem = r.Mem[:size]
	return r, nil
}

func (m *Memory) Free(r *dma.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[r.Bus]; !ok {
		return fmt.Errorf("sim: free of unknown region %#x", r.Bus)
	}
	delete(m.regions, r.Bus)
	return nil
}

func (m *Memory) CreateMap(maxSize, maxSegs int) (dma.Map, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := (maxSize + dma.PageSize - 1) / dma.PageSize
	pages := make([]dma.Region, n)
	for i := range pages {
		r, err := m.alloc(dma.PageSize)
		if err != nil {
			return nil, err
		}
		pages[i] = *r
		if m.scatter {
			if _, err := m.alloc(dma.PageSize); err != nil {
				return nil, err
			}
		}
	}
	m.maps++
	release := func() {
		m.mu.Lock()
		m.maps--
		m.mu.Unlock()
	}
	return &memMap{dma.NewBounceMap(pages, maxSegs, release), m}, nil
}

// ReadAt copies from bus address addr to p.
func (m *Memory) ReadAt(p []byte, addr uint64) error {
	b, err := m.slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p to bus address addr.
func (m *Memory) WriteAt(p []byte, addr uint64) error {
	b, err := m.slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (m *Memory) slice(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int(addr) - memBase
	if addr < memBase || off+n > len(m.arena) {
		return nil, fmt.Errorf("sim: bus address %#x out of range", addr)
	}
	return m.arena[off : off+n], nil
}

type memMap struct {
	*dma.BounceMap
	m *Memory
}

func (mm *memMap) Load(buf []byte, dir dma.Direction) ([]dma.Segment, error) {
	mm.m.mu.Lock()
	if mm.m.failLoads > 0 {
		mm.m.failLoads--
		mm.m.mu.Unlock()
		return nil, ErrInjected
	}
	mm.m.mu.Unlock()

	segs, err := mm.BounceMap.Load(buf, dir)
	if err == nil {
		mm.m.mu.Lock()
		mm.m.loads++
		mm.m.loaded++
		mm.m.mu.Unlock()
	}
	return segs, err
}

func (mm *memMap) Unload() {
	mm.BounceMap.Unload()
	mm.m.mu.Lock()
	mm.m.loaded--
	mm.m.mu.Unlock()
}
