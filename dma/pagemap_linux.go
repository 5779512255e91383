package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hugePageSize = 2 << 20

	pagemapPresent = 1 << 63
	pagemapPFN     = 1<<55 - 1
)

// Pagemap allocates locked memory of the calling process and translates it
// to physical addresses via /proc/self/pagemap. It is only usable for
// devices without an IOMMU translating their accesses, and needs
// CAP_SYS_ADMIN to see page frame numbers.
//
// Regions are backed by a 2M huge page each, so they are physically
// contiguous. Maps use individual 4K pages as bounce buffers.
type Pagemap struct {
	mu      sync.Mutex
	pagemap *os.File
	mapped  map[*byte][]byte
}

func NewPagemap() (*Pagemap, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, err
	}
	return &Pagemap{pagemap: f, mapped: make(map[*byte][]byte)}, nil
}

func (a *Pagemap) Alloc(size int) (*Region, error) {
	if size > hugePageSize {
		return nil, ErrTooLarge
	}
	mem, err := unix.Mmap(-1, 0, hugePageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap huge page: %w", err)
	}
	bus, err := a.translate(mem)
	if err == nil {
		err = a.contiguous(mem[:size], bus)
	}
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	clear(mem)

	a.mu.Lock()
	a.mapped[&mem[0]] = mem
	a.mu.Unlock()
	return &Region{Mem: mem[:size], Bus: bus}, nil
}

func (a *Pagemap) Free(r *Region) error {
	a.mu.Lock()
	mem, ok := a.mapped[&r.Mem[0]]
	delete(a.mapped, &r.Mem[0])
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("dma: free of unknown region %#x", r.Bus)
	}
	return unix.Munmap(mem)
}

func (a *Pagemap) CreateMap(maxSize, maxSegs int) (Map, error) {
	n := (maxSize + PageSize - 1) / PageSize
	mem, err := unix.Mmap(-1, 0, n*PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap bounce pages: %w", err)
	}
	pages := make([]Region, n)
	for i := range pages {
		p := mem[i*PageSize : (i+1)*PageSize]
		bus, err := a.translate(p)
		if err != nil {
			unix.Munmap(mem)
			return nil, err
		}
		pages[i] = Region{Mem: p, Bus: bus}
	}
	return NewBounceMap(pages, maxSegs, func() { unix.Munmap(mem) }), nil
}

func (a *Pagemap) Close() error {
	return a.pagemap.Close()
}

func (a *Pagemap) translate(mem []byte) (uint64, error) {
	virt := uint64(uintptr(unsafe.Pointer(&mem[0])))
	pagesize := uint64(unix.Getpagesize())

	var entry [8]byte
	if _, err := a.pagemap.ReadAt(entry[:], int64(virt/pagesize*8)); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}
	e := binary.LittleEndian.Uint64(entry[:])
	if e&pagemapPresent == 0 || e&pagemapPFN == 0 {
		return 0, ErrNoPhysicalAddress
	}
	return (e&pagemapPFN)*pagesize + virt%pagesize, nil
}

func (a *Pagemap) contiguous(mem []byte, bus uint64) error {
	for off := PageSize; off < len(mem); off += PageSize {
		addr, err := a.translate(mem[off:])
		if err != nil {
			return err
		}
		if addr != bus+uint64(off) {
			return ErrNotContiguous
		}
	}
	return nil
}
