// Package dma defines the DMA memory contract of the AHCI driver and
// provides a bounce buffer based implementation of loadable maps.
package dma

import "errors"

// PageSize is the granularity of DMA maps.
const PageSize = 4096

// Direction of a data transfer, as seen from the host.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
)

func (d Direction) String() string {
	if d == ToDevice {
		return "to-device"
	}
	return "from-device"
}

// SyncOp brackets device access to a loaded map.
type SyncOp int

const (
	PreRead SyncOp = iota
	PreWrite
	PostRead
	PostWrite
)

var (
	ErrTooLarge          = errors.New("dma: buffer exceeds map size")
	ErrTooManySegments   = errors.New("dma: too many segments")
	ErrLoaded            = errors.New("dma: map already loaded")
	ErrEmpty             = errors.New("dma: empty buffer")
	ErrNotContiguous     = errors.New("dma: region not physically contiguous")
	ErrNoPhysicalAddress = errors.New("dma: no physical address")
)

// Region is physically contiguous memory shared with a device.
type Region struct {
	Mem []byte // CPU view
	Bus uint64 // device view of Mem[0]
}

// Slice returns the sub-region [off, off+n).
func (r *Region) Slice(off, n int) Region {
	return Region{Mem: r.Mem[off : off+n], Bus: r.Bus + uint64(off)}
}

// Segment is a physically contiguous piece of a loaded buffer.
type Segment struct {
	Addr uint64
	Len  int
}

// Allocator provides DMA memory.
type Allocator interface {
	// Alloc returns zeroed, page aligned, physically contiguous memory.
	Alloc(size int) (*Region, error)
	Free(r *Region) error
	// CreateMap returns a map able to load buffers of up to maxSize bytes
	// in at most maxSegs segments.
	CreateMap(maxSize, maxSegs int) (Map, error)
}

// Map makes arbitrary buffers accessible to a device.
type Map interface {
	Load(buf []byte, dir Direction) ([]Segment, error)
	Sync(op SyncOp)
	Unload()
	Loaded() bool
	Destroy()
}
