package hba

// Bus is a window of 32-bit little endian registers, e.g. a mapped PCI BAR.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// U32 is a plain 32-bit register.
type U32 struct {
	bus Bus
	off uint32
}

func (r U32) Load() uint32 { return r.bus.Read32(r.off) }
func (r U32) Store(v uint32) { r.bus.Write32(r.off, v) }
func (r U32) Offset() uint32 { return r.off }
func (r U32) SetBits(m uint32) { r.Store(r.Load() | m) }

// R32 is a 32-bit register holding bits of type T.
type R32[T ~uint32] struct {
	bus Bus
	off uint32
}

func (r R32[T]) Load() T { return T(r.bus.Read32(r.off)) }
func (r R32[T]) Store(v T) { r.bus.Write32(r.off, uint32(v)) }
func (r R32[T]) Offset() uint32 { return r.off }
func (r R32[T]) LoadBits(m T) T { return r.Load() & m }
func (r R32[T]) SetBits(m T) { r.Store(r.Load() | m) }
func (r R32[T]) ClearBits(m T) { r.Store(r.Load() &^ m) }
func (r R32[T]) StoreBits(m, v T) { r.Store(r.Load()&^m | v&m) }

// NewR32 returns the register at offset off of bus.
func NewR32[T ~uint32](bus Bus, off uint32) R32[T] {
	return R32[T]{bus, off}
}
