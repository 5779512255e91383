package dma

// BounceMap is a Map copying loaded buffers to and from a fixed set of
// DMA pages. Pages that are adjacent in bus address space are merged
// into a single segment.
type BounceMap struct {
	pages   []Region
	maxSegs int
	release func()

	buf    []byte
	dir    Direction
	segs   []Segment
	loaded bool
}

// NewBounceMap returns a map over pages, each PageSize bytes. release, if
// not nil, is called by Destroy.
func NewBounceMap(pages []Region, maxSegs int, release func()) *BounceMap {
	return &BounceMap{
		pages:   pages,
		maxSegs: maxSegs,
		release: release,
		segs:    make([]Segment, 0, maxSegs),
	}
}

// Size returns the largest loadable buffer.
func (m *BounceMap) Size() int {
	return len(m.pages) * PageSize
}

func (m *BounceMap) Load(buf []byte, dir Direction) ([]Segment, error) {
	if m.loaded {
		return nil, ErrLoaded
	}
	if len(buf) == 0 {
		return nil, ErrEmpty
	}
	if len(buf) > m.Size() {
		return nil, ErrTooLarge
	}

	segs := m.segs[:0]
	for i, left := 0, len(buf); left > 0; i++ {
		n := min(left, PageSize)
		left -= n
		addr := m.pages[i].Bus
		if k := len(segs) - 1; k >= 0 && segs[k].Addr+uint64(segs[k].Len) == addr {
			segs[k].Len += n
			continue
		}
		if len(segs) == m.maxSegs {
			return nil, ErrTooManySegments
		}
		segs = append(segs, Segment{addr, n})
	}

	m.buf, m.dir, m.segs, m.loaded = buf, dir, segs, true
	return segs, nil
}

func (m *BounceMap) Sync(op SyncOp) {
	if !m.loaded {
		return
	}
	switch {
	case op == PreWrite && m.dir == ToDevice:
		for i, b := 0, m.buf; len(b) > 0; i++ {
			b = b[copy(m.pages[i].Mem, b):]
		}
	case op == PostRead && m.dir == FromDevice:
		for i, b := 0, m.buf; len(b) > 0; i++ {
			b = b[copy(b, m.pages[i].Mem):]
		}
	}
}

func (m *BounceMap) Unload() {
	m.buf, m.loaded = nil, false
}

func (m *BounceMap) Loaded() bool {
	return m.loaded
}

func (m *BounceMap) Destroy() {
	m.Unload()
	if m.release != nil {
		m.release()
		m.release = nil
	}
}
