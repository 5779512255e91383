package ahci

import (
	"fmt"
	"sync"
	"time"

	"github.com/clktmr/ahci/debug"
	"github.com/clktmr/ahci/dma"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/sata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

// activeSlot is the only command slot in use.
const activeSlot = 0

const (
	stopPolls    = 100
	stopInterval = 10 * time.Millisecond
	cloPolls     = 100
	cloInterval  = 10 * time.Millisecond
)

const allIntr = ^hba.PortIntr(0)

// Stats are counters of a port's activity.
type Stats struct {
	Submitted       uint64
	Completed       uint64
	Interrupts      uint64
	Errors          uint64
	Timeouts        uint64
	Resets          uint64
	Inconsistencies uint64
}

type slot struct {
	table hba.CommandTable
	bus   uint64
	data  dma.Map
	dir   dma.Direction
}

type drive struct {
	typ      ata.DriveType
	gone     bool
	draining bool

	// closed once the in-flight command of the drive completed
	drain chan struct{}
}

// Port is a port of the adapter with up to one attached drive, or up to 15
// behind a port multiplier.
type Port struct {
	n     int
	regs  *hba.PortRegisters
	host  *host
	alloc dma.Allocator
	link  sata.Resetter

	clock        hba.Clock
	quirks       Quirk
	ioTimeout    time.Duration
	pollInterval time.Duration
	maxTimeouts  int

	mu sync.Mutex

	cap    hba.Cap
	list   *dma.Region // command list followed by the received FIS area
	tables *dma.Region
	cmdh   hba.CommandList
	rfis   hba.ReceivedFIS
	slots  []slot

	// active is the bitmap of command slots issued to the adapter.
	active uint32
	xfer   *ata.Xfer
	queue  []*ata.Xfer
	timer  hba.Timer

	irqWait   bool
	kicking   bool
	resetting bool
	timeouts  int

	// task file and faults of the last error
	status, err uint8
	fault       ata.Fault

	pm       bool
	drives   []drive
	linkDown bool
	degraded bool

	// completions and wakeups delivered once mu is released
	completed []*ata.Xfer
	wakeups   []chan struct{}

	stats Stats
}

func newPort(n int, c *Controller) (*Port, error) {
	regs := c.regs.Port(n)
	p := &Port{
		n:            n,
		regs:         regs,
		host:         c.host,
		alloc:        c.alloc,
		link:         c.cfg.NewLink(n, regs, c.cfg.Clock),
		clock:        c.cfg.Clock,
		quirks:       c.cfg.Quirks,
		ioTimeout:    c.cfg.IOTimeout,
		pollInterval: c.cfg.PollInterval,
		maxTimeouts:  c.cfg.MaxTimeouts,
		cap:          c.cap,
		drives:       []drive{{}},
	}
	if err := p.allocate(); err != nil {
		p.free()
		return nil, err
	}
	if err := p.setup(); err != nil {
		p.free()
		return nil, err
	}
	return p, nil
}

// allocate sets up the DMA memory of the port. Only the command tables and
// data maps of slots the driver uses are allocated.
func (p *Port) allocate() error {
	list, err := p.alloc.Alloc(hba.CommandListSize + hba.ReceivedFISSize)
	if err != nil {
		return fmt.Errorf("command list: %w", err)
	}
	p.list = list
	p.cmdh = hba.CommandList(list.Mem[:hba.CommandListSize])
	p.rfis = hba.ReceivedFIS(list.Mem[hba.CommandListSize:])

	nslots := activeSlot + 1
	tables, err := p.alloc.Alloc(nslots * hba.CommandTableSize)
	if err != nil {
		return fmt.Errorf("command tables: %w", err)
	}
	p.tables = tables

	p.slots = make([]slot, nslots)
	for i := range p.slots {
		s := &p.slots[i]
		t := tables.Slice(i*hba.CommandTableSize, hba.CommandTableSize)
		s.table, s.bus = hba.CommandTable(t.Mem), t.Bus
		s.data, err = p.alloc.CreateMap(hba.MaxTransfer, hba.MaxPRD)
		if err != nil {
			return fmt.Errorf("slot %d map: %w", i, err)
		}
		debug.AssertErrNil(p.cmdh.SetHeader(i, &hba.CommandHeader{CTBA: s.bus}))
	}

	if p.cap&hba.CapS64A == 0 && (list.Bus>>32 != 0 || tables.Bus>>32 != 0) {
		return fmt.Errorf("memory at %#x not addressable without 64-bit support", list.Bus)
	}
	return nil
}

func (p *Port) free() {
	if p.degraded {
		klog.InfoS("not freeing memory of running port", "port", p.n)
		return
	}
	for i := range p.slots {
		if m := p.slots[i].data; m != nil {
			if m.Loaded() {
				m.Unload()
			}
			m.Destroy()
		}
	}
	p.slots = nil
	if p.tables != nil {
		p.alloc.Free(p.tables)
		p.tables = nil
	}
	if p.list != nil {
		p.alloc.Free(p.list)
		p.list = nil
	}
}

// setup programs the command list and received FIS addresses. The adapter
// must not be processing the command list.
func (p *Port) setup() error {
	if p.regs.CMD.Load()&(hba.PortCmdST|hba.PortCmdCR) != 0 {
		if err := p.stopChannel(); err != nil {
			return err
		}
	}
	klog.V(4).InfoS("port setup", "port", p.n, "clb", fmt.Sprintf("%#x", p.list.Bus))
	p.regs.SetCommandList(p.list.Bus)
	p.regs.SetReceivedFIS(p.list.Bus + hba.CommandListSize)
	return nil
}

// stopChannel stops command list processing and waits until the adapter
// acknowledged it. A port that doesn't stop is degraded.
func (p *Port) stopChannel() error {
	p.regs.CMD.ClearBits(hba.PortCmdST)
	ok := hba.Poll(p.clock, stopPolls, stopInterval, func() bool {
		return p.regs.CMD.Load()&hba.PortCmdCR == 0
	})
	if !ok {
		klog.ErrorS(ErrStopTimeout, "channel wouldn't stop", "port", p.n,
			"cmd", fmt.Sprintf("%#x", uint32(p.regs.CMD.Load())))
		p.degraded = true
		return ErrStopTimeout
	}
	p.degraded = false
	if p.xfer == nil && len(p.slots) > activeSlot {
		p.dmaDone(&p.slots[activeSlot])
	}
	return nil
}

// startChannel starts command list processing. With clo, a busy device is
// overridden first.
func (p *Port) startChannel(clo bool) error {
	p.regs.SERR.Store(p.regs.SERR.Load())

	if clo {
		debug.Assert(p.cap&hba.CapSCLO != 0, "command list override not supported")
		p.regs.CMD.SetBits(hba.PortCmdCLO)
		ok := hba.Poll(p.clock, cloPolls, cloInterval, func() bool {
			return p.regs.CMD.Load()&hba.PortCmdCLO == 0
		})
		if !ok {
			klog.ErrorS(ErrCLOTimeout, "command list override failed", "port", p.n)
			return ErrCLOTimeout
		}
	}

	cmd := hba.PortCmdICCActive | hba.PortCmdPOD | hba.PortCmdSUD | hba.PortCmdFRE | hba.PortCmdST
	if p.pm {
		cmd |= hba.PortCmdPMA
	}
	p.regs.CMD.Store(cmd)
	return nil
}

// clo reports whether the adapter supports command list override.
func (p *Port) clo() bool {
	return p.cap&hba.CapSCLO != 0
}

// N returns the port number.
func (p *Port) N() int { return p.n }

// Stats returns a snapshot of the port's counters.
func (p *Port) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Drives returns the number of drive addresses of the port, 16 with a port
// multiplier attached.
func (p *Port) Drives() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.drives)
}

// DriveType returns the type of drive detected by the last probe.
func (p *Port) DriveType(drive int) ata.DriveType {
	p.mu.Lock()
	defer p.mu.Unlock()
	if drive < 0 || drive >= len(p.drives) {
		return ata.DriveNone
	}
	return p.drives[drive].typ
}

// Degraded reports whether the port failed to stop and refuses commands.
func (p *Port) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// LinkDown reports whether the last interface reset failed.
func (p *Port) LinkDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkDown
}

// Active returns the bitmap of command slots issued to the adapter.
func (p *Port) Active() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// usable reports whether commands can be issued to drive.
func (p *Port) usable(drive int) bool {
	if drive < 0 || drive >= len(p.drives) {
		return false
	}
	d := &p.drives[drive]
	return !d.gone && !d.draining && !p.linkDown && !p.degraded
}

// unlock releases mu, then delivers completions queued while it was held.
func (p *Port) unlock() {
	done, wake := p.completed, p.wakeups
	p.completed, p.wakeups = nil, nil
	p.mu.Unlock()
	for _, x := range done {
		x.Finish()
	}
	for _, ch := range wake {
		close(ch)
	}
}

func (p *Port) detach() error {
	for drive := range p.Drives() {
		p.Drain(drive)
	}
	p.mu.Lock()
	defer p.unlock()
	p.regs.IE.Store(0)
	if err := p.stopChannel(); err != nil {
		return fmt.Errorf("port %d: %w", p.n, err)
	}
	p.regs.CMD.ClearBits(hba.PortCmdFRE)
	return nil
}
