package ahci

import (
	"errors"
	"fmt"
	"time"

	"github.com/clktmr/ahci/debug"
	"github.com/clktmr/ahci/dma"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

var errInvalid = errors.New("invalid transfer")

// Submit queues x for execution on the port. x completes through
// x.Finish, possibly before Submit returns.
func (p *Port) Submit(x *ata.Xfer) {
	p.mu.Lock()
	defer p.unlock()

	p.stats.Submitted++
	if !p.usable(x.Drive) {
		klog.V(2).InfoS("drive unusable", "port", p.n, "drive", x.Drive)
		p.abort(x, ata.Gone)
		return
	}
	p.queue = append(p.queue, x)
	p.kick()
}

// Exec submits x and waits for its completion.
func (p *Port) Exec(x *ata.Xfer) ata.Result {
	p.Submit(x)
	<-x.Wait()
	return x.Result
}

// kick starts queued transfers while the command slot is free. It doesn't
// recurse when a started transfer completes immediately.
func (p *Port) kick() {
	if p.kicking || p.resetting {
		return
	}
	p.kicking = true
	defer func() { p.kicking = false }()

	for p.xfer == nil && len(p.queue) > 0 {
		x := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if !p.usable(x.Drive) {
			p.abort(x, ata.Gone)
			continue
		}
		p.issue(x)
	}
}

func (p *Port) timeoutOf(x *ata.Xfer) time.Duration {
	if x.Timeout > 0 {
		return x.Timeout
	}
	return p.ioTimeout
}

// issue programs the command slot for x and hands it to the adapter.
func (p *Port) issue(x *ata.Xfer) {
	const slotBit = 1 << activeSlot
	debug.Assert(p.active&slotBit == 0, "command slot busy")
	s := &p.slots[activeSlot]

	fis, cdb, data, dir, err := buildFIS(x)
	if err != nil {
		klog.ErrorS(err, "can't issue command", "port", p.n, "drive", x.Drive)
		p.abort(x, ata.DMAError)
		return
	}
	nsegs, err := p.dmaSetup(s, data, dir)
	if err != nil {
		klog.ErrorS(err, "can't load dma map", "port", p.n, "drive", x.Drive, "len", len(data))
		p.abort(x, ata.DMAError)
		return
	}

	b, err := fis.Encode()
	debug.AssertErrNil(err)
	s.table.SetCFIS(b)
	h := hba.CommandHeader{
		FISLength: hba.RegFISDwords,
		PMP:       uint8(x.Drive),
		PRDTL:     uint16(nsegs),
		CTBA:      s.bus,
	}
	if cdb != nil {
		s.table.SetACMD(cdb)
		h.ATAPI = 1
	}
	if dir == dma.ToDevice && nsegs > 0 {
		h.Write = 1
	}
	debug.AssertErrNil(p.cmdh.SetHeader(activeSlot, &h))

	klog.V(2).InfoS("issue", "port", p.n, "drive", x.Drive, "cmd", fmt.Sprintf("%#02x", fis.Command),
		"lba", fis.LBA(), "len", len(data), "poll", x.Poll)

	p.xfer = x
	p.status, p.err, p.fault = 0, 0, 0
	p.active |= slotBit
	if !x.Poll {
		p.irqWait = true
		p.timer = p.clock.AfterFunc(p.timeoutOf(x), func() { p.expire(x) })
	}
	p.regs.CI.Store(slotBit)

	if x.Poll {
		p.poll(x)
	}
}

// poll waits for the completion of x with interrupts of the adapter masked.
// mu is released while sleeping.
func (p *Port) poll(x *ata.Xfer) {
	const slotBit = 1 << activeSlot
	p.host.mask()
	defer p.host.unmask()

	n := int(p.timeoutOf(x) / p.pollInterval)
	for i := 0; i < n; i++ {
		if p.xfer != x {
			return // killed
		}
		if p.regs.CI.Load()&slotBit == 0 || p.regs.IS.Load()&hba.PortIntrError != 0 {
			p.intr()
			if p.xfer != x {
				return
			}
		}
		p.mu.Unlock()
		p.clock.Sleep(p.pollInterval)
		p.mu.Lock()
	}
	if p.xfer != x {
		return
	}
	p.intr()
	if p.xfer == x {
		klog.ErrorS(ata.ErrTimeout, "polled command timed out", "port", p.n, "drive", x.Drive)
		p.stats.Timeouts++
		p.complete(x, true)
	}
}

// expire is the timeout callback of x.
func (p *Port) expire(x *ata.Xfer) {
	p.mu.Lock()
	defer p.unlock()
	if !p.irqWait || p.xfer != x {
		return
	}
	klog.ErrorS(ata.ErrTimeout, "command timed out", "port", p.n, "drive", x.Drive,
		"ci", fmt.Sprintf("%#x", p.regs.CI.Load()), "tfd", fmt.Sprintf("%#x", uint32(p.regs.TFD.Load())))
	p.stats.Timeouts++
	p.timer = nil
	p.complete(x, true)
}

// buildFIS translates the operation of x into a register FIS.
func buildFIS(x *ata.Xfer) (fis hba.RegH2D, cdb, data []byte, dir dma.Direction, err error) {
	fis.C = 1
	fis.PMPort = uint8(x.Drive)
	dir = dma.FromDevice

	switch op := x.Op.(type) {
	case *ata.Command:
		fis.Command = op.Command
		fis.SetFeatures(op.Features)
		fis.SetLBA(op.LBA)
		fis.SetCount(op.Count)
		fis.Device = op.Device
		data = op.Data
		if op.Flags&ata.CmdWrite != 0 {
			dir = dma.ToDevice
		}

	case *ata.BIO:
		n := op.Sectors()
		if n == 0 || len(op.Data)%ata.SectorSize != 0 {
			return fis, nil, nil, dir, fmt.Errorf("%w: %d bytes", errInvalid, len(op.Data))
		}
		data = op.Data
		if op.Write {
			dir = dma.ToDevice
		}
		if op.LBA48 {
			if n > ata.MaxCount48 || op.LBA+uint64(n) > ata.MaxLBA48+1 {
				return fis, nil, nil, dir, fmt.Errorf("%w: lba48 %d+%d", errInvalid, op.LBA, n)
			}
			fis.Command = ata.CmdReadDMAExt
			if op.Write {
				fis.Command = ata.CmdWriteDMAExt
			}
			fis.SetLBA(op.LBA)
			fis.SetCount(uint16(n)) // 65536 wraps to 0
			fis.Device = ata.DeviceLBA
		} else {
			if n > ata.MaxCount28 || op.LBA+uint64(n) > ata.MaxLBA28+1 {
				return fis, nil, nil, dir, fmt.Errorf("%w: lba28 %d+%d", errInvalid, op.LBA, n)
			}
			fis.Command = ata.CmdReadDMA
			if op.Write {
				fis.Command = ata.CmdWriteDMA
			}
			fis.SetLBA(op.LBA & 0xffffff)
			fis.Count = uint8(n) // 256 wraps to 0
			fis.Device = ata.DeviceLBA | uint8(op.LBA>>24)&0xf
		}

	case *ata.Packet:
		if len(op.CDB) != 12 && len(op.CDB) != 16 {
			return fis, nil, nil, dir, fmt.Errorf("%w: cdb length %d", errInvalid, len(op.CDB))
		}
		fis.Command = ata.CmdPacket
		cdb, data = op.CDB, op.Data
		if len(data) > 0 {
			fis.Features = ata.PacketDMA
		}
		if op.Write {
			dir = dma.ToDevice
		}

	default:
		return fis, nil, nil, dir, fmt.Errorf("%w: operation %T", errInvalid, x.Op)
	}
	return fis, cdb, data, dir, nil
}

// dmaSetup loads data into the map of s and fills the PRD table. It
// returns the number of PRD entries.
func (p *Port) dmaSetup(s *slot, data []byte, dir dma.Direction) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	segs, err := s.data.Load(data, dir)
	if err != nil {
		return 0, err
	}
	s.dir = dir
	if dir == dma.ToDevice {
		s.data.Sync(dma.PreWrite)
	} else {
		s.data.Sync(dma.PreRead)
	}
	for i, seg := range segs {
		prd := hba.NewPRD(seg.Addr, seg.Len)
		if i == len(segs)-1 {
			prd.Interrupt = 1
		}
		debug.AssertErrNil(s.table.SetPRD(i, &prd))
	}
	return len(segs), nil
}

// dmaDone unloads the data map of s after the adapter released it. The
// map stays loaded while the port is degraded.
func (p *Port) dmaDone(s *slot) {
	if !s.data.Loaded() {
		return
	}
	if p.degraded {
		klog.InfoS("not unloading data map of running port", "port", p.n)
		return
	}
	if s.dir == dma.ToDevice {
		s.data.Sync(dma.PostWrite)
	} else {
		s.data.Sync(dma.PostRead)
	}
	s.data.Unload()
}
