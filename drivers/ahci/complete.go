package ahci

import (
	"github.com/clktmr/ahci/drivers/ata"
	"k8s.io/klog/v2"
)

// deliver queues x for Finish once mu is released.
func (p *Port) deliver(x *ata.Xfer) {
	p.stats.Completed++
	p.completed = append(p.completed, x)
}

// retire releases the command slot of x. With the adapter still holding the
// command after a timeout, the channel is restarted.
func (p *Port) retire(x *ata.Xfer, timedOut bool) {
	const slotBit = 1 << activeSlot
	p.active &^= slotBit
	p.irqWait = false
	p.xfer = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if timedOut && p.regs.CI.Load()&slotBit != 0 {
		p.recoverTimeout()
	}
	p.dmaDone(&p.slots[activeSlot])
}

// recoverTimeout gets the adapter to drop a command that timed out. A
// restart of the channel is tried first, repeated timeouts reset it.
func (p *Port) recoverTimeout() {
	p.timeouts++
	if p.timeouts >= p.maxTimeouts {
		klog.InfoS("repeated timeouts, resetting channel", "port", p.n, "timeouts", p.timeouts)
		p.resetChannel()
		return
	}
	if err := p.stopChannel(); err != nil {
		return
	}
	p.startChannel(p.clo())
}

// complete finishes x with the task file and faults recorded by the
// interrupt handler, or as timed out.
func (p *Port) complete(x *ata.Xfer, timedOut bool) {
	p.retire(x, timedOut)
	if p.wakeDrain(x.Drive) {
		klog.V(2).InfoS("complete drained", "port", p.n, "drive", x.Drive)
		p.abort(x, ata.Gone)
		p.kick()
		return
	}

	r := ata.Result{
		Status:      p.status,
		Error:       p.err,
		Fault:       p.fault,
		Transferred: int(p.cmdh.PRDBC(activeSlot)),
	}
	_, packet := x.Op.(*ata.Packet)
	switch {
	case timedOut || r.Status&ata.StatusBSY != 0:
		r.Outcome = ata.TimedOut
	case !packet && r.Status&ata.StatusDF != 0:
		r.Outcome = ata.DeviceFault
	case r.Status&ata.StatusERR != 0:
		r.Outcome = ata.Failed
	}
	if r.Outcome == ata.OK {
		p.timeouts = 0
	}

	switch op := x.Op.(type) {
	case *ata.Command:
		if op.Flags&ata.CmdReadRegs != 0 && !timedOut {
			p.readRegs(op)
		}
	case *ata.BIO:
		op.Corrected = r.Status&ata.StatusCORR != 0
		op.Residual = len(op.Data)
		if !op.Write || r.Outcome == ata.OK {
			op.Residual -= r.Transferred
		}
	case *ata.Packet:
		op.Residual = len(op.Data) - r.Transferred
		if r.Outcome == ata.Failed {
			op.Sense = r.Error
		}
	}

	klog.V(2).InfoS("complete", "port", p.n, "drive", x.Drive, "outcome", r.Outcome,
		"status", r.Status, "error", r.Error, "transferred", r.Transferred)
	x.Result = r
	p.deliver(x)
	p.kick()
}

// wakeDrain wakes a Drain waiting for the in-flight command of drive and
// reports whether there was one.
func (p *Port) wakeDrain(drive int) bool {
	if drive < 0 || drive >= len(p.drives) || p.drives[drive].drain == nil {
		return false
	}
	d := &p.drives[drive]
	p.wakeups = append(p.wakeups, d.drain)
	d.drain = nil
	return true
}

// readRegs copies the received D2H register FIS to the result registers of
// op.
func (p *Port) readRegs(op *ata.Command) {
	d2h, err := p.rfis.D2H()
	if err != nil {
		klog.ErrorS(err, "can't decode d2h fis", "port", p.n)
		return
	}
	op.Regs = ata.Regs{
		Status: d2h.Status,
		Error:  d2h.Error,
		LBA:    d2h.LBA(),
		Count:  uint16(d2h.Count) | uint16(d2h.CountExp)<<8,
		Device: d2h.Device,
	}
}

// kill aborts x, which is either in flight or queued, without a result from
// the device. The channel must be stopped if x is in flight.
func (p *Port) kill(x *ata.Xfer, reason ata.KillReason) {
	if p.xfer == x {
		p.retire(x, false)
		p.wakeDrain(x.Drive)
	} else {
		for i, q := range p.queue {
			if q == x {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
	}
	klog.V(2).InfoS("kill", "port", p.n, "drive", x.Drive, "reason", reason.Outcome())
	p.abort(x, reason.Outcome())
}

// abort completes x with outcome o and nothing transferred.
func (p *Port) abort(x *ata.Xfer, o ata.Outcome) {
	x.Result = ata.Result{Outcome: o}
	if bio, ok := x.Op.(*ata.BIO); ok {
		if o != ata.DMAError {
			x.Result.Error = ata.ErrorABRT
		}
		bio.Residual = len(bio.Data)
	}
	p.deliver(x)
}

// killQueued kills all queued transfers of drive, or of all drives if drive
// is negative.
func (p *Port) killQueued(drive int, reason ata.KillReason) {
	var keep []*ata.Xfer
	queue := p.queue
	p.queue = nil
	for _, x := range queue {
		if drive >= 0 && x.Drive != drive {
			keep = append(keep, x)
			continue
		}
		p.abort(x, reason.Outcome())
	}
	p.queue = append(keep, p.queue...)
}
