package ahci

import (
	"fmt"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

// Intr handles an interrupt of the adapter. It reports whether the adapter
// had an interrupt pending.
func (c *Controller) Intr() bool {
	is := c.regs.IS.Load()
	if is == 0 {
		return false
	}
	c.regs.IS.Store(is)
	klog.V(3).InfoS("interrupt", "is", fmt.Sprintf("%#x", is))

	for n, p := range c.ports {
		if is&(1<<n) == 0 {
			continue
		}
		if p == nil {
			klog.V(3).InfoS("interrupt of unimplemented port", "port", n)
			continue
		}
		p.Intr()
	}
	return true
}

// Intr handles the interrupt status of the port.
func (p *Port) Intr() {
	p.mu.Lock()
	defer p.unlock()
	p.intr()
}

func (p *Port) intr() {
	const slotBit = 1 << activeSlot
	is := p.regs.IS.Load()
	p.regs.IS.Store(is)
	p.stats.Interrupts++
	klog.V(3).InfoS("port interrupt", "port", p.n, "is", fmt.Sprintf("%#x", uint32(is)),
		"active", p.active)

	if is&hba.PortIntrError != 0 {
		p.intrError(is)
		return
	}
	if p.active&slotBit == 0 {
		return
	}
	if p.regs.CI.Load()&slotBit != 0 {
		return // still running
	}
	tfd := p.regs.TFD.Load()
	p.status, p.err = tfd.Status(), tfd.Error()
	p.complete(p.xfer, false)
}

// intrError handles the interrupt status is after which the adapter stopped
// processing the command list.
func (p *Port) intrError(is hba.PortIntr) {
	const slotBit = 1 << activeSlot

	if ccs := p.regs.CMD.Load().CCS(); ccs != activeSlot {
		p.stats.Inconsistencies++
		klog.ErrorS(ErrInconsistent, "unexpected command slot", "port", p.n, "ccs", ccs,
			"active", p.active)
	}

	if err := p.stopChannel(); err != nil {
		klog.ErrorS(err, "can't stop channel after error", "port", p.n)
	}

	p.fault = 0
	if is&hba.PortIntrTFES != 0 {
		tfd := p.regs.TFD.Load()
		p.status, p.err = tfd.Status(), tfd.Error()
		p.fault |= ata.FaultTaskFile
	} else {
		// bus or interface error without a device status
		p.status, p.err = ata.StatusERR, ata.ErrorICRC
	}
	if is&hba.PortIntrHBFS != 0 {
		p.fault |= ata.FaultHostBus
	}
	if is&hba.PortIntrIFS != 0 {
		p.fault |= ata.FaultInterface
	}
	if is&hba.PortIntrOFS != 0 {
		p.fault |= ata.FaultOverflow
	}
	if is&hba.PortIntrUFS != 0 {
		p.fault |= ata.FaultUnderflow
	}
	p.stats.Errors++
	klog.V(2).InfoS("port error", "port", p.n, "is", fmt.Sprintf("%#x", uint32(is)),
		"status", p.status, "error", p.err, "serror", fmt.Sprintf("%#x", p.regs.SERR.Load()))

	if p.regs.CMD.Load()&hba.PortCmdCR == 0 && !p.resetting {
		p.startChannel(false)
	}
	if p.active&slotBit != 0 {
		p.complete(p.xfer, false)
	}
}
