package ahci

import (
	"fmt"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

// Drain makes drive unusable. Queued commands of the drive complete as
// gone, a command in flight is waited for up to its timeout and killed if
// it doesn't complete by then. Commands submitted afterwards complete as
// gone until the port is probed again.
func (p *Port) Drain(drive int) error {
	p.mu.Lock()
	if drive < 0 || drive >= len(p.drives) {
		p.unlock()
		return fmt.Errorf("%w: port %d drive %d", ErrNoDrive, p.n, drive)
	}
	klog.V(4).InfoS("drain", "port", p.n, "drive", drive)
	p.drives[drive].draining = true
	p.killQueued(drive, ata.KillGone)

	var wait chan struct{}
	x := p.xfer
	if x != nil && x.Drive == drive {
		d := &p.drives[drive]
		if d.drain == nil {
			d.drain = make(chan struct{})
		}
		wait = d.drain
	}
	p.unlock()

	if wait != nil {
		expired := make(chan struct{})
		t := p.clock.AfterFunc(p.timeoutOf(x)+p.pollInterval, func() { close(expired) })
		select {
		case <-wait:
			t.Stop()
		case <-expired:
			p.mu.Lock()
			if p.xfer == x {
				klog.InfoS("drain timed out, killing command", "port", p.n, "drive", drive)
				p.stopChannel()
				p.kill(x, ata.KillGone)
				if p.regs.CMD.Load()&hba.PortCmdCR == 0 && !p.resetting {
					p.startChannel(p.clo())
				}
			}
			p.unlock()
		}
	}

	p.mu.Lock()
	if drive < len(p.drives) {
		d := &p.drives[drive]
		d.gone, d.draining = true, false
	}
	p.kick()
	p.unlock()
	return nil
}
