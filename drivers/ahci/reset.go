package ahci

import (
	"errors"
	"fmt"
	"time"

	"github.com/clktmr/ahci/debug"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/sata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

const (
	fisPollInterval = 10 * time.Millisecond
	srstTimeout     = 100 * time.Millisecond
	fisTimeout      = 310 * time.Millisecond

	// The device gets 31 seconds to clear BSY after a reset.
	resetWaitPolls    = 3100
	resetWaitInterval = 10 * time.Millisecond

	settleDelay = 500 * time.Millisecond
)

// ResetDrive performs a software reset of drive and returns its signature.
// If the reset fails, the channel is reset and ata.SigInvalid returned
// together with the error. A command in flight is killed.
func (p *Port) ResetDrive(drive int) (uint32, error) {
	p.mu.Lock()
	defer p.unlock()
	sig, err := p.resetDrive(drive)
	p.kick()
	return sig, err
}

func (p *Port) resetDrive(drive int) (uint32, error) {
	klog.V(4).InfoS("reset drive", "port", p.n, "drive", drive)
	resetting := p.resetting
	p.resetting = true
	defer func() { p.resetting = resetting }()
	p.stats.Resets++

	p.host.mask()
	defer p.host.unmask()

	p.stopChannel()
	if x := p.xfer; x != nil {
		p.kill(x, ata.KillReset)
	}
	sig, err := p.doResetDrive(drive)
	if err == nil && p.degraded {
		err = ErrStopTimeout
	}
	if err != nil {
		klog.ErrorS(err, "drive reset failed, resetting channel", "port", p.n, "drive", drive)
		if cerr := p.resetChannel(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return ata.SigInvalid, err
	}
	return sig, nil
}

// doResetDrive sends a software reset to drive and waits for the device to
// become ready. The channel must be stopped. It is started again on return.
func (p *Port) doResetDrive(drive int) (sig uint32, err error) {
	clo := p.clo()
	for {
		var retry bool
		sig, retry, err = p.softReset(drive, clo)
		if retry && p.quirks&QuirkBadPMPReset != 0 && drive != 0 {
			klog.V(1).InfoS("reset through port multiplier failed, retrying on drive 0",
				"port", p.n, "drive", drive)
			drive = 0
			p.stopChannel()
			continue
		}
		break
	}

	p.stopChannel()
	p.clock.Sleep(settleDelay)
	p.regs.IS.Store(allIntr)
	p.startChannel(clo)
	return sig, err
}

// softReset asserts and deasserts SRST of drive. It reports whether the
// deassertion failed, which some port multipliers do when addressed
// through their control port.
func (p *Port) softReset(drive int, clo bool) (uint32, bool, error) {
	debug.Assert(drive == 0 || p.cap&hba.CapSPM != 0, "port multiplier not supported")
	p.regs.IS.Store(allIntr)
	p.startChannel(clo)

	if p.quirks&QuirkSkipReset == 0 {
		if err := p.execControl(drive, true, srstTimeout); err != nil {
			return ata.SigInvalid, false, fmt.Errorf("%w: assert srst: %w", ErrResetFailed, err)
		}
		if err := p.execControl(drive, false, fisTimeout); err != nil {
			return ata.SigInvalid, true, fmt.Errorf("%w: deassert srst: %w", ErrResetFailed, err)
		}
	}

	ok := hba.Poll(p.clock, resetWaitPolls, resetWaitInterval, func() bool {
		return !p.regs.TFD.Load().Busy()
	})
	if !ok {
		return ata.SigInvalid, false, ErrResetTimeout
	}
	sig := p.regs.SIG.Load()
	klog.V(1).InfoS("drive reset", "port", p.n, "drive", drive, "sig", fmt.Sprintf("%#08x", sig))
	return sig, false, nil
}

// execControl issues a control FIS to drive in the active slot and polls
// for its completion. A D2H FIS reporting an error still carries a valid
// signature and is no failure.
func (p *Port) execControl(drive int, srst bool, timeout time.Duration) error {
	s := &p.slots[activeSlot]
	h := hba.CommandHeader{
		FISLength: hba.RegFISDwords,
		PMP:       uint8(drive),
		CTBA:      s.bus,
	}
	fis := hba.RegH2D{PMPort: uint8(drive)}
	if srst {
		h.Reset, h.ClearBusy = 1, 1
		fis.Control = ata.ControlSRST
	}
	b, err := fis.Encode()
	debug.AssertErrNil(err)
	s.table.SetCFIS(b)
	debug.AssertErrNil(p.cmdh.SetHeader(activeSlot, &h))

	switch err := p.execFIS(activeSlot, timeout); err {
	case errFISError:
		klog.V(1).InfoS("control fis reported error", "port", p.n, "drive", drive, "srst", srst)
		return nil
	default:
		return err
	}
}

// execFIS issues the command in slot and polls for its completion for
// timeout.
func (p *Port) execFIS(slot int, timeout time.Duration) error {
	bit := uint32(1) << slot
	p.regs.CI.Store(bit)
	for range int(timeout / fisPollInterval) {
		if p.regs.CI.Load()&bit == 0 {
			return nil
		}
		is := p.regs.IS.Load()
		if is&hba.PortIntrError != 0 {
			if is&(hba.PortIntrDHRS|hba.PortIntrTFES) == hba.PortIntrDHRS|hba.PortIntrTFES {
				return errFISError
			}
			return errFISDeviceFault
		}
		p.clock.Sleep(fisPollInterval)
	}
	return errFISTimeout
}

// ResetChannel resets the interface of the port and waits for the device
// to become ready. A command in flight is killed. If the link doesn't come
// up, the port refuses commands until the next successful reset or probe.
func (p *Port) ResetChannel() error {
	p.mu.Lock()
	defer p.unlock()
	err := p.resetChannel()
	p.kick()
	return err
}

func (p *Port) resetChannel() error {
	klog.V(4).InfoS("reset channel", "port", p.n)
	resetting := p.resetting
	p.resetting = true
	defer func() { p.resetting = resetting }()
	p.stats.Resets++

	p.stopChannel()
	d := p.link.ResetInterface(sata.DefaultTimeout)
	if x := p.xfer; x != nil {
		p.kill(x, ata.KillReset)
	}
	if d != sata.DeviceReady {
		klog.ErrorS(ErrLink, "port reset failed", "port", p.n, "detect", d)
		p.linkDown = true
		return fmt.Errorf("%w: port %d: device %v", ErrLink, p.n, d)
	}
	p.linkDown = false

	p.clock.Sleep(settleDelay)
	p.regs.IS.Store(allIntr)
	p.startChannel(p.clo())

	var err error
	ok := hba.Poll(p.clock, resetWaitPolls, resetWaitInterval, func() bool {
		return !p.regs.TFD.Load().Busy()
	})
	if !ok {
		klog.ErrorS(ErrResetTimeout, "device busy after channel reset", "port", p.n)
		err = ErrResetTimeout
	}
	p.regs.IS.Store(allIntr)
	p.timeouts = 0
	return err
}

// ProbeDrive resets the interface and the drive of the port, determines
// the drive type from its signature and enables interrupts of the port.
func (p *Port) ProbeDrive() (ata.DriveType, error) {
	p.mu.Lock()
	defer p.unlock()
	typ, err := p.probeDrive()
	p.kick()
	return typ, err
}

func (p *Port) probeDrive() (ata.DriveType, error) {
	klog.V(4).InfoS("probe drive", "port", p.n)
	resetting := p.resetting
	p.resetting = true
	defer func() { p.resetting = resetting }()

	if x := p.xfer; x != nil {
		p.stopChannel()
		p.kill(x, ata.KillReset)
	}
	p.regs.CMD.Store(hba.PortCmdICCActive | hba.PortCmdFRE | hba.PortCmdPOD | hba.PortCmdSUD)

	d := p.link.ResetInterface(sata.DefaultTimeout)
	klog.V(1).InfoS("link", "port", p.n, "detect", d)
	if d != sata.DeviceReady {
		p.pm = false
		p.drives = []drive{{}}
		if d == sata.DevicePresent {
			p.linkDown = true
			return ata.DriveNone, fmt.Errorf("%w: port %d: no phy communication", ErrLink, p.n)
		}
		p.linkDown = false
		return ata.DriveNone, nil
	}
	p.linkDown = false
	p.clock.Sleep(settleDelay)

	target := 0
	if p.cap&hba.CapSPM != 0 {
		target = ata.PMPortControl
	}
	sig, err := p.doResetDrive(target)
	typ := ata.Classify(sig)
	klog.V(1).InfoS("drive signature", "port", p.n, "sig", fmt.Sprintf("%#08x", sig), "type", typ)

	if typ == ata.DrivePM {
		p.pm = true
		p.regs.CMD.SetBits(hba.PortCmdPMA)
		p.drives = make([]drive, ata.PMPortControl+1)
		p.drives[ata.PMPortControl].typ = ata.DrivePM
	} else {
		p.pm = false
		p.drives = []drive{{typ: typ}}
	}

	p.regs.IS.Store(allIntr)
	p.regs.IE.Store(hba.PortIntrDefault)
	p.clock.Sleep(settleDelay)
	return typ, err
}
