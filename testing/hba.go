package testing

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
)

const (
	simSlots   = 4
	simVersion = 0x00010300

	tfdReady = ata.StatusDRDY | ata.StatusDSC
	tfdEmpty = 0x7f
)

// HBA simulates an AHCI host bus adapter. It implements hba.Bus. Commands
// issued through a port's CI register are executed synchronously on the
// attached Device, moving data through the Memory the driver allocated.
// Interrupts are latched in the IS registers; tests deliver them by calling
// the driver's interrupt handler, see Deliver.
type HBA struct {
	mu    sync.Mutex
	mem   *Memory
	clock *Clock

	cap, ghc, is, pi, vs, cap2 uint32

	resetStuck   bool
	clearOnReset bool
	resets       int

	ports []*Port
}

// NewHBA returns an adapter with nports ports, all implemented and empty.
func NewHBA(clock *Clock, mem *Memory, nports int) *HBA {
	h := &HBA{
		mem:   mem,
		clock: clock,
		cap:   uint32(hba.CapSCLO|hba.CapS64A|hba.CapSSS) | (simSlots-1)<<8 | uint32(nports-1),
		pi:    1<<nports - 1,
		vs:    simVersion,
	}
	for i := range nports {
		h.ports = append(h.ports, &Port{h: h, n: i, sig: ata.SigInvalid, tfd: tfdEmpty, ccs: -1})
	}
	return h
}

// Port returns simulated port n.
func (h *HBA) Port(n int) *Port {
	return h.ports[n]
}

// SetCap overrides the capabilities register.
func (h *HBA) SetCap(c hba.Cap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cap = uint32(c)
}

// SetPI overrides the ports implemented register.
func (h *HBA) SetPI(pi uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pi = pi
}

// SetVersion overrides the version register.
func (h *HBA) SetVersion(vs uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vs = vs
}

// ResetStuck makes GHC.HR never clear.
func (h *HBA) ResetStuck(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetStuck = on
}

// ClearOnReset makes an HBA reset clear CAP, CAP2 and PI, like platforms
// that rely on firmware to initialize them.
func (h *HBA) ClearOnReset(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearOnReset = on
}

// PI returns the ports implemented register.
func (h *HBA) PI() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pi
}

// Resets returns the number of HBA resets.
func (h *HBA) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// GHC returns the global host control register.
func (h *HBA) GHC() hba.GHC {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hba.GHC(h.ghc)
}

// Pending reports whether an interrupt is pending and enabled.
func (h *HBA) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ghc&uint32(hba.GHCIE) != 0 && h.is != 0
}

// Deliver calls intr while an interrupt is pending and returns the number
// of calls.
func (h *HBA) Deliver(intr func() bool) int {
	n := 0
	for ; n < 16 && h.Pending(); n++ {
		intr()
	}
	return n
}

func (h *HBA) Read32(off uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case hba.RegCap:
		return h.cap
	case hba.RegGHC:
		return h.ghc
	case hba.RegIS:
		return h.is
	case hba.RegPI:
		return h.pi
	case hba.RegVS:
		return h.vs
	case hba.RegCap2:
		return h.cap2
	}
	if p, reg := h.port(off); p != nil {
		return p.read(reg)
	}
	return 0
}

func (h *HBA) Write32(off uint32, v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case hba.RegCap:
		h.cap = v
	case hba.RegGHC:
		if v&uint32(hba.GHCHR) != 0 {
			h.reset()
			return
		}
		h.ghc = v & uint32(hba.GHCAE|hba.GHCIE)
	case hba.RegIS:
		h.is &^= v
	case hba.RegPI:
		h.pi = v
	case hba.RegCap2:
		h.cap2 = v
	default:
		if p, reg := h.port(off); p != nil {
			p.write(reg, v)
		}
	}
}

func (h *HBA) port(off uint32) (*Port, uint32) {
	if off < hba.PortBase(0) {
		return nil, 0
	}
	n := int(off-hba.PortBase(0)) / 0x80
	if n >= len(h.ports) {
		return nil, 0
	}
	return h.ports[n], off - hba.PortBase(n)
}

func (h *HBA) reset() {
	h.resets++
	h.ghc, h.is = 0, 0
	if h.resetStuck {
		h.ghc = uint32(hba.GHCHR)
	}
	if h.clearOnReset {
		h.cap, h.cap2, h.pi = 0, 0, 0
	}
	for _, p := range h.ports {
		p.cmd, p.is, p.ie, p.ci, p.serr, p.held = 0, 0, 0, 0, 0, 0
	}
}

// Issued is a command fetched by the adapter.
type Issued struct {
	Slot   int
	Header hba.CommandHeader
	FIS    hba.RegH2D
	ACMD   []byte
	PRDs   []hba.PRD
}

type failure struct {
	is     hba.PortIntr
	status uint8
	err    uint8
}

// Port is a simulated port. Its methods inject faults and inspect state.
type Port struct {
	h *HBA
	n int

	clb, clbu, fb, fbu uint32
	is, ie, cmd, tfd   uint32
	sig, ssts, sctl    uint32
	serr, sact, ci     uint32

	dev    *Device
	issued []Issued
	held   uint32

	hold           bool
	fail           *failure
	busyForever    bool
	busyUntil      time.Time
	busyAfterReset time.Duration
	stopStuck      bool
	cloStuck       bool
	linkDown       bool
	strictPMP      bool
	resetFails     int
	ccs            int
}

// Attach connects dev to the port and brings the link up.
func (p *Port) Attach(dev *Device) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.dev = dev
	p.linkUp()
}

// Detach disconnects the device.
func (p *Port) Detach() {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.dev = nil
	p.ssts = 0
}

// Hold keeps issued commands pending until Release.
func (p *Port) Hold() {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.hold = true
}

// Release executes held commands that are still issued.
func (p *Port) Release() {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.hold = false
	held := p.held & p.ci
	p.held = 0
	for slot := range 32 {
		if held&(1<<slot) != 0 {
			p.exec(slot)
		}
	}
}

// FailNext makes the next command end with interrupt status is and the
// given task file.
func (p *Port) FailNext(is hba.PortIntr, status, err uint8) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.fail = &failure{is, status, err}
}

// BusyForever keeps the BSY bit set until a command list override.
func (p *Port) BusyForever(on bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.busyForever = on
}

// BusyAfterReset keeps BSY set for d after each device reset.
func (p *Port) BusyAfterReset(d time.Duration) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.busyAfterReset = d
}

// StopStuck keeps CR set after ST was cleared.
func (p *Port) StopStuck(on bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.stopStuck = on
}

// CLOStuck keeps CLO set once requested.
func (p *Port) CLOStuck(on bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.cloStuck = on
}

// LinkDown prevents phy communication after a COMRESET.
func (p *Port) LinkDown(on bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.linkDown = on
}

// StrictPMP makes a device without port multiplier ignore FISes addressed
// to a non-zero port multiplier port.
func (p *Port) StrictPMP(on bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.strictPMP = on
}

// FailResets makes the next n software reset FISes never complete.
func (p *Port) FailResets(n int) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.resetFails = n
}

// ReportCCS makes CMD.CCS report slot regardless of the executing command.
func (p *Port) ReportCCS(slot int) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.ccs = slot
}

// Issued returns all commands fetched so far.
func (p *Port) Issued() []Issued {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return append([]Issued(nil), p.issued...)
}

// CI returns the command issue register.
func (p *Port) CI() uint32 {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.ci
}

// CMD returns the command and status register.
func (p *Port) CMD() hba.PortCmd {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return hba.PortCmd(p.cmd)
}

// IE returns the interrupt enable register.
func (p *Port) IE() hba.PortIntr {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return hba.PortIntr(p.ie)
}

func (p *Port) busy() bool {
	return p.busyForever || p.h.clock.Now().Before(p.busyUntil)
}

func (p *Port) read(reg uint32) uint32 {
	switch reg {
	case hba.PortRegCLB:
		return p.clb
	case hba.PortRegCLBU:
		return p.clbu
	case hba.PortRegFB:
		return p.fb
	case hba.PortRegFBU:
		return p.fbu
	case hba.PortRegIS:
		return p.is
	case hba.PortRegIE:
		return p.ie
	case hba.PortRegCMD:
		if p.ccs >= 0 {
			return p.cmd&^uint32(hba.PortCmdCCS) | uint32(p.ccs)<<8
		}
		return p.cmd
	case hba.PortRegTFD:
		if p.busy() {
			return p.tfd | ata.StatusBSY
		}
		return p.tfd
	case hba.PortRegSIG:
		return p.sig
	case hba.PortRegSSTS:
		return p.ssts
	case hba.PortRegSCTL:
		return p.sctl
	case hba.PortRegSERR:
		return p.serr
	case hba.PortRegSACT:
		return p.sact
	case hba.PortRegCI:
		return p.ci
	}
	return 0
}

func (p *Port) write(reg uint32, v uint32) {
	switch reg {
	case hba.PortRegCLB:
		p.clb = v
	case hba.PortRegCLBU:
		p.clbu = v
	case hba.PortRegFB:
		p.fb = v
	case hba.PortRegFBU:
		p.fbu = v
	case hba.PortRegIS:
		p.is &^= v
	case hba.PortRegIE:
		p.ie = v
	case hba.PortRegCMD:
		p.writeCmd(hba.PortCmd(v))
	case hba.PortRegSCTL:
		p.writeSctl(hba.SControl(v))
	case hba.PortRegSERR:
		p.serr &^= v
	case hba.PortRegCI:
		p.issue(v)
	}
}

func (p *Port) writeCmd(v hba.PortCmd) {
	const status = hba.PortCmdCR | hba.PortCmdFR | hba.PortCmdCCS
	old := hba.PortCmd(p.cmd)
	cmd := v&^(status|hba.PortCmdCLO) | old&(hba.PortCmdCR|hba.PortCmdCCS)

	if v&hba.PortCmdCLO != 0 {
		if p.cloStuck {
			cmd |= hba.PortCmdCLO
		} else {
			p.busyForever = false
			p.busyUntil = time.Time{}
			p.tfd &^= ata.StatusBSY | ata.StatusDRQ
		}
	}
	if v&hba.PortCmdST != 0 {
		cmd |= hba.PortCmdCR
	} else if !p.stopStuck {
		cmd &^= hba.PortCmdCR | hba.PortCmdCCS
		p.ci, p.held = 0, 0
	}
	if v&hba.PortCmdFRE != 0 {
		cmd |= hba.PortCmdFR
	}
	p.cmd = uint32(cmd)
}

func (p *Port) writeSctl(v hba.SControl) {
	p.sctl = uint32(v)
	switch v & hba.SControlDET {
	case hba.SControlDETInit:
		p.ssts = 0
	case 0:
		p.linkUp()
	}
}

func (p *Port) linkUp() {
	switch {
	case p.dev == nil:
		p.ssts, p.sig, p.tfd = hba.DetNone, ata.SigInvalid, tfdEmpty
	case p.linkDown:
		p.ssts = hba.DetDeviceNE
	default:
		p.ssts = hba.DetDevice | 1<<4 | 1<<8
		p.deviceReset()
	}
}

func (p *Port) deviceReset() {
	p.sig, p.tfd = p.dev.signature(), tfdReady
	if p.busyAfterReset > 0 {
		p.busyUntil = p.h.clock.Now().Add(p.busyAfterReset)
	}
}

func (p *Port) raise() {
	if p.is&p.ie != 0 {
		p.h.is |= 1 << p.n
	}
}

func (p *Port) issue(v uint32) {
	if p.cmd&uint32(hba.PortCmdST) == 0 {
		return
	}
	v &^= p.ci
	p.ci |= v
	for slot := range 32 {
		if v&(1<<slot) != 0 {
			p.exec(slot)
		}
	}
}

func (p *Port) fetch(slot int) (*Issued, error) {
	mem := p.h.mem
	clb := uint64(p.clbu)<<32 | uint64(p.clb)
	hb := make(hba.CommandList, hba.CommandHeaderSize)
	if err := mem.ReadAt(hb, clb+uint64(slot*hba.CommandHeaderSize)); err != nil {
		return nil, err
	}
	hdr, err := hb.Header(0)
	if err != nil {
		return nil, err
	}

	tbl := make(hba.CommandTable, hba.CommandTableSize)
	if err := mem.ReadAt(tbl, hdr.CTBA); err != nil {
		return nil, err
	}
	fis, err := hba.DecodeRegH2D(tbl.CFIS())
	if err != nil {
		return nil, err
	}
	is := &Issued{Slot: slot, Header: *hdr, FIS: *fis, ACMD: append([]byte(nil), tbl.ACMD()...)}
	for i := range int(hdr.PRDTL) {
		prd, err := tbl.PRD(i)
		if err != nil {
			return nil, err
		}
		is.PRDs = append(is.PRDs, *prd)
	}
	return is, nil
}

func (p *Port) exec(slot int) {
	cmd, err := p.fetch(slot)
	if err != nil {
		p.is |= uint32(hba.PortIntrHBFS)
		p.raise()
		return
	}
	p.issued = append(p.issued, *cmd)
	if p.hold {
		p.held |= 1 << slot
		return
	}

	if cmd.FIS.C == 0 {
		p.control(cmd)
		return
	}
	if f := p.fail; f != nil {
		p.fail = nil
		p.is |= uint32(f.is)
		p.tfd = uint32(f.status) | uint32(f.err)<<8
		p.cmd = p.cmd&^uint32(hba.PortCmdCCS) | uint32(slot)<<8
		p.raise()
		return
	}
	if p.dev == nil || p.ssts&uint32(hba.SStatusDET) != hba.DetDevice || !p.addressed(cmd) {
		return // never completes
	}

	var res devResult
	var out []byte
	if cmd.Header.Write != 0 {
		out = p.gather(cmd.PRDs)
	}
	if cmd.FIS.Command == ata.CmdPacket {
		res = p.dev.packet(cmd.ACMD)
	} else {
		lba, count := cmd.FIS.LBA(), int(cmd.FIS.Count)|int(cmd.FIS.CountExp)<<8
		switch cmd.FIS.Command {
		case ata.CmdReadDMA, ata.CmdWriteDMA:
			lba = lba&0xffffff | uint64(cmd.FIS.Device&0xf)<<24
			if count == 0 {
				count = ata.MaxCount28
			}
		case ata.CmdReadDMAExt, ata.CmdWriteDMAExt:
			if count == 0 {
				count = ata.MaxCount48
			}
		}
		res = p.dev.exec(cmd.FIS.Command, lba, count, out)
	}

	n, overflow := 0, false
	if res.status&ata.StatusERR == 0 {
		if cmd.Header.Write != 0 {
			n = len(out)
		} else {
			n, overflow = p.scatter(cmd.PRDs, res.data)
		}
	}
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(n))
	clb := uint64(p.clbu)<<32 | uint64(p.clb)
	p.h.mem.WriteAt(cnt[:], clb+uint64(slot*hba.CommandHeaderSize)+4)

	d2h := hba.RegD2H{I: 1, Status: res.status, Error: res.err, Count: uint8(n / ata.SectorSize)}
	p.receive(&d2h)
	p.tfd = uint32(res.status) | uint32(res.err)<<8

	switch {
	case overflow:
		p.is |= uint32(hba.PortIntrOFS)
	case res.status&ata.StatusERR != 0:
		p.is |= uint32(hba.PortIntrTFES | hba.PortIntrDHRS)
	default:
		p.ci &^= 1 << slot
		p.is |= uint32(hba.PortIntrDHRS)
		for _, prd := range cmd.PRDs {
			if prd.Interrupt != 0 {
				p.is |= uint32(hba.PortIntrDPS)
			}
		}
		p.raise()
		return
	}
	p.cmd = p.cmd&^uint32(hba.PortCmdCCS) | uint32(slot)<<8
	p.raise()
}

// control handles a software reset FIS.
func (p *Port) control(cmd *Issued) {
	bit := uint32(1) << cmd.Slot
	if cmd.FIS.Control&ata.ControlSRST != 0 {
		if p.resetFails > 0 {
			p.resetFails--
			return
		}
		p.ci &^= bit
		return
	}
	if p.dev == nil || p.ssts&uint32(hba.SStatusDET) != hba.DetDevice || !p.addressed(cmd) {
		return
	}
	p.deviceReset()
	d2h := hba.RegD2H{Status: tfdReady, Error: 1, LBA0: 1, Count: 1}
	d2h.LBA1, d2h.LBA2 = uint8(p.sig>>16), uint8(p.sig>>24)
	p.receive(&d2h)
	p.ci &^= bit
	p.is |= uint32(hba.PortIntrDHRS)
	p.raise()
}

func (p *Port) addressed(cmd *Issued) bool {
	return !p.strictPMP || p.dev.Type == ata.DrivePM || cmd.FIS.PMPort == 0
}

func (p *Port) receive(d2h *hba.RegD2H) {
	b, err := d2h.Encode()
	if err != nil {
		panic(err)
	}
	fb := uint64(p.fbu)<<32 | uint64(p.fb)
	rfis := make(hba.ReceivedFIS, hba.ReceivedFISSize)
	rfis.SetD2H(b)
	p.h.mem.WriteAt(rfis[0x40:0x40+hba.RegFISSize], fb+0x40)
}

func (p *Port) gather(prds []hba.PRD) []byte {
	var out []byte
	for _, prd := range prds {
		b := make([]byte, prd.Len())
		if p.h.mem.ReadAt(b, prd.DBA) != nil {
			break
		}
		out = append(out, b...)
	}
	return out
}

func (p *Port) scatter(prds []hba.PRD, data []byte) (n int, overflow bool) {
	for _, prd := range prds {
		if len(data) == 0 {
			break
		}
		k := min(prd.Len(), len(data))
		if p.h.mem.WriteAt(data[:k], prd.DBA) != nil {
			break
		}
		data = data[k:]
		n += k
	}
	return n, len(data) > 0
}
