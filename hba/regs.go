package hba

// Generic host control register offsets.
const (
	RegCap  = 0x00
	RegGHC  = 0x04
	RegIS   = 0x08
	RegPI   = 0x0c
	RegVS   = 0x10
	RegCap2 = 0x24
)

// Port register offsets relative to PortBase.
const (
	PortRegCLB  = 0x00
	PortRegCLBU = 0x04
	PortRegFB   = 0x08
	PortRegFBU  = 0x0c
	PortRegIS   = 0x10
	PortRegIE   = 0x14
	PortRegCMD  = 0x18
	PortRegTFD  = 0x20
	PortRegSIG  = 0x24
	PortRegSSTS = 0x28
	PortRegSCTL = 0x2c
	PortRegSERR = 0x30
	PortRegSACT = 0x34
	PortRegCI   = 0x38

	portRegsStart = 0x100
	portRegsSize  = 0x80
)

// MaxPorts is the number of ports an adapter can implement.
const MaxPorts = 32

// PortBase returns the offset of port n's register block.
func PortBase(n int) uint32 {
	return portRegsStart + uint32(n)*portRegsSize
}

// Cap is the HBA capabilities register.
type Cap uint32

const (
	CapNP   Cap = 0x1f // number of ports - 1
	CapSXS  Cap = 1 << 5
	CapEMS  Cap = 1 << 6
	CapCCCS Cap = 1 << 7
	CapNCS  Cap = 0x1f << 8 // number of command slots - 1
	CapPSC  Cap = 1 << 13
	CapSSC  Cap = 1 << 14
	CapPMD  Cap = 1 << 15
	CapFBSS Cap = 1 << 16
	CapSPM  Cap = 1 << 17 // port multiplier
	CapSAM  Cap = 1 << 18 // AHCI only
	CapISS  Cap = 0xf << 20
	CapSCLO Cap = 1 << 24 // command list override
	CapSAL  Cap = 1 << 25
	CapSALP Cap = 1 << 26
	CapSSS  Cap = 1 << 27 // staggered spin-up
	CapSMPS Cap = 1 << 28
	CapSNTF Cap = 1 << 29
	CapSNCQ Cap = 1 << 30
	CapS64A Cap = 1 << 31 // 64-bit addressing
)

// Ports returns the number of ports supported by the adapter.
func (c Cap) Ports() int { return int(c&CapNP) + 1 }

// Slots returns the number of command slots per port.
func (c Cap) Slots() int { return int(c&CapNCS>>8) + 1 }

// Gen returns the interface speed generation.
func (c Cap) Gen() int { return int(c & CapISS >> 20) }

// GHC is the global HBA control register.
type GHC uint32

const (
	GHCHR   GHC = 1 << 0 // HBA reset
	GHCIE   GHC = 1 << 1 // interrupt enable
	GHCMRSM GHC = 1 << 2
	GHCAE   GHC = 1 << 31 // AHCI enable
)

// Version is the content of the VS register.
type Version uint32

func (v Version) Major() int { return int(v >> 16) }
func (v Version) Minor() int { return int(v & 0xffff) }

// HasCap2 reports whether the CAP2 register is defined, i.e. the adapter
// implements AHCI 1.2 or later.
func (v Version) HasCap2() bool { return v >= 0x00010200 }

// PortIntr holds the bits of a port's interrupt status and enable
// registers.
type PortIntr uint32

const (
	PortIntrDHRS PortIntr = 1 << 0  // device to host register FIS
	PortIntrPSS  PortIntr = 1 << 1  // PIO setup FIS
	PortIntrDSS  PortIntr = 1 << 2  // DMA setup FIS
	PortIntrSDBS PortIntr = 1 << 3  // set device bits FIS
	PortIntrUFS  PortIntr = 1 << 4  // unknown FIS
	PortIntrDPS  PortIntr = 1 << 5  // descriptor processed
	PortIntrPCS  PortIntr = 1 << 6  // port connect change
	PortIntrDMPS PortIntr = 1 << 7  // mechanical presence
	PortIntrPRCS PortIntr = 1 << 22 // PhyRdy change
	PortIntrIPMS PortIntr = 1 << 23 // incorrect port multiplier
	PortIntrOFS  PortIntr = 1 << 24 // overflow
	PortIntrINFS PortIntr = 1 << 26 // interface non-fatal error
	PortIntrIFS  PortIntr = 1 << 27 // interface fatal error
	PortIntrHBDS PortIntr = 1 << 28 // host bus data error
	PortIntrHBFS PortIntr = 1 << 29 // host bus fatal error
	PortIntrTFES PortIntr = 1 << 30 // task file error
	PortIntrCPDS PortIntr = 1 << 31 // cold port detect

	// PortIntrError are the bits after which the adapter stops processing
	// the command list of the port.
	PortIntrError = PortIntrTFES | PortIntrHBFS | PortIntrIFS | PortIntrOFS | PortIntrUFS

	// PortIntrDefault is the interrupt mask enabled on a probed port.
	PortIntrDefault = PortIntrTFES | PortIntrHBFS | PortIntrIFS | PortIntrOFS |
		PortIntrDPS | PortIntrUFS | PortIntrPSS | PortIntrDHRS
)

// PortCmd is the port command and status register.
type PortCmd uint32

const (
	PortCmdST        PortCmd = 1 << 0 // start
	PortCmdSUD       PortCmd = 1 << 1 // spin-up device
	PortCmdPOD       PortCmd = 1 << 2 // power on device
	PortCmdCLO       PortCmd = 1 << 3 // command list override
	PortCmdFRE       PortCmd = 1 << 4 // FIS receive enable
	PortCmdCCS       PortCmd = 0x1f << 8
	PortCmdMPSS      PortCmd = 1 << 13
	PortCmdFR        PortCmd = 1 << 14 // FIS receive running
	PortCmdCR        PortCmd = 1 << 15 // command list running
	PortCmdCPS       PortCmd = 1 << 16
	PortCmdPMA       PortCmd = 1 << 17 // port multiplier attached
	PortCmdATAPI     PortCmd = 1 << 24
	PortCmdICC       PortCmd = 0xf << 28
	PortCmdICCActive PortCmd = 1 << 28
)

// CCS returns the command slot the adapter is currently processing.
func (c PortCmd) CCS() int { return int(c & PortCmdCCS >> 8) }

// TaskFile is the port task file data register.
type TaskFile uint32

func (t TaskFile) Status() uint8 { return uint8(t) }
func (t TaskFile) Error() uint8  { return uint8(t >> 8) }

// Busy reports whether the device's BSY status bit is set.
func (t TaskFile) Busy() bool { return t.Status()&0x80 != 0 }

// SStatus is the SATA status register.
type SStatus uint32

const (
	SStatusDET SStatus = 0xf
	SStatusSPD SStatus = 0xf << 4
	SStatusIPM SStatus = 0xf << 8
)

// Device detection values of SStatus.DET.
const (
	DetNone     = 0 // no device
	DetDeviceNE = 1 // device present, no phy communication
	DetDevice   = 3 // device present, phy communication established
	DetOffline  = 4
)

func (s SStatus) DET() int { return int(s & SStatusDET) }
func (s SStatus) SPD() int { return int(s & SStatusSPD >> 4) }
func (s SStatus) IPM() int { return int(s & SStatusIPM >> 8) }

// SControl is the SATA control register.
type SControl uint32

const (
	SControlDET     SControl = 0xf
	SControlDETInit SControl = 1 // perform interface initialization
	SControlSPD     SControl = 0xf << 4
	SControlIPM     SControl = 0xf << 8
	// SControlIPMNone disallows transitions to partial and slumber.
	SControlIPMNone SControl = 3 << 8
)

// Registers is the generic host control block.
type Registers struct {
	bus Bus

	Cap  R32[Cap]
	GHC  R32[GHC]
	IS   U32
	PI   U32
	VS   R32[Version]
	Cap2 U32
}

func NewRegisters(bus Bus) *Registers {
	return &Registers{
		bus:  bus,
		Cap:  R32[Cap]{bus, RegCap},
		GHC:  R32[GHC]{bus, RegGHC},
		IS:   U32{bus, RegIS},
		PI:   U32{bus, RegPI},
		VS:   R32[Version]{bus, RegVS},
		Cap2: U32{bus, RegCap2},
	}
}

// Port returns the register block of port n.
func (r *Registers) Port(n int) *PortRegisters {
	return NewPortRegisters(r.bus, n)
}

// PortRegisters is the register block of a single port.
type PortRegisters struct {
	CLB  U32
	CLBU U32
	FB   U32
	FBU  U32
	IS   R32[PortIntr]
	IE   R32[PortIntr]
	CMD  R32[PortCmd]
	TFD  R32[TaskFile]
	SIG  U32
	SSTS R32[SStatus]
	SCTL R32[SControl]
	SERR U32
	SACT U32
	CI   U32
}

func NewPortRegisters(bus Bus, n int) *PortRegisters {
	b := PortBase(n)
	return &PortRegisters{
		CLB:  U32{bus, b + PortRegCLB},
		CLBU: U32{bus, b + PortRegCLBU},
		FB:   U32{bus, b + PortRegFB},
		FBU:  U32{bus, b + PortRegFBU},
		IS:   R32[PortIntr]{bus, b + PortRegIS},
		IE:   R32[PortIntr]{bus, b + PortRegIE},
		CMD:  R32[PortCmd]{bus, b + PortRegCMD},
		TFD:  R32[TaskFile]{bus, b + PortRegTFD},
		SIG:  U32{bus, b + PortRegSIG},
		SSTS: R32[SStatus]{bus, b + PortRegSSTS},
		SCTL: R32[SControl]{bus, b + PortRegSCTL},
		SERR: U32{bus, b + PortRegSERR},
		SACT: U32{bus, b + PortRegSACT},
		CI:   U32{bus, b + PortRegCI},
	}
}

// SetCommandList writes the command list base address.
func (r *PortRegisters) SetCommandList(addr uint64) {
	r.CLB.Store(uint32(addr))
	r.CLBU.Store(uint32(addr >> 32))
}

// SetReceivedFIS writes the received FIS base address.
func (r *PortRegisters) SetReceivedFIS(addr uint64) {
	r.FB.Store(uint32(addr))
	r.FBU.Store(uint32(addr >> 32))
}
