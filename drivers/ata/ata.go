// Package ata defines the commands a host adapter executes on behalf of the
// ATA/ATAPI mid-layer, their results, and the device level constants both
// sides agree on.
//
// A command is submitted as an [Xfer] whose operation is one of
// [*Command], [*BIO] or [*Packet]. The adapter fills in [Xfer.Result] and
// signals completion exactly once.
package ata

// Command codes.
const (
	CmdNop            = 0x00
	CmdDeviceReset    = 0x08
	CmdReadDMAExt     = 0x25
	CmdWriteDMAExt    = 0x35
	CmdReadVerify     = 0x40
	CmdExecDiag       = 0x90
	CmdPacket         = 0xa0
	CmdIdentifyPacket = 0xa1
	CmdReadDMA        = 0xc8
	CmdWriteDMA       = 0xca
	CmdStandbyImmed   = 0xe0
	CmdCheckPowerMode = 0xe5
	CmdFlushCache     = 0xe7
	CmdIdentify       = 0xec
	CmdFlushCacheExt  = 0xea
	CmdSetFeatures    = 0xef
)

// Status register bits.
const (
	StatusERR  = 0x01 // error
	StatusIDX  = 0x02
	StatusCORR = 0x04 // corrected data
	StatusDRQ  = 0x08 // data request
	StatusDSC  = 0x10
	StatusDF   = 0x20 // device fault
	StatusDRDY = 0x40 // device ready
	StatusBSY  = 0x80 // busy
)

// Error register bits.
const (
	ErrorAMNF = 0x01
	ErrorABRT = 0x04 // command aborted
	ErrorMC   = 0x20
	ErrorIDNF = 0x10
	ErrorUNC  = 0x40 // uncorrectable data
	ErrorICRC = 0x80 // interface CRC error
)

// Device control register bits.
const (
	ControlNIEN = 0x02
	ControlSRST = 0x04 // software reset
)

// DeviceLBA selects LBA addressing in the device register.
const DeviceLBA = 0x40

// Packet command feature bits.
const (
	PacketDMA    = 0x01
	PacketDMADir = 0x04
)

// SectorSize is the logical sector size assumed by BIO commands.
const SectorSize = 512

// Addressing limits of the 28-bit and 48-bit command sets.
const (
	MaxLBA28   = 1<<28 - 1
	MaxLBA48   = 1<<48 - 1
	MaxCount28 = 256
	MaxCount48 = 65536
)

// PMPortControl is the port multiplier port addressing the multiplier
// itself.
const PMPortControl = 15

// DriveType is the kind of device found on a port.
type DriveType uint8

const (
	DriveNone DriveType = iota
	DriveATA
	DriveATAPI
	DrivePM   // port multiplier
	DriveSEMB // enclosure management bridge
)

func (t DriveType) String() string {
	switch t {
	case DriveATA:
		return "ata"
	case DriveATAPI:
		return "atapi"
	case DrivePM:
		return "port-multiplier"
	case DriveSEMB:
		return "semb"
	}
	return "none"
}

// Device signatures reported after a reset.
const (
	SigATA     = 0x00000101
	SigATAPI   = 0xeb140101
	SigPM      = 0x96690101
	SigSEMB    = 0xc33c0101
	SigInvalid = 0xffffffff // reset failed
)

// Classify returns the drive type announced by signature sig.
func Classify(sig uint32) DriveType {
	if sig == SigInvalid {
		return DriveNone
	}
	switch sig >> 16 {
	case SigATA >> 16:
		return DriveATA
	case SigATAPI >> 16:
		return DriveATAPI
	case SigPM >> 16:
		return DrivePM
	case SigSEMB >> 16:
		return DriveSEMB
	}
	return DriveNone
}
