package testing

import (
	"encoding/binary"

	"github.com/clktmr/ahci/drivers/ata"
)

// CD-ROM block size.
const cdBlockSize = 2048

// SCSI sense keys returned by the simulated ATAPI device.
const (
	senseIllegalRequest = 0x5
)

// Device is a drive attached to a simulated port.
type Device struct {
	Type   ata.DriveType
	Params ata.Params
	Media  []byte
}

// NewDisk returns an ATA disk with the given number of 512 byte sectors.
func NewDisk(sectors int) *Device {
	return &Device{
		Type: ata.DriveATA,
		Params: ata.Params{
			Model:    "AHCI SIM DISK",
			Serial:   "SIM0001",
			Firmware: "1.0",
			Sectors:  uint64(sectors),
			LBA48:    true,
		},
		Media: make([]byte, sectors*ata.SectorSize),
	}
}

// NewCDROM returns an ATAPI drive with the given number of 2048 byte
// blocks.
func NewCDROM(blocks int) *Device {
	return &Device{
		Type: ata.DriveATAPI,
		Params: ata.Params{
			Model:      "AHCI SIM DVD-ROM",
			Serial:     "SIM0002",
			Firmware:   "1.0",
			ATAPI:      true,
			PacketSize: 12,
		},
		Media: make([]byte, blocks*cdBlockSize),
	}
}

// NewPortMultiplier returns a port multiplier without drives.
func NewPortMultiplier() *Device {
	return &Device{Type: ata.DrivePM}
}

func (d *Device) signature() uint32 {
	switch d.Type {
	case ata.DriveATA:
		return ata.SigATA
	case ata.DriveATAPI:
		return ata.SigATAPI
	case ata.DrivePM:
		return ata.SigPM
	case ata.DriveSEMB:
		return ata.SigSEMB
	}
	return ata.SigInvalid
}

func (d *Device) identify() []byte {
	var id ata.IdentifyData
	id.SetParams(d.Params)
	b, err := id.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// devResult is the device's response to a command.
type devResult struct {
	status uint8
	err    uint8
	data   []byte // to the host
}

var devAbort = devResult{status: ata.StatusDRDY | ata.StatusERR, err: ata.ErrorABRT}

func devOK(data []byte) devResult {
	return devResult{status: ata.StatusDRDY | ata.StatusDSC, data: data}
}

// exec runs an ATA command. out holds data written by the host.
func (d *Device) exec(cmd uint8, lba uint64, count int, out []byte) devResult {
	switch cmd {
	case ata.CmdIdentify:
		if d.Type != ata.DriveATA {
			return devAbort
		}
		return devOK(d.identify())
	case ata.CmdIdentifyPacket:
		if d.Type != ata.DriveATAPI {
			return devAbort
		}
		return devOK(d.identify())
	case ata.CmdReadDMA, ata.CmdReadDMAExt:
		b, ok := d.sectors(lba, count)
		if !ok {
			return devResult{status: ata.StatusDRDY | ata.StatusERR, err: ata.ErrorIDNF}
		}
		return devOK(append([]byte(nil), b...))
	case ata.CmdWriteDMA, ata.CmdWriteDMAExt:
		b, ok := d.sectors(lba, count)
		if !ok {
			return devResult{status: ata.StatusDRDY | ata.StatusERR, err: ata.ErrorIDNF}
		}
		copy(b, out)
		return devOK(nil)
	case ata.CmdFlushCache, ata.CmdFlushCacheExt, ata.CmdSetFeatures,
		ata.CmdCheckPowerMode, ata.CmdStandbyImmed, ata.CmdReadVerify:
		if d.Type != ata.DriveATA {
			return devAbort
		}
		return devOK(nil)
	}
	return devAbort
}

func (d *Device) sectors(lba uint64, count int) ([]byte, bool) {
	start, end := lba*ata.SectorSize, (lba+uint64(count))*ata.SectorSize
	if d.Type != ata.DriveATA || end > uint64(len(d.Media)) {
		return nil, false
	}
	return d.Media[start:end], true
}

// packet runs an ATAPI packet command.
func (d *Device) packet(cdb []byte) devResult {
	illegal := devResult{status: ata.StatusDRDY | ata.StatusERR, err: senseIllegalRequest << 4}
	if d.Type != ata.DriveATAPI {
		return devAbort
	}
	switch cdb[0] {
	case 0x00: // TEST UNIT READY
		return devOK(nil)
	case 0x12: // INQUIRY
		inq := make([]byte, 36)
		inq[0] = 0x05 // CD/DVD
		inq[1] = 0x80 // removable
		copy(inq[8:], "SIM     ")
		copy(inq[16:], d.Params.Model)
		return devOK(inq[:min(int(cdb[4]), len(inq))])
	case 0x25: // READ CAPACITY
		rc := make([]byte, 8)
		binary.BigEndian.PutUint32(rc, uint32(len(d.Media)/cdBlockSize-1))
		binary.BigEndian.PutUint32(rc[4:], cdBlockSize)
		return devOK(rc)
	case 0x28: // READ(10)
		lba := int(binary.BigEndian.Uint32(cdb[2:]))
		n := int(binary.BigEndian.Uint16(cdb[7:]))
		if (lba+n)*cdBlockSize > len(d.Media) {
			return illegal
		}
		return devOK(append([]byte(nil), d.Media[lba*cdBlockSize:(lba+n)*cdBlockSize]...))
	}
	return illegal
}
