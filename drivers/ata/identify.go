package ata

import (
	"errors"
	"strings"

	"github.com/HewlettPackard/structex"
)

// IdentifySize is the size of the IDENTIFY (PACKET) DEVICE data.
const IdentifySize = 512

const (
	identifyATAPI        = 0x8000
	identifyATAPIMask    = 0xc000
	identifyPacket16     = 0x0001
	identifyCapLBA       = 1 << 9
	identifyLBA48        = 1 << 10 // words 83 and 86
	identifySATANCQ      = 1 << 8
	identifyIntegritySig = 0xa5
)

var ErrChecksum = errors.New("ata: identify checksum mismatch")

// IdentifyData is the layout of the IDENTIFY DEVICE data. Words are little
// endian, strings hold two characters per word with the first character in
// the upper byte.
type IdentifyData struct {
	Config       uint16 // word 0
	Reserved1    [9]uint16
	Serial       [20]byte // words 10-19
	Reserved20   [3]uint16
	Firmware     [8]byte  // words 23-26
	Model        [40]byte // words 27-46
	Reserved47   [2]uint16
	Capabilities uint16 // word 49
	Reserved50   [10]uint16
	LBASectors   uint32 // words 60-61
	Reserved62   [13]uint16
	QueueDepth   uint16 // word 75
	SATACaps     uint16 // word 76
	Reserved77   [6]uint16
	CmdSet83     uint16
	CmdSet84     uint16
	CmdSet85     uint16
	CmdSet86     uint16
	CmdSet87     uint16
	UDMAModes    uint16 // word 88
	Reserved89   [11]uint16
	LBA48Sectors uint64 // words 100-103
	Reserved104  [151]uint16
	Integrity    uint16 // word 255
}

// Params are the properties of a drive reported by IDENTIFY.
type Params struct {
	Model      string
	Serial     string
	Firmware   string
	ATAPI      bool
	PacketSize int    // CDB length of an ATAPI drive
	Sectors    uint64 // user addressable sectors
	LBA48      bool
	NCQ        bool
	QueueDepth int
}

// DecodeIdentify decodes b, which holds IdentifySize bytes as transferred
// by the device. If the integrity word is present, the checksum is
// verified.
func DecodeIdentify(b []byte) (*IdentifyData, error) {
	if len(b) < IdentifySize {
		return nil, errors.New("ata: short identify data")
	}
	b = b[:IdentifySize]
	if b[510] == identifyIntegritySig {
		var sum uint8
		for _, v := range b {
			sum += v
		}
		if sum != 0 {
			return nil, ErrChecksum
		}
	}

	d := new(IdentifyData)
	buf := structex.NewBuffer(d)
	copy(buf.Bytes(), b)
	if err := structex.Decode(buf, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Encode returns the wire representation of d including the integrity
// word.
func (d *IdentifyData) Encode() ([]byte, error) {
	d.Integrity = identifyIntegritySig
	b, err := structex.EncodeByteBuffer(*d)
	if err != nil {
		return nil, err
	}
	var sum uint8
	for _, v := range b[:IdentifySize-1] {
		sum += v
	}
	b[IdentifySize-1] = -sum
	d.Integrity |= uint16(b[IdentifySize-1]) << 8
	return b, nil
}

// Params interprets d.
func (d *IdentifyData) Params() Params {
	p := Params{
		Model:    identString(d.Model[:]),
		Serial:   identString(d.Serial[:]),
		Firmware: identString(d.Firmware[:]),
	}
	if d.Config&identifyATAPIMask == identifyATAPI {
		p.ATAPI = true
		p.PacketSize = 12
		if d.Config&identifyPacket16 != 0 {
			p.PacketSize = 16
		}
		return p
	}
	if d.Capabilities&identifyCapLBA != 0 {
		p.Sectors = uint64(d.LBASectors)
	}
	if d.CmdSet83&identifyLBA48 != 0 && d.CmdSet86&identifyLBA48 != 0 {
		p.LBA48 = true
		p.Sectors = d.LBA48Sectors & MaxLBA48
	}
	if d.SATACaps&identifySATANCQ != 0 {
		p.NCQ = true
		p.QueueDepth = int(d.QueueDepth&0x1f) + 1
	}
	return p
}

// SetParams fills d so that its Params are p.
func (d *IdentifyData) SetParams(p Params) {
	setIdentString(d.Model[:], p.Model)
	setIdentString(d.Serial[:], p.Serial)
	setIdentString(d.Firmware[:], p.Firmware)
	if p.ATAPI {
		d.Config = identifyATAPI | 5<<8 // CD-ROM
		if p.PacketSize == 16 {
			d.Config |= identifyPacket16
		}
		return
	}
	d.Capabilities |= identifyCapLBA
	d.LBASectors = uint32(min(p.Sectors, MaxLBA28))
	if p.LBA48 {
		d.CmdSet83 |= identifyLBA48
		d.CmdSet86 |= identifyLBA48
		d.LBA48Sectors = p.Sectors
	}
	if p.NCQ {
		d.SATACaps |= identifySATANCQ
		d.QueueDepth = uint16(p.QueueDepth-1) & 0x1f
	}
}

// identString converts an ATA string to Go, dropping the space padding.
func identString(b []byte) string {
	s := make([]byte, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		s[i], s[i+1] = b[i+1], b[i]
	}
	return strings.TrimSpace(strings.TrimRight(string(s), "\x00"))
}

func setIdentString(b []byte, s string) {
	for i := range b {
		c := byte(' ')
		if i < len(s) {
			c = s[i]
		}
		b[i^1] = c
	}
}
