package hba

import (
	"encoding/binary"
	"errors"

	"github.com/HewlettPackard/structex"
)

// Sizes and alignments of the structures shared with the adapter.
const (
	CommandHeaderSize = 32
	CommandListSize   = 32 * CommandHeaderSize // 1K aligned
	ReceivedFISSize   = 256                    // 256 byte aligned

	PRDSize = 16

	// MaxTransfer is the largest data buffer of a single command.
	MaxTransfer = 64 << 10
	// MaxPRD is the number of PRD entries of a command table, enough for
	// MaxTransfer bytes starting at an arbitrary page offset.
	MaxPRD = MaxTransfer/4096 + 1
	// MaxPRDLength is the largest byte count of a single PRD entry.
	MaxPRDLength = 1 << 22

	cfisOffset = 0x00
	cfisSize   = 64
	acmdOffset = 0x40
	acmdSize   = 16
	prdtOffset = 0x80

	// CommandTableSize is the size of a command table with MaxPRD entries,
	// rounded up to the required 128 byte alignment.
	CommandTableSize = (prdtOffset + MaxPRD*PRDSize + 127) &^ 127

	// Offset of the D2H register FIS in the received FIS area.
	rfisD2HOffset = 0x40
)

var (
	ErrSlotRange = errors.New("command slot out of range")
	ErrPRDRange  = errors.New("prd index out of range")
)

// CommandHeader is an entry of a port's command list.
type CommandHeader struct {
	FISLength uint8 `bitfield:"5"` // in dwords
	ATAPI     uint8 `bitfield:"1"`
	Write     uint8 `bitfield:"1"`
	Prefetch  uint8 `bitfield:"1"`
	Reset     uint8 `bitfield:"1"`
	BIST      uint8 `bitfield:"1"`
	ClearBusy uint8 `bitfield:"1"` // clear BSY upon R_OK
	Reserved  uint8 `bitfield:"1"`
	PMP       uint8 `bitfield:"4"` // port multiplier port
	PRDTL     uint16              // PRD table length
	PRDBC     uint32              // bytes transferred
	CTBA      uint64              // command table base address
	Reserved4 [4]uint32
}

// PRD is a physical region descriptor of a command table.
type PRD struct {
	DBA       uint64 // data base address
	Reserved2 uint32
	DBC       uint32 `bitfield:"22"` // byte count - 1
	Reserved3 uint32 `bitfield:"9"`
	Interrupt uint32 `bitfield:"1"` // interrupt on completion
}

// NewPRD returns the descriptor of n bytes at bus address addr.
func NewPRD(addr uint64, n int) PRD {
	return PRD{DBA: addr, DBC: uint32(n - 1)}
}

// Len returns the number of bytes described by p.
func (p *PRD) Len() int { return int(p.DBC) + 1 }

// CommandList is the DMA memory of a port's command headers.
type CommandList []byte

// Header decodes the command header of slot.
func (l CommandList) Header(slot int) (*CommandHeader, error) {
	b, err := l.entry(slot)
	if err != nil {
		return nil, err
	}
	h := new(CommandHeader)
	buf := structex.NewBuffer(h)
	copy(buf.Bytes(), b)
	if err := structex.Decode(buf, h); err != nil {
		return nil, err
	}
	return h, nil
}

// SetHeader encodes h as the command header of slot.
func (l CommandList) SetHeader(slot int, h *CommandHeader) error {
	b, err := l.entry(slot)
	if err != nil {
		return err
	}
	enc, err := structex.EncodeByteBuffer(*h)
	if err != nil {
		return err
	}
	copy(b, enc)
	return nil
}

// PRDBC returns the number of bytes the adapter transferred for slot.
func (l CommandList) PRDBC(slot int) uint32 {
	return binary.LittleEndian.Uint32(l[slot*CommandHeaderSize+4:])
}

// SetPRDBC is used by the adapter to report transferred bytes.
func (l CommandList) SetPRDBC(slot int, n uint32) {
	binary.LittleEndian.PutUint32(l[slot*CommandHeaderSize+4:], n)
}

func (l CommandList) entry(slot int) ([]byte, error) {
	if slot < 0 || (slot+1)*CommandHeaderSize > len(l) {
		return nil, ErrSlotRange
	}
	return l[slot*CommandHeaderSize : (slot+1)*CommandHeaderSize], nil
}

// CommandTable is the DMA memory of a single command table.
type CommandTable []byte

// CFIS returns the command FIS area.
func (t CommandTable) CFIS() []byte { return t[cfisOffset : cfisOffset+cfisSize] }

// ACMD returns the ATAPI command area.
func (t CommandTable) ACMD() []byte { return t[acmdOffset : acmdOffset+acmdSize] }

// SetCFIS clears the command FIS area and copies fis into it.
func (t CommandTable) SetCFIS(fis []byte) {
	clear(t.CFIS())
	copy(t.CFIS(), fis)
}

// SetACMD clears the ATAPI command area and copies cdb into it.
func (t CommandTable) SetACMD(cdb []byte) {
	clear(t.ACMD())
	copy(t.ACMD(), cdb)
}

// PRD decodes entry i of the PRD table.
func (t CommandTable) PRD(i int) (*PRD, error) {
	b, err := t.prd(i)
	if err != nil {
		return nil, err
	}
	p := new(PRD)
	buf := structex.NewBuffer(p)
	copy(buf.Bytes(), b)
	if err := structex.Decode(buf, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetPRD encodes p as entry i of the PRD table.
func (t CommandTable) SetPRD(i int, p *PRD) error {
	b, err := t.prd(i)
	if err != nil {
		return err
	}
	enc, err := structex.EncodeByteBuffer(*p)
	if err != nil {
		return err
	}
	copy(b, enc)
	return nil
}

func (t CommandTable) prd(i int) ([]byte, error) {
	off := prdtOffset + i*PRDSize
	if i < 0 || i >= MaxPRD || off+PRDSize > len(t) {
		return nil, ErrPRDRange
	}
	return t[off : off+PRDSize], nil
}

// ReceivedFIS is the DMA memory the adapter stores received FISes in.
type ReceivedFIS []byte

// D2H decodes the last received device to host register FIS.
func (r ReceivedFIS) D2H() (*RegD2H, error) {
	return DecodeRegD2H(r[rfisD2HOffset : rfisD2HOffset+RegFISSize])
}

// SetD2H is used by the adapter to store a received register FIS.
func (r ReceivedFIS) SetD2H(fis []byte) {
	copy(r[rfisD2HOffset:rfisD2HOffset+RegFISSize], fis)
}
