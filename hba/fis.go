package hba

import "github.com/HewlettPackard/structex"

// FIS types.
const (
	FISTypeRegH2D   = 0x27
	FISTypeRegD2H   = 0x34
	FISTypeDMAAct   = 0x39
	FISTypeDMASetup = 0x41
	FISTypeData     = 0x46
	FISTypeBIST     = 0x58
	FISTypePIOSetup = 0x5f
	FISTypeDevBits  = 0xa1
)

// RegFISSize is the size of a register FIS. The command header's FIS
// length is given in dwords.
const (
	RegFISSize   = 20
	RegFISDwords = RegFISSize / 4
)

// RegH2D is a host to device register FIS.
type RegH2D struct {
	Type        uint8
	PMPort      uint8 `bitfield:"4"`
	Reserved1   uint8 `bitfield:"3"`
	C           uint8 `bitfield:"1"` // command register update
	Command     uint8
	Features    uint8
	LBA0        uint8
	LBA1        uint8
	LBA2        uint8
	Device      uint8
	LBA3        uint8
	LBA4        uint8
	LBA5        uint8
	FeaturesExp uint8
	Count       uint8
	CountExp    uint8
	ICC         uint8
	Control     uint8
	Reserved16  [4]uint8
}

// SetLBA stores the 48-bit address lba.
func (f *RegH2D) SetLBA(lba uint64) {
	f.LBA0, f.LBA1, f.LBA2 = uint8(lba), uint8(lba>>8), uint8(lba>>16)
	f.LBA3, f.LBA4, f.LBA5 = uint8(lba>>24), uint8(lba>>32), uint8(lba>>40)
}

// LBA returns the 48-bit address stored in f.
func (f *RegH2D) LBA() uint64 {
	return uint64(f.LBA0) | uint64(f.LBA1)<<8 | uint64(f.LBA2)<<16 |
		uint64(f.LBA3)<<24 | uint64(f.LBA4)<<32 | uint64(f.LBA5)<<40
}

// SetCount stores the 16-bit sector count n.
func (f *RegH2D) SetCount(n uint16) {
	f.Count, f.CountExp = uint8(n), uint8(n>>8)
}

// SetFeatures stores the 16-bit features value v.
func (f *RegH2D) SetFeatures(v uint16) {
	f.Features, f.FeaturesExp = uint8(v), uint8(v>>8)
}

// Encode returns the wire representation of f.
func (f *RegH2D) Encode() ([]byte, error) {
	f.Type = FISTypeRegH2D
	return structex.EncodeByteBuffer(*f)
}

// DecodeRegH2D decodes a host to device register FIS.
func DecodeRegH2D(b []byte) (*RegH2D, error) {
	f := new(RegH2D)
	buf := structex.NewBuffer(f)
	copy(buf.Bytes(), b)
	if err := structex.Decode(buf, f); err != nil {
		return nil, err
	}
	return f, nil
}

// RegD2H is a device to host register FIS.
type RegD2H struct {
	Type       uint8
	PMPort     uint8 `bitfield:"4"`
	Reserved1  uint8 `bitfield:"2"`
	I          uint8 `bitfield:"1"` // interrupt
	Reserved2  uint8 `bitfield:"1"`
	Status     uint8
	Error      uint8
	LBA0       uint8
	LBA1       uint8
	LBA2       uint8
	Device     uint8
	LBA3       uint8
	LBA4       uint8
	LBA5       uint8
	Reserved11 uint8
	Count      uint8
	CountExp   uint8
	Reserved14 [6]uint8
}

// LBA returns the 48-bit address stored in f.
func (f *RegD2H) LBA() uint64 {
	return uint64(f.LBA0) | uint64(f.LBA1)<<8 | uint64(f.LBA2)<<16 |
		uint64(f.LBA3)<<24 | uint64(f.LBA4)<<32 | uint64(f.LBA5)<<40
}

// Encode returns the wire representation of f.
func (f *RegD2H) Encode() ([]byte, error) {
	f.Type = FISTypeRegD2H
	return structex.EncodeByteBuffer(*f)
}

// DecodeRegD2H decodes a device to host register FIS.
func DecodeRegD2H(b []byte) (*RegD2H, error) {
	f := new(RegD2H)
	buf := structex.NewBuffer(f)
	copy(buf.Bytes(), b)
	if err := structex.Decode(buf, f); err != nil {
		return nil, err
	}
	return f, nil
}
