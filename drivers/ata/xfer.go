package ata

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Op is the operation of an Xfer. It is one of *Command, *BIO or *Packet.
type Op interface {
	op()
}

// CommandFlags modify a raw Command.
type CommandFlags uint8

const (
	CmdRead     CommandFlags = 1 << iota // Data is read from the device
	CmdWrite                             // Data is written to the device
	CmdReadRegs                          // return the device's result registers
)

// Command is a raw ATA command.
type Command struct {
	Command  uint8
	Features uint16
	LBA      uint64
	Count    uint16
	Device   uint8
	Flags    CommandFlags
	Data     []byte

	// Regs holds the result registers if CmdReadRegs is set.
	Regs Regs
}

// Regs are the registers of a device to host register FIS.
type Regs struct {
	Status uint8
	Error  uint8
	LBA    uint64
	Count  uint16
	Device uint8
}

// BIO reads or writes whole sectors with DMA.
type BIO struct {
	LBA   uint64
	Write bool
	LBA48 bool   // use the 48-bit command set
	Data  []byte // multiple of SectorSize

	Residual  int  // bytes not transferred
	Corrected bool // device corrected a data error
}

// Sectors returns the number of sectors transferred by b.
func (b *BIO) Sectors() int {
	return len(b.Data) / SectorSize
}

// Packet is an ATAPI packet command.
type Packet struct {
	CDB   []byte // 12 or 16 bytes
	Data  []byte
	Write bool // Data is written to the device

	Residual int
	// Sense holds the error register if the command failed. Its upper
	// nibble is the SCSI sense key.
	Sense uint8
}

func (*Command) op() {}
func (*BIO) op()     {}
func (*Packet) op()  {}

// Outcome classifies the result of an Xfer.
type Outcome uint8

const (
	OK          Outcome = iota
	Failed              // device reported an error
	DeviceFault         // device fault bit set
	TimedOut
	DMAError // buffer couldn't be made accessible to the adapter
	Gone     // drive was drained
	Reset    // killed by a channel reset
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Failed:
		return "failed"
	case DeviceFault:
		return "device fault"
	case TimedOut:
		return "timed out"
	case DMAError:
		return "dma error"
	case Gone:
		return "gone"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Fault is the set of adapter error conditions that ended a command.
type Fault uint8

const (
	FaultTaskFile Fault = 1 << iota
	FaultHostBus
	FaultInterface
	FaultOverflow
	FaultUnderflow
)

// Controller reports whether f contains faults of the adapter or link, as
// opposed to a device reported error.
func (f Fault) Controller() bool {
	return f&^FaultTaskFile != 0
}

// KillReason is why an Xfer was aborted without completing on the device.
type KillReason uint8

const (
	KillGone KillReason = iota
	KillReset
)

func (r KillReason) Outcome() Outcome {
	if r == KillReset {
		return Reset
	}
	return Gone
}

var (
	ErrCommand         = errors.New("ata: command error")
	ErrDeviceFault     = errors.New("ata: device fault")
	ErrControllerFault = errors.New("ata: controller fault")
	ErrTimeout         = errors.New("ata: command timeout")
	ErrDMA             = errors.New("ata: dma error")
	ErrGone            = errors.New("ata: drive gone")
	ErrReset           = errors.New("ata: channel reset")
)

// Result is filled in by the adapter before an Xfer completes.
type Result struct {
	Outcome     Outcome
	Status      uint8 // task file status
	Error       uint8 // task file error
	Fault       Fault
	Transferred int // bytes
}

// Err returns nil if the command succeeded and an *Error otherwise.
func (r *Result) Err() error {
	if r.Outcome == OK {
		return nil
	}
	return &Error{r.Outcome, r.Status, r.Error, r.Fault}
}

// Error describes a failed Xfer.
type Error struct {
	Outcome Outcome
	Status  uint8
	Err     uint8
	Fault   Fault
}

func (e *Error) Error() string {
	switch e.Outcome {
	case Failed, DeviceFault:
		return fmt.Sprintf("%v: status %#02x error %#02x", e.Unwrap(), e.Status, e.Err)
	}
	return e.Unwrap().Error()
}

func (e *Error) Unwrap() error {
	switch e.Outcome {
	case Failed:
		if e.Fault.Controller() {
			return ErrControllerFault
		}
		return ErrCommand
	case DeviceFault:
		return ErrDeviceFault
	case TimedOut:
		return ErrTimeout
	case DMAError:
		return ErrDMA
	case Gone:
		return ErrGone
	case Reset:
		return ErrReset
	}
	return nil
}

// Xfer is a command submitted to a port.
type Xfer struct {
	Drive   int           // port multiplier port, 0 without multiplier
	Poll    bool          // complete by polling instead of interrupts
	Timeout time.Duration // zero selects the adapter's default
	Op      Op

	// Done, if not nil, is called once the Xfer completed. It must not
	// block.
	Done func(*Xfer)

	Result Result

	init   sync.Once
	finish sync.Once
	done   chan struct{}
}

// NewXfer returns an Xfer of op for drive.
func NewXfer(drive int, op Op) *Xfer {
	return &Xfer{Drive: drive, Op: op}
}

func (x *Xfer) doneChan() chan struct{} {
	x.init.Do(func() { x.done = make(chan struct{}) })
	return x.done
}

// Wait returns a channel that is closed once x completed.
func (x *Xfer) Wait() <-chan struct{} {
	return x.doneChan()
}

// Finished reports whether x completed.
func (x *Xfer) Finished() bool {
	select {
	case <-x.doneChan():
		return true
	default:
		return false
	}
}

// Finish marks x as completed. It is called by the adapter exactly once,
// further calls are ignored.
func (x *Xfer) Finish() {
	x.finish.Do(func() {
		close(x.doneChan())
		if x.Done != nil {
			x.Done(x)
		}
	})
}
