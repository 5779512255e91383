// Package blockdev accesses ATA disks attached to an adapter port as byte
// addressable devices.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

// Executor runs transfers to completion. It is implemented by *ahci.Port.
type Executor interface {
	Exec(x *ata.Xfer) ata.Result
}

var (
	ErrNotDisk        = errors.New("blockdev: not an ATA disk")
	ErrSeekOutOfRange = errors.New("blockdev: seek out of range")
	ErrOffset         = errors.New("blockdev: negative offset")
)

// Options of a Disk.
type Options struct {
	// Poll completes transfers by polling, for adapters whose interrupts
	// aren't delivered.
	Poll bool
	// Timeout of a single transfer, zero selects the adapter's default.
	Timeout time.Duration
}

// Disk implements io.ReaderAt and io.WriterAt for an ATA disk. Accesses
// that don't cover whole sectors read the affected sectors first.
//
// Disk is safe for concurrent use.
type Disk struct {
	port   Executor
	drive  int
	opts   Options
	params ata.Params

	mtx  sync.Mutex
	seek int64
	buf  []byte // partial sector scratch
}

// Open identifies the disk at drive of port.
func Open(port Executor, drive int, opts Options) (*Disk, error) {
	d := &Disk{port: port, drive: drive, opts: opts, buf: make([]byte, ata.SectorSize)}

	cmd := &ata.Command{Command: ata.CmdIdentify, Flags: ata.CmdRead, Data: make([]byte, ata.IdentifySize)}
	if err := d.exec(cmd); err != nil {
		if errors.Is(err, ata.ErrCommand) {
			return nil, fmt.Errorf("%w: drive %d: %w", ErrNotDisk, drive, err)
		}
		return nil, err
	}
	id, err := ata.DecodeIdentify(cmd.Data)
	if err != nil {
		return nil, err
	}
	d.params = id.Params()
	if d.params.ATAPI || d.params.Sectors == 0 {
		return nil, fmt.Errorf("%w: drive %d", ErrNotDisk, drive)
	}
	klog.V(1).InfoS("disk", "drive", drive, "model", d.params.Model, "serial", d.params.Serial,
		"sectors", d.params.Sectors, "lba48", d.params.LBA48)
	return d, nil
}

func (d *Disk) Params() ata.Params {
	return d.params
}

// Size returns the capacity in bytes.
func (d *Disk) Size() int64 {
	return int64(d.params.Sectors) * ata.SectorSize
}

func (d *Disk) exec(op ata.Op) error {
	x := ata.NewXfer(d.drive, op)
	x.Poll = d.opts.Poll
	x.Timeout = d.opts.Timeout
	res := d.port.Exec(x)
	return res.Err()
}

// bio transfers whole sectors starting at lba.
func (d *Disk) bio(lba uint64, data []byte, write bool) error {
	b := &ata.BIO{LBA: lba, Write: write, LBA48: d.params.LBA48, Data: data}
	if err := d.exec(b); err != nil {
		op := "read"
		if write {
			op = "write"
		}
		return fmt.Errorf("blockdev: %s lba %d: %w", op, lba, err)
	}
	return nil
}

// chunk returns the sectors of p transferable by a single command.
func chunk(p []byte) []byte {
	n := min(len(p), hba.MaxTransfer)
	return p[:n&^(ata.SectorSize-1)]
}

func (d *Disk) ReadAt(p []byte, off int64) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.readAt(p, off)
}

func (d *Disk) readAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffset
	}
	left := d.Size() - off
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) >= left {
		p = p[:left]
		err = io.EOF
	}

	for len(p) > 0 {
		lba, skip := uint64(off/ata.SectorSize), int(off%ata.SectorSize)
		var nn int
		if c := chunk(p); skip == 0 && len(c) > 0 {
			if e := d.bio(lba, c, false); e != nil {
				return n, e
			}
			nn = len(c)
		} else {
			if e := d.bio(lba, d.buf, false); e != nil {
				return n, e
			}
			nn = copy(p, d.buf[skip:])
		}
		p, off, n = p[nn:], off+int64(nn), n+nn
	}
	return n, err
}

func (d *Disk) WriteAt(p []byte, off int64) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.writeAt(p, off)
}

func (d *Disk) writeAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffset
	}
	left := d.Size() - off
	if left < 0 {
		left = 0
	}
	if int64(len(p)) > left {
		p = p[:left]
		err = io.ErrShortWrite
	}

	for len(p) > 0 {
		lba, skip := uint64(off/ata.SectorSize), int(off%ata.SectorSize)
		var nn int
		if c := chunk(p); skip == 0 && len(c) > 0 {
			if e := d.bio(lba, c, true); e != nil {
				return n, e
			}
			nn = len(c)
		} else {
			if e := d.bio(lba, d.buf, false); e != nil {
				return n, e
			}
			nn = copy(d.buf[skip:], p)
			if e := d.bio(lba, d.buf, true); e != nil {
				return n, e
			}
		}
		p, off, n = p[nn:], off+int64(nn), n+nn
	}
	return n, err
}

func (d *Disk) Read(p []byte) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, err = d.readAt(p, d.seek)
	d.seek += int64(n)
	return
}

func (d *Disk) Write(p []byte) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, err = d.writeAt(p, d.seek)
	d.seek += int64(n)
	return
}

func (d *Disk) Seek(offset int64, whence int) (newoffset int64, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	switch whence {
	case io.SeekStart:
		// newoffset = 0
	case io.SeekCurrent:
		newoffset = d.seek
	case io.SeekEnd:
		newoffset = d.Size()
	}
	newoffset += offset
	if newoffset < 0 || newoffset > d.Size() {
		return d.seek, ErrSeekOutOfRange
	}
	d.seek = newoffset
	return
}

// Flush writes the disk's volatile cache to the media.
func (d *Disk) Flush() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	cmd := &ata.Command{Command: ata.CmdFlushCache}
	if d.params.LBA48 {
		cmd.Command = ata.CmdFlushCacheExt
	}
	if err := d.exec(cmd); err != nil {
		return fmt.Errorf("blockdev: flush: %w", err)
	}
	return nil
}

// Close flushes the disk. The drive stays attached to its port.
func (d *Disk) Close() error {
	return d.Flush()
}
