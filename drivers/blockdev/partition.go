package blockdev

import (
	"fmt"
	"io"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/diskfs/go-diskfs/partition"
	"k8s.io/klog/v2"
)

// Partition is a byte range of a Disk described by its partition table.
type Partition struct {
	N     int    // 1-based index in the table
	Table string // "mbr" or "gpt"
	Start int64  // offset on the disk in bytes
	Size  int64

	disk *Disk
}

// Partitions reads the MBR or GPT partition table of d. Unused table
// entries are skipped.
func (d *Disk) Partitions() ([]*Partition, error) {
	table, err := partition.Read(d, ata.SectorSize, ata.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("blockdev: partition table: %w", err)
	}

	var parts []*Partition
	for i, p := range table.GetPartitions() {
		if p.GetSize() <= 0 {
			continue
		}
		part := &Partition{
			N:     i + 1,
			Table: table.Type(),
			Start: p.GetStart(),
			Size:  p.GetSize(),
			disk:  d,
		}
		if part.Start < 0 || part.Start+part.Size > d.Size() {
			klog.InfoS("partition exceeds disk", "n", part.N, "start", part.Start, "size", part.Size)
			continue
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s%d", p.Table, p.N)
}

func (p *Partition) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffset
	}
	if off >= p.Size {
		return 0, io.EOF
	}
	if left := p.Size - off; int64(len(b)) > left {
		b = b[:left]
		err = io.EOF
	}
	n, rerr := p.disk.ReadAt(b, p.Start+off)
	if rerr != nil && rerr != io.EOF {
		err = rerr
	}
	return n, err
}

func (p *Partition) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffset
	}
	left := max(p.Size-off, 0)
	if int64(len(b)) > left {
		b = b[:left]
		err = io.ErrShortWrite
	}
	n, werr := p.disk.WriteAt(b, p.Start+off)
	if werr != nil {
		err = werr
	}
	return n, err
}
