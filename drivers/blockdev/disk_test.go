package blockdev_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/clktmr/ahci/drivers/ahci"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/blockdev"
	"github.com/clktmr/ahci/hba"
	ahcitesting "github.com/clktmr/ahci/testing"
)

func TestMain(m *testing.M) { ahcitesting.TestMain(m) }

const diskSectors = 4096

func openDisk(t *testing.T) (*ahcitesting.Rig, *blockdev.Disk, *ahcitesting.Device) {
	t.Helper()
	r := ahcitesting.NewRig(1)
	dev := ahcitesting.NewDisk(diskSectors)
	r.HBA.Port(0).Attach(dev)
	c := r.Attach(t, ahci.Config{})
	d, err := blockdev.Open(c.Port(0), 0, blockdev.Options{Poll: true})
	if err != nil {
		t.Fatal(err)
	}
	return r, d, dev
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13) + seed
	}
	return b
}

func TestOpen(t *testing.T) {
	_, d, dev := openDisk(t)
	if d.Params() != dev.Params {
		t.Fatalf("expected %+v, got %+v", dev.Params, d.Params())
	}
	if d.Size() != diskSectors*ata.SectorSize {
		t.Fatalf("expected size %v, got %v", diskSectors*ata.SectorSize, d.Size())
	}
}

func TestOpenNotDisk(t *testing.T) {
	r := ahcitesting.NewRig(1)
	r.HBA.Port(0).Attach(ahcitesting.NewCDROM(8))
	c := r.Attach(t, ahci.Config{})
	_, err := blockdev.Open(c.Port(0), 0, blockdev.Options{Poll: true})
	if !errors.Is(err, blockdev.ErrNotDisk) {
		t.Fatalf("expected %v, got %v", blockdev.ErrNotDisk, err)
	}
}

func TestReadWriteAt(t *testing.T) {
	tests := map[string]struct {
		off int64
		n   int
	}{
		"aligned":        {off: 0, n: 1024},
		"unaligned":      {off: 100, n: 1000},
		"within sector":  {off: 1030, n: 10},
		"multiple chunk": {off: 3 * ata.SectorSize, n: 2*hba.MaxTransfer + 1024},
		"unaligned tail": {off: 7, n: hba.MaxTransfer + 3},
		"last sector":    {off: diskSectors*ata.SectorSize - 100, n: 100},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, d, dev := openDisk(t)
			before := pattern(len(dev.Media), 1)
			copy(dev.Media, before)

			data := pattern(tc.n, 7)
			n, err := d.WriteAt(data, tc.off)
			if err != nil || n != tc.n {
				t.Fatalf("write: expected %v, got %v %v", tc.n, n, err)
			}
			expected := append([]byte(nil), before...)
			copy(expected[tc.off:], data)
			if !bytes.Equal(dev.Media, expected) {
				t.Fatal("write: media doesn't match")
			}

			got := make([]byte, tc.n)
			n, err = d.ReadAt(got, tc.off)
			if n != tc.n || (err != nil && err != io.EOF) {
				t.Fatalf("read: expected %v, got %v %v", tc.n, n, err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("read: data doesn't match")
			}
		})
	}
}

func TestEndOfDisk(t *testing.T) {
	_, d, _ := openDisk(t)
	size := d.Size()

	b := make([]byte, 20)
	if n, err := d.ReadAt(b, size-10); n != 10 || err != io.EOF {
		t.Fatalf("expected 10 bytes and EOF, got %v %v", n, err)
	}
	if n, err := d.ReadAt(b, size); n != 0 || err != io.EOF {
		t.Fatalf("expected EOF, got %v %v", n, err)
	}
	if n, err := d.WriteAt(b, size-10); n != 10 || err != io.ErrShortWrite {
		t.Fatalf("expected 10 bytes and short write, got %v %v", n, err)
	}
	if _, err := d.ReadAt(b, -1); !errors.Is(err, blockdev.ErrOffset) {
		t.Fatalf("expected %v, got %v", blockdev.ErrOffset, err)
	}
}

func TestReadError(t *testing.T) {
	r, d, _ := openDisk(t)
	r.HBA.Port(0).FailNext(hba.PortIntrTFES, ata.StatusDRDY|ata.StatusERR, ata.ErrorUNC)
	_, err := d.ReadAt(make([]byte, 512), 0)
	if !errors.Is(err, ata.ErrCommand) {
		t.Fatalf("expected %v, got %v", ata.ErrCommand, err)
	}
	var aerr *ata.Error
	if !errors.As(err, &aerr) || aerr.Err != ata.ErrorUNC {
		t.Fatalf("expected UNC error, got %v", err)
	}
}

func TestSeek(t *testing.T) {
	_, d, dev := openDisk(t)
	copy(dev.Media[600:], "hello")

	if off, err := d.Seek(600, io.SeekStart); off != 600 || err != nil {
		t.Fatalf("expected 600, got %v %v", off, err)
	}
	b := make([]byte, 5)
	if _, err := io.ReadFull(d, b); err != nil || string(b) != "hello" {
		t.Fatalf("expected hello, got %q %v", b, err)
	}
	if off, _ := d.Seek(0, io.SeekCurrent); off != 605 {
		t.Fatalf("expected 605, got %v", off)
	}
	if _, err := d.Write([]byte(" world")); err != nil {
		t.Fatal(err)
	}
	if string(dev.Media[600:611]) != "hello world" {
		t.Fatalf("unexpected media %q", dev.Media[600:611])
	}
	if off, err := d.Seek(1, io.SeekEnd); err != blockdev.ErrSeekOutOfRange || off != 611 {
		t.Fatalf("expected %v at 611, got %v %v", blockdev.ErrSeekOutOfRange, err, off)
	}
}

func TestFlush(t *testing.T) {
	r, d, _ := openDisk(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	issued := r.HBA.Port(0).Issued()
	if cmd := issued[len(issued)-1].FIS.Command; cmd != ata.CmdFlushCacheExt {
		t.Fatalf("expected command %#x, got %#x", ata.CmdFlushCacheExt, cmd)
	}
}
