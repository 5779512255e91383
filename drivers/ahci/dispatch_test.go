package ahci_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/clktmr/ahci/drivers/ahci"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	ahcitesting "github.com/clktmr/ahci/testing"
)

func identify(drive int, poll bool) *ata.Xfer {
	x := ata.NewXfer(drive, &ata.Command{
		Command: ata.CmdIdentify,
		Flags:   ata.CmdRead,
		Data:    make([]byte, ata.IdentifySize),
	})
	x.Poll = poll
	return x
}

// run submits x and delivers interrupts until it completed.
func run(t *testing.T, r *ahcitesting.Rig, p *ahci.Port, x *ata.Xfer) ata.Result {
	t.Helper()
	p.Submit(x)
	r.Intr()
	if !x.Finished() {
		t.Fatal("expected transfer to complete")
	}
	return x.Result
}

func diskRig(t *testing.T, sectors int) (*ahcitesting.Rig, *ahci.Port, *ahcitesting.Device) {
	r := ahcitesting.NewRig(1)
	disk := ahcitesting.NewDisk(sectors)
	r.HBA.Port(0).Attach(disk)
	c := r.Attach(t, ahci.Config{})
	return r, c.Port(0), disk
}

func TestIdentify(t *testing.T) {
	for _, poll := range []bool{false, true} {
		r, p, disk := diskRig(t, 2048)
		x := identify(0, poll)
		var res ata.Result
		if poll {
			p.Submit(x)
			if !x.Finished() {
				t.Fatal("expected polled transfer to complete in Submit")
			}
			res = x.Result
		} else {
			res = run(t, r, p, x)
		}
		if res.Outcome != ata.OK || res.Transferred != ata.IdentifySize {
			t.Fatalf("poll %v: expected ok with %v bytes, got %v with %v", poll, ata.IdentifySize,
				res.Outcome, res.Transferred)
		}

		id, err := ata.DecodeIdentify(x.Op.(*ata.Command).Data)
		if err != nil {
			t.Fatal(err)
		}
		if params := id.Params(); params != disk.Params {
			t.Fatalf("expected %+v, got %+v", disk.Params, params)
		}

		issued := r.HBA.Port(0).Issued()
		last := issued[len(issued)-1]
		if last.Header.FISLength != hba.RegFISDwords || last.Header.PRDTL != 1 || last.Header.Write != 0 {
			t.Fatalf("unexpected command header %+v", last.Header)
		}
		if last.FIS.C != 1 || last.FIS.Command != ata.CmdIdentify {
			t.Fatalf("unexpected fis %+v", last.FIS)
		}
		if r.Clock.Pending() != 0 {
			t.Fatalf("expected timeout timer stopped, %v pending", r.Clock.Pending())
		}
		if p.Active() != 0 {
			t.Fatalf("expected no active slots, got %#x", p.Active())
		}
	}
}

func TestBIO(t *testing.T) {
	tests := map[string]struct {
		lba     uint64
		size    int
		lba48   bool
		scatter bool
		prds    int
		command uint8
	}{
		"lba28":        {lba: 3, size: 1024, prds: 1, command: ata.CmdReadDMA},
		"lba48":        {lba: 3, size: 1024, lba48: true, prds: 1, command: ata.CmdReadDMAExt},
		"contiguous":   {lba: 0, size: 8192, lba48: true, prds: 1, command: ata.CmdReadDMAExt},
		"scattered":    {lba: 0, size: 8192, lba48: true, scatter: true, prds: 2, command: ata.CmdReadDMAExt},
		"max transfer": {lba: 100, size: hba.MaxTransfer, scatter: true, prds: 16, command: ata.CmdReadDMA},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := ahcitesting.NewRig(1)
			r.Mem.Scatter(tc.scatter)
			disk := ahcitesting.NewDisk(4096)
			r.HBA.Port(0).Attach(disk)
			p := r.Attach(t, ahci.Config{}).Port(0)

			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i*7 + 1)
			}
			w := &ata.BIO{LBA: tc.lba, Write: true, LBA48: tc.lba48, Data: data}
			if res := run(t, r, p, ata.NewXfer(0, w)); res.Outcome != ata.OK {
				t.Fatalf("write: expected %v, got %v", ata.OK, res.Outcome)
			}
			if w.Residual != 0 {
				t.Fatalf("write: expected no residual, got %v", w.Residual)
			}
			off := int(tc.lba) * ata.SectorSize
			if !bytes.Equal(disk.Media[off:off+tc.size], data) {
				t.Fatal("write: media doesn't match")
			}

			rd := &ata.BIO{LBA: tc.lba, LBA48: tc.lba48, Data: make([]byte, tc.size)}
			res := run(t, r, p, ata.NewXfer(0, rd))
			if res.Outcome != ata.OK || res.Transferred != tc.size || rd.Residual != 0 {
				t.Fatalf("read: unexpected result %+v, residual %v", res, rd.Residual)
			}
			if !bytes.Equal(rd.Data, data) {
				t.Fatal("read: data doesn't match")
			}

			issued := r.HBA.Port(0).Issued()
			last := issued[len(issued)-1]
			if last.FIS.Command != tc.command {
				t.Fatalf("expected command %#x, got %#x", tc.command, last.FIS.Command)
			}
			if len(last.PRDs) != tc.prds {
				t.Fatalf("expected %v PRDs, got %v", tc.prds, len(last.PRDs))
			}
			for i, prd := range last.PRDs {
				if final := i == len(last.PRDs)-1; (prd.Interrupt != 0) != final {
					t.Fatalf("PRD %v: unexpected interrupt bit %v", i, prd.Interrupt)
				}
			}
			if write := issued[len(issued)-2]; write.Header.Write != 1 {
				t.Fatal("expected write bit in command header")
			}
		})
	}
}

func TestInvalidBIO(t *testing.T) {
	tests := map[string]*ata.BIO{
		"empty":        {},
		"partial":      {Data: make([]byte, 100)},
		"too large":    {Data: make([]byte, hba.MaxTransfer+ata.SectorSize), LBA48: true},
		"beyond lba28": {LBA: ata.MaxLBA28, Data: make([]byte, 1024)},
	}
	for name, bio := range tests {
		t.Run(name, func(t *testing.T) {
			r, p, _ := diskRig(t, 64)
			n := len(r.HBA.Port(0).Issued())
			res := run(t, r, p, ata.NewXfer(0, bio))
			if res.Outcome != ata.DMAError {
				t.Fatalf("expected %v, got %v", ata.DMAError, res.Outcome)
			}
			if bio.Residual != len(bio.Data) {
				t.Fatalf("expected residual %v, got %v", len(bio.Data), bio.Residual)
			}
			if len(r.HBA.Port(0).Issued()) != n {
				t.Fatal("expected nothing issued")
			}
		})
	}
}

func TestNoData(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	loads := r.Mem.Loads()
	x := ata.NewXfer(0, &ata.Command{Command: ata.CmdFlushCacheExt})
	if res := run(t, r, p, x); res.Outcome != ata.OK {
		t.Fatalf("expected %v, got %v", ata.OK, res.Outcome)
	}
	if r.Mem.Loads() != loads {
		t.Fatal("expected no dma map load")
	}
	issued := r.HBA.Port(0).Issued()
	if prdtl := issued[len(issued)-1].Header.PRDTL; prdtl != 0 {
		t.Fatalf("expected no PRDs, got %v", prdtl)
	}
}

func TestDMALoadFailure(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	n := len(r.HBA.Port(0).Issued())
	r.Mem.FailLoads(1)

	x := identify(0, false)
	p.Submit(x)
	if !x.Finished() {
		t.Fatal("expected transfer to complete in Submit")
	}
	if !errors.Is(x.Result.Err(), ata.ErrDMA) {
		t.Fatalf("expected %v, got %v", ata.ErrDMA, x.Result.Err())
	}
	if len(r.HBA.Port(0).Issued()) != n || r.HBA.Port(0).CI() != 0 {
		t.Fatal("expected nothing issued")
	}

	if res := run(t, r, p, identify(0, false)); res.Outcome != ata.OK {
		t.Fatalf("expected %v, got %v", ata.OK, res.Outcome)
	}
}

func TestReadRegs(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	cmd := &ata.Command{Command: ata.CmdCheckPowerMode, Flags: ata.CmdReadRegs}
	if res := run(t, r, p, ata.NewXfer(0, cmd)); res.Outcome != ata.OK {
		t.Fatalf("expected %v, got %v", ata.OK, res.Outcome)
	}
	if cmd.Regs.Status != ata.StatusDRDY|ata.StatusDSC {
		t.Fatalf("expected status %#x, got %#x", ata.StatusDRDY|ata.StatusDSC, cmd.Regs.Status)
	}
}

func TestPacket(t *testing.T) {
	r := ahcitesting.NewRig(1)
	r.HBA.Port(0).Attach(ahcitesting.NewCDROM(8))
	p := r.Attach(t, ahci.Config{}).Port(0)

	inquiry := &ata.Packet{CDB: []byte{0x12, 0, 0, 0, 36, 0, 0, 0, 0, 0, 0, 0}, Data: make([]byte, 36)}
	if res := run(t, r, p, ata.NewXfer(0, inquiry)); res.Outcome != ata.OK {
		t.Fatalf("expected %v, got %v", ata.OK, res.Outcome)
	}
	if inquiry.Data[0] != 0x05 || inquiry.Residual != 0 {
		t.Fatalf("unexpected inquiry data %x, residual %v", inquiry.Data, inquiry.Residual)
	}
	issued := r.HBA.Port(0).Issued()
	last := issued[len(issued)-1]
	if last.Header.ATAPI != 1 || last.FIS.Command != ata.CmdPacket || last.ACMD[0] != 0x12 {
		t.Fatalf("unexpected packet command %+v", last)
	}

	bad := &ata.Packet{CDB: make([]byte, 12), Data: make([]byte, 8)}
	bad.CDB[0] = 0xff
	res := run(t, r, p, ata.NewXfer(0, bad))
	if res.Outcome != ata.Failed {
		t.Fatalf("expected %v, got %v", ata.Failed, res.Outcome)
	}
	if bad.Sense>>4 != 0x5 {
		t.Fatalf("expected illegal request, got sense %#x", bad.Sense)
	}
}

func TestQueue(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	sim := r.HBA.Port(0)
	n := len(sim.Issued())

	var order []int
	xfers := make([]*ata.Xfer, 3)
	for i := range xfers {
		xfers[i] = identify(0, false)
		xfers[i].Done = func(*ata.Xfer) { order = append(order, i) }
	}

	sim.Hold()
	for _, x := range xfers {
		p.Submit(x)
	}
	if issued := len(sim.Issued()) - n; issued != 1 {
		t.Fatalf("expected 1 command issued, got %v", issued)
	}
	sim.Release()
	r.Intr()

	for i, x := range xfers {
		if !x.Finished() || x.Result.Outcome != ata.OK {
			t.Fatalf("xfer %v: expected ok, got %v", i, x.Result.Outcome)
		}
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected completion order [0 1 2], got %v", order)
	}
}
