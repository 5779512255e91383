package ahci_test

import (
	"errors"
	"testing"

	"github.com/clktmr/ahci/drivers/ahci"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
)

func drain(p *ahci.Port, drive int) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.Drain(drive) }()
	return errc
}

func TestDrain(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	sim := r.HBA.Port(0)
	sim.Hold()

	inflight, queued := identify(0, false), identify(0, false)
	p.Submit(inflight)
	p.Submit(queued)

	errc := drain(p, 0)
	<-queued.Wait()
	if queued.Result.Outcome != ata.Gone {
		t.Fatalf("queued: expected %v, got %v", ata.Gone, queued.Result.Outcome)
	}

	sim.Release()
	r.Intr()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if inflight.Result.Outcome != ata.Gone {
		t.Fatalf("in flight: expected %v, got %v", ata.Gone, inflight.Result.Outcome)
	}

	x := identify(0, false)
	p.Submit(x)
	if !x.Finished() || x.Result.Outcome != ata.Gone {
		t.Fatalf("after drain: expected %v, got %v", ata.Gone, x.Result.Outcome)
	}
	if !errors.Is(x.Result.Err(), ata.ErrGone) {
		t.Fatalf("expected %v, got %v", ata.ErrGone, x.Result.Err())
	}
}

func TestDrainRefusesNewCommands(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	sim := r.HBA.Port(0)
	sim.Hold()

	inflight, queued := identify(0, false), identify(0, false)
	p.Submit(inflight)
	p.Submit(queued)
	n := len(sim.Issued())

	errc := drain(p, 0)
	<-queued.Wait()

	late := identify(0, false)
	p.Submit(late)
	if !late.Finished() || late.Result.Outcome != ata.Gone {
		t.Fatalf("submitted while draining: expected %v, got %v", ata.Gone, late.Result.Outcome)
	}

	sim.Release()
	r.Intr()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got := len(sim.Issued()); got != n {
		t.Fatalf("expected %v commands issued, got %v", n, got)
	}
}

func TestDrainIdle(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	n := len(r.HBA.Port(0).Issued())
	if err := p.Drain(0); err != nil {
		t.Fatal(err)
	}
	x := identify(0, false)
	p.Submit(x)
	if x.Result.Outcome != ata.Gone {
		t.Fatalf("expected %v, got %v", ata.Gone, x.Result.Outcome)
	}
	if len(r.HBA.Port(0).Issued()) != n {
		t.Fatal("expected nothing issued")
	}
}

func TestDrainTimeout(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	sim := r.HBA.Port(0)
	sim.Hold()

	inflight, queued := identify(0, false), identify(0, false)
	p.Submit(inflight)
	p.Submit(queued)

	errc := drain(p, 0)
	<-queued.Wait()
	r.Clock.Advance(ahci.DefaultIOTimeout)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if inflight.Result.Outcome != ata.Gone {
		t.Fatalf("expected %v, got %v", ata.Gone, inflight.Result.Outcome)
	}
	if sim.CI() != 0 || sim.CMD()&hba.PortCmdST == 0 {
		t.Fatalf("expected restarted channel, CI %#x CMD %#x", sim.CI(), sim.CMD())
	}
	if r.Clock.Pending() != 0 {
		t.Fatalf("expected no timers, %v pending", r.Clock.Pending())
	}
}

func TestDrainNoDrive(t *testing.T) {
	_, p, _ := diskRig(t, 64)
	for _, drive := range []int{-1, 1, ata.PMPortControl} {
		if err := p.Drain(drive); !errors.Is(err, ahci.ErrNoDrive) {
			t.Fatalf("drive %v: expected %v, got %v", drive, ahci.ErrNoDrive, err)
		}
	}
}

func TestDrainProbe(t *testing.T) {
	r, p, _ := diskRig(t, 64)
	if err := p.Drain(0); err != nil {
		t.Fatal(err)
	}
	typ, err := p.ProbeDrive()
	if err != nil || typ != ata.DriveATA {
		t.Fatalf("expected %v, got %v %v", ata.DriveATA, typ, err)
	}
	if res := run(t, r, p, identify(0, false)); res.Outcome != ata.OK {
		t.Fatalf("after probe: expected %v, got %v", ata.OK, res.Outcome)
	}
}
