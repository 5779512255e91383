// Package testing provides a simulated AHCI adapter and utilities for
// writing tests against it.
package testing

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/clktmr/ahci/drivers/ahci"
	"k8s.io/klog/v2"
)

// TestMain should be used as TestMain for tests of the driver. The log
// verbosity is taken from AHCI_TEST_V.
func TestMain(m *testing.M) {
	fs := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(fs)
	fs.Set("logtostderr", "true")
	if v := os.Getenv("AHCI_TEST_V"); v != "" {
		fs.Set("v", v)
	}
	code := m.Run()
	klog.Flush()
	os.Exit(code)
}

// Rig is a simulated adapter with its environment.
type Rig struct {
	Clock *Clock
	Mem   *Memory
	HBA   *HBA
	Ctrl  *ahci.Controller
}

// NewRig returns an adapter with nports empty ports. Devices and faults
// should be set up before Attach.
func NewRig(nports int) *Rig {
	clock := NewClock()
	mem := NewMemory(8 << 20)
	return &Rig{
		Clock: clock,
		Mem:   mem,
		HBA:   NewHBA(clock, mem, nports),
	}
}

// Attach attaches the driver with cfg and probes all ports. It fails the
// test on errors.
func (r *Rig) Attach(t testing.TB, cfg ahci.Config) *ahci.Controller {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = r.Clock
	}
	c, err := ahci.Attach(r.HBA, r.Mem, cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	r.Ctrl = c
	return c
}

// Intr delivers pending interrupts to the driver.
func (r *Rig) Intr() int {
	return r.HBA.Deliver(r.Ctrl.Intr)
}
