package ahci_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clktmr/ahci/dma"
	"github.com/clktmr/ahci/drivers/ahci"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	ahcitesting "github.com/clktmr/ahci/testing"
)

func TestMain(m *testing.M) { ahcitesting.TestMain(m) }

func TestAttach(t *testing.T) {
	r := ahcitesting.NewRig(4)
	r.HBA.Port(0).Attach(ahcitesting.NewDisk(1024))
	c := r.Attach(t, ahci.Config{})

	if r.HBA.Resets() != 1 {
		t.Fatalf("expected 1 HBA reset, got %v", r.HBA.Resets())
	}
	if ghc := r.HBA.GHC(); ghc != hba.GHCAE|hba.GHCIE {
		t.Fatalf("expected GHC %#x, got %#x", hba.GHCAE|hba.GHCIE, ghc)
	}
	if n := len(c.Ports()); n != 4 {
		t.Fatalf("expected 4 ports, got %v", n)
	}
	if v := c.Version(); v.Major() != 1 || v.Minor() != 0x300 {
		t.Fatalf("unexpected version %#x", uint32(v))
	}
	if ie := r.HBA.Port(0).IE(); ie != hba.PortIntrDefault {
		t.Fatalf("expected port interrupts %#x, got %#x", hba.PortIntrDefault, ie)
	}
	if c.Intr() {
		t.Fatal("expected no pending interrupt")
	}
}

func TestAttachResetTimeout(t *testing.T) {
	r := ahcitesting.NewRig(1)
	r.HBA.ResetStuck(true)

	_, err := ahci.Attach(r.HBA, r.Mem, ahci.Config{Clock: r.Clock})
	if !errors.Is(err, ahci.ErrInit) {
		t.Fatalf("expected %v, got %v", ahci.ErrInit, err)
	}
	if d := r.Clock.Slept(); d < time.Second {
		t.Fatalf("expected to wait 1s for reset, waited %v", d)
	}
	if regions, maps := r.Mem.Live(); regions != 0 || maps != 0 {
		t.Fatalf("expected no allocations, got %v regions %v maps", regions, maps)
	}
}

func TestAttachOutOfMemory(t *testing.T) {
	r := ahcitesting.NewRig(2)
	mem := ahcitesting.NewMemory(2 * dma.PageSize)

	_, err := ahci.Attach(r.HBA, mem, ahci.Config{Clock: r.Clock})
	if !errors.Is(err, ahci.ErrInit) || !errors.Is(err, ahcitesting.ErrOutOfMemory) {
		t.Fatalf("expected %v, got %v", ahci.ErrInit, err)
	}
	if regions, maps := mem.Live(); regions != 0 || maps != 0 {
		t.Fatalf("expected no allocations, got %v regions %v maps", regions, maps)
	}
}

func TestImplementedPorts(t *testing.T) {
	tests := map[string]struct {
		pi           uint32
		clearOnReset bool
		saveInitData bool
		cfgPorts     uint32
		expected     []int
	}{
		"all":           {pi: 0xf, expected: []int{0, 1, 2, 3}},
		"sparse":        {pi: 0x5, expected: []int{0, 2}},
		"override":      {pi: 0xf, cfgPorts: 0x2, expected: []int{1}},
		"beyond cap":    {pi: 0x3f, expected: []int{0, 1, 2, 3}},
		"lost by reset": {pi: 0x6, clearOnReset: true, expected: []int{0}},
		"saved":         {pi: 0x6, clearOnReset: true, saveInitData: true, expected: []int{1, 2}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := ahcitesting.NewRig(4)
			r.HBA.SetPI(tc.pi)
			r.HBA.ClearOnReset(tc.clearOnReset)
			c, err := ahci.Attach(r.HBA, r.Mem, ahci.Config{
				Clock:        r.Clock,
				SaveInitData: tc.saveInitData,
				Ports:        tc.cfgPorts,
			})
			if err != nil {
				t.Fatal(err)
			}
			var ports []int
			for _, p := range c.Ports() {
				ports = append(ports, p.N())
			}
			if len(ports) != len(tc.expected) {
				t.Fatalf("expected ports %v, got %v", tc.expected, ports)
			}
			for i := range ports {
				if ports[i] != tc.expected[i] {
					t.Fatalf("expected ports %v, got %v", tc.expected, ports)
				}
			}
		})
	}
}

func TestSaveInitData(t *testing.T) {
	tests := map[string]struct {
		pi       uint32
		cfgPorts uint32
		expected uint32
	}{
		"saved":       {pi: 0x6, expected: 0x6},
		"zero":        {pi: 0, cfgPorts: 0x1, expected: 0x1},
		"config wins": {pi: 0x6, cfgPorts: 0x1, expected: 0x6},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := ahcitesting.NewRig(4)
			r.HBA.SetPI(tc.pi)
			r.HBA.ClearOnReset(true)
			_, err := ahci.Attach(r.HBA, r.Mem, ahci.Config{
				Clock:        r.Clock,
				SaveInitData: true,
				Ports:        tc.cfgPorts,
			})
			if err != nil {
				t.Fatal(err)
			}
			if pi := r.HBA.PI(); pi != tc.expected {
				t.Fatalf("expected PI %#x after reset, got %#x", tc.expected, pi)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	tests := map[string]struct {
		version  uint32
		cap      hba.Cap
		quirks   ahci.Quirk
		cap2     uint32
		expected hba.Cap
	}{
		"ahci 1.0":    {version: 0x00010000, cap: hba.CapSCLO | 3<<8},
		"ahci 1.2":    {version: 0x00010200, cap: hba.CapSCLO | 3<<8, cap2: 0x4},
		"pmp":         {version: 0x00010300, cap: hba.CapSPM | 3<<8, cap2: 0x4, expected: hba.CapSPM | 3<<8},
		"broken pmp":  {version: 0x00010300, cap: hba.CapSPM | 3<<8, quirks: ahci.QuirkBadPMP, cap2: 0x4, expected: 3 << 8},
		"64-bit":      {version: 0x00010300, cap: hba.CapS64A, cap2: 0x4, expected: hba.CapS64A},
		"no override": {version: 0x00010300, cap: 0, cap2: 0x4},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := ahcitesting.NewRig(1)
			r.HBA.SetVersion(tc.version)
			r.HBA.SetCap(tc.cap)
			r.HBA.Write32(hba.RegCap2, 0x4)
			c, err := ahci.Attach(r.HBA, r.Mem, ahci.Config{Clock: r.Clock, Quirks: tc.quirks})
			if err != nil {
				t.Fatal(err)
			}
			if c.Cap2() != tc.cap2 {
				t.Fatalf("expected cap2 %#x, got %#x", tc.cap2, c.Cap2())
			}
			if tc.expected != 0 && c.Cap() != tc.expected {
				t.Fatalf("expected cap %#x, got %#x", tc.expected, c.Cap())
			}
		})
	}
}

func TestProbe(t *testing.T) {
	tests := map[string]struct {
		dev      *ahcitesting.Device
		linkDown bool
		cap      hba.Cap
		quirks   ahci.Quirk
		expected ata.DriveType
		drives   int
		err      error
	}{
		"empty":            {expected: ata.DriveNone, drives: 1},
		"disk":             {dev: ahcitesting.NewDisk(64), expected: ata.DriveATA, drives: 1},
		"cdrom":            {dev: ahcitesting.NewCDROM(16), expected: ata.DriveATAPI, drives: 1},
		"port multiplier":  {dev: ahcitesting.NewPortMultiplier(), cap: hba.CapSPM, expected: ata.DrivePM, drives: 16},
		"disk behind spm":  {dev: ahcitesting.NewDisk(64), cap: hba.CapSPM, expected: ata.DriveATA, drives: 1},
		"no communication": {dev: ahcitesting.NewDisk(64), linkDown: true, expected: ata.DriveNone, drives: 1, err: ahci.ErrLink},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := ahcitesting.NewRig(1)
			r.HBA.SetCap(hba.CapSCLO | hba.CapS64A | 3<<8 | tc.cap)
			if tc.dev != nil {
				r.HBA.Port(0).Attach(tc.dev)
			}
			r.HBA.Port(0).LinkDown(tc.linkDown)
			c, err := ahci.Attach(r.HBA, r.Mem, ahci.Config{Clock: r.Clock, Quirks: tc.quirks})
			if err != nil {
				t.Fatal(err)
			}

			err = c.Probe(context.Background())
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected error %v, got %v", tc.err, err)
			}
			p := c.Port(0)
			if typ := p.DriveType(0); tc.expected != ata.DrivePM && typ != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, typ)
			}
			if typ := p.DriveType(ata.PMPortControl); tc.expected == ata.DrivePM && typ != ata.DrivePM {
				t.Fatalf("expected %v, got %v", ata.DrivePM, typ)
			}
			if p.Drives() != tc.drives {
				t.Fatalf("expected %v drives, got %v", tc.drives, p.Drives())
			}
			if pma := r.HBA.Port(0).CMD()&hba.PortCmdPMA != 0; pma != (tc.expected == ata.DrivePM) {
				t.Fatalf("unexpected PMA %v", pma)
			}
		})
	}
}

func TestResume(t *testing.T) {
	r := ahcitesting.NewRig(2)
	r.HBA.Port(1).Attach(ahcitesting.NewDisk(64))
	c := r.Attach(t, ahci.Config{})

	if err := c.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.HBA.Resets() != 2 {
		t.Fatalf("expected 2 HBA resets, got %v", r.HBA.Resets())
	}
	if typ := c.Port(1).DriveType(0); typ != ata.DriveATA {
		t.Fatalf("expected %v, got %v", ata.DriveATA, typ)
	}
	x := identify(0, true)
	if res := c.Port(1).Exec(x); res.Outcome != ata.OK {
		t.Fatalf("expected %v, got %v", ata.OK, res.Outcome)
	}
}

func TestDetach(t *testing.T) {
	r := ahcitesting.NewRig(2)
	r.HBA.Port(0).Attach(ahcitesting.NewDisk(64))
	c := r.Attach(t, ahci.Config{})

	if err := c.Detach(); err != nil {
		t.Fatal(err)
	}
	if regions, maps := r.Mem.Live(); regions != 0 || maps != 0 {
		t.Fatalf("expected no allocations, got %v regions %v maps", regions, maps)
	}
	if r.HBA.GHC()&hba.GHCIE != 0 {
		t.Fatal("expected interrupts disabled")
	}
	if cmd := r.HBA.Port(0).CMD(); cmd&(hba.PortCmdST|hba.PortCmdCR) != 0 {
		t.Fatalf("expected port stopped, got %#x", cmd)
	}
}

func TestDetachStuck(t *testing.T) {
	r := ahcitesting.NewRig(1)
	r.HBA.Port(0).Attach(ahcitesting.NewDisk(64))
	c := r.Attach(t, ahci.Config{})
	r.HBA.Port(0).StopStuck(true)

	if err := c.Detach(); !errors.Is(err, ahci.ErrStopTimeout) {
		t.Fatalf("expected %v, got %v", ahci.ErrStopTimeout, err)
	}
	if regions, _ := r.Mem.Live(); regions == 0 {
		t.Fatal("expected memory of running port kept")
	}
}
