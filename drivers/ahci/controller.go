package ahci

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clktmr/ahci/dma"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/hba"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	hostResetPolls    = 1000
	hostResetInterval = time.Millisecond
)

// Controller is an AHCI host bus adapter.
type Controller struct {
	regs  *hba.Registers
	alloc dma.Allocator
	cfg   Config
	host  *host

	cap     hba.Cap
	cap2    uint32
	version hba.Version
	pi      uint32

	// register values saved before the first reset
	saved struct {
		cap  hba.Cap
		cap2 uint32
		pi   uint32
	}

	ports [hba.MaxPorts]*Port
}

// Attach resets the adapter behind bus and sets up all implemented ports.
// Drives are not probed, see Probe.
func Attach(bus hba.Bus, alloc dma.Allocator, cfg Config) (*Controller, error) {
	cfg.setDefaults()
	c := &Controller{
		regs:  hba.NewRegisters(bus),
		alloc: alloc,
		cfg:   cfg,
	}
	c.host = &host{regs: c.regs}

	if cfg.SaveInitData {
		c.saved.cap = c.regs.Cap.Load()
		if c.regs.VS.Load().HasCap2() {
			c.saved.cap2 = c.regs.Cap2.Load()
		}
		c.saved.pi = c.regs.PI.Load()
		if c.saved.pi == 0 {
			c.saved.pi = cfg.Ports
		}
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	c.probeCapabilities()

	for n := range hba.MaxPorts {
		if c.pi&(1<<n) == 0 {
			continue
		}
		if n >= c.cap.Ports() {
			klog.InfoS("more implemented ports than announced", "port", n, "ports", c.cap.Ports())
			break
		}
		p, err := newPort(n, c)
		if err != nil {
			c.free()
			return nil, fmt.Errorf("%w: port %d: %w", ErrInit, n, err)
		}
		c.ports[n] = p
	}
	c.enableInterrupts()
	return c, nil
}

// Reset performs an HBA reset and enables AHCI mode. All port state of the
// adapter is lost.
func (c *Controller) Reset() error {
	klog.V(4).InfoS("controller reset")
	c.regs.GHC.Store(hba.GHCHR)
	ok := hba.Poll(c.cfg.Clock, hostResetPolls, hostResetInterval, func() bool {
		return c.regs.GHC.Load()&hba.GHCHR == 0
	})
	if !ok {
		klog.ErrorS(ErrInit, "controller reset failed", "ghc", fmt.Sprintf("%#x", uint32(c.regs.GHC.Load())))
		return fmt.Errorf("%w: reset didn't complete", ErrInit)
	}
	c.regs.GHC.Store(hba.GHCAE)

	if c.cfg.SaveInitData {
		c.regs.Cap.Store(c.saved.cap)
		if c.saved.cap2 != 0 {
			c.regs.Cap2.Store(c.saved.cap2)
		}
		c.regs.PI.Store(c.saved.pi)
	}
	return nil
}

// probeCapabilities reads the capabilities of the adapter and applies
// quirks.
func (c *Controller) probeCapabilities() {
	c.cap = c.regs.Cap.Load()
	if c.cfg.Quirks&QuirkBadPMP != 0 {
		klog.V(1).InfoS("ignoring broken port multiplier support")
		c.cap &^= hba.CapSPM
	}
	c.version = c.regs.VS.Load()
	c.cap2 = 0
	if c.version.HasCap2() {
		c.cap2 = c.regs.Cap2.Load()
	}

	c.pi = c.regs.PI.Load()
	switch {
	case c.cfg.Ports != 0:
		c.pi = c.cfg.Ports
	case c.pi == 0:
		c.pi = 1<<c.cap.Ports() - 1
	}

	klog.InfoS("AHCI adapter",
		"version", fmt.Sprintf("%d.%d", c.version.Major(), c.version.Minor()),
		"ports", c.cap.Ports(),
		"slots", c.cap.Slots(),
		"gen", c.cap.Gen(),
		"cap", fmt.Sprintf("%#x", uint32(c.cap)),
		"cap2", fmt.Sprintf("%#x", c.cap2),
		"pi", fmt.Sprintf("%#x", c.pi))
}

func (c *Controller) enableInterrupts() {
	c.regs.IS.Store(c.regs.IS.Load())
	c.host.enable(true)
}

// Cap returns the capabilities in use, after quirks were applied.
func (c *Controller) Cap() hba.Cap { return c.cap }

// Cap2 returns the extended capabilities, zero before AHCI 1.2.
func (c *Controller) Cap2() uint32 { return c.cap2 }

func (c *Controller) Version() hba.Version { return c.version }

// Port returns port n or nil if it isn't implemented.
func (c *Controller) Port(n int) *Port {
	if n < 0 || n >= len(c.ports) {
		return nil
	}
	return c.ports[n]
}

// Ports returns all implemented ports in ascending order.
func (c *Controller) Ports() []*Port {
	var ports []*Port
	for _, p := range c.ports {
		if p != nil {
			ports = append(ports, p)
		}
	}
	return ports
}

// Probe detects the drives of all ports in parallel. It returns the first
// error, but probes every port.
func (c *Controller) Probe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range c.Ports() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			typ, err := p.ProbeDrive()
			if err != nil {
				return fmt.Errorf("port %d: %w", p.n, err)
			}
			klog.V(1).InfoS("port probed", "port", p.n, "drive", typ)
			return nil
		})
	}
	return g.Wait()
}

// Resume reinitializes the adapter after its state was lost, e.g. by a
// system suspend. Commands in flight are killed.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.Reset(); err != nil {
		return err
	}
	prev := c.cap
	c.probeCapabilities()
	if c.cap.Slots() != prev.Slots() {
		klog.InfoS("command slots changed over resume", "was", prev.Slots(), "now", c.cap.Slots())
	}

	var errs []error
	for _, p := range c.Ports() {
		p.mu.Lock()
		p.cap = c.cap
		if x := p.xfer; x != nil {
			p.kill(x, ata.KillReset)
		}
		if err := p.setup(); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", p.n, err))
		}
		p.unlock()
	}
	if err := c.Probe(ctx); err != nil {
		errs = append(errs, err)
	}
	c.enableInterrupts()
	return errors.Join(errs...)
}

// Detach drains all drives, stops all ports and releases their memory.
func (c *Controller) Detach() error {
	var errs []error
	for _, p := range c.Ports() {
		if err := p.detach(); err != nil {
			errs = append(errs, err)
		}
	}
	c.host.enable(false)
	c.free()
	return errors.Join(errs...)
}

func (c *Controller) free() {
	for i, p := range c.ports {
		if p != nil {
			p.free()
			c.ports[i] = nil
		}
	}
}
