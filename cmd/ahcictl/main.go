//go:build linux

// Ahcictl drives an AHCI adapter from user space through its PCI resources.
//
// The adapter must not be bound to a kernel driver and the process needs
// the privileges to map its registers and to translate DMA memory to
// physical addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/clktmr/ahci/dma"
	"github.com/clktmr/ahci/drivers/ahci"
	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/blockdev"
	"github.com/clktmr/ahci/hba"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var opts struct {
	pci     string
	ports   uint32
	quirks  []string
	poll    bool
	timeout time.Duration
}

// intrInterval is the rate interrupts are serviced at without polled
// transfers. User space doesn't get the adapter's interrupt line.
const intrInterval = time.Millisecond

// adapter is an attached controller with its resources.
type adapter struct {
	*ahci.Controller
	bus   *hba.MappedBus
	alloc *dma.Pagemap
	stop  context.CancelFunc
}

func attach(ctx context.Context) (*adapter, error) {
	cfg := ahci.Config{Ports: opts.ports, IOTimeout: opts.timeout}
	for _, name := range opts.quirks {
		q, err := ahci.ParseQuirk(name)
		if err != nil {
			return nil, err
		}
		cfg.Quirks |= q
	}

	bus, err := hba.OpenPCI(opts.pci)
	if err != nil {
		return nil, err
	}
	alloc, err := dma.NewPagemap()
	if err != nil {
		bus.Close()
		return nil, err
	}
	c, err := ahci.Attach(bus, alloc, cfg)
	if err != nil {
		alloc.Close()
		bus.Close()
		return nil, err
	}
	a := &adapter{Controller: c, bus: bus, alloc: alloc, stop: func() {}}
	if !opts.poll {
		ctx, a.stop = context.WithCancel(ctx)
		go a.serve(ctx)
	}
	if err := c.Probe(ctx); err != nil {
		klog.ErrorS(err, "probe")
	}
	return a, nil
}

// serve services interrupts until ctx is done.
func (a *adapter) serve(ctx context.Context) {
	t := time.NewTicker(intrInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Intr()
		}
	}
}

// Close drains all drives while interrupts are still serviced, then
// detaches the controller.
func (a *adapter) Close() error {
	for _, p := range a.Ports() {
		for drive := range p.Drives() {
			p.Drain(drive)
		}
	}
	a.stop()
	err := a.Detach()
	a.alloc.Close()
	a.bus.Close()
	return err
}

// disks opens all ATA disks of the adapter by name.
func (a *adapter) disks() map[string]*blockdev.Disk {
	disks := make(map[string]*blockdev.Disk)
	for _, p := range a.Ports() {
		for drive := range p.Drives() {
			if p.DriveType(drive) != ata.DriveATA {
				continue
			}
			d, err := blockdev.Open(p, drive, blockdev.Options{Poll: opts.poll, Timeout: opts.timeout})
			if err != nil {
				klog.ErrorS(err, "open disk", "port", p.N(), "drive", drive)
				continue
			}
			disks[diskName(p.N(), drive, p.Drives() > 1)] = d
		}
	}
	return disks
}

func diskName(port, drive int, pm bool) string {
	if pm {
		return fmt.Sprintf("p%dd%d", port, drive)
	}
	return fmt.Sprintf("p%d", port)
}

func main() {
	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)
	defer klog.Flush()

	root := &cobra.Command{
		Use:          "ahcictl",
		Short:        "User space AHCI adapter utility",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(goflags)
	root.PersistentFlags().StringVar(&opts.pci, "pci", "", "PCI address of the adapter (e.g. 0000:00:1f.2)")
	root.PersistentFlags().Uint32Var(&opts.ports, "ports", 0, "override the implemented ports mask")
	root.PersistentFlags().StringSliceVar(&opts.quirks, "quirk", nil, "adapter quirks: badpmp, badpmpreset, skipreset")
	root.PersistentFlags().BoolVar(&opts.poll, "poll", false, "poll for command completion")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", ahci.DefaultIOTimeout, "command timeout")
	root.MarkPersistentFlagRequired("pci")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "List ports and attached drives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := attach(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			printAdapter(cmd.OutOrStdout(), a)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "partitions",
		Short: "List the partitions of all disks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := attach(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			printPartitions(cmd.OutOrStdout(), a.disks())
			return nil
		},
	})

	var drive int
	resetCmd := &cobra.Command{
		Use:   "reset <port>",
		Short: "Reset the channel of a port and probe it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := attach(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return resetPort(cmd.OutOrStdout(), a, args[0], drive)
		},
	}
	resetCmd.Flags().IntVar(&drive, "drive", -1, "only reset this drive instead of the channel")
	root.AddCommand(resetCmd)

	root.AddCommand(&cobra.Command{
		Use:   "mount <dir>",
		Short: "Serve all disks and their partitions as files via fuse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := attach(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return mount(ctx, a.disks(), args[0])
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
