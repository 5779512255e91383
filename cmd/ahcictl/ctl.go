//go:build linux

package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/blockdev"
)

func printAdapter(w io.Writer, a *adapter) {
	v, caps := a.Version(), a.Cap()
	fmt.Fprintf(w, "AHCI %d.%d, %d ports, %d slots, cap %#08x cap2 %#x\n",
		v.Major(), v.Minor()>>8, caps.Ports(), caps.Slots(), uint32(caps), a.Cap2())

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "PORT\tDRIVE\tTYPE\tSTATE\tCOMMANDS\tERRORS\tTIMEOUTS\tRESETS")
	for _, p := range a.Ports() {
		state := "up"
		switch {
		case p.Degraded():
			state = "degraded"
		case p.LinkDown():
			state = "link down"
		}
		st := p.Stats()
		for drive := range p.Drives() {
			typ := p.DriveType(drive)
			if typ == ata.DriveNone && p.Drives() > 1 {
				continue
			}
			fmt.Fprintf(tw, "%d\t%d\t%v\t%s\t%d\t%d\t%d\t%d\n", p.N(), drive, typ, state,
				st.Submitted, st.Errors, st.Timeouts, st.Resets)
		}
	}
}

func printPartitions(w io.Writer, disks map[string]*blockdev.Disk) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "NAME\tSTART\tSIZE\tINFO")
	names := make([]string, 0, len(disks))
	for name := range disks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		d := disks[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", name, 0, d.Size(), d.Params().Model)
		parts, err := d.Partitions()
		if err != nil {
			continue
		}
		for _, p := range parts {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%v\n", partName(name, p), p.Start, p.Size, p)
		}
	}
}

func resetPort(w io.Writer, a *adapter, arg string, drive int) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid port %q", arg)
	}
	p := a.Port(n)
	if p == nil {
		return fmt.Errorf("port %d not implemented", n)
	}

	if drive >= 0 {
		sig, err := p.ResetDrive(drive)
		fmt.Fprintf(w, "port %d drive %d: signature %#08x (%v)\n", n, drive, sig, ata.Classify(sig))
		return err
	}
	if err := p.ResetChannel(); err != nil {
		return err
	}
	typ, err := p.ProbeDrive()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "port %d: %v\n", n, typ)
	return nil
}
