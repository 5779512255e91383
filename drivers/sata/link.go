// Package sata implements the SATA link layer operations the AHCI driver
// needs from its environment.
package sata

import (
	"time"

	"github.com/clktmr/ahci/hba"
	"k8s.io/klog/v2"
)

// Detect is the outcome of an interface reset.
type Detect uint8

const (
	NoDevice      Detect = iota
	DevicePresent        // device detected, no phy communication
	DeviceReady          // phy communication established
)

func (d Detect) String() string {
	switch d {
	case DevicePresent:
		return "present"
	case DeviceReady:
		return "ready"
	}
	return "none"
}

// Resetter performs a COMRESET of a port's interface.
type Resetter interface {
	ResetInterface(timeout time.Duration) Detect
}

const (
	comresetHold = 50 * time.Millisecond
	pollInterval = 10 * time.Millisecond
)

// DefaultTimeout is the time a device gets to establish communication
// after a COMRESET.
const DefaultTimeout = time.Second

// Link resets a port's interface through its SControl and SStatus
// registers.
type Link struct {
	Port     int
	SStatus  hba.R32[hba.SStatus]
	SControl hba.R32[hba.SControl]
	Clock    hba.Clock
}

// NewLink returns the Link of port n with registers regs.
func NewLink(n int, regs *hba.PortRegisters, clock hba.Clock) *Link {
	return &Link{Port: n, SStatus: regs.SSTS, SControl: regs.SCTL, Clock: clock}
}

// ResetInterface issues a COMRESET with power management transitions
// disabled and waits up to timeout for the device to come up.
func (l *Link) ResetInterface(timeout time.Duration) Detect {
	l.SControl.Store(hba.SControlIPMNone | hba.SControlDETInit)
	l.Clock.Sleep(comresetHold)
	l.SControl.Store(hba.SControlIPMNone)

	var sts hba.SStatus
	hba.Poll(l.Clock, int(timeout/pollInterval), pollInterval, func() bool {
		sts = l.SStatus.Load()
		return sts.DET() == hba.DetDevice
	})
	klog.V(1).InfoS("interface reset", "port", l.Port, "sstatus", uint32(sts))

	switch sts.DET() {
	case hba.DetDevice:
		return DeviceReady
	case hba.DetDeviceNE:
		return DevicePresent
	}
	return NoDevice
}
