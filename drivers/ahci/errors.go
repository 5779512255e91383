package ahci

import "errors"

var (
	ErrInit         = errors.New("ahci: controller initialization failed")
	ErrLink         = errors.New("ahci: link error")
	ErrStopTimeout  = errors.New("ahci: channel wouldn't stop")
	ErrCLOTimeout   = errors.New("ahci: command list override timed out")
	ErrResetTimeout = errors.New("ahci: device busy after reset")
	ErrResetFailed  = errors.New("ahci: software reset failed")
	ErrInconsistent = errors.New("ahci: hardware reports unexpected command slot")
	ErrNoDrive      = errors.New("ahci: no such drive")
)

// Outcomes of a polled control FIS.
var (
	errFISError       = errors.New("d2h fis with error")
	errFISDeviceFault = errors.New("fis failed")
	errFISTimeout     = errors.New("fis timed out")
)
