// Package ahci drives the ports of an AHCI SATA host bus adapter.
//
// Each port executes one command at a time in command slot 0. Commands
// submitted while the slot is busy wait in a per-port queue and are started
// in submission order. A command completes exactly once: by interrupt, by
// polling, by its timeout, or by being killed during a reset or drain.
//
// Interrupts are delivered by calling [Controller.Intr] from whatever
// receives the adapter's interrupt. Commands with [ata.Xfer.Poll] set don't
// need interrupts at all.
package ahci
