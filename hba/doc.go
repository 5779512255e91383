// Package hba provides access to the registers and DMA structures of an AHCI
// host bus adapter.
//
// Registers are accessed through a [Bus], usually the memory mapped ABAR of
// the adapter's PCI function (see [OpenPCI]). The in-memory structures the
// adapter reads and writes via DMA (command list, command tables, received
// FIS area) are encoded bit exact by [CommandList], [CommandTable] and
// [ReceivedFIS].
package hba
