package ata

import (
	"errors"
	"testing"
)

func TestIdentify(t *testing.T) {
	tests := map[string]Params{
		"lba28": {Model: "QEMU HARDDISK", Serial: "QM00001", Firmware: "2.5+", Sectors: 1 << 20},
		"lba48": {Model: "WDC WD10EZEX-00BN5A0", Serial: "WD-WCC3F0123456", Firmware: "01.01A01",
			Sectors: 1953525168, LBA48: true, NCQ: true, QueueDepth: 32},
		"atapi": {Model: "QEMU DVD-ROM", Serial: "QM00003", Firmware: "2.5+", ATAPI: true, PacketSize: 12},
	}

	for name, expected := range tests {
		t.Run(name, func(t *testing.T) {
			var d IdentifyData
			d.SetParams(expected)
			b, err := d.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if len(b) != IdentifySize {
				t.Fatalf("expected %d bytes, got %d", IdentifySize, len(b))
			}
			// ATA strings are byte swapped
			if !expected.ATAPI && b[54] != expected.Model[1] {
				t.Fatalf("expected %q at byte 54, got %q", expected.Model[1], b[54])
			}

			got, err := DecodeIdentify(b)
			if err != nil {
				t.Fatal(err)
			}
			if p := got.Params(); p != expected {
				t.Fatalf("expected %+v, got %+v", expected, p)
			}
		})
	}
}

func TestIdentifyChecksum(t *testing.T) {
	var d IdentifyData
	d.SetParams(Params{Model: "disk", Sectors: 100})
	b, err := d.Encode()
	if err != nil {
		t.Fatal(err)
	}
	b[100] ^= 0xff
	if _, err := DecodeIdentify(b); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected %v, got %v", ErrChecksum, err)
	}

	// devices without integrity word aren't checked
	b[510] = 0
	if _, err := DecodeIdentify(b); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeIdentify(b[:100]); err == nil {
		t.Fatal("expected error for short data")
	}
}
