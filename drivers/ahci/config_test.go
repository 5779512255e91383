package ahci_test

import (
	"testing"

	"github.com/clktmr/ahci/drivers/ahci"
)

func TestParseQuirk(t *testing.T) {
	tests := map[string]struct {
		expected ahci.Quirk
		err      bool
	}{
		"badpmp":      {expected: ahci.QuirkBadPMP},
		"BadPMPReset": {expected: ahci.QuirkBadPMPReset},
		"skipreset":   {expected: ahci.QuirkSkipReset},
		"ncq":         {err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			q, err := ahci.ParseQuirk(name)
			if (err != nil) != tc.err {
				t.Fatalf("unexpected error %v", err)
			}
			if q != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, q)
			}
		})
	}

	if s := (ahci.QuirkSkipReset | ahci.QuirkBadPMP).String(); s != "badpmp,skipreset" {
		t.Fatalf("expected %q, got %q", "badpmp,skipreset", s)
	}
}
