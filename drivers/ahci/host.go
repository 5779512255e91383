package ahci

import (
	"sync"

	"github.com/clktmr/ahci/hba"
)

// host serializes access to the global HBA control register, which is
// shared by all ports.
type host struct {
	mu      sync.Mutex
	regs    *hba.Registers
	enabled bool
	masked  int
}

// enable sets whether interrupts are enabled when not masked.
func (h *host) enable(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = on
	h.apply()
}

// mask disables interrupts until the matching unmask.
func (h *host) mask() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.masked++
	h.apply()
}

func (h *host) unmask() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.masked--
	h.apply()
}

func (h *host) apply() {
	if h.enabled && h.masked == 0 {
		h.regs.GHC.SetBits(hba.GHCIE)
	} else {
		h.regs.GHC.ClearBits(hba.GHCIE)
	}
}
