package ahci

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clktmr/ahci/drivers/sata"
	"github.com/clktmr/ahci/hba"
)

// Quirk works around broken adapters.
type Quirk uint32

const (
	// QuirkBadPMP hides port multiplier support.
	QuirkBadPMP Quirk = 1 << iota
	// QuirkBadPMPReset retries a failed reset through a port multiplier's
	// control port on drive 0.
	QuirkBadPMPReset
	// QuirkSkipReset doesn't send software reset FISes.
	QuirkSkipReset
)

var quirkNames = map[string]Quirk{
	"badpmp":      QuirkBadPMP,
	"badpmpreset": QuirkBadPMPReset,
	"skipreset":   QuirkSkipReset,
}

// ParseQuirk returns the quirk with the given name.
func ParseQuirk(name string) (Quirk, error) {
	q, ok := quirkNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown quirk %q", name)
	}
	return q, nil
}

func (q Quirk) String() string {
	var names []string
	for name, v := range quirkNames {
		if q&v != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

const (
	DefaultIOTimeout    = 10 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
	DefaultMaxTimeouts  = 2
)

// Config configures a Controller. The zero value is usable.
type Config struct {
	Quirks Quirk

	// SaveInitData preserves CAP, CAP2 and PI across HBA resets, for
	// platforms where firmware initializes them.
	SaveInitData bool

	// Ports overrides the implemented ports register if not zero.
	Ports uint32

	Clock hba.Clock

	// NewLink returns the interface reset of port n. Defaults to
	// sata.NewLink.
	NewLink func(n int, regs *hba.PortRegisters, clock hba.Clock) sata.Resetter

	// IOTimeout applies to commands without a timeout of their own.
	IOTimeout time.Duration

	// PollInterval is the sleep between checks of a polled command.
	PollInterval time.Duration

	// MaxTimeouts is the number of consecutive timeouts on a port after
	// which the channel is reset instead of just restarted.
	MaxTimeouts int
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = hba.SystemClock
	}
	if c.NewLink == nil {
		c.NewLink = func(n int, regs *hba.PortRegisters, clock hba.Clock) sata.Resetter {
			return sata.NewLink(n, regs, clock)
		}
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxTimeouts == 0 {
		c.MaxTimeouts = DefaultMaxTimeouts
	}
}
