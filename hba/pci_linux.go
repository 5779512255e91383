package hba

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AHCI base address register (ABAR) of an AHCI PCI function.
const pciABAR = 5

const pciCommandBusMaster = 1 << 2

// MappedBus is a Bus backed by a memory mapped PCI resource.
type MappedBus struct {
	addr string
	mem  []byte
}

// OpenPCI maps the ABAR of the PCI function addr (e.g. "0000:00:1f.2") from
// sysfs and enables bus mastering. The function must not be bound to a
// kernel driver.
func OpenPCI(addr string) (*MappedBus, error) {
	dir := filepath.Join("/sys/bus/pci/devices", addr)
	f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("resource%d", pciABAR)), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", addr, err)
	}
	b := &MappedBus{addr: addr, mem: mem}
	if err := b.enableBusMaster(dir); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *MappedBus) enableBusMaster(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var cmd [2]byte
	if _, err := f.ReadAt(cmd[:], 4); err != nil {
		return fmt.Errorf("read pci command: %w", err)
	}
	if cmd[0]&pciCommandBusMaster != 0 {
		return nil
	}
	cmd[0] |= pciCommandBusMaster
	if _, err := f.WriteAt(cmd[:], 4); err != nil {
		return fmt.Errorf("write pci command: %w", err)
	}
	return nil
}

func (b *MappedBus) reg(off uint32) *uint32 {
	if int(off)+4 > len(b.mem) || off&3 != 0 {
		panic(fmt.Sprintf("%s: register offset %#x out of range", b.addr, off))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *MappedBus) Read32(off uint32) uint32 {
	return atomic.LoadUint32(b.reg(off))
}

func (b *MappedBus) Write32(off uint32, v uint32) {
	atomic.StoreUint32(b.reg(off), v)
}

// Size returns the size of the mapped window.
func (b *MappedBus) Size() int {
	return len(b.mem)
}

func (b *MappedBus) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
