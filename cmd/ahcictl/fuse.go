//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"syscall"

	"github.com/clktmr/ahci/drivers/ata"
	"github.com/clktmr/ahci/drivers/blockdev"
	"k8s.io/klog/v2"
	"rsc.io/rsc/fuse"
)

func mount(ctx context.Context, disks map[string]*blockdev.Disk, dir string) error {
	c, err := fuse.Mount(dir)
	if err != nil {
		return err
	}

	go c.Serve(newFS(disks))
	<-ctx.Done()

	for _, d := range disks {
		if err := d.Flush(); err != nil {
			klog.ErrorS(err, "flush")
		}
	}
	cmd := exec.Command("/bin/umount", dir)
	_, err = cmd.CombinedOutput()
	return err
}

func partName(disk string, p *blockdev.Partition) string {
	return fmt.Sprintf("%sp%d", disk, p.N)
}

// fusefs implements the file system and the root dir Node. It holds a file
// per disk and per partition.
type fusefs struct {
	names []string
	files map[string]*fusefile
}

func newFS(disks map[string]*blockdev.Disk) *fusefs {
	fs := &fusefs{files: make(map[string]*fusefile)}
	add := func(name string, dev device, size int64, disk *blockdev.Disk) {
		fs.names = append(fs.names, name)
		fs.files[name] = &fusefile{dev: dev, size: size, disk: disk, inode: uint64(len(fs.names) + 1)}
	}
	for name, d := range disks {
		add(name, d, d.Size(), d)
		parts, err := d.Partitions()
		if err != nil {
			klog.V(1).InfoS("no partitions", "disk", name, "err", err)
			continue
		}
		for _, p := range parts {
			add(partName(name, p), p, p.Size, d)
		}
	}
	slices.Sort(fs.names)
	return fs
}

func (p *fusefs) Root() (fuse.Node, fuse.Error) {
	return p, nil
}

func (p *fusefs) Attr() fuse.Attr {
	return fuse.Attr{Inode: 1, Mode: os.ModeDir | 0o755}
}

func (p *fusefs) Lookup(name string, intr fuse.Intr) (fuse.Node, fuse.Error) {
	f, ok := p.files[name]
	if !ok {
		return nil, fuse.ENOENT
	}
	return f, nil
}

func (p *fusefs) ReadDir(intr fuse.Intr) ([]fuse.Dirent, fuse.Error) {
	fuseEntries := make([]fuse.Dirent, len(p.names))
	for i, name := range p.names {
		fuseEntries[i] = fuse.Dirent{
			Inode: p.files[name].inode,
			Name:  name,
		}
	}
	return fuseEntries, nil
}

type device interface {
	io.ReaderAt
	io.WriterAt
}

// fusefile implements both Node and Handle.
type fusefile struct {
	dev   device
	size  int64
	disk  *blockdev.Disk
	inode uint64
}

func (p *fusefile) Attr() fuse.Attr {
	return fuse.Attr{
		Inode: p.inode,
		Mode:  0o600,
		Size:  uint64(p.size),
	}
}

func (p *fusefile) Read(req *fuse.ReadRequest, resp *fuse.ReadResponse, intr fuse.Intr) fuse.Error {
	b := make([]byte, req.Size)
	n, err := p.dev.ReadAt(b, req.Offset)
	if err != nil && err != io.EOF {
		return errno(err)
	}
	resp.Data = b[:n]
	return nil
}

func (p *fusefile) Write(req *fuse.WriteRequest, resp *fuse.WriteResponse, intr fuse.Intr) fuse.Error {
	n, err := p.dev.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		return errno(err)
	}
	return nil
}

func (p *fusefile) Fsync(req *fuse.FsyncRequest, intr fuse.Intr) fuse.Error {
	if err := p.disk.Flush(); err != nil {
		return errno(err)
	}
	return nil
}

func errno(err error) fuse.Error {
	klog.V(2).InfoS("fuse", "err", err)
	if errors.Is(err, io.ErrShortWrite) {
		return fuse.Errno(syscall.ENOSPC)
	} else if errors.Is(err, blockdev.ErrOffset) {
		return fuse.Errno(syscall.EINVAL)
	} else if errors.Is(err, ata.ErrGone) {
		return fuse.Errno(syscall.ENXIO)
	} else if errors.Is(err, ata.ErrTimeout) {
		return fuse.Errno(syscall.ETIMEDOUT)
	} else {
		return fuse.EIO
	}
}
