// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//go:build linux

package accel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Register file mapped from a UIO device, e.g. /dev/uio0
type UIORegisters struct {
	mem []byte
}

// Maps the first memory region of a UIO device. If size is zero, it is read from sysfs.
func OpenUIO(path string, size int) (*UIORegisters, error) {
	if size == 0 {
		s, err := readSysfs(filepath.Join("/sys/class/uio", filepath.Base(path), "maps/map0/size"))
		if err != nil {
			return nil, err
		}
		size = int(s)
	}
	mem, err := mmapFile(path, size)
	if err != nil {
		return nil, err
	}
	return &UIORegisters{mem: mem}, nil
}

func (r *UIORegisters) word(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[offset]))
}

func (r *UIORegisters) Read(offset uint32) uint32 { return atomic.LoadUint32(r.word(offset)) }

func (r *UIORegisters) Write(offset uint32, value uint32) { atomic.StoreUint32(r.word(offset), value) }

func (r *UIORegisters) Close() error { return unix.Munmap(r.mem) }

// A contiguous DMA buffer provided by the u-dma-buf kernel module
type Udmabuf struct {
	name string
	addr uint64
	mem  []byte
}

// Maps the u-dma-buf with the given name, e.g. udmabuf0
func OpenUdmabuf(name string) (*Udmabuf, error) {
	sys := filepath.Join("/sys/class/u-dma-buf", name)
	addr, err := readSysfs(filepath.Join(sys, "phys_addr"))
	if err != nil {
		return nil, err
	}
	size, err := readSysfs(filepath.Join(sys, "size"))
	if err != nil {
		return nil, err
	}
	mem, err := mmapFile(filepath.Join("/dev", name), int(size))
	if err != nil {
		return nil, err
	}
	return &Udmabuf{name: name, addr: addr, mem: mem}, nil
}

func (b *Udmabuf) PhysicalAddress() uint64 { return b.addr }
func (b *Udmabuf) Bytes() []byte           { return b.mem }
func (b *Udmabuf) Flush() error            { return b.sync("sync_for_device") }
func (b *Udmabuf) Invalidate() error       { return b.sync("sync_for_cpu") }
func (b *Udmabuf) Close() error            { return unix.Munmap(b.mem) }

func (b *Udmabuf) sync(attr string) error {
	return os.WriteFile(filepath.Join("/sys/class/u-dma-buf", b.name, attr), []byte("1"), 0)
}

func mmapFile(path string, size int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer unix.Close(fd)
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of %s: %w", size, path, err)
	}
	return mem, nil
}

// Reads a decimal or 0x-prefixed hexadecimal number from a sysfs attribute
func readSysfs(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// Opens a hardware device from a UIO register window and three u-dma-bufs
func OpenDevice(uioPath string, fixed, moving, result string) (*Device, error) {
	regs, err := OpenUIO(uioPath, 0)
	if err != nil {
		return nil, err
	}
	d := &Device{Regs: regs}
	if d.Fixed, err = OpenUdmabuf(fixed); err != nil {
		return nil, err
	}
	if d.Moving, err = OpenUdmabuf(moving); err != nil {
		return nil, err
	}
	if d.Result, err = OpenUdmabuf(result); err != nil {
		return nil, err
	}
	return d, nil
}
