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

package accel

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/mlnoga/mireg/internal/parzen"
)

// A buffer in ordinary memory with a made-up physical address
type MemoryBuffer struct {
	addr uint64
	data []byte
}

func (b *MemoryBuffer) PhysicalAddress() uint64 { return b.addr }
func (b *MemoryBuffer) Bytes() []byte           { return b.data }
func (b *MemoryBuffer) Flush() error            { return nil }
func (b *MemoryBuffer) Invalidate() error       { return nil }

// Software model of the accelerator. Serves as register file, resolves
// buffer addresses it handed out, and computes results with a byte backend
// when started.
type Simulator struct {
	Backend parzen.Backend
	Stall   bool // never complete, for exercising timeouts

	mutex   sync.Mutex
	regs    map[uint32]uint32
	buffers map[uint64]*MemoryBuffer
	next    uint64
	runs    int
	err     error
}

func NewSimulator(backend parzen.Backend) *Simulator {
	return &Simulator{
		Backend: backend,
		regs:    map[uint32]uint32{RegControl: CtrlIdle},
		buffers: map[uint64]*MemoryBuffer{},
		next:    0x10000000,
	}
}

// Allocates a device-visible buffer of given size
func (s *Simulator) Alloc(size int) *MemoryBuffer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	b := &MemoryBuffer{addr: s.next, data: make([]byte, size)}
	s.buffers[b.addr] = b
	s.next += uint64(size+0xfff) &^ 0xfff
	return b
}

func (s *Simulator) Read(offset uint32) uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.regs[offset]
}

func (s *Simulator) Write(offset uint32, value uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.regs[offset] = value
	if offset != RegControl || value&CtrlStart == 0 {
		return
	}
	s.regs[RegControl] = CtrlStart
	if s.Stall {
		return
	}
	s.err = s.run()
	s.runs++
	if s.err != nil {
		s.regs[RegControl] = CtrlDone | CtrlIdle | CtrlFault
		return
	}
	s.regs[RegControl] = CtrlDone | CtrlIdle
}

// Returns the number of completed runs and the error of the last one
func (s *Simulator) Stats() (runs int, lastErr error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.runs, s.err
}

func (s *Simulator) address(offset uint32) uint64 {
	return uint64(s.regs[offset]) | uint64(s.regs[offset+4])<<32
}

func (s *Simulator) run() error {
	fixed, moving, result := s.buffers[s.address(RegFixed)], s.buffers[s.address(RegMoving)], s.buffers[s.address(RegResult)]
	if fixed == nil || moving == nil || result == nil {
		return fmt.Errorf("%w: unmapped buffer address", ErrAcceleratorFault)
	}
	n := int(s.regs[RegPixels])
	if n <= 0 || n > len(fixed.data) || n > len(moving.data) || len(result.data) < ResultBytes {
		return fmt.Errorf("%w: bad sizes", ErrAcceleratorFault)
	}
	score, matrix, err := s.Backend.PointMatrix(fixed.data[:n], moving.data[:n])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAcceleratorFault, err)
	}
	for i, v := range matrix {
		binary.LittleEndian.PutUint32(result.data[4*i:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(result.data[4*len(matrix):], math.Float32bits(score))
	return nil
}

// Creates a device backed by a simulator, with input buffers for up to pixels bytes
func NewSimulatedDevice(backend parzen.Backend, pixels int) (*Device, *Simulator) {
	s := NewSimulator(backend)
	return &Device{
		Regs:   s,
		Fixed:  s.Alloc(pixels),
		Moving: s.Alloc(pixels),
		Result: s.Alloc(ResultBytes),
	}, s
}
