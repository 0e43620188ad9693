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

// Package accel drives a memory-mapped mutual information accelerator.
//
// The host places the fixed and moving byte images in DMA buffers, writes
// their physical addresses and that of a result buffer into the register
// file, sets the start bit and polls the control register until the device
// reports completion. The result buffer then holds the 256x256 float32
// derivative matrix, followed by the float32 score.
package accel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/mlnoga/mireg/internal/parzen"
)

var (
	ErrAcceleratorFault   = errors.New("accelerator fault")
	ErrAcceleratorTimeout = errors.New("accelerator timeout")
)

// Register offsets. Address registers are 64 bits wide, low word first.
const (
	RegControl = 0x00
	RegFixed   = 0x10
	RegMoving  = 0x18
	RegResult  = 0x20
	RegPixels  = 0x28 // pixel count; cores synthesized for a fixed size ignore it
)

// Control register bits
const (
	CtrlStart = 0x01
	CtrlDone  = 0x02
	CtrlIdle  = 0x04 // set once the device has finished and is ready again
	CtrlFault = 0x08 // set together with done if the run failed; the result buffer is undefined
)

// Bytes in the result buffer: the derivative matrix plus the score
const ResultBytes = (parzen.ByteBins*parzen.ByteBins + 1) * 4

// A 32-bit register window
type RegisterFile interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// A physically contiguous buffer shared with the device
type Buffer interface {
	PhysicalAddress() uint64
	Bytes() []byte
	Flush() error      // makes CPU writes visible to the device
	Invalidate() error // makes device writes visible to the CPU
}

// An accelerator with its register file and three DMA buffers
type Device struct {
	Regs   RegisterFile
	Fixed  Buffer
	Moving Buffer
	Result Buffer

	// Optional limit for each single wait on completion, on top of the
	// deadline of the context passed to RunContext. Zero waits indefinitely.
	Timeout time.Duration

	// Pause between polls; zero spins and yields the processor
	PollInterval time.Duration
}

func (d *Device) check(n int) error {
	if d.Regs == nil || d.Fixed == nil || d.Moving == nil || d.Result == nil {
		return fmt.Errorf("%w: device not configured", ErrAcceleratorFault)
	}
	if len(d.Fixed.Bytes()) < n || len(d.Moving.Bytes()) < n {
		return fmt.Errorf("%w: input buffers of %d and %d bytes for %d pixels",
			ErrAcceleratorFault, len(d.Fixed.Bytes()), len(d.Moving.Bytes()), n)
	}
	if len(d.Result.Bytes()) < ResultBytes {
		return fmt.Errorf("%w: result buffer of %d bytes, need %d", ErrAcceleratorFault, len(d.Result.Bytes()), ResultBytes)
	}
	for _, b := range []Buffer{d.Fixed, d.Moving, d.Result} {
		if b.PhysicalAddress() == 0 {
			return fmt.Errorf("%w: buffer without physical address", ErrAcceleratorFault)
		}
	}
	return nil
}

func (d *Device) writeAddress(offset uint32, addr uint64) {
	d.Regs.Write(offset, uint32(addr))
	d.Regs.Write(offset+4, uint32(addr>>32))
}

// Runs the device on the given pair and returns the score and the derivative
// matrix indexed [moving*256+fixed], both in loss space
func (d *Device) Run(fixed, moving []uint8) (score float32, matrix []float32, err error) {
	return d.RunContext(context.Background(), fixed, moving)
}

// Like Run, but gives up waiting for completion once ctx is done
func (d *Device) RunContext(ctx context.Context, fixed, moving []uint8) (score float32, matrix []float32, err error) {
	if len(fixed) != len(moving) || len(fixed) == 0 {
		return 0, nil, fmt.Errorf("%w: %d fixed vs %d moving pixels", ErrAcceleratorFault, len(fixed), len(moving))
	}
	if err := d.check(len(fixed)); err != nil {
		return 0, nil, err
	}

	copy(d.Fixed.Bytes(), fixed)
	copy(d.Moving.Bytes(), moving)
	if err := d.Fixed.Flush(); err != nil {
		return 0, nil, fmt.Errorf("%w: flushing fixed buffer: %v", ErrAcceleratorFault, err)
	}
	if err := d.Moving.Flush(); err != nil {
		return 0, nil, fmt.Errorf("%w: flushing moving buffer: %v", ErrAcceleratorFault, err)
	}

	d.writeAddress(RegFixed, d.Fixed.PhysicalAddress())
	d.writeAddress(RegMoving, d.Moving.PhysicalAddress())
	d.writeAddress(RegResult, d.Result.PhysicalAddress())
	d.Regs.Write(RegPixels, uint32(len(fixed)))
	d.Regs.Write(RegControl, CtrlStart)

	ctrl, err := d.wait(ctx)
	if err != nil {
		return 0, nil, err
	}
	if ctrl&CtrlFault != 0 {
		return 0, nil, fmt.Errorf("%w: device reported a failed run, control %#x", ErrAcceleratorFault, ctrl)
	}

	if err := d.Result.Invalidate(); err != nil {
		return 0, nil, fmt.Errorf("%w: invalidating result buffer: %v", ErrAcceleratorFault, err)
	}
	buf := d.Result.Bytes()
	matrix = make([]float32, parzen.ByteBins*parzen.ByteBins)
	for i := range matrix {
		matrix[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	score = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*len(matrix):]))
	return score, matrix, nil
}

// Polls until the device is idle and returns the final control register
func (d *Device) wait(ctx context.Context) (uint32, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	for {
		ctrl := d.Regs.Read(RegControl)
		if ctrl&CtrlIdle != 0 {
			return ctrl, nil
		}
		select {
		case <-ctx.Done():
			return ctrl, fmt.Errorf("%w: %v", ErrAcceleratorTimeout, ctx.Err())
		default:
		}
		if d.PollInterval > 0 {
			time.Sleep(d.PollInterval)
		} else {
			runtime.Gosched()
		}
	}
}
