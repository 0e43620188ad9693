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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mlnoga/mireg/internal/parzen"
	"github.com/valyala/fastrand"
)

func randomBytes(n int) []uint8 {
	rng := fastrand.RNG{}
	b := make([]uint8, n)
	for i := range b {
		b[i] = uint8(rng.Uint32n(256))
	}
	return b
}

func TestSimulatedRunMatchesBackend(t *testing.T) {
	fixed, moving := randomBytes(32*32), randomBytes(32*32)
	d, sim := NewSimulatedDevice(parzen.NewReference(), 64*64)

	score, matrix, err := d.Run(fixed, moving)
	if err != nil {
		t.Fatal(err)
	}
	wantScore, wantMatrix, _ := parzen.NewReference().PointMatrix(fixed, moving)
	if score != wantScore {
		t.Errorf("score %g; want %g", score, wantScore)
	}
	for i := range wantMatrix {
		if matrix[i] != wantMatrix[i] {
			t.Errorf("matrix[%d]=%g; want %g", i, matrix[i], wantMatrix[i])
			break
		}
	}
	if runs, lastErr := sim.Stats(); runs != 1 || lastErr != nil {
		t.Errorf("runs=%d err=%v; want 1 nil", runs, lastErr)
	}
	if got := sim.Read(RegPixels); got != 32*32 {
		t.Errorf("pixel register %d; want %d", got, 32*32)
	}
	if lo, hi := sim.Read(RegResult), sim.Read(RegResult+4); uint64(lo)|uint64(hi)<<32 != d.Result.PhysicalAddress() {
		t.Errorf("result address register %x:%x; want %x", hi, lo, d.Result.PhysicalAddress())
	}
}

func TestStalledDeviceTimesOut(t *testing.T) {
	d, sim := NewSimulatedDevice(parzen.NewNative(), 16)
	sim.Stall = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.PollInterval = time.Millisecond

	_, _, err := d.RunContext(ctx, randomBytes(16), randomBytes(16))
	if !errors.Is(err, ErrAcceleratorTimeout) {
		t.Errorf("got %v; want ErrAcceleratorTimeout", err)
	}

	d.Timeout = 10 * time.Millisecond
	_, _, err = d.Run(randomBytes(16), randomBytes(16))
	if !errors.Is(err, ErrAcceleratorTimeout) {
		t.Errorf("per-wait timeout: got %v; want ErrAcceleratorTimeout", err)
	}
}

func TestMisconfiguredDeviceFaults(t *testing.T) {
	sim := NewSimulator(parzen.NewNative())
	tcs := []struct {
		name string
		dev  *Device
		n    int
	}{
		{"unconfigured", &Device{}, 4},
		{"small input", &Device{Regs: sim, Fixed: sim.Alloc(2), Moving: sim.Alloc(4), Result: sim.Alloc(ResultBytes)}, 4},
		{"small result", &Device{Regs: sim, Fixed: sim.Alloc(4), Moving: sim.Alloc(4), Result: sim.Alloc(16)}, 4},
		{"no address", &Device{Regs: sim, Fixed: &MemoryBuffer{data: make([]byte, 4)}, Moving: sim.Alloc(4), Result: sim.Alloc(ResultBytes)}, 4},
	}
	for _, tc := range tcs {
		if _, _, err := tc.dev.Run(make([]uint8, tc.n), make([]uint8, tc.n)); !errors.Is(err, ErrAcceleratorFault) {
			t.Errorf("%s: got %v; want ErrAcceleratorFault", tc.name, err)
		}
	}

	d, _ := NewSimulatedDevice(parzen.NewNative(), 16)
	if _, _, err := d.Run(make([]uint8, 4), make([]uint8, 5)); !errors.Is(err, ErrAcceleratorFault) {
		t.Errorf("length mismatch: got %v; want ErrAcceleratorFault", err)
	}
}

func TestFailedRunReportsFault(t *testing.T) {
	sim := NewSimulator(parzen.NewNative())
	d := &Device{
		Regs:   sim,
		Fixed:  &MemoryBuffer{addr: 0x7f000000, data: make([]byte, 16)}, // never allocated by sim
		Moving: sim.Alloc(16),
		Result: sim.Alloc(ResultBytes),
	}
	copy(d.Result.Bytes(), []byte{1, 2, 3, 4})

	score, matrix, err := d.Run(randomBytes(16), randomBytes(16))
	if !errors.Is(err, ErrAcceleratorFault) {
		t.Fatalf("got score %g err %v; want ErrAcceleratorFault", score, err)
	}
	if matrix != nil {
		t.Errorf("matrix returned for failed run")
	}
	if runs, lastErr := sim.Stats(); runs != 1 || !errors.Is(lastErr, ErrAcceleratorFault) {
		t.Errorf("runs=%d err=%v; want 1 ErrAcceleratorFault", runs, lastErr)
	}
	if ctrl := sim.Read(RegControl); ctrl&CtrlFault == 0 || ctrl&CtrlIdle == 0 {
		t.Errorf("control %#x; want fault and idle bits", ctrl)
	}

	// the next good run clears the fault
	d.Fixed = sim.Alloc(16)
	if _, _, err := d.Run(randomBytes(16), randomBytes(16)); err != nil {
		t.Errorf("run after fault: %v", err)
	}
	if ctrl := sim.Read(RegControl); ctrl&CtrlFault != 0 {
		t.Errorf("control %#x still faulted", ctrl)
	}
}
