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

package parzen

import (
	"errors"
	"math"
	"testing"

	"github.com/klauspost/cpuid"
	"github.com/mlnoga/mireg/internal/raster"
	"github.com/valyala/fastrand"
)

func randomPair(width, height int, lo, hi uint32) (fixed, moving *raster.Image) {
	rng := fastrand.RNG{}
	fixed = raster.NewImage(int32(width), int32(height), nil)
	moving = raster.NewImage(int32(width), int32(height), nil)
	for i := range fixed.Data {
		fixed.Data[i] = float32(lo + rng.Uint32n(hi-lo))
		moving.Data[i] = float32(lo + rng.Uint32n(hi-lo))
	}
	return fixed, moving
}

func TestProbabilitiesSumToOne(t *testing.T) {
	fixed, moving := randomPair(32, 32, 10, 240)
	h := NewJointHistogram(DefaultBins, false)
	if err := h.Estimate(fixed, moving); err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, p := range h.P {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("sum(P)=%g; want 1", sum)
	}
	rowSum, colSum := 0.0, 0.0
	for j := range h.Rows {
		rowSum += h.Rows[j]
		colSum += h.Cols[j]
	}
	if math.Abs(rowSum-1) > 1e-9 || math.Abs(colSum-1) > 1e-9 {
		t.Errorf("marginal sums %g %g; want 1 1", rowSum, colSum)
	}
}

func TestScoreInvariantUnderReversal(t *testing.T) {
	fixed, moving := randomPair(24, 24, 0, 256)
	revFixed, revMoving := fixed.Clone(), moving.Clone()
	for i := range fixed.Data {
		revFixed.Data[i] = 255 - fixed.Data[i]
		revMoving.Data[i] = 255 - moving.Data[i]
	}
	h := NewJointHistogram(DefaultBins, false)
	h.Estimate(fixed, moving)
	s1 := h.Score()
	h.Estimate(revFixed, revMoving)
	s2 := h.Score()
	if math.Abs(s1-s2) > 1e-9 {
		t.Errorf("score %g after reversal %g; want equal", s1, s2)
	}
}

func TestScoreInvariantUnderShiftedLabels(t *testing.T) {
	fixed, moving := randomPair(24, 24, 20, 120)
	shFixed, shMoving := fixed.Clone(), moving.Clone()
	for i := range fixed.Data {
		shFixed.Data[i] += 100
		shMoving.Data[i] += 50
	}
	h := NewJointHistogram(DefaultBins, true)
	h.Estimate(fixed, moving)
	s1 := h.Score()
	h.Estimate(shFixed, shMoving)
	s2 := h.Score()
	if math.Abs(s1-s2) > 1e-9 {
		t.Errorf("score %g after relabeling %g; want equal", s1, s2)
	}
}

func TestEmptyBinsStayFinite(t *testing.T) {
	fixed := raster.NewImage(4, 4, nil)
	moving := raster.NewImage(4, 4, nil)
	for i := range fixed.Data {
		if i%3 == 0 {
			fixed.Data[i] = 255
		}
		if i%2 == 0 {
			moving.Data[i] = 255
		}
	}
	for _, padded := range []bool{false, true} {
		h := NewJointHistogram(DefaultBins, padded)
		if err := h.Estimate(fixed, moving); err != nil {
			t.Fatal(err)
		}
		s := h.Score()
		if math.IsNaN(s) || math.IsInf(s, 0) {
			t.Errorf("padded=%v score=%g; want finite", padded, s)
		}
		for i, g := range h.Gradient(nil) {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				t.Errorf("padded=%v grad[%d]=%g; want finite", padded, i, g)
			}
		}
	}
}

func TestAlignedScoresLower(t *testing.T) {
	fixed, moving := randomPair(64, 64, 0, 256)
	h := NewJointHistogram(DefaultBins, false)
	h.Estimate(fixed, fixed)
	aligned := h.Score()
	h.Estimate(fixed, moving)
	independent := h.Score()
	if !(aligned < independent) {
		t.Errorf("aligned score %g, independent %g; want aligned lower", aligned, independent)
	}
}

func TestShapeMismatch(t *testing.T) {
	h := NewJointHistogram(DefaultBins, false)
	err := h.Estimate(raster.NewImage(3, 3, nil), raster.NewImage(4, 3, nil))
	if !errors.Is(err, raster.ErrShapeMismatch) {
		t.Errorf("got %v; want ErrShapeMismatch", err)
	}
	for _, b := range []Backend{NewReference(), NewNative()} {
		if _, err := b.Point(make([]uint8, 3), make([]uint8, 4)); !errors.Is(err, raster.ErrShapeMismatch) {
			t.Errorf("%T: got %v; want ErrShapeMismatch", b, err)
		}
	}
}

func TestGather(t *testing.T) {
	m := make([]float32, 4*4)
	for i := range m {
		m[i] = float32(i)
	}
	g, err := Gather(m, []uint8{0, 1, 3}, []uint8{2, 0, 3}, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{8, 1, 15}
	for i := range want {
		if g[i] != want[i] {
			t.Errorf("g[%d]=%f; want %f", i, g[i], want[i])
		}
	}
}

func imageBytes(f *raster.Image) []uint8 { return f.Bytes(nil) }

func TestNativeMatchesReference(t *testing.T) {
	fixed, moving := randomPair(64, 64, 0, 256)
	fb, mb := imageBytes(fixed), imageBytes(moving)
	ref, nat := NewReference(), NewNative()

	rs, rm, err := ref.PointMatrix(fb, mb)
	if err != nil {
		t.Fatal(err)
	}
	ns, nm, err := nat.PointMatrix(fb, mb)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(rs-ns)) > 1e-3*(1+math.Abs(float64(rs))) {
		t.Errorf("native score %g; reference %g", ns, rs)
	}
	bad := 0
	for i := range rm {
		if math.Abs(float64(rm[i]-nm[i])) > 1e-3*(1+math.Abs(float64(rm[i]))) {
			bad++
		}
	}
	if bad > 0 {
		t.Errorf("%d of %d matrix entries differ", bad, len(rm))
	}

	rg, _ := ref.Grad(fb, mb)
	ng, _ := nat.Grad(fb, mb)
	for i := range rg {
		if math.Abs(float64(rg[i]-ng[i])) > 1e-3*(1+math.Abs(float64(rg[i]))) {
			t.Errorf("grad[%d] native %g; reference %g", i, ng[i], rg[i])
			break
		}
	}
}

func TestReferenceMatchesHistogram(t *testing.T) {
	fixed, moving := randomPair(16, 16, 0, 256)
	h := NewJointHistogram(DefaultBins, false)
	h.Estimate(fixed, moving)
	want := h.Gradient(nil)

	score, got, err := NewReference().PointGrad(imageBytes(fixed), imageBytes(moving))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(score)-h.Score()) > 1e-5*(1+math.Abs(h.Score())) {
		t.Errorf("score %g; want %g", score, h.Score())
	}
	for i := range want {
		if math.Abs(float64(got[i])-want[i]) > 1e-4*(1+math.Abs(want[i])) {
			t.Errorf("grad[%d]=%g; want %g", i, got[i], want[i])
			break
		}
	}
}

func TestNewBackend(t *testing.T) {
	b := NewBackend()
	_, native := b.(*Native)
	if native != cpuid.CPU.AVX2() {
		t.Errorf("got %T with AVX2=%v", b, cpuid.CPU.AVX2())
	}
}
