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
	"fmt"

	"github.com/klauspost/cpuid"
	"github.com/mlnoga/mireg/internal/raster"
)

// Number of bins of byte-valued backends
const ByteBins = 256

// Byte-valued mutual information routine over 256x256 bins.
// All results are in loss space: the score is the negated mutual information,
// gradients and matrices are derivatives of that score. Matrices are indexed
// [moving*256+fixed]. Implementations are not safe for concurrent use.
type Backend interface {
	Point(fixed, moving []uint8) (float32, error)
	Grad(fixed, moving []uint8) ([]float32, error)
	Matrix(fixed, moving []uint8) ([]float32, error)
	PointGrad(fixed, moving []uint8) (float32, []float32, error)
	PointMatrix(fixed, moving []uint8) (float32, []float32, error)
}

// Returns the float32 Native backend on CPUs with AVX2, and the float64
// Reference otherwise. Both are pure Go.
func NewBackend() Backend {
	if cpuid.CPU.AVX2() {
		return NewNative()
	}
	return NewReference()
}

// Looks up the per-pixel gradient from a derivative matrix indexed [moving*bins+fixed]
func Gather(matrix []float32, fixed, moving []uint8, bins int, dst []float32) ([]float32, error) {
	if len(fixed) != len(moving) {
		return nil, fmt.Errorf("%w: %d fixed vs %d moving pixels", raster.ErrShapeMismatch, len(fixed), len(moving))
	}
	if len(matrix) < bins*bins {
		return nil, fmt.Errorf("%w: matrix with %d entries for %d bins", raster.ErrShapeMismatch, len(matrix), bins)
	}
	if dst == nil {
		dst = make([]float32, len(moving))
	}
	for i, m := range moving {
		dst[i] = matrix[int(m)*bins+int(fixed[i])]
	}
	return dst, nil
}

func checkBytes(fixed, moving []uint8) error {
	if len(fixed) != len(moving) {
		return fmt.Errorf("%w: %d fixed vs %d moving pixels", raster.ErrShapeMismatch, len(fixed), len(moving))
	}
	if len(fixed) == 0 {
		return raster.ErrEmptyImage
	}
	return nil
}

// Backend on top of the float64 JointHistogram, unpadded
type Reference struct {
	h *JointHistogram
}

func NewReference() *Reference {
	return &Reference{h: NewJointHistogram(ByteBins, false)}
}

func (r *Reference) estimate(fixed, moving []uint8) error {
	if err := checkBytes(fixed, moving); err != nil {
		return err
	}
	n := len(fixed)
	if cap(r.h.fixed) < n {
		r.h.fixed, r.h.moving = make([]int, n), make([]int, n)
	}
	r.h.fixed, r.h.moving = r.h.fixed[:n], r.h.moving[:n]
	for i := range fixed {
		r.h.fixed[i], r.h.moving[i] = int(fixed[i]), int(moving[i])
	}
	r.h.estimateFromBins()
	return nil
}

func (r *Reference) matrix() []float32 {
	d := r.h.Derivative(nil)
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(-v)
	}
	return out
}

func (r *Reference) Point(fixed, moving []uint8) (float32, error) {
	if err := r.estimate(fixed, moving); err != nil {
		return 0, err
	}
	return float32(r.h.Score()), nil
}

func (r *Reference) Grad(fixed, moving []uint8) ([]float32, error) {
	_, g, err := r.PointGrad(fixed, moving)
	return g, err
}

func (r *Reference) Matrix(fixed, moving []uint8) ([]float32, error) {
	_, m, err := r.PointMatrix(fixed, moving)
	return m, err
}

func (r *Reference) PointGrad(fixed, moving []uint8) (float32, []float32, error) {
	score, m, err := r.PointMatrix(fixed, moving)
	if err != nil {
		return 0, nil, err
	}
	g, err := Gather(m, fixed, moving, ByteBins, nil)
	return score, g, err
}

func (r *Reference) PointMatrix(fixed, moving []uint8) (float32, []float32, error) {
	if err := r.estimate(fixed, moving); err != nil {
		return 0, nil, err
	}
	return float32(r.h.Score()), r.matrix(), nil
}
