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

// Package parzen estimates the joint intensity distribution of two images
// with a Parzen window over a 2D histogram, and derives the mutual
// information of the pair together with its analytic per-pixel gradient.
//
// Histogram rows are indexed by moving image intensity, columns by fixed
// image intensity.
package parzen

import (
	"math"

	"github.com/mlnoga/mireg/internal/raster"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const DefaultBins = 256

// Cubic B-spline Parzen window sampled at -1, 0, 1
var Omega = [3]float64{1.0 / 6, 2.0 / 3, 1.0 / 6}

// Correlation kernel of the B-spline derivative
var OmegaPrime = [3]float64{-1.0 / 2, 0, 1.0 / 2}

// Floor for probabilities and marginal products: smallest normal float32.
// Keeps logarithms and divisions finite where bins are empty.
const Epsilon = 0x1p-126

// Smoothed joint histogram of a fixed and a moving image. Rebuilt from
// scratch by each call to Estimate; buffers are reused across calls.
// Not safe for concurrent use.
type JointHistogram struct {
	Bins   int  // Number of intensity bins per axis
	Padded bool // Zero-pad the count matrix by one bin on each side before smoothing
	Size   int  // Bins plus padding on both sides

	P    []float64 // Size x Size probabilities, row-major
	Rows []float64 // Marginal over fixed intensities, per moving bin
	Cols []float64 // Marginal over moving intensities, per fixed bin
	Logs []float64 // log(P / (Rows*Cols)) with both floored at Epsilon

	moving, fixed []int // Per-pixel bins of the last estimate
	tmp           []float64
}

func NewJointHistogram(bins int, padded bool) *JointHistogram {
	if bins <= 0 {
		bins = DefaultBins
	}
	size := bins
	if padded {
		size += 2 * (len(Omega) / 2)
	}
	return &JointHistogram{
		Bins:   bins,
		Padded: padded,
		Size:   size,
		P:      make([]float64, size*size),
		Rows:   make([]float64, size),
		Cols:   make([]float64, size),
		Logs:   make([]float64, size*size),
		tmp:    make([]float64, size*size),
	}
}

func (h *JointHistogram) pad() int {
	if h.Padded {
		return len(Omega) / 2
	}
	return 0
}

// Estimates the joint distribution of the given pair. Intensities are clipped
// to [0, Bins-1] and truncated to integer bins.
func (h *JointHistogram) Estimate(fixed, moving *raster.Image) error {
	if err := raster.SameShape(fixed, moving); err != nil {
		return err
	}
	hi := float32(h.Bins - 1)
	n := len(fixed.Data)
	if cap(h.fixed) < n {
		h.fixed, h.moving = make([]int, n), make([]int, n)
	}
	h.fixed = fixed.Bins(0, hi, h.fixed[:n])
	h.moving = moving.Bins(0, hi, h.moving[:n])
	h.estimateFromBins()
	return nil
}

func (h *JointHistogram) estimateFromBins() {
	size, pad := h.Size, h.pad()
	counts := h.tmp
	for i := range counts {
		counts[i] = 0
	}
	for i, m := range h.moving {
		counts[(m+pad)*size+h.fixed[i]+pad]++
	}

	correlate2D(h.P, counts, size, Omega, Omega)
	floats.Scale(1/float64(len(h.moving)), h.P)

	for j := 0; j < size; j++ {
		h.Rows[j] = floats.Sum(h.P[j*size : (j+1)*size])
	}
	for k := range h.Cols {
		h.Cols[k] = 0
	}
	for j := 0; j < size; j++ {
		floats.Add(h.Cols, h.P[j*size:(j+1)*size])
	}

	for j := 0; j < size; j++ {
		for k := 0; k < size; k++ {
			h.Logs[j*size+k] = math.Log(floor(h.P[j*size+k]) / floor(h.Rows[j]*h.Cols[k]))
		}
	}
}

func floor(v float64) float64 {
	if v < Epsilon {
		return Epsilon
	}
	return v
}

// Returns the negated mutual information of the last estimate
func (h *JointHistogram) Score() float64 {
	return -floats.Dot(h.P, h.Logs)
}

// Returns the Size x Size matrix D of derivatives of the mutual information
// w.r.t. a moving intensity, indexed by (moving bin, fixed bin)
func (h *JointHistogram) Derivative(dst []float64) []float64 {
	size := h.Size
	if dst == nil {
		dst = make([]float64, size*size)
	}

	// alpha: logs correlated with the derivative window along moving bins
	correlate2D(dst, h.Logs, size, OmegaPrime, Omega)

	// beta: conditional distribution of fixed given moving, correlated along moving bins
	cond := h.tmp
	for j := 0; j < size; j++ {
		row := floor(h.Rows[j])
		for k := 0; k < size; k++ {
			cond[j*size+k] = h.P[j*size+k] / row
		}
	}
	sumOmega := Omega[0] + Omega[1] + Omega[2]
	kernel := [3]float64{OmegaPrime[0] * sumOmega, OmegaPrime[1] * sumOmega, OmegaPrime[2] * sumOmega}
	bigC := 0.0
	for _, a := range OmegaPrime {
		for _, b := range Omega {
			bigC += a * b
		}
	}
	for j := 0; j < size; j++ {
		for k := 0; k < size; k++ {
			acc := 0.0
			for a := -1; a <= 1; a++ {
				if jj := j + a; jj >= 0 && jj < size {
					acc += cond[jj*size+k] * kernel[a+1]
				}
			}
			dst[j*size+k] += -acc + bigC
		}
	}
	return dst
}

// Returns the per-pixel gradient of the score w.r.t. the moving intensities,
// in image order: the negated derivative matrix at each pixel's bins.
func (h *JointHistogram) Gradient(dst []float64) []float64 {
	d := h.Derivative(nil)
	if dst == nil {
		dst = make([]float64, len(h.moving))
	}
	size, pad := h.Size, h.pad()
	for i, m := range h.moving {
		dst[i] = -d[(m+pad)*size+h.fixed[i]+pad]
	}
	return dst
}

// Returns the probability matrix as a dense matrix view, without copying
func (h *JointHistogram) Matrix() *mat.Dense {
	return mat.NewDense(h.Size, h.Size, h.P)
}

// Correlates the size x size matrix src with outer(vertical, horizontal),
// keeping the input size and treating outside entries as zero
func correlate2D(dst, src []float64, size int, vertical, horizontal [3]float64) {
	tmp := make([]float64, size*size)
	for j := 0; j < size; j++ {
		for k := 0; k < size; k++ {
			acc := 0.0
			for a := -1; a <= 1; a++ {
				if jj := j + a; jj >= 0 && jj < size {
					acc += src[jj*size+k] * vertical[a+1]
				}
			}
			tmp[j*size+k] = acc
		}
	}
	for j := 0; j < size; j++ {
		row := tmp[j*size : (j+1)*size]
		for k := 0; k < size; k++ {
			acc := 0.0
			for b := -1; b <= 1; b++ {
				if kk := k + b; kk >= 0 && kk < size {
					acc += row[kk] * horizontal[b+1]
				}
			}
			dst[j*size+k] = acc
		}
	}
}
