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
	"math"
)

const nativeSize = ByteBins * ByteBins

// Single precision backend working on fixed 256x256 buffers. Windows are applied
// as separate vertical and horizontal passes with zero borders, and the
// working set is half the size of the float64 reference.
type Native struct {
	hist    [nativeSize]int32
	p       [nativeSize]float32
	tmp     [nativeSize]float32
	logs    [nativeSize]float32
	beta    [nativeSize]float32
	rows    [ByteBins]float32
	cols    [ByteBins]float32
	omega   [3]float32
	omegaP  [3]float32
	omegaPJ [3]float32
	bigC    float32
}

func NewNative() *Native {
	n := &Native{}
	sumOmega := float32(0)
	for i := range Omega {
		n.omega[i] = float32(Omega[i])
		n.omegaP[i] = float32(OmegaPrime[i])
		sumOmega += n.omega[i]
	}
	for i := range n.omegaP {
		n.omegaPJ[i] = n.omegaP[i] * sumOmega
		for j := range n.omega {
			n.bigC += n.omegaP[i] * n.omega[j]
		}
	}
	return n
}

// Correlates src along rows (moving axis) into dst
func verticalPass(dst, src *[nativeSize]float32, k *[3]float32) {
	const b = ByteBins
	for j := 0; j < b; j++ {
		row := dst[j*b : (j+1)*b]
		center := src[j*b : (j+1)*b]
		for x := range row {
			row[x] = center[x] * k[1]
		}
		if j > 0 {
			above := src[(j-1)*b : j*b]
			for x := range row {
				row[x] += above[x] * k[0]
			}
		}
		if j < b-1 {
			below := src[(j+1)*b : (j+2)*b]
			for x := range row {
				row[x] += below[x] * k[2]
			}
		}
	}
}

// Correlates src along columns (fixed axis) into dst
func horizontalPass(dst, src *[nativeSize]float32, k *[3]float32) {
	const b = ByteBins
	for j := 0; j < b; j++ {
		in := src[j*b : (j+1)*b]
		out := dst[j*b : (j+1)*b]
		out[0] = in[0]*k[1] + in[1]*k[2]
		for x := 1; x < b-1; x++ {
			out[x] = in[x-1]*k[0] + in[x]*k[1] + in[x+1]*k[2]
		}
		out[b-1] = in[b-2]*k[0] + in[b-1]*k[1]
	}
}

func floor32(v float32) float32 {
	if v < Epsilon {
		return Epsilon
	}
	return v
}

// Builds the smoothed joint distribution, marginals and log ratios, and returns the score
func (n *Native) point(fixed, moving []uint8) (float32, error) {
	if err := checkBytes(fixed, moving); err != nil {
		return 0, err
	}
	for i := range n.hist {
		n.hist[i] = 0
	}
	for i, m := range moving {
		n.hist[int(m)*ByteBins+int(fixed[i])]++
	}
	for i, c := range n.hist {
		n.p[i] = float32(c)
	}
	verticalPass(&n.tmp, &n.p, &n.omega)
	horizontalPass(&n.p, &n.tmp, &n.omega)
	inv := 1 / float32(len(moving))
	for i := range n.p {
		n.p[i] *= inv
	}

	for k := range n.cols {
		n.cols[k] = 0
	}
	for j := 0; j < ByteBins; j++ {
		row := n.p[j*ByteBins : (j+1)*ByteBins]
		sum := float32(0)
		for k, v := range row {
			sum += v
			n.cols[k] += v
		}
		n.rows[j] = sum
	}

	score := 0.0
	for j := 0; j < ByteBins; j++ {
		for k := 0; k < ByteBins; k++ {
			i := j*ByteBins + k
			l := float32(math.Log(float64(floor32(n.p[i]) / floor32(n.rows[j]*n.cols[k]))))
			n.logs[i] = l
			score -= float64(n.p[i] * l)
		}
	}
	return float32(score), nil
}

// Computes the loss derivative matrix from the state left by point
func (n *Native) matrix(dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, nativeSize)
	}
	// alpha overwrites the logs, which are not needed anymore
	verticalPass(&n.tmp, &n.logs, &n.omegaP)
	horizontalPass(&n.logs, &n.tmp, &n.omega)
	alpha := &n.logs

	for j := 0; j < ByteBins; j++ {
		row := floor32(n.rows[j])
		for k := 0; k < ByteBins; k++ {
			n.tmp[j*ByteBins+k] = n.p[j*ByteBins+k] / row
		}
	}
	verticalPass(&n.beta, &n.tmp, &n.omegaPJ)

	for i := range dst {
		dst[i] = n.beta[i] - n.bigC - alpha[i]
	}
	return dst
}

func (n *Native) Point(fixed, moving []uint8) (float32, error) {
	return n.point(fixed, moving)
}

func (n *Native) Grad(fixed, moving []uint8) ([]float32, error) {
	_, g, err := n.PointGrad(fixed, moving)
	return g, err
}

func (n *Native) Matrix(fixed, moving []uint8) ([]float32, error) {
	_, m, err := n.PointMatrix(fixed, moving)
	return m, err
}

func (n *Native) PointGrad(fixed, moving []uint8) (float32, []float32, error) {
	score, m, err := n.PointMatrix(fixed, moving)
	if err != nil {
		return 0, nil, err
	}
	g, err := Gather(m, fixed, moving, ByteBins, nil)
	return score, g, err
}

func (n *Native) PointMatrix(fixed, moving []uint8) (float32, []float32, error) {
	score, err := n.point(fixed, moving)
	if err != nil {
		return 0, nil, err
	}
	return score, n.matrix(nil), nil
}
