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

package transform

import (
	"math"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/raster"
	"gonum.org/v1/gonum/mat"
)

// Integer translation with parameters [dx, dy]. Output (j,i) copies the moving
// image at (round(j+dy), round(i+dx)), rounding half to even, or 0 if outside.
type Shift struct {
	params
}

func NewShift(dx, dy float64) *Shift {
	return &Shift{params{p: []float64{dx, dy}}}
}

func (t *Shift) Name() string { return "shift" }

func (t *Shift) Apply(moving *raster.Image) (*raster.Image, error) {
	if err := moving.Validate(); err != nil {
		return nil, err
	}
	dx := int(math.RoundToEven(t.p[0]))
	dy := int(math.RoundToEven(t.p[1]))
	out := raster.NewImageFromImage(moving)
	width, height := moving.Width(), moving.Height()
	for j := 0; j < height; j++ {
		sj := j + dy
		if sj < 0 || sj >= height {
			continue
		}
		for i := 0; i < width; i++ {
			si := i + dx
			if si < 0 || si >= width {
				continue
			}
			out.Data[j*width+i] = moving.Data[sj*width+si]
		}
	}
	return out, nil
}

// The Jacobian rows are [gx, gy] of the moving image at the output pixel.
func (t *Shift) ApplyWithGradient(moving *raster.Image, gp grad.Provider) (*raster.Image, *mat.Dense, error) {
	out, err := t.Apply(moving)
	if err != nil {
		return nil, nil, err
	}
	gx, gy, err := gradients(moving, gp)
	if err != nil {
		return nil, nil, err
	}
	jac := make([]float64, 2*len(moving.Data))
	for k := range moving.Data {
		jac[2*k] = float64(gx.Data[k])
		jac[2*k+1] = float64(gy.Data[k])
	}
	return out, mat.NewDense(len(moving.Data), 2, jac), nil
}
