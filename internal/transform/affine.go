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

// Default damping of the Jacobian columns of linear parameters
const DefaultAlpha = 0.001

// General affine transform with parameters [a11, a12, a21, a22, bx, by].
// Output (j,i) samples the moving image at A*(j,i)+b.
//
// Alpha scales the Jacobian columns of the diagonal entries a11 and a22,
// Beta those of the off-diagonal entries a12 and a21. The translation
// columns are unscaled.
type Affine struct {
	params
	Alpha float64
	Beta  float64
}

func NewAffine(a11, a12, a21, a22, bx, by float64) *Affine {
	return &Affine{
		params: params{p: []float64{a11, a12, a21, a22, bx, by}},
		Alpha:  DefaultAlpha,
		Beta:   DefaultAlpha,
	}
}

func NewAffineIdentity() *Affine { return NewAffine(1, 0, 0, 1, 0, 0) }

func (t *Affine) Name() string { return "affine" }

func (t *Affine) matrix() (a [2][2]float64, b [2]float64) {
	return [2][2]float64{{t.p[0], t.p[1]}, {t.p[2], t.p[3]}}, [2]float64{t.p[4], t.p[5]}
}

func (t *Affine) Apply(moving *raster.Image) (*raster.Image, error) {
	if err := moving.Validate(); err != nil {
		return nil, err
	}
	a, b := t.matrix()
	return resampleAffine(moving, a, b), nil
}

// Per pixel (row j, col i), with gx and gy the moving gradients resampled like
// the image, the Jacobian row is [gy*j*alpha, gy*i*beta, gx*j*beta, gx*i*alpha, gy, gx].
func (t *Affine) ApplyWithGradient(moving *raster.Image, gp grad.Provider) (*raster.Image, *mat.Dense, error) {
	if err := moving.Validate(); err != nil {
		return nil, nil, err
	}
	gx, gy, err := gradients(moving, gp)
	if err != nil {
		return nil, nil, err
	}
	a, b := t.matrix()
	out := resampleAffine(moving, a, b)
	rgx, rgy := resampleAffine(gx, a, b), resampleAffine(gy, a, b)

	width, height := moving.Width(), moving.Height()
	jac := make([]float64, 6*len(moving.Data))
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			k := j*width + i
			x, y := float64(rgx.Data[k]), float64(rgy.Data[k])
			row := jac[6*k : 6*k+6]
			row[0] = y * float64(j) * t.Alpha
			row[1] = y * float64(i) * t.Beta
			row[2] = x * float64(j) * t.Beta
			row[3] = x * float64(i) * t.Alpha
			row[4] = y
			row[5] = x
		}
	}
	return out, mat.NewDense(len(moving.Data), 6, jac), nil
}

// Rotation by theta plus translation, with parameters [theta, bx, by].
// Output (j,i) samples the moving image at A*(j,i)+b with A=[[cos, sin], [-sin, cos]].
// Alpha scales the Jacobian column of theta.
type RotateShift struct {
	params
	Alpha float64
}

func NewRotateShift(theta, bx, by float64) *RotateShift {
	return &RotateShift{
		params: params{p: []float64{theta, bx, by}},
		Alpha:  DefaultAlpha,
	}
}

func (t *RotateShift) Name() string { return "rotateshift" }

func (t *RotateShift) matrix() (a [2][2]float64, b [2]float64) {
	sin, cos := math.Sincos(t.p[0])
	return [2][2]float64{{cos, sin}, {-sin, cos}}, [2]float64{t.p[1], t.p[2]}
}

func (t *RotateShift) Apply(moving *raster.Image) (*raster.Image, error) {
	if err := moving.Validate(); err != nil {
		return nil, err
	}
	a, b := t.matrix()
	return resampleAffine(moving, a, b), nil
}

// Per pixel (row j, col i), with gx and gy the resampled moving gradients, the Jacobian row is
// [alpha*(gx*(-i*sin - j*cos) + gy*(i*cos - j*sin)), gy, gx].
func (t *RotateShift) ApplyWithGradient(moving *raster.Image, gp grad.Provider) (*raster.Image, *mat.Dense, error) {
	if err := moving.Validate(); err != nil {
		return nil, nil, err
	}
	gx, gy, err := gradients(moving, gp)
	if err != nil {
		return nil, nil, err
	}
	a, b := t.matrix()
	out := resampleAffine(moving, a, b)
	rgx, rgy := resampleAffine(gx, a, b), resampleAffine(gy, a, b)

	sin, cos := math.Sincos(t.p[0])
	width, height := moving.Width(), moving.Height()
	jac := make([]float64, 3*len(moving.Data))
	for j := 0; j < height; j++ {
		fj := float64(j)
		for i := 0; i < width; i++ {
			fi := float64(i)
			k := j*width + i
			x, y := float64(rgx.Data[k]), float64(rgy.Data[k])
			jac[3*k] = t.Alpha * (x*(-fi*sin-fj*cos) + y*(fi*cos-fj*sin))
			jac[3*k+1] = y
			jac[3*k+2] = x
		}
	}
	return out, mat.NewDense(len(moving.Data), 3, jac), nil
}
