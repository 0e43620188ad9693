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

// Package transform resamples moving images under parametric geometric
// transforms and provides the Jacobian of the result w.r.t. the parameters.
//
// All transforms map backwards: output pixel (row j, col i) looks up the
// moving image at a source coordinate derived from (j, i). Coordinates are
// always given in (row, col) order.
package transform

import (
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/raster"
	"gonum.org/v1/gonum/mat"
)

var ErrParameterCount = errors.New("wrong number of transform parameters")

// A parametric geometric transform
type Transform interface {
	Name() string

	// Returns a copy of the current parameters
	Parameters() []float64

	// Replaces the parameters with a copy of p
	SetParameters(p []float64) error

	// Resamples the moving image under the current parameters
	Apply(moving *raster.Image) (*raster.Image, error)

	// Resamples the moving image and returns the pixels x parameters Jacobian
	// of the result. The gradient provider is called once per invocation;
	// wrap it in a grad.Cache to reuse gradients across calls.
	ApplyWithGradient(moving *raster.Image, gp grad.Provider) (*raster.Image, *mat.Dense, error)
}

// Parameter storage shared by all transforms
type params struct {
	p []float64
}

func (t *params) Parameters() []float64 {
	return append([]float64(nil), t.p...)
}

func (t *params) SetParameters(p []float64) error {
	if len(p) != len(t.p) {
		return fmt.Errorf("%w: got %d, want %d", ErrParameterCount, len(p), len(t.p))
	}
	copy(t.p, p)
	return nil
}

// Creates a transform by name with given initial parameters. A nil parameter
// slice selects the identity. Alpha and beta scale the linear parameters'
// Jacobian columns where the transform supports it; zero selects the default.
func New(name string, p []float64, alpha, beta float64) (Transform, error) {
	var t Transform
	switch name {
	case "shift":
		t = NewShift(0, 0)
	case "affine":
		a := NewAffineIdentity()
		if alpha != 0 {
			a.Alpha, a.Beta = alpha, alpha
		}
		if beta != 0 {
			a.Beta = beta
		}
		t = a
	case "rotateshift":
		r := NewRotateShift(0, 0, 0)
		if alpha != 0 {
			r.Alpha = alpha
		}
		t = r
	default:
		return nil, fmt.Errorf("unknown transform '%s'", name)
	}
	if p != nil {
		if err := t.SetParameters(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Calls the gradient provider and checks its outputs against the input shape
func gradients(moving *raster.Image, gp grad.Provider) (gx, gy *raster.Image, err error) {
	gx, gy, err = gp.Gradient(moving)
	if err != nil {
		return nil, nil, err
	}
	if err := raster.SameShape(moving, gx); err != nil {
		return nil, nil, fmt.Errorf("horizontal gradient: %w", err)
	}
	if err := raster.SameShape(moving, gy); err != nil {
		return nil, nil, fmt.Errorf("vertical gradient: %w", err)
	}
	return gx, gy, nil
}

// Resamples img so that output (j,i) holds img at (a[0][0]*j+a[0][1]*i+b[0], a[1][0]*j+a[1][1]*i+b[1])
func resampleAffine(img *raster.Image, a [2][2]float64, b [2]float64) *raster.Image {
	out := raster.NewImageFromImage(img)
	width, height := img.Width(), img.Height()
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			r := a[0][0]*float64(j) + a[0][1]*float64(i) + b[0]
			c := a[1][0]*float64(j) + a[1][1]*float64(i) + b[1]
			out.Data[j*width+i] = bilinear(img, r, c)
		}
	}
	return out
}

// Samples img at a fractional position with bilinear interpolation. Pixels
// outside the image count as zero. Integer positions return the exact pixel.
func bilinear(img *raster.Image, r, c float64) float32 {
	r0, c0 := math.Floor(r), math.Floor(c)
	if r0 < -1 || c0 < -1 || r0 >= float64(img.Height()) || c0 >= float64(img.Width()) {
		return 0
	}
	fr, fc := float32(r-r0), float32(c-c0)
	ri, ci := int(r0), int(c0)
	v := (1 - fr) * (1 - fc) * img.At(ri, ci)
	if fc != 0 {
		v += (1 - fr) * fc * img.At(ri, ci+1)
	}
	if fr != 0 {
		v += fr * (1 - fc) * img.At(ri+1, ci)
		if fc != 0 {
			v += fr * fc * img.At(ri+1, ci+1)
		}
	}
	return v
}
