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

// Package pattern generates synthetic test images.
package pattern

import (
	"math"

	"github.com/mlnoga/mireg/internal/raster"
	"github.com/valyala/fastrand"
)

// Creates a square image of side width+2*pad. The inner width x width area
// holds floor(255*(1 - (j-w/2)^2 (i-w/2)^2 / (w/2)^4)), the border is zero.
// Values range from 0 at the inner corners to 255 along the center cross.
func EllipticParaboloid(width, pad int) *raster.Image {
	side := width + 2*pad
	img := raster.NewImage(int32(side), int32(side), nil)
	half := float64(width) / 2
	half4 := half * half * half * half
	for j := 0; j < width; j++ {
		dj := float64(j) - half
		for i := 0; i < width; i++ {
			di := float64(i) - half
			v := (-(dj*dj)*(di*di)/half4 + 1) * 255
			img.Set(j+pad, i+pad, float32(math.Floor(v)))
		}
	}
	return img
}

// Adds uniform integer noise in [-amplitude, amplitude] to every pixel, clipped
// to [0,255]. The same nonzero seed yields the same noise, zero picks a random seed.
func Noise(img *raster.Image, amplitude int, seed uint32) {
	if amplitude <= 0 {
		return
	}
	rng := fastrand.RNG{}
	rng.Seed(seed)
	span := uint32(2*amplitude + 1)
	for i, v := range img.Data {
		v += float32(int(rng.Uint32n(span)) - amplitude)
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		img.Data[i] = v
	}
	img.Touch()
}
