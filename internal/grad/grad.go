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

// Package grad produces horizontal and vertical intensity gradient images.
package grad

import (
	"fmt"

	"github.com/mlnoga/mireg/internal/raster"
)

// Produces the horizontal (gx, along columns) and vertical (gy, along rows)
// gradient of an image. Both outputs have the shape of the input.
type Provider interface {
	Gradient(img *raster.Image) (gx, gy *raster.Image, err error)
}

// Forward difference gradient. The last column of gx and the last row of gy are zero.
type Simple struct{}

func (Simple) Gradient(img *raster.Image) (gx, gy *raster.Image, err error) {
	if err := img.Validate(); err != nil {
		return nil, nil, err
	}
	gx, gy = raster.NewImageFromImage(img), raster.NewImageFromImage(img)
	width, height := img.Width(), img.Height()
	for y := 0; y < height; y++ {
		row := img.Data[y*width : (y+1)*width]
		outX := gx.Data[y*width : (y+1)*width]
		for x := 0; x < width-1; x++ {
			outX[x] = row[x+1] - row[x]
		}
		if y == height-1 {
			continue
		}
		next := img.Data[(y+1)*width : (y+2)*width]
		outY := gy.Data[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			outY[x] = next[x] - row[x]
		}
	}
	return gx, gy, nil
}

// 3x3 Sobel gradient: central difference [-1,0,1] along the derivative axis,
// smoothed with [1,2,1] across it. Borders are reflected without repeating the
// edge pixel (dcb|abcd|cba).
type Sobel struct{}

func (Sobel) Gradient(img *raster.Image) (gx, gy *raster.Image, err error) {
	if err := img.Validate(); err != nil {
		return nil, nil, err
	}
	gx, gy = raster.NewImageFromImage(img), raster.NewImageFromImage(img)
	width, height := img.Width(), img.Height()
	for y := 0; y < height; y++ {
		ym, yp := reflect101(y-1, height), reflect101(y+1, height)
		for x := 0; x < width; x++ {
			xm, xp := reflect101(x-1, width), reflect101(x+1, width)
			tl, tc, tr := img.Data[ym*width+xm], img.Data[ym*width+x], img.Data[ym*width+xp]
			ml, mr := img.Data[y*width+xm], img.Data[y*width+xp]
			bl, bc, br := img.Data[yp*width+xm], img.Data[yp*width+x], img.Data[yp*width+xp]
			gx.Data[y*width+x] = (tr - tl) + 2*(mr-ml) + (br - bl)
			gy.Data[y*width+x] = (bl - tl) + 2*(bc-tc) + (br - tr)
		}
	}
	return gx, gy, nil
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}

// Returns the named gradient provider, one of "simple" or "sobel"
func ByName(name string) (Provider, error) {
	switch name {
	case "", "simple":
		return Simple{}, nil
	case "sobel":
		return Sobel{}, nil
	}
	return nil, fmt.Errorf("unknown gradient provider '%s'", name)
}
