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

package raster

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// Reads a single-channel image from file. DICOM files are recognized by their
// .dcm suffix, everything else goes through the registered image decoders.
func ReadFile(fileName string, id int) (*Image, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	var f *Image
	var err error
	if ext == ".dcm" || ext == ".dicom" {
		f, err = ReadDICOMFile(fileName)
	} else {
		var file *os.File
		file, err = os.Open(fileName)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		f, err = Decode(bufio.NewReader(file))
	}
	if err != nil {
		return nil, fmt.Errorf("%d: reading %s: %w", id, fileName, err)
	}
	f.ID = id
	f.FileName = fileName
	return f, nil
}

// Decodes an image in any registered format into intensities.
// Gray images keep their values scaled to [0,255]; color images are converted
// to CIE L* lightness, likewise scaled to [0,255].
func Decode(r io.Reader) (*Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// Converts a Go image into a single-channel image
func FromImage(img image.Image) *Image {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	f := NewImage(int32(width), int32(height), nil)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch g := c.(type) {
			case color.Gray:
				f.Data[yoffset+x] = float32(g.Y)
			case color.Gray16:
				f.Data[yoffset+x] = float32(g.Y) / 257
			default:
				col, _ := colorful.MakeColor(c) // fully transparent pixels come out black
				l, _, _ := col.Lab()
				f.Data[yoffset+x] = float32(l * 255)
			}
		}
	}
	return f
}

// Returns a bilinearly rescaled copy of the image with the given dimensions
func (f *Image) Resize(width, height int) *Image {
	src := image.NewGray16(image.Rect(0, 0, f.Width(), f.Height()))
	s := f.Stats()
	scale := float32(0)
	if s.Max > s.Min {
		scale = 65535 / (s.Max - s.Min)
	}
	for i, v := range f.Data {
		u := uint16((v-s.Min)*scale + 0.5)
		src.Pix[2*i], src.Pix[2*i+1] = uint8(u>>8), uint8(u)
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := NewImage(int32(width), int32(height), nil)
	out.ID, out.FileName = f.ID, f.FileName
	inv := float32(0)
	if scale != 0 {
		inv = 1 / scale
	}
	for i := range out.Data {
		v := uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1])
		out.Data[i] = float32(v)*inv + s.Min
	}
	return out
}

// Reads a fixed and a moving image, resizes both to size x size pixels
// if size>0, and normalizes their intensities to [0,255]
func ReadPair(fixedName, movingName string, size int) (fixed, moving *Image, err error) {
	if fixed, err = ReadFile(fixedName, 0); err != nil {
		return nil, nil, err
	}
	if moving, err = ReadFile(movingName, 1); err != nil {
		return nil, nil, err
	}
	if size > 0 {
		fixed = fixed.Resize(size, size)
		moving = moving.Resize(size, size)
	}
	fixed.NormalizeMinMax(0, 255)
	moving.NormalizeMinMax(0, 255)
	if err = SameShape(fixed, moving); err != nil {
		return nil, nil, err
	}
	return fixed, moving, nil
}
