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
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	ErrShapeMismatch = errors.New("image shape mismatch")
	ErrEmptyImage    = errors.New("empty image")
)

// A single-channel 2D image.
// Pixels are stored row-major, so pixel (row, col) lives at Data[row*width+col].
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. width, height)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data

	version uint64 // Bumped by Touch() whenever Data is modified in place
}

// Creates an image with given width and height. Data is not copied, allocated if nil
func NewImage(width, height int32, data []float32) *Image {
	pixels := width * height
	if data == nil {
		data = make([]float32, pixels)
	}
	return &Image{
		Naxisn: []int32{width, height},
		Pixels: pixels,
		Data:   data,
	}
}

// Creates an image with the same shape, ID and file name as the given one. New data array will be allocated
func NewImageFromImage(img *Image) *Image {
	return &Image{
		ID:       img.ID,
		FileName: img.FileName,
		Naxisn:   append([]int32(nil), img.Naxisn...), // clone slice
		Pixels:   img.Pixels,
		Data:     make([]float32, img.Pixels),
	}
}

// Returns a deep copy of the image
func (f *Image) Clone() *Image {
	c := NewImageFromImage(f)
	copy(c.Data, f.Data)
	return c
}

func (f *Image) Width() int  { return int(f.Naxisn[0]) }
func (f *Image) Height() int { return int(f.Naxisn[1]) }

// Returns the pixel at given row and column, or 0 if outside the image
func (f *Image) At(row, col int) float32 {
	if row < 0 || col < 0 || row >= f.Height() || col >= f.Width() {
		return 0
	}
	return f.Data[row*f.Width()+col]
}

func (f *Image) Set(row, col int, v float32) {
	f.Data[row*f.Width()+col] = v
}

// Version changes whenever the pixel data was declared modified via Touch.
// Together with the image pointer it identifies the pixel contents for caching.
func (f *Image) Version() uint64 { return atomic.LoadUint64(&f.version) }

// Declares the pixel data as modified. Must be called after writing to Data
// in place, so derived data cached for this image gets recomputed.
func (f *Image) Touch() { atomic.AddUint64(&f.version, 1) }

func (f *Image) DimensionsToString() string {
	if len(f.Naxisn) < 2 {
		return "empty"
	}
	return fmt.Sprintf("%dx%d", f.Naxisn[0], f.Naxisn[1])
}

// Checks that an image holds a non-empty 2D pixel grid consistent with its dimensions
func (f *Image) Validate() error {
	if f == nil || len(f.Naxisn) != 2 || f.Naxisn[0] <= 0 || f.Naxisn[1] <= 0 {
		return ErrEmptyImage
	}
	if f.Pixels != f.Naxisn[0]*f.Naxisn[1] || int(f.Pixels) != len(f.Data) {
		return fmt.Errorf("%w: %s image with %d pixels and %d data values",
			ErrShapeMismatch, f.DimensionsToString(), f.Pixels, len(f.Data))
	}
	return nil
}

// Returns nil if both images are valid and share the same shape
func SameShape(a, b *Image) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if a.Naxisn[0] != b.Naxisn[0] || a.Naxisn[1] != b.Naxisn[1] {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a.DimensionsToString(), b.DimensionsToString())
	}
	return nil
}

// Basic image statistics
type Stats struct {
	Min, Max, Mean float32
}

func (s Stats) String() string {
	return fmt.Sprintf("min %.4g mean %.4g max %.4g", s.Min, s.Mean, s.Max)
}

// Calculates minimum, maximum and mean of the pixel data
func (f *Image) Stats() Stats {
	if len(f.Data) == 0 {
		return Stats{}
	}
	min, max := f.Data[0], f.Data[0]
	sum := 0.0
	for _, v := range f.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
	}
	return Stats{Min: min, Max: max, Mean: float32(sum / float64(len(f.Data)))}
}

// Clips pixel values to [lo, hi] and truncates them to integers, writing into dst.
// NaNs map to lo. Returns dst, allocated if nil.
func (f *Image) Bins(lo, hi float32, dst []int) []int {
	if dst == nil {
		dst = make([]int, len(f.Data))
	}
	for i, v := range f.Data {
		dst[i] = int(clip(v, lo, hi))
	}
	return dst
}

// Clips pixel values to [0,255] and truncates them to bytes, writing into dst.
// Returns dst, allocated if nil.
func (f *Image) Bytes(dst []uint8) []uint8 {
	if dst == nil {
		dst = make([]uint8, len(f.Data))
	}
	for i, v := range f.Data {
		dst[i] = uint8(clip(v, 0, 255))
	}
	return dst
}

func clip(v, lo, hi float32) float32 {
	if v > hi {
		return hi
	}
	if v >= lo {
		return v
	}
	return lo // also catches NaN
}

// Linearly maps pixel values so the minimum becomes lo and the maximum hi,
// rounding to the nearest integer. A constant image maps to lo.
func (f *Image) NormalizeMinMax(lo, hi float32) {
	s := f.Stats()
	scale := float32(0)
	if s.Max > s.Min {
		scale = (hi - lo) / (s.Max - s.Min)
	}
	for i, v := range f.Data {
		f.Data[i] = float32(math.Round(float64((v-s.Min)*scale + lo)))
	}
	f.Touch()
}
