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
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cocosip/go-dicom/pkg/dicom/dataset"
	"github.com/cocosip/go-dicom/pkg/dicom/parser"
	"github.com/cocosip/go-dicom/pkg/dicom/tag"
	"github.com/cocosip/go-dicom/pkg/imaging"
)

var ErrEncapsulatedDICOM = errors.New("compressed DICOM transfer syntax not supported")

// Reads the first frame of a single-sample DICOM file with native (uncompressed)
// pixel data. 8 and 16 bit samples are supported, signed or unsigned. Values
// are mapped through the rescale slope and intercept, if present.
func ReadDICOMFile(fileName string) (*Image, error) {
	res, err := parser.ParseFile(fileName, parser.WithReadOption(parser.ReadAll))
	if err != nil {
		return nil, err
	}
	if res.TransferSyntax != nil && res.TransferSyntax.IsEncapsulated() {
		return nil, ErrEncapsulatedDICOM
	}
	pd, err := imaging.CreatePixelData(res.Dataset)
	if err != nil {
		return nil, err
	}
	if pd.FrameCount() < 1 {
		return nil, ErrEmptyImage
	}
	frame, err := pd.GetFrame(0)
	if err != nil {
		return nil, err
	}

	info := pd.Info
	width, height := int(info.Width), int(info.Height)
	if int(info.SamplesPerPixel) != 1 {
		return nil, fmt.Errorf("DICOM with %d samples per pixel, need 1", int(info.SamplesPerPixel))
	}
	bytesPerSample := (int(info.BitsAllocated) + 7) / 8
	if bytesPerSample != 1 && bytesPerSample != 2 {
		return nil, fmt.Errorf("DICOM with %d bits allocated, need 8 or 16", int(info.BitsAllocated))
	}
	if len(frame) < width*height*bytesPerSample {
		return nil, fmt.Errorf("DICOM frame has %d bytes, need %d for %dx%d pixels",
			len(frame), width*height*bytesPerSample, width, height)
	}
	signed := int(info.PixelRepresentation) == 1
	slope, err := decimal(res.Dataset, tag.RescaleSlope, 1)
	if err != nil {
		return nil, err
	}
	intercept, err := decimal(res.Dataset, tag.RescaleIntercept, 0)
	if err != nil {
		return nil, err
	}

	f := NewImage(int32(width), int32(height), nil)
	for i := range f.Data {
		var v float64
		switch {
		case bytesPerSample == 1 && signed:
			v = float64(int8(frame[i]))
		case bytesPerSample == 1:
			v = float64(frame[i])
		case signed:
			v = float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		default:
			v = float64(binary.LittleEndian.Uint16(frame[2*i:]))
		}
		f.Data[i] = float32(v*slope + intercept)
	}
	return f, nil
}

// Reads a decimal string attribute, or returns def if it is absent or empty
func decimal(ds *dataset.Dataset, t *tag.Tag, def float64) (float64, error) {
	s, ok := ds.GetString(t)
	if !ok {
		return def, nil
	}
	return parseDecimal(s, def)
}

// Parses the first value of a DICOM decimal string. Empty yields def
func parseDecimal(s string, def float64) (float64, error) {
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \x00")
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid DICOM decimal '%s': %w", s, err)
	}
	return v, nil
}
