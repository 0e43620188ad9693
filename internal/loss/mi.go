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

package loss

import (
	"errors"
	"fmt"

	"github.com/mlnoga/mireg/internal/accel"
	"github.com/mlnoga/mireg/internal/parzen"
	"github.com/mlnoga/mireg/internal/raster"
)

// Negated Parzen-window mutual information in double precision.
// Not safe for concurrent use.
type MutualInformation struct {
	h *parzen.JointHistogram
}

func NewMutualInformation(bins int, padded bool) *MutualInformation {
	return &MutualInformation{h: parzen.NewJointHistogram(bins, padded)}
}

func (l *MutualInformation) Name() string { return "mi" }

// Returns the histogram of the last evaluation
func (l *MutualInformation) Histogram() *parzen.JointHistogram { return l.h }

func (l *MutualInformation) Score(fixed, moved *raster.Image) (float64, error) {
	if err := l.h.Estimate(fixed, moved); err != nil {
		return 0, err
	}
	return l.h.Score(), nil
}

func (l *MutualInformation) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.ScoreAndGradient(fixed, moved)
	return g, err
}

func (l *MutualInformation) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	if err := l.h.Estimate(fixed, moved); err != nil {
		return 0, nil, err
	}
	return l.h.Score(), l.h.Gradient(nil), nil
}

// Negated mutual information on byte images through a native backend.
// Intensities are clipped to [0,255] and truncated.
type MutualInformationNative struct {
	Backend parzen.Backend
}

// Uses the backend picked by parzen.NewBackend
func NewMutualInformationNative() *MutualInformationNative {
	return &MutualInformationNative{Backend: parzen.NewBackend()}
}

func (l *MutualInformationNative) Name() string { return "mi-native" }

func toBytes(fixed, moved *raster.Image) (fb, mb []uint8, err error) {
	if err := raster.SameShape(fixed, moved); err != nil {
		return nil, nil, err
	}
	return fixed.Bytes(nil), moved.Bytes(nil), nil
}

func widen(g []float32) []float64 {
	out := make([]float64, len(g))
	for i, v := range g {
		out[i] = float64(v)
	}
	return out
}

func (l *MutualInformationNative) Score(fixed, moved *raster.Image) (float64, error) {
	fb, mb, err := toBytes(fixed, moved)
	if err != nil {
		return 0, err
	}
	s, err := l.Backend.Point(fb, mb)
	return float64(s), err
}

func (l *MutualInformationNative) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.ScoreAndGradient(fixed, moved)
	return g, err
}

func (l *MutualInformationNative) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	fb, mb, err := toBytes(fixed, moved)
	if err != nil {
		return 0, nil, err
	}
	s, g, err := l.Backend.PointGrad(fb, mb)
	if err != nil {
		return 0, nil, err
	}
	return float64(s), widen(g), nil
}

// Negated mutual information computed by a hardware accelerator. The device
// returns the derivative matrix; the per-pixel gradient is gathered on the host.
// Device faults and timeouts are returned as is, without retrying.
type MutualInformationAccel struct {
	Device *accel.Device
}

func (l *MutualInformationAccel) Name() string { return "mi-accel" }

func (l *MutualInformationAccel) run(fixed, moved *raster.Image) (float32, []float32, []uint8, []uint8, error) {
	if l.Device == nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: no device", accel.ErrAcceleratorFault)
	}
	fb, mb, err := toBytes(fixed, moved)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	s, m, err := l.Device.Run(fb, mb)
	return s, m, fb, mb, err
}

func (l *MutualInformationAccel) Score(fixed, moved *raster.Image) (float64, error) {
	s, _, _, _, err := l.run(fixed, moved)
	if err != nil {
		return 0, err
	}
	return float64(s), nil
}

func (l *MutualInformationAccel) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.ScoreAndGradient(fixed, moved)
	return g, err
}

func (l *MutualInformationAccel) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	s, m, fb, mb, err := l.run(fixed, moved)
	if err != nil {
		return 0, nil, err
	}
	g, err := parzen.Gather(m, fb, mb, parzen.ByteBins, nil)
	if err != nil {
		return 0, nil, err
	}
	return float64(s), widen(g), nil
}

var ErrUnknownLoss = errors.New("unknown loss")

// Creates a loss by name. Bins and padding apply to "mi" only; "mi-accel" needs a device.
func New(name string, bins int, padded bool, dev *accel.Device) (Loss, error) {
	switch name {
	case "ssd":
		return SquaredDifference{}, nil
	case "ncc":
		return NegativeCrossCorrelation{}, nil
	case "mi":
		return NewMutualInformation(bins, padded), nil
	case "mi-native":
		return NewMutualInformationNative(), nil
	case "mi-accel":
		if dev == nil {
			return nil, fmt.Errorf("%w: loss %s without device", accel.ErrAcceleratorFault, name)
		}
		return &MutualInformationAccel{Device: dev}, nil
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknownLoss, name)
}
