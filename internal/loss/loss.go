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

// Package loss scores the dissimilarity of a fixed and a moved image, and
// computes the gradient of that score w.r.t. each moved pixel.
package loss

import (
	"github.com/mlnoga/mireg/internal/raster"
)

// A dissimilarity measure: lower is better aligned. All three methods share
// one computation, so they agree exactly on the same inputs.
type Loss interface {
	Name() string
	Score(fixed, moved *raster.Image) (float64, error)
	Gradient(fixed, moved *raster.Image) ([]float64, error)
	ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error)
}

// Sum of squared differences
type SquaredDifference struct{}

func (SquaredDifference) Name() string { return "ssd" }

func (l SquaredDifference) Score(fixed, moved *raster.Image) (float64, error) {
	s, _, err := l.eval(fixed, moved, false)
	return s, err
}

func (l SquaredDifference) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.eval(fixed, moved, true)
	return g, err
}

func (l SquaredDifference) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	return l.eval(fixed, moved, true)
}

func (SquaredDifference) eval(fixed, moved *raster.Image, wantGrad bool) (float64, []float64, error) {
	if err := raster.SameShape(fixed, moved); err != nil {
		return 0, nil, err
	}
	var g []float64
	if wantGrad {
		g = make([]float64, len(moved.Data))
	}
	sum := 0.0
	for i, m := range moved.Data {
		d := float64(m) - float64(fixed.Data[i])
		sum += d * d
		if wantGrad {
			g[i] = 2 * d
		}
	}
	return sum, g, nil
}

// Negated cross correlation, -sum(fixed*moved)
type NegativeCrossCorrelation struct{}

func (NegativeCrossCorrelation) Name() string { return "ncc" }

func (l NegativeCrossCorrelation) Score(fixed, moved *raster.Image) (float64, error) {
	s, _, err := l.eval(fixed, moved, false)
	return s, err
}

func (l NegativeCrossCorrelation) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.eval(fixed, moved, true)
	return g, err
}

func (l NegativeCrossCorrelation) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	return l.eval(fixed, moved, true)
}

func (NegativeCrossCorrelation) eval(fixed, moved *raster.Image, wantGrad bool) (float64, []float64, error) {
	if err := raster.SameShape(fixed, moved); err != nil {
		return 0, nil, err
	}
	var g []float64
	if wantGrad {
		g = make([]float64, len(moved.Data))
	}
	sum := 0.0
	for i, f := range fixed.Data {
		sum -= float64(f) * float64(moved.Data[i])
		if wantGrad {
			g[i] = -float64(f)
		}
	}
	return sum, g, nil
}
