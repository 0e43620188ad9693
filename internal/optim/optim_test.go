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

package optim

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/loss"
	"github.com/mlnoga/mireg/internal/raster"
	"github.com/mlnoga/mireg/internal/transform"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

func randomImage(width, height int) *raster.Image {
	rng := fastrand.RNG{}
	f := raster.NewImage(int32(width), int32(height), nil)
	for i := range f.Data {
		f.Data[i] = float32(rng.Uint32n(256))
	}
	return f
}

// Adds p[0] to every pixel; the Jacobian is a column of ones
type offsetTransform struct {
	p []float64
}

func (t *offsetTransform) Name() string          { return "offset" }
func (t *offsetTransform) Parameters() []float64 { return append([]float64(nil), t.p...) }
func (t *offsetTransform) SetParameters(p []float64) error {
	if len(p) != 1 {
		return transform.ErrParameterCount
	}
	t.p[0] = p[0]
	return nil
}

func (t *offsetTransform) Apply(moving *raster.Image) (*raster.Image, error) {
	out := moving.Clone()
	for i := range out.Data {
		out.Data[i] += float32(t.p[0])
	}
	return out, nil
}

func (t *offsetTransform) ApplyWithGradient(moving *raster.Image, gp grad.Provider) (*raster.Image, *mat.Dense, error) {
	out, _ := t.Apply(moving)
	ones := make([]float64, len(moving.Data))
	for i := range ones {
		ones[i] = 1
	}
	return out, mat.NewDense(len(ones), 1, ones), nil
}

// moving = fixed - 5, so the optimal offset is 5
func offsetPair() (fixed, moving *raster.Image) {
	fixed = raster.NewImage(4, 4, nil)
	for i := range fixed.Data {
		fixed.Data[i] = float32(10 + i)
	}
	moving = fixed.Clone()
	for i := range moving.Data {
		moving.Data[i] -= 5
	}
	return fixed, moving
}

// Scores every pair the same. Fails from the given call on, if positive
type constantLoss struct {
	value  float64
	failAt int
	calls  int
}

var errLossFailed = errors.New("loss failed")

func (l *constantLoss) Name() string { return "constant" }

func (l *constantLoss) Score(fixed, moved *raster.Image) (float64, error) {
	l.calls++
	if l.failAt > 0 && l.calls >= l.failAt {
		return 0, errLossFailed
	}
	return l.value, nil
}

func (l *constantLoss) Gradient(fixed, moved *raster.Image) ([]float64, error) {
	_, g, err := l.ScoreAndGradient(fixed, moved)
	return g, err
}

func (l *constantLoss) ScoreAndGradient(fixed, moved *raster.Image) (float64, []float64, error) {
	s, err := l.Score(fixed, moved)
	if err != nil {
		return 0, nil, err
	}
	return s, make([]float64, len(moved.Data)), nil
}

// An offset transform which refuses parameter updates after the first few
type stubbornTransform struct {
	offsetTransform
	allowed int
}

var errSetRefused = errors.New("parameters refused")

func (t *stubbornTransform) SetParameters(p []float64) error {
	if t.allowed <= 0 {
		return errSetRefused
	}
	t.allowed--
	return t.offsetTransform.SetParameters(p)
}

func TestParameterGradientChainRule(t *testing.T) {
	jac := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	pg, err := ParameterGradient(jac, []float64{1, 0, -1})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1 - 5, 2 - 6}
	for i := range want {
		if pg[i] != want[i] {
			t.Errorf("pg[%d]=%g; want %g", i, pg[i], want[i])
		}
	}
	if _, err := ParameterGradient(jac, []float64{1}); !errors.Is(err, raster.ErrShapeMismatch) {
		t.Errorf("got %v; want ErrShapeMismatch", err)
	}
}

func TestGradientDescentZeroGradientAtOptimum(t *testing.T) {
	img := randomImage(8, 8)
	tr := transform.NewShift(0, 0)
	o := NewGradientDescent(tr, loss.SquaredDifference{}, grad.Simple{}, 0.5, 0.9)
	if err := o.Step(img, img); err != nil {
		t.Fatal(err)
	}
	for i, v := range o.LastParameterGradient() {
		if v != 0 {
			t.Errorf("param grad[%d]=%g; want 0", i, v)
		}
	}
	for i, v := range tr.Parameters() {
		if v != 0 {
			t.Errorf("param[%d]=%g; want 0", i, v)
		}
	}
	if o.LastLoss() != 0 {
		t.Errorf("last loss %g; want 0", o.LastLoss())
	}
	if math.Abs(o.LearningRate-0.45) > 1e-12 {
		t.Errorf("learning rate %g; want 0.45", o.LearningRate)
	}
}

func TestGradientDescentUpdate(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	o := NewGradientDescent(tr, loss.SquaredDifference{}, nil, 0.01, 1)
	if err := o.Step(fixed, moving); err != nil {
		t.Fatal(err)
	}
	// loss 16*(p-5)^2, gradient 32*(p-5) = -160 at p=0
	if o.LastLoss() != 16*25 {
		t.Errorf("last loss %g; want 400", o.LastLoss())
	}
	if p := tr.Parameters()[0]; math.Abs(p-1.6) > 1e-12 {
		t.Errorf("param %g after one step; want 1.6", p)
	}
	for i := 1; i < 60; i++ {
		if err := o.Step(fixed, moving); err != nil {
			t.Fatal(err)
		}
	}
	if p := tr.Parameters()[0]; math.Abs(p-5) > 1e-4 {
		t.Errorf("param %g after 60 steps; want 5", p)
	}
}

func TestOnePlusOneZeroRateIsNoOp(t *testing.T) {
	fixed, moving := randomImage(8, 8), randomImage(8, 8)
	tr := transform.NewAffine(1.1, 0.05, -0.02, 0.95, 0.7, -0.3)
	before := tr.Parameters()
	o := NewOnePlusOne(tr, loss.SquaredDifference{}, 0, 1)
	for i := 0; i < 5; i++ {
		if err := o.Step(fixed, moving); err != nil {
			t.Fatal(err)
		}
	}
	after := tr.Parameters()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("param[%d] %g -> %g; want unchanged", i, before[i], after[i])
		}
	}
}

func TestOnePlusOneNeverIncreasesLoss(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	o := NewOnePlusOne(tr, loss.SquaredDifference{}, 1, 42)
	prev := math.Inf(1)
	for i := 0; i < 200; i++ {
		if err := o.Step(fixed, moving); err != nil {
			t.Fatal(err)
		}
		if o.LastLoss() > prev {
			t.Fatalf("step %d: loss rose from %g to %g", i, prev, o.LastLoss())
		}
		prev = o.LastLoss()
	}
	if p := tr.Parameters()[0]; math.Abs(p-5) > 0.5 {
		t.Errorf("param %g after 200 steps; want close to 5", p)
	}
}

func TestOnePlusOneKeepsChildOnTie(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	o := NewOnePlusOne(tr, &constantLoss{value: 3}, 1, 7)
	prev := tr.Parameters()[0]
	for i := 0; i < 5; i++ {
		if err := o.Step(fixed, moving); err != nil {
			t.Fatal(err)
		}
		p := tr.Parameters()[0]
		if p == prev {
			t.Errorf("step %d: param stayed at %g; want the mutated child", i, p)
		}
		prev = p
		if o.LastLoss() != 3 {
			t.Errorf("step %d: last loss %g; want 3", i, o.LastLoss())
		}
	}
}

func TestOnePlusOneReportsFailedRevert(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &stubbornTransform{offsetTransform{p: []float64{0}}, 1}
	// parent scores fine, child fails, then restoring the parent is refused
	o := NewOnePlusOne(tr, &constantLoss{value: 3, failAt: 2}, 1, 7)
	err := o.Step(fixed, moving)
	if !errors.Is(err, errLossFailed) || !errors.Is(err, errSetRefused) {
		t.Errorf("got %v; want loss and revert errors", err)
	}
}

func TestMinimizeReportsFailedRevert(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &stubbornTransform{offsetTransform{p: []float64{0}}, 1}
	_, err := Minimize(tr, &constantLoss{value: 3, failAt: 1}, nil, fixed, moving, nil, &optimize.NelderMead{})
	if !errors.Is(err, errLossFailed) || !errors.Is(err, errSetRefused) {
		t.Errorf("got %v; want loss and revert errors", err)
	}
}

func TestMinimizeNelderMead(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	res, err := Minimize(tr, loss.SquaredDifference{}, nil, fixed, moving, nil, &optimize.NelderMead{})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || math.Abs(tr.Parameters()[0]-5) > 1e-3 {
		t.Errorf("param %g; want 5", tr.Parameters()[0])
	}
}

func TestMinimizeBFGS(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	m, err := Method("bfgs")
	if err != nil {
		t.Fatal(err)
	}
	Minimize(tr, loss.SquaredDifference{}, nil, fixed, moving, nil, m)
	if math.Abs(tr.Parameters()[0]-5) > 1e-3 {
		t.Errorf("param %g; want 5", tr.Parameters()[0])
	}
}

func TestMinimizeSurfacesErrors(t *testing.T) {
	fixed := randomImage(4, 4)
	moving := randomImage(4, 3)
	tr := transform.NewShift(0, 0)
	_, err := Minimize(tr, loss.SquaredDifference{}, grad.Simple{}, fixed, moving, nil, &optimize.NelderMead{})
	if !errors.Is(err, raster.ErrShapeMismatch) {
		t.Errorf("got %v; want ErrShapeMismatch", err)
	}
}

func TestRunLogsAndStopsOnError(t *testing.T) {
	fixed, moving := offsetPair()
	tr := &offsetTransform{p: []float64{0}}
	o := NewGradientDescent(tr, loss.SquaredDifference{}, nil, 0.01, 1)
	var buf bytes.Buffer
	if err := Run(o, tr, fixed, moving, 10, 5, &buf, 7); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(buf.String(), "7: step"); n != 3 {
		t.Errorf("%d log lines; want 3:\n%s", n, buf.String())
	}

	err := Run(o, tr, fixed, randomImage(2, 2), 10, 5, nil, 7)
	if !errors.Is(err, raster.ErrShapeMismatch) {
		t.Errorf("got %v; want ErrShapeMismatch", err)
	}
}
