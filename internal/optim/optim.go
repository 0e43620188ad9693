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

// Package optim searches transform parameters that minimize a loss.
package optim

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/loss"
	"github.com/mlnoga/mireg/internal/raster"
	"github.com/mlnoga/mireg/internal/transform"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Updates the parameters of a transform, one step at a time
type Optimizer interface {
	Step(fixed, moving *raster.Image) error
	LastLoss() float64
}

// Chains the per-pixel loss gradient with the transform Jacobian into the
// gradient w.r.t. the transform parameters: J^T g
func ParameterGradient(jac *mat.Dense, g []float64) ([]float64, error) {
	rows, cols := jac.Dims()
	if rows != len(g) {
		return nil, fmt.Errorf("%w: loss gradient of %d pixels, jacobian of %d", raster.ErrShapeMismatch, len(g), rows)
	}
	var out mat.VecDense
	out.MulVec(jac.T(), mat.NewVecDense(len(g), g))
	res := make([]float64, cols)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res, nil
}

// Plain gradient descent with a geometrically decaying learning rate
type GradientDescent struct {
	Transform    transform.Transform
	Loss         loss.Loss
	Gradients    grad.Provider
	LearningRate float64
	Decay        float64 // multiplies the learning rate after each step

	lastLoss      float64
	lastParamGrad []float64
}

func NewGradientDescent(t transform.Transform, l loss.Loss, gp grad.Provider, learningRate, decay float64) *GradientDescent {
	return &GradientDescent{
		Transform:    t,
		Loss:         l,
		Gradients:    gp,
		LearningRate: learningRate,
		Decay:        decay,
		lastLoss:     math.Inf(1),
	}
}

func (o *GradientDescent) Step(fixed, moving *raster.Image) error {
	moved, jac, err := o.Transform.ApplyWithGradient(moving, o.Gradients)
	if err != nil {
		return err
	}
	l, g, err := o.Loss.ScoreAndGradient(fixed, moved)
	if err != nil {
		return err
	}
	o.lastLoss = l
	pg, err := ParameterGradient(jac, g)
	if err != nil {
		return err
	}
	o.lastParamGrad = pg
	p := o.Transform.Parameters()
	floats.AddScaled(p, -o.LearningRate, pg)
	if err := o.Transform.SetParameters(p); err != nil {
		return err
	}
	o.LearningRate *= o.Decay
	return nil
}

// Loss before the most recent step
func (o *GradientDescent) LastLoss() float64 { return o.lastLoss }

// Parameter gradient of the most recent step
func (o *GradientDescent) LastParameterGradient() []float64 { return o.lastParamGrad }

// (1+1) evolution strategy: mutate all parameters with Gaussian noise and keep
// the child unless the parent scored strictly better
type OnePlusOne struct {
	Transform    transform.Transform
	Loss         loss.Loss
	MutationRate float64 // standard deviation of the mutation

	normal   distuv.Normal
	lastLoss float64
}

func NewOnePlusOne(t transform.Transform, l loss.Loss, mutationRate float64, seed uint64) *OnePlusOne {
	return &OnePlusOne{
		Transform:    t,
		Loss:         l,
		MutationRate: mutationRate,
		normal:       distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
		lastLoss:     math.Inf(1),
	}
}

func (o *OnePlusOne) score(fixed, moving *raster.Image) (float64, error) {
	moved, err := o.Transform.Apply(moving)
	if err != nil {
		return 0, err
	}
	return o.Loss.Score(fixed, moved)
}

func (o *OnePlusOne) Step(fixed, moving *raster.Image) error {
	parent := o.Transform.Parameters()
	parentLoss, err := o.score(fixed, moving)
	if err != nil {
		return err
	}

	child := append([]float64(nil), parent...)
	for i := range child {
		child[i] += o.MutationRate * o.normal.Rand()
	}
	if err := o.Transform.SetParameters(child); err != nil {
		return err
	}
	childLoss, err := o.score(fixed, moving)
	if err != nil {
		return errors.Join(err, o.Transform.SetParameters(parent))
	}

	if parentLoss < childLoss {
		o.lastLoss = parentLoss
		return o.Transform.SetParameters(parent)
	}
	o.lastLoss = childLoss
	return nil
}

// Loss of the parameters kept by the most recent step
func (o *OnePlusOne) LastLoss() float64 { return o.lastLoss }

// Performs the given number of steps, logging loss and parameters every
// logEvery steps (never if zero). Stops at the first error.
func Run(o Optimizer, t transform.Transform, fixed, moving *raster.Image, steps, logEvery int, logWriter io.Writer, id int) error {
	for i := 0; i < steps; i++ {
		if err := o.Step(fixed, moving); err != nil {
			return fmt.Errorf("%d: step %d: %w", id, i, err)
		}
		if logWriter != nil && logEvery > 0 && (i%logEvery == 0 || i == steps-1) {
			fmt.Fprintf(logWriter, "%d: step %d loss %.6g params %s\n", id, i, o.LastLoss(), formatParams(t.Parameters()))
		}
	}
	return nil
}

func formatParams(p []float64) string {
	s := "["
	for i, v := range p {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%.5g", v)
	}
	return s + "]"
}
