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
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/loss"
	"github.com/mlnoga/mireg/internal/raster"
	"github.com/mlnoga/mireg/internal/transform"
	"gonum.org/v1/gonum/optimize"
)

// Returns the gonum method of the given name, one of "gd", "bfgs", "lbfgs" or "neldermead"
func Method(name string) (optimize.Method, error) {
	switch name {
	case "gd":
		return &optimize.GradientDescent{}, nil
	case "bfgs":
		return &optimize.BFGS{}, nil
	case "lbfgs":
		return &optimize.LBFGS{}, nil
	case "neldermead":
		return &optimize.NelderMead{}, nil
	}
	return nil, fmt.Errorf("unknown optimization method '%s'", name)
}

// Wraps termination errors of the gonum method itself, as opposed to errors
// from the transform or loss. The parameters found so far are still written back.
var ErrNotConverged = errors.New("optimizer did not converge")

// Minimizes the loss over the transform parameters with a gonum optimization
// method, starting from the current parameters. The best parameters found are
// written back into the transform. Errors from the transform or loss abort the
// search and are returned.
func Minimize(t transform.Transform, l loss.Loss, gp grad.Provider, fixed, moving *raster.Image,
	settings *optimize.Settings, method optimize.Method) (*optimize.Result, error) {
	var firstErr error
	fail := func(err error) float64 {
		if firstErr == nil {
			firstErr = err
		}
		return math.Inf(1)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if err := t.SetParameters(x); err != nil {
				return fail(err)
			}
			moved, err := t.Apply(moving)
			if err != nil {
				return fail(err)
			}
			s, err := l.Score(fixed, moved)
			if err != nil {
				return fail(err)
			}
			return s
		},
		Grad: func(g, x []float64) {
			if err := t.SetParameters(x); err != nil {
				fail(err)
				return
			}
			moved, jac, err := t.ApplyWithGradient(moving, gp)
			if err != nil {
				fail(err)
				return
			}
			lg, err := l.Gradient(fixed, moved)
			if err != nil {
				fail(err)
				return
			}
			pg, err := ParameterGradient(jac, lg)
			if err != nil {
				fail(err)
				return
			}
			copy(g, pg)
		},
		Status: func() (optimize.Status, error) {
			if firstErr != nil {
				return optimize.Failure, firstErr
			}
			return optimize.NotTerminated, nil
		},
	}

	x0 := t.Parameters()
	res, err := optimize.Minimize(problem, x0, settings, method)
	if firstErr != nil {
		return res, errors.Join(firstErr, t.SetParameters(x0))
	}
	if res != nil {
		if serr := t.SetParameters(res.X); serr != nil {
			return res, serr
		}
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	return res, nil
}
