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

package ops

import (
	"fmt"

	"github.com/mlnoga/mireg/internal/optim"
	"gonum.org/v1/gonum/optimize"
)

func init() { SetOptimizerFactory("gd", newGradientDescent) } // register the optimizer by name
func init() { SetOptimizerFactory("oneplusone", newOnePlusOne) }
func init() {
	for _, m := range []string{"gd", "bfgs", "lbfgs", "neldermead"} {
		SetOptimizerFactory("gonum-"+m, newGonum(m))
	}
}

// Iterates a stepwise optimizer a fixed number of times
type stepwise struct {
	spec         *OptimizerSpec
	newOptimizer func(p *Problem) optim.Optimizer
}

func (s *stepwise) Optimize(p *Problem) error {
	o := s.newOptimizer(p)
	return optim.Run(o, p.Transform, p.Fixed, p.Moving, s.spec.Iterations, s.spec.LogEvery, p.Log, p.ID)
}

func newGradientDescent(spec *OptimizerSpec) (Strategy, error) {
	if spec.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid learning rate %g", spec.LearningRate)
	}
	return &stepwise{spec, func(p *Problem) optim.Optimizer {
		return optim.NewGradientDescent(p.Transform, p.Loss, p.Gradients, spec.LearningRate, spec.Decay)
	}}, nil
}

func newOnePlusOne(spec *OptimizerSpec) (Strategy, error) {
	if spec.MutationRate < 0 {
		return nil, fmt.Errorf("invalid mutation rate %g", spec.MutationRate)
	}
	return &stepwise{spec, func(p *Problem) optim.Optimizer {
		return optim.NewOnePlusOne(p.Transform, p.Loss, spec.MutationRate, spec.Seed)
	}}, nil
}

// Hands the whole search to a gonum method, bounded by the iteration count
type gonum struct {
	spec   *OptimizerSpec
	method string
}

func newGonum(method string) OptimizerFactory {
	return func(spec *OptimizerSpec) (Strategy, error) {
		if _, err := optim.Method(method); err != nil {
			return nil, err
		}
		return &gonum{spec, method}, nil
	}
}

func (g *gonum) Optimize(p *Problem) error {
	m, err := optim.Method(g.method)
	if err != nil {
		return err
	}
	settings := &optimize.Settings{MajorIterations: g.spec.Iterations}
	res, err := optim.Minimize(p.Transform, p.Loss, p.Gradients, p.Fixed, p.Moving, settings, m)
	if res != nil && p.Log != nil {
		fmt.Fprintf(p.Log, "%d: %s stopped with status %v after %d iterations and %d evaluations, loss %.6g\n",
			p.ID, g.method, res.Status, res.Stats.MajorIterations, res.Stats.FuncEvaluations, res.F)
	}
	return err
}
