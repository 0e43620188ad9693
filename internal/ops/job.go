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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mlnoga/mireg/internal/grad"
	"github.com/mlnoga/mireg/internal/loss"
	"github.com/mlnoga/mireg/internal/optim"
	"github.com/mlnoga/mireg/internal/parzen"
	"github.com/mlnoga/mireg/internal/pattern"
	"github.com/mlnoga/mireg/internal/raster"
	"github.com/mlnoga/mireg/internal/transform"
)

// A registration job: which pair to load, and how to register it
type Job struct {
	ID        int           `json:"id"`
	Fixed     string        `json:"fixed"`
	Moving    string        `json:"moving"`
	Size      int           `json:"size"`    // resize both images to size x size pixels if >0
	Pattern   *PatternSpec  `json:"pattern"` // synthetic pair instead of files
	Transform TransformSpec `json:"transform"`
	Loss      LossSpec      `json:"loss"`
	Gradient  string        `json:"gradient"`
	Optimizer OptimizerSpec `json:"optimizer"`
}

// A synthetic pair: an elliptic paraboloid, and a shifted noisy copy of it
type PatternSpec struct {
	Width int       `json:"width"`
	Pad   int       `json:"pad"`
	Shift []float64 `json:"shift"` // dx, dy applied to obtain the moving image
	Noise int       `json:"noise"` // amplitude of uniform noise added to the moving image
	Seed  uint32    `json:"seed"`
}

type TransformSpec struct {
	Type   string    `json:"type"`
	Params []float64 `json:"params"` // initial parameters, identity if empty
	Alpha  float64   `json:"alpha"`
	Beta   float64   `json:"beta"`
}

type LossSpec struct {
	Type   string `json:"type"`
	Bins   int    `json:"bins"`
	Padded bool   `json:"padded"`
}

type OptimizerSpec struct {
	Type         string  `json:"type"`
	Iterations   int     `json:"iterations"`
	LogEvery     int     `json:"logEvery"`
	LearningRate float64 `json:"learningRate"`
	Decay        float64 `json:"decay"`
	MutationRate float64 `json:"mutationRate"`
	Seed         uint64  `json:"seed"`
}

func NewJobDefault() *Job {
	return &Job{
		Transform: TransformSpec{Type: "shift"},
		Loss:      LossSpec{Type: "mi", Bins: parzen.DefaultBins},
		Gradient:  "simple",
		Optimizer: OptimizerSpec{
			Type:         "gd",
			Iterations:   100,
			LogEvery:     10,
			LearningRate: 1,
			Decay:        1,
			MutationRate: 1,
			Seed:         1,
		},
	}
}

// The outcome of a registration job
type Result struct {
	ID          int           `json:"id"`
	Transform   string        `json:"transform"`
	Parameters  []float64     `json:"parameters"`
	InitialLoss float64       `json:"initialLoss"`
	FinalLoss   float64       `json:"finalLoss"`
	Elapsed     time.Duration `json:"elapsed"`
	Warning     string        `json:"warning,omitempty"`
}

// Everything a strategy needs to optimize one pair
type Problem struct {
	ID        int
	Fixed     *raster.Image
	Moving    *raster.Image
	Transform transform.Transform
	Loss      loss.Loss
	Gradients grad.Provider
	Log       io.Writer
}

// Optimizes the transform parameters of a problem in place
type Strategy interface {
	Optimize(p *Problem) error
}

// Checks the job configuration without loading any images
func (job *Job) Validate(c *Context) error {
	if job.Pattern == nil {
		if job.Fixed == "" || job.Moving == "" {
			return fmt.Errorf("job %d: need a fixed and a moving image, or a pattern", job.ID)
		}
		if c.RestrictPaths && (!isPathAllowed(job.Fixed) || !isPathAllowed(job.Moving)) {
			return fmt.Errorf("job %d: filename outside current directory tree", job.ID)
		}
	} else if job.Pattern.Width <= 0 || job.Pattern.Pad < 0 {
		return fmt.Errorf("job %d: invalid pattern size %d pad %d", job.ID, job.Pattern.Width, job.Pattern.Pad)
	}
	if job.Size < 0 {
		return fmt.Errorf("job %d: invalid size %d", job.ID, job.Size)
	}
	switch job.Transform.Type {
	case "shift", "affine", "rotateshift":
	default:
		return fmt.Errorf("job %d: %w: transform '%s'", job.ID, ErrUnknownType, job.Transform.Type)
	}
	if _, err := transform.New(job.Transform.Type, job.Transform.Params, job.Transform.Alpha, job.Transform.Beta); err != nil {
		return fmt.Errorf("job %d: %w", job.ID, err)
	}
	if _, err := grad.ByName(job.Gradient); err != nil {
		return fmt.Errorf("job %d: %w: %v", job.ID, ErrUnknownType, err)
	}
	if f := GetOptimizerFactory(job.Optimizer.Type); f == nil {
		return fmt.Errorf("job %d: %w: optimizer '%s'", job.ID, ErrUnknownType, job.Optimizer.Type)
	}
	if job.Optimizer.Iterations < 0 {
		return fmt.Errorf("job %d: invalid iteration count %d", job.ID, job.Optimizer.Iterations)
	}
	switch job.Loss.Type {
	case "ssd", "ncc", "mi", "mi-native":
	case "mi-accel":
		if c.Accelerator == nil {
			return fmt.Errorf("job %d: loss %s needs an accelerator", job.ID, job.Loss.Type)
		}
	default:
		return fmt.Errorf("job %d: %w '%s'", job.ID, loss.ErrUnknownLoss, job.Loss.Type)
	}
	return nil
}

// Loads or generates the fixed and moving image of a job
func (job *Job) load(c *Context) (fixed, moving *raster.Image, err error) {
	if job.Pattern != nil {
		p := job.Pattern
		fixed = pattern.EllipticParaboloid(p.Width, p.Pad)
		fixed.ID = 0
		dx, dy := 0.0, 0.0
		if len(p.Shift) > 0 {
			dx = p.Shift[0]
		}
		if len(p.Shift) > 1 {
			dy = p.Shift[1]
		}
		moving, err = transform.NewShift(dx, dy).Apply(fixed)
		if err != nil {
			return nil, nil, err
		}
		moving.ID = 1
		pattern.Noise(moving, p.Noise, p.Seed)
		if job.Size > 0 {
			fixed, moving = fixed.Resize(job.Size, job.Size), moving.Resize(job.Size, job.Size)
		}
		fmt.Fprintf(c.Log, "%d: Generated %s pixel pattern pair, shift %v noise %d\n",
			job.ID, fixed.DimensionsToString(), p.Shift, p.Noise)
		return fixed, moving, nil
	}

	fixed, moving, err = raster.ReadPair(job.Fixed, job.Moving, job.Size)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(c.Log, "%d: Loaded %s pixel pair from %s and %s\n", job.ID, fixed.DimensionsToString(), job.Fixed, job.Moving)
	return fixed, moving, nil
}

// Runs a single registration job
func RunJob(job *Job, c *Context) (*Result, error) {
	if c.Log == nil {
		quiet := *c
		quiet.Log = io.Discard
		c = &quiet
	}
	if err := job.Validate(c); err != nil {
		return nil, err
	}
	start := time.Now()

	fixed, moving, err := job.load(c)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, err)
	}
	t, err := transform.New(job.Transform.Type, job.Transform.Params, job.Transform.Alpha, job.Transform.Beta)
	if err != nil {
		return nil, err
	}
	l, err := loss.New(job.Loss.Type, job.Loss.Bins, job.Loss.Padded, c.Accelerator)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, err)
	}
	gp, err := grad.ByName(job.Gradient)
	if err != nil {
		return nil, err
	}
	cache := grad.NewCache(gp)
	strategy, err := GetOptimizerFactory(job.Optimizer.Type)(&job.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, err)
	}

	initial, err := score(t, l, fixed, moving)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, err)
	}
	fmt.Fprintf(c.Log, "%d: Registering with %s transform, %s loss, %s optimizer; initial loss %.6g\n",
		job.ID, t.Name(), l.Name(), job.Optimizer.Type, initial)

	res := &Result{ID: job.ID, Transform: t.Name(), InitialLoss: initial}
	err = strategy.Optimize(&Problem{
		ID:        job.ID,
		Fixed:     fixed,
		Moving:    moving,
		Transform: t,
		Loss:      l,
		Gradients: cache,
		Log:       c.Log,
	})
	if err != nil {
		if !errors.Is(err, optim.ErrNotConverged) {
			return nil, fmt.Errorf("job %d: %w", job.ID, err)
		}
		res.Warning = err.Error()
		fmt.Fprintf(c.Log, "%d: WARNING %s\n", job.ID, res.Warning)
	}

	res.Parameters = t.Parameters()
	if res.FinalLoss, err = score(t, l, fixed, moving); err != nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, err)
	}
	res.Elapsed = time.Since(start)
	hits, misses := cache.Stats()
	fmt.Fprintf(c.Log, "%d: Final loss %.6g parameters %v in %v (gradient cache %d hits %d misses)\n",
		job.ID, res.FinalLoss, res.Parameters, res.Elapsed, hits, misses)
	return res, nil
}

func score(t transform.Transform, l loss.Loss, fixed, moving *raster.Image) (float64, error) {
	moved, err := t.Apply(moving)
	if err != nil {
		return 0, err
	}
	return l.Score(fixed, moved)
}
