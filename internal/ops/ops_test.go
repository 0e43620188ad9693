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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlnoga/mireg/internal/accel"
	"github.com/mlnoga/mireg/internal/loss"
	"github.com/mlnoga/mireg/internal/parzen"
	"github.com/mlnoga/mireg/internal/transform"
)

func testContext(log io.Writer) *Context {
	return &Context{Log: log, MemoryMB: 1024, JobMemoryMB: 700, MaxThreads: 4}
}

func patternJob(id int) *Job {
	job := NewJobDefault()
	job.ID = id
	job.Pattern = &PatternSpec{Width: 32, Pad: 8, Shift: []float64{2, -1}}
	job.Loss = LossSpec{Type: "ssd"}
	job.Optimizer.Type = "oneplusone"
	job.Optimizer.MutationRate = 1.5
	job.Optimizer.Iterations = 200
	job.Optimizer.LogEvery = 50
	return job
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		name   string
		modify func(j *Job, c *Context)
		want   error
	}{
		{"unknown transform", func(j *Job, c *Context) { j.Transform.Type = "spline" }, ErrUnknownType},
		{"unknown optimizer", func(j *Job, c *Context) { j.Optimizer.Type = "adam" }, ErrUnknownType},
		{"unknown gradient", func(j *Job, c *Context) { j.Gradient = "scharr" }, ErrUnknownType},
		{"unknown loss", func(j *Job, c *Context) { j.Loss.Type = "mattes" }, loss.ErrUnknownLoss},
		{"parameter count", func(j *Job, c *Context) { j.Transform.Params = []float64{1, 2, 3} }, transform.ErrParameterCount},
	}
	for _, tc := range tcs {
		j, c := patternJob(0), testContext(io.Discard)
		tc.modify(j, c)
		if err := j.Validate(c); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v; want %v", tc.name, err, tc.want)
		}
	}

	plain := []struct {
		name   string
		modify func(j *Job, c *Context)
	}{
		{"no images", func(j *Job, c *Context) { j.Pattern = nil }},
		{"absolute path", func(j *Job, c *Context) {
			j.Pattern, j.Fixed, j.Moving, c.RestrictPaths = nil, "/etc/a.png", "b.png", true
		}},
		{"parent path", func(j *Job, c *Context) {
			j.Pattern, j.Fixed, j.Moving, c.RestrictPaths = nil, "a.png", "../b.png", true
		}},
		{"accelerator missing", func(j *Job, c *Context) { j.Loss.Type = "mi-accel" }},
		{"negative size", func(j *Job, c *Context) { j.Size = -1 }},
		{"empty pattern", func(j *Job, c *Context) { j.Pattern.Width = 0 }},
		{"negative iterations", func(j *Job, c *Context) { j.Optimizer.Iterations = -1 }},
	}
	for _, tc := range plain {
		j, c := patternJob(0), testContext(io.Discard)
		tc.modify(j, c)
		if err := j.Validate(c); err == nil {
			t.Errorf("%s: got no error", tc.name)
		}
	}

	if err := patternJob(0).Validate(testContext(io.Discard)); err != nil {
		t.Errorf("valid job: %v", err)
	}
}

func TestJobFromJSONKeepsDefaults(t *testing.T) {
	job := NewJobDefault()
	in := `{"id":3, "fixed":"a.png", "moving":"b.png", "transform":{"type":"affine"}, "optimizer":{"type":"gonum-bfgs"}}`
	if err := json.Unmarshal([]byte(in), job); err != nil {
		t.Fatal(err)
	}
	if job.ID != 3 || job.Transform.Type != "affine" || job.Optimizer.Type != "gonum-bfgs" {
		t.Errorf("decoded %+v", job)
	}
	if job.Loss.Type != "mi" || job.Loss.Bins != parzen.DefaultBins || job.Gradient != "simple" {
		t.Errorf("lost defaults: %+v", job)
	}
	// nested structs are decoded field by field
	if job.Optimizer.Iterations != 100 {
		t.Errorf("iterations %d; want 100", job.Optimizer.Iterations)
	}
}

func TestOptimizerTypes(t *testing.T) {
	want := []string{"gd", "gonum-bfgs", "gonum-gd", "gonum-lbfgs", "gonum-neldermead", "oneplusone"}
	got := OptimizerTypes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v; want %v", got, want)
	}
	spec := &OptimizerSpec{LearningRate: 0}
	if _, err := GetOptimizerFactory("gd")(spec); err == nil {
		t.Errorf("zero learning rate accepted")
	}
	spec.MutationRate = -1
	if _, err := GetOptimizerFactory("oneplusone")(spec); err == nil {
		t.Errorf("negative mutation rate accepted")
	}
}

func TestRunJobImprovesLoss(t *testing.T) {
	var buf bytes.Buffer
	res, err := RunJob(patternJob(5), testContext(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != 5 || res.Transform != "shift" || len(res.Parameters) != 2 {
		t.Errorf("result %+v", res)
	}
	if !(res.FinalLoss < res.InitialLoss) {
		t.Errorf("final loss %g not below initial loss %g", res.FinalLoss, res.InitialLoss)
	}
	for _, s := range []string{"5: Generated 48x48", "5: step 50", "5: Final loss"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("log lacks %q:\n%s", s, buf.String())
		}
	}
}

func TestRunJobGonum(t *testing.T) {
	job := patternJob(0)
	job.Transform.Type = "affine"
	job.Optimizer.Type = "gonum-neldermead"
	job.Optimizer.Iterations = 20
	res, err := RunJob(job, testContext(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Parameters) != 6 {
		t.Errorf("%d parameters; want 6", len(res.Parameters))
	}
	if res.FinalLoss > res.InitialLoss {
		t.Errorf("final loss %g above initial loss %g", res.FinalLoss, res.InitialLoss)
	}
}

func TestRunJobOnAccelerator(t *testing.T) {
	dev, sim := accel.NewSimulatedDevice(parzen.NewNative(), 48*48)
	c := testContext(io.Discard)
	c.Accelerator = dev
	job := patternJob(0)
	job.Loss = LossSpec{Type: "mi-accel"}
	job.Optimizer = OptimizerSpec{Type: "gd", Iterations: 3, LearningRate: 0.1, Decay: 1}
	if _, err := RunJob(job, c); err != nil {
		t.Fatal(err)
	}
	// initial score, three steps, final score
	if runs, lastErr := sim.Stats(); runs != 5 || lastErr != nil {
		t.Errorf("%d runs, last error %v; want 5 runs", runs, lastErr)
	}

	sim.Stall = true
	dev.Timeout = 5 * time.Millisecond
	if _, err := RunJob(job, c); !errors.Is(err, accel.ErrAcceleratorTimeout) {
		t.Errorf("got %v; want ErrAcceleratorTimeout", err)
	}
}

func TestRegisterAll(t *testing.T) {
	jobs := []*Job{patternJob(0), patternJob(1), patternJob(2)}
	jobs[1].Pattern = nil
	jobs[1].Fixed, jobs[1].Moving = "does-not-exist.png", "neither.png"
	for _, j := range jobs {
		j.Optimizer.Iterations = 10
	}

	results, err := RegisterAll(jobs, testContext(io.Discard))
	if err == nil {
		t.Errorf("missing file not reported")
	}
	if len(results) != 3 || results[0] == nil || results[1] != nil || results[2] == nil {
		t.Fatalf("results %v", results)
	}
	if results[0].ID != 0 || results[2].ID != 2 {
		t.Errorf("results out of order: %d %d", results[0].ID, results[2].ID)
	}

	jobs[1].Transform.Type = "spline"
	if results, err := RegisterAll(jobs, testContext(io.Discard)); !errors.Is(err, ErrUnknownType) || results != nil {
		t.Errorf("invalid job: got %v %v", results, err)
	}
}

func TestMaterializeAllLimitsConcurrency(t *testing.T) {
	var running, peak int32
	ins := make([]Promise, 12)
	for i := range ins {
		i := i
		ins[i] = func() (*Result, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			if i%5 == 0 {
				return nil, errors.New("odd one out")
			}
			return &Result{ID: i}, nil
		}
	}
	outs, err := MaterializeAll(ins, 3)
	if peak > 3 {
		t.Errorf("peak concurrency %d; want at most 3", peak)
	}
	if err == nil || strings.Count(err.Error(), "odd one out") != 3 {
		t.Errorf("joined error %v; want three failures", err)
	}
	for i, r := range outs {
		if (i%5 == 0) != (r == nil) {
			t.Errorf("result %d: %v", i, r)
		}
	}
}

func TestConcurrency(t *testing.T) {
	c := testContext(io.Discard)
	small := []*Job{patternJob(0), patternJob(1), patternJob(2), patternJob(3), patternJob(4)}
	if n := c.concurrency(small); n != 4 {
		t.Errorf("threads: got %d; want 4", n)
	}
	if n := c.concurrency(small[:2]); n != 2 {
		t.Errorf("jobs: got %d; want 2", n)
	}

	big := NewJobDefault()
	big.Fixed, big.Moving = "a.png", "b.png"
	big.Size = 4096 // 16M pixels at 76 bytes each
	if n := c.concurrency([]*Job{big, big, big}); n != 1 {
		t.Errorf("memory: got %d; want 1", n)
	}

	accelJob := patternJob(0)
	accelJob.Loss.Type = "mi-accel"
	if n := c.concurrency([]*Job{small[0], accelJob}); n != 1 {
		t.Errorf("accelerator: got %d; want 1", n)
	}
}

func TestIsPathAllowed(t *testing.T) {
	tcs := []struct {
		path string
		want bool
	}{
		{"a.png", true},
		{"scans/se0/a.dcm", true},
		{"/etc/passwd", false},
		{"../a.png", false},
		{"scans/../../a.png", false},
	}
	for _, tc := range tcs {
		if got := isPathAllowed(tc.path); got != tc.want {
			t.Errorf("%s: got %v; want %v", tc.path, got, tc.want)
		}
	}
}
