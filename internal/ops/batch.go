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
)

// Pixel count assumed for file-based jobs which do not resize
const defaultPixels = 1024 * 1024

// Bytes per pixel held during one run: fixed, moving, moved and two gradient
// images in float32, float64 loss gradient, and a six column float64 Jacobian
const bytesPerPixel = 5*4 + 8 + 6*8

// Estimated peak memory of a job in MB
func (job *Job) memoryMB() int {
	pixels := defaultPixels
	if job.Size > 0 {
		pixels = job.Size * job.Size
	} else if job.Pattern != nil {
		side := job.Pattern.Width + 2*job.Pattern.Pad
		pixels = side * side
	}
	return pixels*bytesPerPixel/(1024*1024) + 1
}

// Number of jobs to run concurrently, limited by threads and by memory.
// Jobs sharing the accelerator run one at a time.
func (c *Context) concurrency(jobs []*Job) int {
	n := c.MaxThreads
	if n > len(jobs) {
		n = len(jobs)
	}
	maxMB := 0
	for _, job := range jobs {
		if job.Loss.Type == "mi-accel" {
			return 1
		}
		if mb := job.memoryMB(); mb > maxMB {
			maxMB = mb
		}
	}
	if c.JobMemoryMB > 0 && maxMB > 0 {
		if byMem := c.JobMemoryMB / maxMB; byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Runs all jobs, concurrently where threads and memory allow. Validates all
// jobs before running any. Returns results in job order, nil for failed jobs,
// and the joined errors of all failures.
func RegisterAll(jobs []*Job, c *Context) ([]*Result, error) {
	for _, job := range jobs {
		if err := job.Validate(c); err != nil {
			return nil, err
		}
	}
	n := c.concurrency(jobs)
	if c.Log != nil {
		fmt.Fprintf(c.Log, "Running %d jobs with %d threads, %d MB memory budget\n", len(jobs), n, c.JobMemoryMB)
	}
	promises := make([]Promise, len(jobs))
	for i, job := range jobs {
		job := job
		promises[i] = func() (*Result, error) { return RunJob(job, c) }
	}
	return MaterializeAll(promises, n)
}
