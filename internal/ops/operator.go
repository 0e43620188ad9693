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

// Package ops turns registration jobs into results, alone or in batches.
package ops

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mlnoga/mireg/internal/accel"
	"github.com/pbnjay/memory"
)

// An execution context for registration jobs
type Context struct {
	Log         io.Writer
	MemoryMB    int // memory.TotalMemory()/1024/1024
	JobMemoryMB int // MemoryMB*7/10, shared by concurrently running jobs
	MaxThreads  int
	Accelerator *accel.Device // optional, needed by the mi-accel loss

	// Only accept relative file names inside the current directory tree
	RestrictPaths bool
}

func NewContext(log io.Writer) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	return &Context{
		Log:         log,
		MemoryMB:    memoryMB,
		JobMemoryMB: memoryMB * 7 / 10,
		MaxThreads:  runtime.GOMAXPROCS(0),
	}
}

// A promise for a registration result. Returns the result, or an error
type Promise func() (r *Result, err error)

// Materializes all promises with given concurrency limit. Results of failed
// promises are nil; all errors are joined.
func MaterializeAll(ins []Promise, maxThreads int) (outs []*Result, err error) {
	if len(ins) == 0 {
		return nil, nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	outs = make([]*Result, len(ins))
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, len(ins))
	for i, in := range ins {
		limiter <- true
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			r, err := theIn() // materialize the promise
			outs[i] = r
			errs <- err
		}(i, in)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var all []error
	for i := 0; i < len(ins); i++ { // collect errors
		if e := <-errs; e != nil {
			all = append(all, e)
		}
	}
	return outs, errors.Join(all...)
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func isPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false // relative paths only
	}
	if strings.Contains(p, "..") {
		return false // no going outside the tree
	}
	return true
}

var ErrUnknownType = errors.New("unknown type")

// Factory method for optimization strategies, configured from a job
type OptimizerFactory func(spec *OptimizerSpec) (Strategy, error)

// Mapping from optimizer type strings to factory method for the type
var optimizerFactories = map[string]OptimizerFactory{}

// Returns the optimizer factory for a given type string
func GetOptimizerFactory(t string) OptimizerFactory {
	return optimizerFactories[t]
}

// Registers a factory for a given optimizer type string
func SetOptimizerFactory(t string, f OptimizerFactory) {
	if GetOptimizerFactory(t) != nil {
		panic(fmt.Sprintf("error: re-registering optimizer key %s\n", t))
	}
	optimizerFactories[t] = f
}

// Returns the registered optimizer type strings in sorted order
func OptimizerTypes() []string {
	ts := make([]string, 0, len(optimizerFactories))
	for t := range optimizerFactories {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}
