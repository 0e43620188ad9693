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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	nl "github.com/mlnoga/mireg/internal"
	"github.com/mlnoga/mireg/internal/accel"
	"github.com/mlnoga/mireg/internal/ops"
	"github.com/mlnoga/mireg/internal/parzen"
	"github.com/mlnoga/mireg/internal/rest"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var log = flag.String("log", "", "save log output to `file`")

var transformType = flag.String("transform", "shift", "transform type, one of shift, affine, rotateshift")
var params = flag.String("params", "", "comma-separated initial transform parameters, e.g. `1,0,0,1,0,0`. Empty selects the identity")
var alpha = flag.Float64("alpha", 0, "Jacobian scale of diagonal affine and rotation parameters, 0=default")
var beta = flag.Float64("beta", 0, "Jacobian scale of off-diagonal affine parameters, 0=same as alpha")

var lossType = flag.String("loss", "mi", "loss, one of ssd, ncc, mi, mi-native, mi-accel")
var bins = flag.Int("bins", parzen.DefaultBins, "number of histogram bins for the mi loss")
var padded = flag.Bool("padded", false, "pad the mi histogram so the Parzen window does not wrap at the edges")
var gradient = flag.String("grad", "simple", "image gradient provider, one of simple, sobel")

var opt = flag.String("opt", "gd", "optimizer, one of gd, oneplusone, gonum-gd, gonum-bfgs, gonum-lbfgs, gonum-neldermead")
var lr = flag.Float64("lr", 1, "learning rate for gradient descent")
var decay = flag.Float64("decay", 1, "factor applied to the learning rate after each step, 1=constant")
var mutation = flag.Float64("mutation", 1, "standard deviation of the (1+1) mutation")
var seed = flag.Uint64("seed", 1, "random seed for the (1+1) mutation")
var iter = flag.Int("iter", 100, "number of iterations")
var logEvery = flag.Int("logEvery", 10, "log loss and parameters every n iterations, 0=never")

var size = flag.Int("size", 0, "resize inputs to size x size pixels, 0=keep")
var threads = flag.Int("threads", runtime.GOMAXPROCS(0), "maximum number of concurrent registrations in a batch")

var accelMode = flag.String("accel", "", "accelerator for mi-accel: empty=none, sim=simulator, uio=hardware")
var uio = flag.String("uio", "/dev/uio0", "UIO device of the accelerator register file")
var udmabuf = flag.String("udmabuf", "udmabuf0,udmabuf1,udmabuf2", "comma-separated udmabuf names for the fixed, moving and result buffers")
var timeout = flag.Duration("timeout", 0, "fail if the accelerator does not complete within this time, 0=wait forever")

var demoWidth = flag.Int("demoWidth", 64, "demo: width of the elliptic paraboloid pattern")
var demoPad = flag.Int("demoPad", 16, "demo: zero padding around the pattern")
var demoShift = flag.String("demoShift", "3,-2", "demo: comma-separated dx,dy shift of the moving image")
var demoNoise = flag.Int("demoNoise", 0, "demo: amplitude of noise added to the moving image")

var addr = flag.String("addr", ":8080", "serve: listen address")
var chroot = flag.String("chroot", "", "serve: change filesystem root to this directory before serving")
var setuid = flag.Int("setuid", -1, "serve: change user id before serving, -1=keep")

// Capacity of simulated accelerator input buffers in pixels
const simPixels = 2048 * 2048

func main() {
	logWriter := nl.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `mireg Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (register|demo|batch|serve|legal|version) (args)

Commands:
  register Register a moving image onto a fixed image: register fixed.png moving.png
  demo     Register a shifted copy of a synthetic pattern onto the original
  batch    Run all jobs from a JSON file: batch jobs.json
  serve    Serve the REST API
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log != "" {
		if err := nl.LogAlsoToFile(*log); err != nil {
			nl.LogFatalf("Unable to open logfile '%s': %s\n", *log, err)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "register":
		err = cmdRegister(args[1:], logWriter)

	case "demo":
		err = cmdDemo(logWriter)

	case "batch":
		err = cmdBatch(args[1:], logWriter)

	case "serve":
		err = cmdServe(logWriter)

	case "legal":
		nl.LogPrint(legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))
	if err != nil {
		pprof.StopCPUProfile()
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogSync()
}

// Parses a comma-separated list of floats. Empty yields nil
func parseFloats(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	fs := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number '%s' in '%s'", p, s)
		}
		fs[i] = f
	}
	return fs, nil
}

// Builds a job from the command line flags
func jobFromFlags() (*ops.Job, error) {
	p, err := parseFloats(*params)
	if err != nil {
		return nil, err
	}
	job := ops.NewJobDefault()
	job.Size = *size
	job.Transform = ops.TransformSpec{Type: *transformType, Params: p, Alpha: *alpha, Beta: *beta}
	job.Loss = ops.LossSpec{Type: *lossType, Bins: *bins, Padded: *padded}
	job.Gradient = *gradient
	job.Optimizer = ops.OptimizerSpec{
		Type:         *opt,
		Iterations:   *iter,
		LogEvery:     *logEvery,
		LearningRate: *lr,
		Decay:        *decay,
		MutationRate: *mutation,
		Seed:         *seed,
	}
	return job, nil
}

// Creates the execution context, opening the accelerator if selected
func newContext(logWriter io.Writer) (*ops.Context, error) {
	c := ops.NewContext(logWriter)
	c.MaxThreads = *threads
	switch *accelMode {
	case "":
	case "sim":
		dev, _ := accel.NewSimulatedDevice(parzen.NewBackend(), simPixels)
		c.Accelerator = dev
	case "uio":
		names := strings.Split(*udmabuf, ",")
		if len(names) != 3 {
			return nil, fmt.Errorf("need three udmabuf names, got '%s'", *udmabuf)
		}
		dev, err := accel.OpenDevice(*uio, names[0], names[1], names[2])
		if err != nil {
			return nil, err
		}
		c.Accelerator = dev
	default:
		return nil, fmt.Errorf("unknown accelerator mode '%s'", *accelMode)
	}
	if c.Accelerator != nil {
		c.Accelerator.Timeout = *timeout
		fmt.Fprintf(logWriter, "Using %s accelerator\n", *accelMode)
	}
	fmt.Fprintf(logWriter, "Using %d threads and %d MB of %d MB physical memory\n", c.MaxThreads, c.JobMemoryMB, c.MemoryMB)
	return c, nil
}

func printJSON(logWriter io.Writer, prefix string, v interface{}) error {
	m, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s\n", prefix, string(m))
	return nil
}

func runSingle(job *ops.Job, logWriter io.Writer) error {
	c, err := newContext(logWriter)
	if err != nil {
		return err
	}
	if err := printJSON(logWriter, "\nRegistering with these settings:\n", job); err != nil {
		return err
	}
	res, err := ops.RunJob(job, c)
	if err != nil {
		return err
	}
	return printJSON(logWriter, "\nResult:\n", res)
}

// Registers a moving image onto a fixed image
func cmdRegister(args []string, logWriter io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("register needs exactly two images, fixed and moving, got %d", len(args))
	}
	job, err := jobFromFlags()
	if err != nil {
		return err
	}
	job.Fixed, job.Moving = args[0], args[1]
	return runSingle(job, logWriter)
}

// Registers a shifted synthetic pattern onto the original
func cmdDemo(logWriter io.Writer) error {
	shift, err := parseFloats(*demoShift)
	if err != nil {
		return err
	}
	job, err := jobFromFlags()
	if err != nil {
		return err
	}
	job.Pattern = &ops.PatternSpec{Width: *demoWidth, Pad: *demoPad, Shift: shift, Noise: *demoNoise, Seed: uint32(*seed)}
	return runSingle(job, logWriter)
}

// Runs all jobs from a JSON file holding an array of jobs. Unset job fields
// take their values from the command line flags.
func cmdBatch(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("batch needs exactly one job file, got %d", len(args))
	}
	bs, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(bs, &raws); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	jobs := make([]*ops.Job, len(raws))
	for i, raw := range raws {
		if jobs[i], err = jobFromFlags(); err != nil {
			return err
		}
		jobs[i].ID = i
		if err := json.Unmarshal(raw, jobs[i]); err != nil {
			return fmt.Errorf("parsing job %d of %s: %w", i, args[0], err)
		}
	}

	c, err := newContext(logWriter)
	if err != nil {
		return err
	}
	results, err := ops.RegisterAll(jobs, c)
	if perr := printJSON(logWriter, "\nResults:\n", results); perr != nil && err == nil {
		err = perr
	}
	return err
}

func cmdServe(logWriter io.Writer) error {
	c, err := newContext(logWriter)
	if err != nil {
		return err
	}
	if err := rest.MakeSandbox(*chroot, *setuid, logWriter); err != nil {
		return err
	}
	return rest.Serve(*addr, c)
}
