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

// Package rest exposes registration jobs over HTTP.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/mireg/internal/ops"
)

type server struct {
	base  *ops.Context
	accel sync.Mutex // one request at a time on the shared accelerator
}

// Creates the router. Jobs run in a copy of the given context, restricted to
// relative paths, and log into the response.
func NewRouter(base *ops.Context) *gin.Engine {
	s := &server{base: base}
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/optimizers", getOptimizers)
			v1.POST("/register", s.postRegister)
			v1.POST("/batch", s.postBatch)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func Serve(addr string, base *ops.Context) error {
	return NewRouter(base).Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func getOptimizers(c *gin.Context) {
	c.JSON(200, gin.H{
		"optimizers": ops.OptimizerTypes(),
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Serializes writes from concurrent jobs, flushing after each one
type syncWriter struct {
	mutex sync.Mutex
	w     gin.ResponseWriter
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n, err := s.w.Write(p)
	s.w.Flush()
	return n, err
}

// Locks the accelerator if any job needs it. Returns the unlock function.
func (s *server) lock(jobs []*ops.Job) func() {
	for _, job := range jobs {
		if job.Loss.Type == "mi-accel" {
			s.accel.Lock()
			return s.accel.Unlock
		}
	}
	return func() {}
}

// Validates the jobs and starts a plain text response streaming the log.
// Returns nil after responding with bad request.
func (s *server) start(c *gin.Context, jobs []*ops.Job) *ops.Context {
	ctx := *s.base
	ctx.RestrictPaths = true
	for _, job := range jobs {
		if err := job.Validate(&ctx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil
		}
	}

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)
	ctx.Log = &syncWriter{w: logWriter}
	return &ctx
}

func (s *server) postRegister(c *gin.Context) {
	job := ops.NewJobDefault()
	if err := c.ShouldBindJSON(job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := s.start(c, []*ops.Job{job})
	if ctx == nil {
		return
	}

	if err := printArgs(ctx.Log, "Arguments:\n", "\n", job); err != nil {
		fmt.Fprintf(ctx.Log, "Error printing arguments: %s\n", err.Error())
		return
	}
	defer s.lock([]*ops.Job{job})()
	res, err := ops.RunJob(job, ctx)
	if err != nil {
		fmt.Fprintf(ctx.Log, "error: %s\n", err.Error())
		return
	}
	printArgs(ctx.Log, "Result:\n", "\n", res)
}

type postBatchArgs struct {
	Jobs []json.RawMessage `json:"jobs"`
}

func (s *server) postBatch(c *gin.Context) {
	var args postBatchArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobs := make([]*ops.Job, len(args.Jobs))
	for i, raw := range args.Jobs {
		jobs[i] = ops.NewJobDefault()
		jobs[i].ID = i
		if err := json.Unmarshal(raw, jobs[i]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("job %d: %s", i, err.Error())})
			return
		}
	}
	if len(jobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no jobs"})
		return
	}
	ctx := s.start(c, jobs)
	if ctx == nil {
		return
	}

	defer s.lock(jobs)()
	results, err := ops.RegisterAll(jobs, ctx)
	if err != nil {
		fmt.Fprintf(ctx.Log, "error: %s\n", err.Error())
	}
	printArgs(ctx.Log, "Results:\n", "\n", results)
}
