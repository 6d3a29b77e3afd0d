// Package shellworker is the reference Worker implementation: it runs a
// step's function as a shell command using mvdan.cc/sh's pure-Go POSIX
// shell interpreter, so workers can be exercised in tests and in
// single-binary deployments without forking an actual shell.
package shellworker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/opus-domini/tenantmigrator/internal/worker"
)

// Function maps a function name to the shell command template run for it.
// Params are already template-resolved by the orchestrator before Execute
// is called, so command may reference them as plain shell arguments.
type Function struct {
	Name    string
	Command string
	Timeout time.Duration
}

type Worker struct {
	id        string
	functions map[string]Function
}

func New(id string, functions []Function) *Worker {
	fns := make(map[string]Function, len(functions))
	for _, f := range functions {
		fns[f.Name] = f
	}
	return &Worker{id: id, functions: fns}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Execute(ctx context.Context, job worker.Job) (worker.Result, error) {
	fn, ok := w.functions[job.FunctionName]
	if !ok {
		return worker.Result{JobID: job.JobID, Success: false, Error: fmt.Sprintf("shellworker: unknown function %q", job.FunctionName)}, nil
	}

	if fn.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fn.Timeout)
		defer cancel()
	}

	script := fn.Command
	for k, v := range job.Params {
		script = strings.ReplaceAll(script, "$"+k, shellQuote(v))
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return worker.Result{JobID: job.JobID, Success: false, Error: fmt.Sprintf("shellworker: parse: %v", err)}, nil
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(strings.NewReader(""), &stdout, &stderr),
	)
	if err != nil {
		return worker.Result{}, fmt.Errorf("shellworker: new runner: %w", err)
	}

	runErr := runner.Run(ctx, file)
	result := worker.Result{
		JobID:   job.JobID,
		Success: runErr == nil,
		Output: map[string]string{
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		},
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result, nil
}

// Poll re-runs the same function; shellworker has no native long-running
// job concept, so every function is synchronous and poll-check never finds
// anything outstanding for it. Workers backing genuinely async functions
// (ticket systems, external provisioning APIs) implement Poll for real.
func (w *Worker) Poll(ctx context.Context, job worker.Job) (worker.Result, error) {
	return worker.Result{JobID: job.JobID, Success: true}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
