package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/config"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/scheduler"
	"github.com/opus-domini/tenantmigrator/internal/store"
	"github.com/opus-domini/tenantmigrator/internal/worker"
)

var (
	serveFn          = serve
	loadConfigFn     = config.Load
	currentVersionFn = currentVersion
)

// buildVersion is injected by release workflows via -ldflags.
var buildVersion = "dev"

const (
	cmdHelp       = "help"
	flagHelpShort = "-h"
	flagHelpLong  = "--help"
)

type commandContext struct {
	stdout io.Writer
	stderr io.Writer
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	ctx := commandContext{stdout: stdout, stderr: stderr}

	if len(args) == 0 {
		return serveFn()
	}

	switch args[0] {
	case "-v", "--version", "version":
		writef(stdout, "migrator version %s\n", currentVersionFn())
		return 0
	case "serve":
		return runServeCommand(ctx, args[1:])
	case "batch":
		return runBatchCommand(ctx, args[1:])
	case "validate":
		return runValidateCommand(ctx, args[1:])
	case "run-local":
		return runLocalCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printRootHelp(stdout)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServeCommand(ctx, args)
		}
		writef(stderr, "unknown command: %s\n\n", args[0])
		printRootHelp(stderr)
		return 2
	}
}

func currentVersion() string {
	if buildVersion != "dev" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return buildVersion
}

func runServeCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		printServeHelp(ctx.stdout)
		return 0
	}
	if fs.NArg() > 0 {
		writef(ctx.stderr, "unexpected argument(s): %s\n", strings.Join(fs.Args(), " "))
		printServeHelp(ctx.stderr)
		return 2
	}
	return serveFn()
}

// runBatchCommand handles the manual-batch advancement protocol: `batch
// advance <id>` pushes a manual batch through its init sequence and then one
// phase at a time, `batch cancel <id>` cancels all outstanding work and
// fails the batch. Both operate directly on the store the serve process
// uses; the serve process's orchestrator consumes the published control
// events.
func runBatchCommand(ctx commandContext, args []string) int {
	if len(args) == 0 {
		printBatchHelp(ctx.stderr)
		return 2
	}
	switch args[0] {
	case "advance":
		return runBatchAdvanceCommand(ctx, args[1:])
	case "cancel":
		return runBatchCancelCommand(ctx, args[1:])
	case cmdHelp, flagHelpShort, flagHelpLong:
		printBatchHelp(ctx.stdout)
		return 0
	default:
		writef(ctx.stderr, "unknown batch command: %s\n\n", args[0])
		printBatchHelp(ctx.stderr)
		return 2
	}
}

func runBatchAdvanceCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("batch advance", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help || fs.NArg() != 1 {
		printBatchHelp(ctx.stdout)
		if *help {
			return 0
		}
		return 2
	}
	var batchID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &batchID); err != nil {
		writef(ctx.stderr, "invalid batch id %q\n", fs.Arg(0))
		return 2
	}

	svc, cleanup, code := openSchedulerService(ctx)
	if code != 0 {
		return code
	}
	defer cleanup()

	if err := svc.Advance(context.Background(), batchID); err != nil {
		writef(ctx.stderr, "advance failed: %v\n", err)
		return 1
	}
	writef(ctx.stdout, "batch %d advanced\n", batchID)
	return 0
}

func runBatchCancelCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("batch cancel", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help || fs.NArg() != 1 {
		printBatchHelp(ctx.stdout)
		if *help {
			return 0
		}
		return 2
	}
	var batchID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &batchID); err != nil {
		writef(ctx.stderr, "invalid batch id %q\n", fs.Arg(0))
		return 2
	}

	svc, cleanup, code := openSchedulerService(ctx)
	if code != 0 {
		return code
	}
	defer cleanup()

	if err := svc.Cancel(context.Background(), batchID); err != nil {
		writef(ctx.stderr, "cancel failed: %v\n", err)
		return 1
	}
	writef(ctx.stdout, "batch %d cancelled\n", batchID)
	return 0
}

// openSchedulerService opens the store the serve process owns and builds a
// one-shot scheduler service around it for manual batch commands. The lease
// is not acquired: Advance and Cancel are operator actions against specific
// rows, not tick work.
func openSchedulerService(ctx commandContext) (*scheduler.Service, func(), int) {
	cfg := loadConfigFn()
	initLogger(cfg.LogLevel)

	st, err := store.New(filepath.Join(cfg.DataDir, "tenantmigrator.db"))
	if err != nil {
		writef(ctx.stderr, "store init failed: %v\n", err)
		return nil, nil, 1
	}
	svc := scheduler.New(st, newBus(st), defaultLogger(), scheduler.Options{
		DefaultMaxRetries:       cfg.DefaultMaxRetries,
		DefaultRetryIntervalSec: cfg.DefaultRetryIntervalSec,
	})
	return svc, func() { _ = st.Close() }, 0
}

func runValidateCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help || fs.NArg() != 1 {
		printValidateHelp(ctx.stdout)
		if *help {
			return 0
		}
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		writef(ctx.stderr, "read runbook: %v\n", err)
		return 1
	}
	def, err := runbookdef.Parse(raw)
	if err != nil {
		writef(ctx.stderr, "parse error: %v\n", err)
		return 1
	}
	if errs := runbookdef.Validate(def); len(errs) > 0 {
		for _, e := range errs {
			writef(ctx.stderr, "validation error: %v\n", e)
		}
		return 1
	}
	writef(ctx.stdout, "runbook %q is valid: %d init step(s), %d phase(s)\n", def.Name, len(def.Init), len(def.Phases))
	return 0
}

// runLocalCommand dry-runs a runbook against a single synthetic member
// without a store or a scheduler: every init step and phase step is
// template-resolved and executed in order through the local shell workers,
// results printed as they land. Useful for exercising a runbook's templates
// and worker functions before activating it for real.
func runLocalCommand(ctx commandContext, args []string) int {
	fs := flag.NewFlagSet("run-local", flag.ContinueOnError)
	fs.SetOutput(ctx.stderr)
	memberJSON := fs.String("member", "{}", "member attributes as a JSON object for template resolution")
	help := fs.Bool("help", false, "show help")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help || fs.NArg() != 1 {
		printRunLocalHelp(ctx.stdout)
		if *help {
			return 0
		}
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		writef(ctx.stderr, "read runbook: %v\n", err)
		return 1
	}
	def, err := runbookdef.Parse(raw)
	if err != nil {
		writef(ctx.stderr, "parse error: %v\n", err)
		return 1
	}
	if errs := runbookdef.Validate(def); len(errs) > 0 {
		for _, e := range errs {
			writef(ctx.stderr, "validation error: %v\n", e)
		}
		return 1
	}

	var memberData map[string]any
	if err := json.Unmarshal([]byte(*memberJSON), &memberData); err != nil {
		writef(ctx.stderr, "invalid -member JSON: %v\n", err)
		return 1
	}

	registry := newWorkerRegistry()
	now := time.Now().UTC()
	const dryRunBatchID = 0

	runStep := func(label string, resolved runbookdef.ResolvedStep) bool {
		w, ok := registry.Lookup(resolved.WorkerID)
		if !ok {
			writef(ctx.stderr, "%s %s: worker %q not registered\n", label, resolved.StepName, resolved.WorkerID)
			return false
		}
		var params map[string]string
		_ = json.Unmarshal([]byte(resolved.ParamsJSON), &params)
		res, err := w.Execute(context.Background(), worker.Job{
			JobID:        fmt.Sprintf("local-%s-%d", resolved.StepName, now.Unix()),
			WorkerID:     resolved.WorkerID,
			FunctionName: resolved.FunctionName,
			Params:       params,
		})
		if err != nil {
			writef(ctx.stderr, "%s %s: %v\n", label, resolved.StepName, err)
			return false
		}
		if !res.Success {
			writef(ctx.stderr, "%s %s failed: %s\n", label, resolved.StepName, res.Error)
			return false
		}
		writef(ctx.stdout, "%s %s ok\n", label, resolved.StepName)
		return true
	}

	for idx, stepDef := range def.Init {
		resolved := runbookdef.ExpandInitStep(stepDef, idx, dryRunBatchID, &now)
		if !runStep("init", resolved) {
			return 1
		}
	}
	for _, ph := range def.Phases {
		for idx, stepDef := range ph.Steps {
			resolved, err := runbookdef.ExpandStep(stepDef, idx, memberData, dryRunBatchID, &now)
			if err != nil {
				writef(ctx.stderr, "phase %s step %s: %v\n", ph.Name, stepDef.Name, err)
				return 1
			}
			if !runStep("phase "+ph.Name, resolved) {
				return 1
			}
		}
	}
	writeln(ctx.stdout, "run-local complete")
	return 0
}

func printRootHelp(w io.Writer) {
	writeln(w, "migrator - tenant migration runbook engine")
	writeln(w)
	writeln(w, "usage: migrator [command]")
	writeln(w)
	writeln(w, "commands:")
	writeln(w, "  serve              run the scheduler and orchestrator (default)")
	writeln(w, "  batch advance <id> advance a manual batch one step")
	writeln(w, "  batch cancel <id>  cancel a batch and all outstanding work")
	writeln(w, "  validate <file>    parse and validate a runbook YAML file")
	writeln(w, "  run-local <file>   dry-run a runbook against local shell workers")
	writeln(w, "  version            print version")
	writeln(w, "  help               show this help")
}

func printServeHelp(w io.Writer) {
	writeln(w, "usage: migrator serve")
	writeln(w)
	writeln(w, "Runs the scheduler tick loop, the orchestrator, and the telemetry")
	writeln(w, "collector until interrupted.")
}

func printBatchHelp(w io.Writer) {
	writeln(w, "usage: migrator batch advance <batch-id>")
	writeln(w, "       migrator batch cancel <batch-id>")
}

func printValidateHelp(w io.Writer) {
	writeln(w, "usage: migrator validate <runbook.yaml>")
}

func printRunLocalHelp(w io.Writer) {
	writeln(w, "usage: migrator run-local [-member '{\"user_id\":\"u1\"}'] <runbook.yaml>")
}
