package runbookdef

import (
	"encoding/json"
	"time"
)

// ResolvedStep is a step definition with its params template-resolved
// against a specific member (or, for init steps, against batch identity
// alone) and its poll/on_failure fields normalized to their defaults.
type ResolvedStep struct {
	StepName        string
	StepIndex       int
	WorkerID        string
	FunctionName    string
	ParamsJSON      string
	OnFailure       string
	IsPollStep      bool
	PollIntervalSec int
	PollTimeoutSec  int
}

// ExpandStep resolves a phase step's params against a single member's data.
// A TemplateResolutionError here is fatal for this member's step per the
// per-member template contract; the caller decides how to record it.
func ExpandStep(def StepDef, index int, memberData map[string]any, batchID int64, batchStartTime *time.Time) (ResolvedStep, error) {
	params := make(map[string]string, len(def.Params))
	for k, tpl := range def.Params {
		resolved, err := TemplateResolve(tpl, memberData, batchID, batchStartTime)
		if err != nil {
			return ResolvedStep{}, err
		}
		params[k] = resolved
	}
	return resolvedStep(def, index, params), nil
}

// ExpandInitStep resolves an init step's params against batch identity
// only. Unresolved identifiers are logged and left literal rather than
// failing, per the init-context template contract.
func ExpandInitStep(def StepDef, index int, batchID int64, batchStartTime *time.Time) ResolvedStep {
	params := make(map[string]string, len(def.Params))
	for k, tpl := range def.Params {
		params[k] = TemplateResolveInit(tpl, batchID, batchStartTime)
	}
	return resolvedStep(def, index, params)
}

func resolvedStep(def StepDef, index int, params map[string]string) ResolvedStep {
	paramsJSON, _ := json.Marshal(params)
	onFailure := def.OnFailure
	if onFailure == "" {
		onFailure = OnFailureRetry
	}
	rs := ResolvedStep{
		StepName:     def.Name,
		StepIndex:    index,
		WorkerID:     def.WorkerID,
		FunctionName: def.Function,
		ParamsJSON:   string(paramsJSON),
		OnFailure:    onFailure,
		IsPollStep:   def.Poll != nil,
	}
	if def.Poll != nil {
		rs.PollIntervalSec, _ = ParseDuration(def.Poll.Interval)
		rs.PollTimeoutSec, _ = ParseDuration(def.Poll.Timeout)
	}
	return rs
}

// FindStepDef looks up a named step across every init and phase step of a
// runbook definition, the lookup rollback sequences use to resolve each
// named step they list.
func FindStepDef(def RunbookDefinition, name string) (StepDef, bool) {
	for _, s := range def.Init {
		if s.Name == name {
			return s, true
		}
	}
	for _, ph := range def.Phases {
		for _, s := range ph.Steps {
			if s.Name == name {
				return s, true
			}
		}
	}
	return StepDef{}, false
}
