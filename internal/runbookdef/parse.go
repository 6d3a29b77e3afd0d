package runbookdef

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/opus-domini/tenantmigrator/internal/validate"
)

// ParseError wraps a YAML decoding failure.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("runbook parse error: %v", e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ValidationError collects one or more validation failures for a parsed
// definition. Validate always returns the full set rather than stopping at
// the first problem so the admin surface can report everything at once.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d validation errors, first: %v", len(e.Errors), e.Errors[0])
}

// Parse deserializes a runbook YAML document. Unknown keys are ignored by
// gopkg.in/yaml.v3's default decode behavior; missing required keys are
// caught by Validate, not here.
func Parse(doc []byte) (*RunbookDefinition, error) {
	var def RunbookDefinition
	if err := yaml.Unmarshal(doc, &def); err != nil {
		return nil, &ParseError{Cause: err}
	}
	return &def, nil
}

// Validate checks the required-field and grammar rules from the runbook
// shape. It never mutates def and always returns the complete error list.
func Validate(def *RunbookDefinition) []error {
	var errs []error
	if def == nil {
		return []error{fmt.Errorf("runbook definition is nil")}
	}

	if def.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	} else if !validate.RunbookName(def.Name) {
		errs = append(errs, fmt.Errorf("name %q must be 1-64 characters of [A-Za-z0-9._-]", def.Name))
	}

	switch def.DataSource.Type {
	case "":
		errs = append(errs, fmt.Errorf("data_source.type is required"))
	case "http", "sql":
		// recognized
	default:
		errs = append(errs, fmt.Errorf("data_source.type %q is not recognized", def.DataSource.Type))
	}
	if def.DataSource.PrimaryKey == "" {
		errs = append(errs, fmt.Errorf("data_source.primary_key is required"))
	}

	switch def.DataSource.BatchTime {
	case "", BatchTimeImmediate:
		// immediate is the default when unset
	case BatchTimeColumn:
		if def.DataSource.BatchTimeColumn == "" {
			errs = append(errs, fmt.Errorf("data_source.batch_time_column is required when batch_time = column"))
		}
	default:
		errs = append(errs, fmt.Errorf("data_source.batch_time %q is not recognized", def.DataSource.BatchTime))
	}

	for _, mv := range def.DataSource.MultiValuedColumns {
		switch mv.Format {
		case FormatSemicolonDelimited, FormatCommaDelimited, FormatJSONArray:
		default:
			errs = append(errs, fmt.Errorf("multi_valued_columns[%s].format %q is not recognized", mv.Name, mv.Format))
		}
	}

	if def.DataSource.PollSchedule != "" {
		if _, err := ParseCron(def.DataSource.PollSchedule); err != nil {
			errs = append(errs, fmt.Errorf("data_source.poll_schedule: %w", err))
		}
	}

	for _, step := range def.Init {
		errs = append(errs, validateStep("init", step)...)
	}

	seenPhase := make(map[string]bool, len(def.Phases))
	for _, phase := range def.Phases {
		if phase.Name == "" {
			errs = append(errs, fmt.Errorf("phase name is required"))
		} else if seenPhase[phase.Name] {
			errs = append(errs, fmt.Errorf("phase %q is duplicated", phase.Name))
		}
		seenPhase[phase.Name] = true

		if _, err := ParseOffset(phase.Offset); err != nil {
			errs = append(errs, fmt.Errorf("phase %q offset: %w", phase.Name, err))
		}
		for _, step := range phase.Steps {
			errs = append(errs, validateStep(phase.Name, step)...)
		}
	}

	switch def.OverdueBehavior {
	case "", OverdueRerun, OverdueIgnore:
	default:
		errs = append(errs, fmt.Errorf("overdue_behavior %q is not recognized", def.OverdueBehavior))
	}

	for name, seq := range def.Rollbacks {
		if len(seq) == 0 {
			errs = append(errs, fmt.Errorf("rollback %q has no steps", name))
		}
	}

	return errs
}

func validateStep(scope string, step StepDef) []error {
	var errs []error
	if step.Name == "" {
		errs = append(errs, fmt.Errorf("%s: step name is required", scope))
	}
	if step.WorkerID == "" {
		errs = append(errs, fmt.Errorf("%s/%s: worker_id is required", scope, step.Name))
	} else if !validate.WorkerID(step.WorkerID) {
		errs = append(errs, fmt.Errorf("%s/%s: worker_id %q must be 1-64 characters of [a-z0-9-]", scope, step.Name, step.WorkerID))
	}
	if step.Function == "" {
		errs = append(errs, fmt.Errorf("%s/%s: function is required", scope, step.Name))
	}
	if step.Poll != nil {
		if _, err := ParseDuration(step.Poll.Interval); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: poll.interval: %w", scope, step.Name, err))
		}
		if _, err := ParseDuration(step.Poll.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: poll.timeout: %w", scope, step.Name, err))
		}
	}
	switch {
	case step.OnFailure == "", step.OnFailure == OnFailureRetry, step.OnFailure == OnFailureSkip,
		step.OnFailure == OnFailureFailPh, step.OnFailure == OnFailureFailBat:
	default:
		if len(step.OnFailure) > len(OnFailureRollback)+1 && step.OnFailure[:len(OnFailureRollback)+1] == OnFailureRollback+":" {
			// rollback:<name>, accepted
		} else {
			errs = append(errs, fmt.Errorf("%s/%s: on_failure %q is not recognized", scope, step.Name, step.OnFailure))
		}
	}
	return errs
}
