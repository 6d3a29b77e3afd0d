// Package runbookdef implements the pure parsing, validation, offset/
// duration grammar, and template-resolution logic shared by the scheduler
// and orchestrator. It holds no I/O and no store dependency.
package runbookdef

// MultiValuedColumn formats supported for data-source columns that return
// more than one value per row.
const (
	FormatSemicolonDelimited = "semicolon_delimited"
	FormatCommaDelimited     = "comma_delimited"
	FormatJSONArray          = "json_array"
)

// BatchTime modes.
const (
	BatchTimeColumn    = "column"
	BatchTimeImmediate = "immediate"
)

// OverdueBehavior values.
const (
	OverdueRerun  = "rerun"
	OverdueIgnore = "ignore"
)

// OnFailure directive prefixes/values.
const (
	OnFailureRetry    = "retry"
	OnFailureSkip     = "skip"
	OnFailureRollback = "rollback"
	OnFailureFailPh   = "fail_phase"
	OnFailureFailBat  = "fail_batch"
)

// MultiValuedColumnDef describes one multi-valued query column.
type MultiValuedColumnDef struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// DataSourceDef is the `data_source` block of a runbook.
type DataSourceDef struct {
	Type               string                 `yaml:"type"`
	Connection         string                 `yaml:"connection"`
	Query              string                 `yaml:"query"`
	PrimaryKey         string                 `yaml:"primary_key"`
	BatchTime          string                 `yaml:"batch_time"`
	BatchTimeColumn    string                 `yaml:"batch_time_column"`
	MultiValuedColumns []MultiValuedColumnDef `yaml:"multi_valued_columns"`
	PollSchedule       string                 `yaml:"poll_schedule"`
}

// PollDef is the optional `poll` block on a step.
type PollDef struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// StepDef is a single init or phase step.
type StepDef struct {
	Name      string            `yaml:"name"`
	WorkerID  string            `yaml:"worker_id"`
	Function  string            `yaml:"function"`
	Params    map[string]string `yaml:"params"`
	OnFailure string            `yaml:"on_failure"`
	Poll      *PollDef          `yaml:"poll"`
}

// PhaseDef is one entry of the `phases` list.
type PhaseDef struct {
	Name   string    `yaml:"name"`
	Offset string    `yaml:"offset"`
	Steps  []StepDef `yaml:"steps"`
}

// RunbookDefinition is the deserialized, validated form of the runbook YAML.
type RunbookDefinition struct {
	Name            string              `yaml:"name"`
	DataSource      DataSourceDef       `yaml:"data_source"`
	Init            []StepDef           `yaml:"init"`
	Phases          []PhaseDef          `yaml:"phases"`
	Rollbacks       map[string][]string `yaml:"rollbacks"`
	OverdueBehavior string              `yaml:"overdue_behavior"`
	RerunInit       bool                `yaml:"rerun_init"`
}
