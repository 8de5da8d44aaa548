package qc

import (
	"time"

	"github.com/google/uuid"
)

// Rule identifies a Westgard multi-rule criterion.
type Rule string

const (
	Rule12s Rule = "1-2s"
	Rule13s Rule = "1-3s"
	Rule22s Rule = "2-2s"
	RuleR4s Rule = "R-4s"
	Rule41s Rule = "4-1s"
	Rule10x Rule = "10x"
)

// DefaultRules is the standard rule set enabled for a new analyte target.
func DefaultRules() []Rule {
	return []Rule{Rule12s, Rule13s, Rule22s, RuleR4s, Rule41s, Rule10x}
}

var validRules = map[Rule]bool{
	Rule12s: true, Rule13s: true, Rule22s: true,
	RuleR4s: true, Rule41s: true, Rule10x: true,
}

// Valid reports whether r is a known Westgard rule.
func (r Rule) Valid() bool { return validRules[r] }

// Severity classifies a rule violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Status is the overall outcome of evaluating one QC run.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
)

// AnalyteTarget holds the target mean/SD and enabled rules for one
// (test code, control level) pair. Targets are immutable per control lot;
// activating a new lot deactivates the previous target and inserts a new one.
type AnalyteTarget struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TestCode     string    `db:"test_code" json:"test_code"`
	ControlLevel string    `db:"control_level" json:"control_level"`
	TargetMean   float64   `db:"target_mean" json:"target_mean"`
	TargetSD     float64   `db:"target_sd" json:"target_sd"`
	RangeLow     float64   `db:"range_low" json:"range_low"`
	RangeHigh    float64   `db:"range_high" json:"range_high"`
	EnabledRules []Rule    `db:"enabled_rules" json:"enabled_rules"`
	LotNumber    string    `db:"lot_number" json:"lot_number"`
	Active       bool      `db:"active" json:"active"`
	ActivatedAt  time.Time `db:"activated_at" json:"activated_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RuleEnabled reports whether the target has the given rule switched on.
func (t *AnalyteTarget) RuleEnabled(r Rule) bool {
	for _, er := range t.EnabledRules {
		if er == r {
			return true
		}
	}
	return false
}

// Measurement is a single QC run entry. Created once, never mutated;
// corrections require a new measurement.
type Measurement struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TestCode     string    `db:"test_code" json:"test_code"`
	ControlLevel string    `db:"control_level" json:"control_level"`
	Value        float64   `db:"value" json:"value"`
	Unit         string    `db:"unit" json:"unit"`
	OperatorID   string    `db:"operator_id" json:"operator_id"`
	MeasuredAt   time.Time `db:"measured_at" json:"measured_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RuleViolation is one Westgard rule firing for a measurement.
type RuleViolation struct {
	Rule        Rule     `json:"rule"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Evaluation is the immutable outcome of checking one measurement against
// its target and window.
type Evaluation struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	MeasurementID uuid.UUID       `db:"measurement_id" json:"measurement_id"`
	TestCode      string          `db:"test_code" json:"test_code"`
	ControlLevel  string          `db:"control_level" json:"control_level"`
	ZScore        float64         `db:"z_score" json:"z_score"`
	Violations    []RuleViolation `db:"violations" json:"violations"`
	Status        Status          `db:"status" json:"status"`
	EvaluatedAt   time.Time       `db:"evaluated_at" json:"evaluated_at"`
}

// StatusFromViolations derives the run status: fail when any violation is an
// error, warning when only warning-severity violations are present, pass
// otherwise.
func StatusFromViolations(violations []RuleViolation) Status {
	status := StatusPass
	for _, v := range violations {
		if v.Severity == SeverityError {
			return StatusFail
		}
		status = StatusWarning
	}
	return status
}

// RunningStatistics accumulates per-key run counters. Counters are monotonic
// and updated exactly once per evaluated measurement.
type RunningStatistics struct {
	TestCode     string    `db:"test_code" json:"test_code"`
	ControlLevel string    `db:"control_level" json:"control_level"`
	TotalRuns    int64     `db:"total_runs" json:"total_runs"`
	PassCount    int64     `db:"pass_count" json:"pass_count"`
	WarningCount int64     `db:"warning_count" json:"warning_count"`
	FailCount    int64     `db:"fail_count" json:"fail_count"`
	LastRunAt    time.Time `db:"last_run_at" json:"last_run_at"`
}
