package qc

import (
	"errors"
	"testing"
)

const (
	testMean = 100.0
	testSD   = 5.0
)

func testTarget(rules ...Rule) *AnalyteTarget {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &AnalyteTarget{
		TestCode:     "GLU",
		ControlLevel: "level1",
		TargetMean:   testMean,
		TargetSD:     testSD,
		EnabledRules: rules,
		LotNumber:    "LOT-1",
	}
}

// atZ converts z-scores into raw values for the test target.
func atZ(zs ...float64) []float64 {
	vals := make([]float64, len(zs))
	for i, z := range zs {
		vals[i] = testMean + z*testSD
	}
	return vals
}

func hasRule(violations []RuleViolation, r Rule) bool {
	for _, v := range violations {
		if v.Rule == r {
			return true
		}
	}
	return false
}

func TestEvaluateRules_InControl(t *testing.T) {
	violations, err := EvaluateRules(testTarget(), atZ(0.5, -0.8, 1.2, -0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("expected no violations, got %v", violations)
	}
	if StatusFromViolations(violations) != StatusPass {
		t.Errorf("expected pass status")
	}
}

func TestEvaluateRules_EmptyWindow(t *testing.T) {
	violations, err := EvaluateRules(testTarget(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if violations != nil {
		t.Errorf("expected nil violations for empty window, got %v", violations)
	}
}

func TestEvaluateRules_ZeroSD(t *testing.T) {
	target := testTarget()
	target.TargetSD = 0
	_, err := EvaluateRules(target, atZ(0.5))
	if !errors.Is(err, ErrZeroSD) {
		t.Fatalf("expected ErrZeroSD, got %v", err)
	}
}

func TestRule12s_WarningBand(t *testing.T) {
	// Exactly 2 SD is inside the warning band.
	violations, err := EvaluateRules(testTarget(), atZ(2.0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, Rule12s) {
		t.Errorf("expected 1-2s at exactly 2 SD")
	}
	if StatusFromViolations(violations) != StatusWarning {
		t.Errorf("expected warning status, got %s", StatusFromViolations(violations))
	}

	// 2.99 SD is still a warning, not a rejection.
	violations, _ = EvaluateRules(testTarget(), atZ(-2.99))
	if !hasRule(violations, Rule12s) || hasRule(violations, Rule13s) {
		t.Errorf("expected 1-2s only at -2.99 SD, got %v", violations)
	}

	// 1.99 SD is clean.
	violations, _ = EvaluateRules(testTarget(), atZ(1.99))
	if len(violations) != 0 {
		t.Errorf("expected no violations at 1.99 SD, got %v", violations)
	}
}

func TestRule13s_RejectionLimit(t *testing.T) {
	// Exactly 3 SD rejects and leaves the 1-2s band.
	violations, err := EvaluateRules(testTarget(), atZ(3.0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, Rule13s) {
		t.Errorf("expected 1-3s at exactly 3 SD")
	}
	if hasRule(violations, Rule12s) {
		t.Errorf("1-2s band must exclude values at or beyond 3 SD")
	}
	if StatusFromViolations(violations) != StatusFail {
		t.Errorf("expected fail status")
	}

	violations, _ = EvaluateRules(testTarget(), atZ(-3.5))
	if !hasRule(violations, Rule13s) {
		t.Errorf("expected 1-3s at -3.5 SD")
	}
}

func TestRule22s_ConsecutiveSameSide(t *testing.T) {
	violations, err := EvaluateRules(testTarget(), atZ(0.1, 2.2, 2.4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, Rule22s) {
		t.Errorf("expected 2-2s for two consecutive values beyond 2 SD on the same side")
	}
	if StatusFromViolations(violations) != StatusFail {
		t.Errorf("expected fail status")
	}
}

func TestRule22s_OppositeSides(t *testing.T) {
	// Opposite sides must not trigger 2-2s, and a spread of exactly
	// 4 SD must not trigger R-4s.
	violations, err := EvaluateRules(testTarget(), atZ(-2.0, 2.0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasRule(violations, Rule22s) {
		t.Errorf("2-2s must not fire for values on opposite sides")
	}
	if hasRule(violations, RuleR4s) {
		t.Errorf("R-4s must not fire at a spread of exactly 4 SD")
	}
}

func TestRuleR4s_Spread(t *testing.T) {
	violations, err := EvaluateRules(testTarget(), atZ(-2.5, 2.0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, RuleR4s) {
		t.Errorf("expected R-4s for a spread of 4.5 SD between consecutive values")
	}
	if StatusFromViolations(violations) != StatusFail {
		t.Errorf("expected fail status")
	}
}

func TestRule41s_FourBeyondOneSD(t *testing.T) {
	violations, err := EvaluateRules(testTarget(), atZ(1.2, 1.5, 1.1, 1.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, Rule41s) {
		t.Errorf("expected 4-1s for four consecutive values beyond 1 SD on the same side")
	}

	// A value at exactly 1 SD breaks the run.
	violations, _ = EvaluateRules(testTarget(), atZ(1.2, 1.0, 1.1, 1.3))
	if hasRule(violations, Rule41s) {
		t.Errorf("4-1s must require strictly more than 1 SD")
	}

	// Mixed sides break the run.
	violations, _ = EvaluateRules(testTarget(), atZ(1.2, -1.5, 1.1, 1.3))
	if hasRule(violations, Rule41s) {
		t.Errorf("4-1s must require the same side of the mean")
	}
}

func TestRule10x_FiresOnTenthNotNinth(t *testing.T) {
	// Nine same-side values preceded by one on the other side: no 10x.
	zs := []float64{-0.5}
	for i := 0; i < 9; i++ {
		zs = append(zs, 0.5)
	}
	violations, err := EvaluateRules(testTarget(), atZ(zs...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasRule(violations, Rule10x) {
		t.Fatalf("10x must not fire on the ninth consecutive same-side value")
	}

	// The tenth consecutive same-side value fires it.
	zs = append(zs, 0.5)
	violations, _ = EvaluateRules(testTarget(), atZ(zs...))
	if !hasRule(violations, Rule10x) {
		t.Fatalf("10x must fire on the tenth consecutive same-side value")
	}
	if StatusFromViolations(violations) != StatusWarning {
		t.Errorf("10x alone is a warning, got %s", StatusFromViolations(violations))
	}
}

func TestRule10x_ValueOnMeanBreaksStreak(t *testing.T) {
	zs := make([]float64, 10)
	for i := range zs {
		zs[i] = 0.5
	}
	zs[4] = 0 // exactly on the mean
	violations, err := EvaluateRules(testTarget(), atZ(zs...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasRule(violations, Rule10x) {
		t.Errorf("a value exactly on the mean must break the 10x streak")
	}
}

func TestEvaluateRules_NoDeduplication(t *testing.T) {
	// -2.5 then -3.2 violates both 1-3s and 2-2s; both are reported.
	violations, err := EvaluateRules(testTarget(), atZ(-2.5, -3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasRule(violations, Rule13s) {
		t.Errorf("expected 1-3s")
	}
	if !hasRule(violations, Rule22s) {
		t.Errorf("expected 2-2s alongside 1-3s")
	}
}

func TestEvaluateRules_DisabledRulesSkipped(t *testing.T) {
	target := testTarget(Rule13s)
	violations, err := EvaluateRules(target, atZ(2.2, 2.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("only 1-3s is enabled, expected no violations, got %v", violations)
	}
}

func TestStatusFromViolations(t *testing.T) {
	if got := StatusFromViolations(nil); got != StatusPass {
		t.Errorf("expected pass for no violations, got %s", got)
	}

	warn := []RuleViolation{{Rule: Rule12s, Severity: SeverityWarning}}
	if got := StatusFromViolations(warn); got != StatusWarning {
		t.Errorf("expected warning, got %s", got)
	}

	mixed := []RuleViolation{
		{Rule: Rule12s, Severity: SeverityWarning},
		{Rule: Rule22s, Severity: SeverityError},
	}
	if got := StatusFromViolations(mixed); got != StatusFail {
		t.Errorf("any error violation must yield fail, got %s", got)
	}
}
