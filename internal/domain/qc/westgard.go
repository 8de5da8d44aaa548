package qc

import (
	"errors"
	"fmt"
	"math"
)

// ErrZeroSD is returned when a target's standard deviation is not positive.
// Every Westgard rule is expressed in SD units, so evaluation is skipped
// entirely rather than dividing by zero.
var ErrZeroSD = errors.New("target SD must be positive")

// ZScore returns (value - mean) / sd.
func ZScore(value, mean, sd float64) float64 {
	return (value - mean) / sd
}

// EvaluateRules applies the target's enabled Westgard rules to the window.
// The window holds values oldest to newest with the measurement under test
// as the last element. Rules are evaluated independently; a single run may
// trigger several violations and no deduplication is performed.
//
// A non-positive target SD is a configuration error: no rules are evaluated
// and ErrZeroSD is returned so the caller can log and continue.
func EvaluateRules(target *AnalyteTarget, window []float64) ([]RuleViolation, error) {
	if target.TargetSD <= 0 {
		return nil, ErrZeroSD
	}
	if len(window) == 0 {
		return nil, nil
	}

	mean, sd := target.TargetMean, target.TargetSD
	z := make([]float64, len(window))
	for i, v := range window {
		z[i] = ZScore(v, mean, sd)
	}
	cur := z[len(z)-1]

	var violations []RuleViolation

	if target.RuleEnabled(Rule12s) {
		if abs := math.Abs(cur); abs >= 2 && abs < 3 {
			violations = append(violations, RuleViolation{
				Rule:        Rule12s,
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("value is %.2f SD from the target mean (2s warning limit)", cur),
			})
		}
	}

	if target.RuleEnabled(Rule13s) {
		if math.Abs(cur) >= 3 {
			violations = append(violations, RuleViolation{
				Rule:        Rule13s,
				Severity:    SeverityError,
				Description: fmt.Sprintf("value is %.2f SD from the target mean (3s rejection limit)", cur),
			})
		}
	}

	if target.RuleEnabled(Rule22s) && len(z) >= 2 {
		prev := z[len(z)-2]
		if math.Abs(cur) >= 2 && math.Abs(prev) >= 2 && sameSign(cur, prev) {
			violations = append(violations, RuleViolation{
				Rule:        Rule22s,
				Severity:    SeverityError,
				Description: fmt.Sprintf("two consecutive values beyond 2 SD on the same side (%.2f, %.2f)", prev, cur),
			})
		}
	}

	if target.RuleEnabled(RuleR4s) && len(window) >= 2 {
		// One target SD per level, so the average of the two SDs is the SD itself.
		spread := math.Abs(window[len(window)-1] - window[len(window)-2])
		if spread > 4*sd {
			violations = append(violations, RuleViolation{
				Rule:        RuleR4s,
				Severity:    SeverityError,
				Description: fmt.Sprintf("range between consecutive values is %.2f SD (exceeds 4 SD)", spread/sd),
			})
		}
	}

	if target.RuleEnabled(Rule41s) && len(z) >= 4 {
		if allBeyondOneSDSameSide(z[len(z)-4:]) {
			violations = append(violations, RuleViolation{
				Rule:        Rule41s,
				Severity:    SeverityError,
				Description: "four consecutive values beyond 1 SD on the same side of the mean",
			})
		}
	}

	if target.RuleEnabled(Rule10x) && len(z) >= 10 {
		if allSameSide(z[len(z)-10:]) {
			violations = append(violations, RuleViolation{
				Rule:        Rule10x,
				Severity:    SeverityWarning,
				Description: "ten consecutive values on the same side of the mean",
			})
		}
	}

	return violations, nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func allBeyondOneSDSameSide(z []float64) bool {
	for _, v := range z {
		if math.Abs(v) <= 1 {
			return false
		}
	}
	return sameSideAll(z)
}

func allSameSide(z []float64) bool {
	for _, v := range z {
		// A value exactly on the mean breaks the streak.
		if v == 0 {
			return false
		}
	}
	return sameSideAll(z)
}

func sameSideAll(z []float64) bool {
	for _, v := range z[1:] {
		if !sameSign(z[0], v) {
			return false
		}
	}
	return true
}
