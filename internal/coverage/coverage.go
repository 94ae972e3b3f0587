// Package coverage holds the pure coverage/tier arithmetic.
//
// It is isolated from the ledger so the boundary conditions (inclusive
// floor, half-open tier bands) are independently testable.
package coverage

import (
	"fmt"

	"github.com/oribe-ai/mokuroku/internal/model"
)

// Thresholds are the two tier boundaries for a run.
// Invariant: 0 <= MinFloor <= TargetCoverage <= 1.
type Thresholds struct {
	// MinFloor is the coverage below which data is unusable.
	MinFloor float64
	// TargetCoverage is the coverage at or above which data is fully trusted.
	TargetCoverage float64
}

// Validate checks the threshold invariant.
func (t Thresholds) Validate() error {
	if t.MinFloor < 0 || t.MinFloor > 1 {
		return fmt.Errorf("coverage: min_floor must be between 0 and 1, got %v", t.MinFloor)
	}
	if t.TargetCoverage < 0 || t.TargetCoverage > 1 {
		return fmt.Errorf("coverage: target_coverage must be between 0 and 1, got %v", t.TargetCoverage)
	}
	if t.MinFloor > t.TargetCoverage {
		return fmt.Errorf("coverage: min_floor %v exceeds target_coverage %v", t.MinFloor, t.TargetCoverage)
	}
	return nil
}

// Ratio returns observedOK/targetCombos, or 0 when targetCombos is 0.
func Ratio(targetCombos, observedOK int) float64 {
	if targetCombos <= 0 {
		return 0
	}
	return float64(observedOK) / float64(targetCombos)
}

// Classify maps a coverage ratio onto a tier. Bands are half-open:
// coverage < MinFloor is Invalid, MinFloor <= coverage < TargetCoverage is
// Degraded, coverage >= TargetCoverage is Healthy. Coverage exactly at the
// floor is Degraded: the floor is inclusive of usability.
func Classify(cov float64, t Thresholds) model.Tier {
	switch {
	case cov < t.MinFloor:
		return model.TierInvalid
	case cov >= t.TargetCoverage:
		return model.TierHealthy
	default:
		return model.TierDegraded
	}
}
