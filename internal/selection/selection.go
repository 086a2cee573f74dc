// Package selection derives the final target count from a campaign's
// selection policy.
package selection

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pulsecast/pulsecast/internal/models"
)

// ErrInvalidPolicy marks a selection policy that does not satisfy its own
// mode's requirements. Campaign creation fails fast on it.
var ErrInvalidPolicy = fmt.Errorf("invalid selection policy")

// ValidatePolicy checks that the policy's fields match its mode. A policy
// missing its mode-required parameter is a configuration error, never a
// silent default.
func ValidatePolicy(p models.SelectionPolicy) error {
	switch p.Mode {
	case models.SelectAuto:
		return nil
	case models.SelectAbsolute:
		if p.MaxMembers == nil || *p.MaxMembers <= 0 {
			return fmt.Errorf("%w: absolute mode requires a positive max_members", ErrInvalidPolicy)
		}
	case models.SelectPercent:
		if p.Percent == nil {
			return fmt.Errorf("%w: percent mode requires percent to be set", ErrInvalidPolicy)
		}
		if *p.Percent < 0 || *p.Percent > 1 {
			return fmt.Errorf("%w: percent must be in [0,1], got %v", ErrInvalidPolicy, *p.Percent)
		}
	case models.SelectRandom:
		if p.RandomRange == nil {
			return fmt.Errorf("%w: random mode requires random_range to be set", ErrInvalidPolicy)
		}
		if p.RandomRange.Min <= 0 || p.RandomRange.Max <= 0 {
			return fmt.Errorf("%w: random_range bounds must be positive", ErrInvalidPolicy)
		}
		if p.RandomRange.Min > p.RandomRange.Max {
			return fmt.Errorf("%w: random_range min %d exceeds max %d", ErrInvalidPolicy, p.RandomRange.Min, p.RandomRange.Max)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	return nil
}

// TargetCount computes how many of the deduplicated candidates to target.
// The result is always in [0, newCandidateCount]. For the random mode the
// draw is made exactly once per call; the caller freezes the result into
// the campaign's target-set snapshot and never re-rolls it.
func TargetCount(newCandidateCount int, p models.SelectionPolicy, rng *rand.Rand) (int, error) {
	if err := ValidatePolicy(p); err != nil {
		return 0, err
	}
	if newCandidateCount <= 0 {
		return 0, nil
	}

	switch p.Mode {
	case models.SelectAuto:
		return newCandidateCount, nil
	case models.SelectAbsolute:
		return minInt(newCandidateCount, *p.MaxMembers), nil
	case models.SelectPercent:
		capped := int(math.Floor(float64(newCandidateCount) * *p.Percent))
		return minInt(newCandidateCount, capped), nil
	case models.SelectRandom:
		span := p.RandomRange.Max - p.RandomRange.Min + 1
		draw := p.RandomRange.Min + rng.Intn(span)
		return minInt(newCandidateCount, draw), nil
	}

	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
