package exit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidLadder is returned when the minimal ROI table cannot be turned into a ladder.
var ErrInvalidLadder = errors.New("invalid roi ladder")

// Step is one rung of the ROI ladder: once a position is at least Threshold old,
// a profit ratio of MinROI or more is enough to exit.
type Step struct {
	Threshold time.Duration
	MinROI    decimal.Decimal
}

// Ladder holds the ROI steps sorted by Threshold, longest first. It is immutable once built.
type Ladder struct {
	steps []Step
}

// NewLadder builds a ladder from steps in any order. Duplicate thresholds are rejected.
func NewLadder(steps []Step) (Ladder, error) {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })

	for i, s := range sorted {
		if s.Threshold < 0 {
			return Ladder{}, fmt.Errorf("%w: negative threshold %s", ErrInvalidLadder, s.Threshold)
		}
		if i > 0 && sorted[i-1].Threshold == s.Threshold {
			return Ladder{}, fmt.Errorf("%w: duplicate threshold %s", ErrInvalidLadder, s.Threshold)
		}
	}
	return Ladder{steps: sorted}, nil
}

// ParseLadder builds a ladder from the configuration table. Keys are either a bare number of
// minutes ("40") or a Go duration ("1h30m"); values are fractional returns.
func ParseLadder(table map[string]float64) (Ladder, error) {
	steps := make([]Step, 0, len(table))
	for key, roi := range table {
		threshold, err := parseThreshold(key)
		if err != nil {
			return Ladder{}, err
		}
		if math.IsNaN(roi) || math.IsInf(roi, 0) {
			return Ladder{}, fmt.Errorf("%w: roi for %q is not a finite number", ErrInvalidLadder, key)
		}
		steps = append(steps, Step{Threshold: threshold, MinROI: decimal.NewFromFloat(roi)})
	}
	return NewLadder(steps)
}

// maxMinutes is the largest minute count a time.Duration can hold.
const maxMinutes = float64(math.MaxInt64 / int64(time.Minute))

func parseThreshold(key string) (time.Duration, error) {
	key = strings.TrimSpace(key)
	if minutes, err := strconv.ParseFloat(key, 64); err == nil {
		if math.IsNaN(minutes) || math.IsInf(minutes, 0) || math.Abs(minutes) > maxMinutes {
			return 0, fmt.Errorf("%w: threshold %q is out of range", ErrInvalidLadder, key)
		}
		return time.Duration(minutes * float64(time.Minute)), nil
	}
	d, err := time.ParseDuration(key)
	if err != nil {
		return 0, fmt.Errorf("%w: threshold %q is neither minutes nor a duration", ErrInvalidLadder, key)
	}
	return d, nil
}

// Steps returns a copy of the ladder, longest threshold first.
func (l Ladder) Steps() []Step {
	out := make([]Step, len(l.steps))
	copy(out, l.steps)
	return out
}

// Len reports the number of steps.
func (l Ladder) Len() int { return len(l.steps) }

// Applicable returns the step with the largest threshold that is <= elapsed.
// ok is false when the position is younger than every threshold.
func (l Ladder) Applicable(elapsed time.Duration) (step Step, ok bool) {
	if elapsed < 0 {
		elapsed = 0
	}
	// steps are descending, so the first threshold <= elapsed is the largest one.
	i := sort.Search(len(l.steps), func(i int) bool { return l.steps[i].Threshold <= elapsed })
	if i == len(l.steps) {
		return Step{}, false
	}
	return l.steps[i], true
}

// Evaluate reports whether the ROI rule for a position of the given age is met by profit.
// Reaching the required minimum exactly counts as met.
func (l Ladder) Evaluate(elapsed time.Duration, profit decimal.Decimal) (triggered bool, step Step, ok bool) {
	step, ok = l.Applicable(elapsed)
	if !ok {
		return false, Step{}, false
	}
	return profit.GreaterThanOrEqual(step.MinROI), step, true
}
