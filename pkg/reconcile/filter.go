// Package reconcile removes objects that are only partially contained in a
// region of interest by comparing restricted and unrestricted measurements
// of the same labels, slice by slice.
package reconcile

import (
	"fmt"

	"cellcount/pkg/labels"
)

// Thresholds controls which restricted objects count as whole
type Thresholds struct {
	// Ratio is the minimum restricted/unrestricted area ratio, exclusive.
	// Valid range is (0, 1].
	Ratio float64

	// Size is the minimum restricted area in pixels, exclusive
	Size int
}

// DefaultThresholds returns the thresholds used when nothing is configured
func DefaultThresholds() Thresholds {
	return Thresholds{Ratio: 0.8, Size: 300}
}

// Validate reports out of range thresholds
func (t Thresholds) Validate() error {
	if !(t.Ratio > 0 && t.Ratio <= 1) {
		return fmt.Errorf("threshold ratio %v outside (0, 1]", t.Ratio)
	}
	if t.Size <= 0 {
		return fmt.Errorf("threshold size %d must be positive", t.Size)
	}
	return nil
}

// FilterResult is the outcome of joining restricted and unrestricted measurements
type FilterResult struct {
	// Accepted holds labels that are whole within the region
	Accepted []int

	// Unmatched holds restricted labels with no unrestricted counterpart.
	// They are never accepted.
	Unmatched []int
}

// FilterPartial decides which restricted objects are whole enough to keep.
// A label is accepted iff restricted/unrestricted > t.Ratio and
// restricted > t.Size.
func FilterPartial(restricted, unrestricted []labels.ObjectProperty, t Thresholds) FilterResult {
	areas := make(map[int]int, len(unrestricted))
	for _, p := range unrestricted {
		areas[p.Label] = p.Area
	}

	var res FilterResult
	for _, p := range restricted {
		full, ok := areas[p.Label]
		if !ok {
			res.Unmatched = append(res.Unmatched, p.Label)
			continue
		}
		ratio := float64(p.Area) / float64(full)
		if ratio > t.Ratio && p.Area > t.Size {
			res.Accepted = append(res.Accepted, p.Label)
		}
	}
	return res
}
