package counting

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats/scalar"
)

// percentageTolerance bounds the rounding error of the two percentages
const percentageTolerance = 1e-9

// CountResult is the outcome of counting one sample. It is built once from
// both passes and never modified afterwards.
type CountResult struct {
	LabelsTotal         []int `json:"labels_total" yaml:"labels_total"`
	LabelsSubpopulation []int `json:"labels_subpopulation" yaml:"labels_subpopulation"`
	LabelsComplement    []int `json:"labels_complement" yaml:"labels_complement"`

	TotalCount         int `json:"total_count" yaml:"total_count"`
	SubpopulationCount int `json:"subpopulation_count" yaml:"subpopulation_count"`
	ComplementCount    int `json:"complement_count" yaml:"complement_count"`

	// Both percentages are 0 when TotalCount is 0
	PercentageSubpopulation float64 `json:"percentage_subpopulation" yaml:"percentage_subpopulation"`
	PercentageComplement    float64 `json:"percentage_complement" yaml:"percentage_complement"`
}

// Aggregate combines a total pass and the subpopulation pass derived from it
func Aggregate(total *TotalPass, sub *SubpopulationPass) CountResult {
	return NewCountResult(total.Labels, sub.Labels)
}

// NewCountResult derives the complement, counts and percentages from the
// total and subpopulation label sets. Labels in the subpopulation that are
// not part of the total are ignored so the result always satisfies
// subpopulation ⊆ total.
func NewCountResult(total, subpopulation []int) CountResult {
	totalSet := make(map[int]bool, len(total))
	labelsTotal := make([]int, 0, len(total))
	for _, l := range total {
		if !totalSet[l] {
			totalSet[l] = true
			labelsTotal = append(labelsTotal, l)
		}
	}
	sort.Ints(labelsTotal)

	subSet := make(map[int]bool, len(subpopulation))
	labelsSub := make([]int, 0, len(subpopulation))
	for _, l := range subpopulation {
		if totalSet[l] && !subSet[l] {
			subSet[l] = true
			labelsSub = append(labelsSub, l)
		}
	}
	sort.Ints(labelsSub)

	labelsComplement := make([]int, 0, len(labelsTotal)-len(labelsSub))
	for _, l := range labelsTotal {
		if !subSet[l] {
			labelsComplement = append(labelsComplement, l)
		}
	}

	res := CountResult{
		LabelsTotal:         labelsTotal,
		LabelsSubpopulation: labelsSub,
		LabelsComplement:    labelsComplement,
		TotalCount:          len(labelsTotal),
		SubpopulationCount:  len(labelsSub),
		ComplementCount:     len(labelsComplement),
	}

	// An empty total means no objects were detected, not a failure
	if p, err := Percentage(res.SubpopulationCount, res.TotalCount); err == nil {
		res.PercentageSubpopulation = p
	}
	if p, err := Percentage(res.ComplementCount, res.TotalCount); err == nil {
		res.PercentageComplement = p
	}
	return res
}

// Percentage returns part as a percentage of total
func Percentage(part, total int) (float64, error) {
	if total == 0 {
		return 0, ErrUndefinedPercentage
	}
	return float64(part) / float64(total) * 100, nil
}

// Check verifies the invariants between the fields of r
func (r CountResult) Check() error {
	if r.TotalCount != len(r.LabelsTotal) || r.SubpopulationCount != len(r.LabelsSubpopulation) ||
		r.ComplementCount != len(r.LabelsComplement) {
		return fmt.Errorf("counts do not match label sets")
	}
	if r.TotalCount != r.SubpopulationCount+r.ComplementCount {
		return fmt.Errorf("total %d != subpopulation %d + complement %d",
			r.TotalCount, r.SubpopulationCount, r.ComplementCount)
	}

	inTotal := make(map[int]bool, len(r.LabelsTotal))
	for _, l := range r.LabelsTotal {
		inTotal[l] = true
	}
	seen := make(map[int]bool, len(r.LabelsTotal))
	for _, l := range append(append([]int(nil), r.LabelsSubpopulation...), r.LabelsComplement...) {
		if !inTotal[l] {
			return fmt.Errorf("label %d is not part of the total", l)
		}
		if seen[l] {
			return fmt.Errorf("label %d is in both subpopulation and complement", l)
		}
		seen[l] = true
	}

	if r.TotalCount > 0 {
		sum := r.PercentageSubpopulation + r.PercentageComplement
		if !scalar.EqualWithinAbs(sum, 100, percentageTolerance) {
			return fmt.Errorf("percentages sum to %v", sum)
		}
	} else if r.PercentageSubpopulation != 0 || r.PercentageComplement != 0 {
		return fmt.Errorf("percentages must be 0 for an empty total")
	}
	return nil
}
