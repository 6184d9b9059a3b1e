// Package labels measures segmented objects in integer label arrays.
package labels

import (
	"fmt"
	"sort"

	"cellcount/internal/models"
)

// ObjectProperty is the measured extent of one labeled object
type ObjectProperty struct {
	// Label is the object id, always positive
	Label int

	// Area is the number of pixels (or voxels) carrying Label in the
	// array the property was measured on
	Area int
}

// Properties measures every distinct positive label of a whole volume.
// The result is sorted by label id.
func Properties(v *models.LabelVolume) ([]ObjectProperty, error) {
	return measure(v.Data)
}

// SliceProperties measures the labels of depth slice z only
func SliceProperties(v *models.LabelVolume, z int) ([]ObjectProperty, error) {
	if z < 0 || z >= v.Depth {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, v.Depth)
	}
	return measure(v.SliceData(z))
}

// Labels returns the ids of a property set in the order given
func Labels(props []ObjectProperty) []int {
	ids := make([]int, len(props))
	for i, p := range props {
		ids[i] = p.Label
	}
	return ids
}

func measure(data []int32) ([]ObjectProperty, error) {
	areas := make(map[int]int)
	for i, l := range data {
		if l < 0 {
			return nil, fmt.Errorf("%w: value %d at offset %d", models.ErrInvalidLabelType, l, i)
		}
		if l > 0 {
			areas[int(l)]++
		}
	}

	props := make([]ObjectProperty, 0, len(areas))
	for label, area := range areas {
		props = append(props, ObjectProperty{Label: label, Area: area})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Label < props[j].Label })
	return props, nil
}
