package models

import (
	"fmt"
)

// MaxStoredLabel is the largest label id that survives a round trip through
// the 16-bit persisted volume format.
const MaxStoredLabel = 65535

// Shape is the spatial extent of a volume in voxels
type Shape struct {
	Depth  int
	Height int
	Width  int
}

// Len returns the number of voxels covered by the shape
func (s Shape) Len() int {
	return s.Depth * s.Height * s.Width
}

// SliceLen returns the number of pixels in a single depth slice
func (s Shape) SliceLen() int {
	return s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Depth, s.Height, s.Width)
}

// CheckShape returns ErrShapeMismatch when a and b differ
func CheckShape(what string, a, b Shape) error {
	if a != b {
		return fmt.Errorf("%w: %s %s vs %s", ErrShapeMismatch, what, a, b)
	}
	return nil
}

// LabelVolume represents a segmented 3D stack of objects
type LabelVolume struct {
	// Data is the label data as a 1D array in depth-major, then row-major order.
	// Each positive value identifies one object; 0 is background.
	Data []int32

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the number of slices in the volume
	Depth int
}

// NewLabelVolume allocates an all-background volume of the given size
func NewLabelVolume(depth, height, width int) *LabelVolume {
	return &LabelVolume{
		Data:   make([]int32, depth*height*width),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Shape returns the spatial extent of the volume
func (v *LabelVolume) Shape() Shape {
	return Shape{Depth: v.Depth, Height: v.Height, Width: v.Width}
}

// Index converts (z, y, x) into an offset into Data
func (v *LabelVolume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the label at (z, y, x)
func (v *LabelVolume) At(z, y, x int) int32 {
	return v.Data[v.Index(z, y, x)]
}

// Set writes a label at (z, y, x)
func (v *LabelVolume) Set(z, y, x int, label int32) {
	v.Data[v.Index(z, y, x)] = label
}

// SliceData returns the labels of slice z. The returned slice aliases Data.
func (v *LabelVolume) SliceData(z int) []int32 {
	n := v.Width * v.Height
	return v.Data[z*n : (z+1)*n]
}

// Clone returns a deep copy of the volume
func (v *LabelVolume) Clone() *LabelVolume {
	out := *v
	out.Data = append([]int32(nil), v.Data...)
	return &out
}

// Validate checks that the data length matches the dimensions and that no
// label is negative.
func (v *LabelVolume) Validate() error {
	if len(v.Data) != v.Shape().Len() {
		return fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(v.Data), v.Shape())
	}
	for i, l := range v.Data {
		if l < 0 {
			return fmt.Errorf("%w: value %d at offset %d", ErrInvalidLabelType, l, i)
		}
	}
	return nil
}

// Restrict returns a copy of v where every position outside mask is zeroed
func (v *LabelVolume) Restrict(mask *RegionMask) (*LabelVolume, error) {
	if err := CheckShape("label volume vs mask", v.Shape(), mask.Shape()); err != nil {
		return nil, err
	}
	if len(v.Data) != v.Shape().Len() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(v.Data), v.Shape())
	}
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	out := NewLabelVolume(v.Depth, v.Height, v.Width)
	for i, l := range v.Data {
		if mask.Data[i] {
			out.Data[i] = l
		}
	}
	return out, nil
}

// Binarize returns a mask that is true wherever v carries a positive label
func (v *LabelVolume) Binarize() *RegionMask {
	m := NewRegionMask(v.Depth, v.Height, v.Width)
	for i, l := range v.Data {
		m.Data[i] = l > 0
	}
	return m
}

// RegionMask is a boolean region of interest with the same layout as LabelVolume
type RegionMask struct {
	Data []bool

	Width, Height, Depth int
}

// NewRegionMask allocates an empty mask
func NewRegionMask(depth, height, width int) *RegionMask {
	return &RegionMask{
		Data:   make([]bool, depth*height*width),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// MaskFromVolume binarizes an arbitrary non-negative mask image. Any value
// greater than zero is foreground.
func MaskFromVolume(v *LabelVolume) (*RegionMask, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mask image: %w", err)
	}
	return v.Binarize(), nil
}

// Shape returns the spatial extent of the mask
func (m *RegionMask) Shape() Shape {
	return Shape{Depth: m.Depth, Height: m.Height, Width: m.Width}
}

// Validate checks that the mask holds exactly one value per voxel
func (m *RegionMask) Validate() error {
	if len(m.Data) != m.Shape().Len() {
		return fmt.Errorf("%w: mask has %d values for shape %s", ErrShapeMismatch, len(m.Data), m.Shape())
	}
	return nil
}

// Count returns the number of foreground voxels
func (m *RegionMask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}
