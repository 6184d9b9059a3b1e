package models

import "errors"

var (
	// ErrShapeMismatch is returned when two arrays that must share a spatial shape differ.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidLabelType is returned when a label array contains negative values.
	ErrInvalidLabelType = errors.New("invalid label type")

	// ErrLabelOverflow is returned when a label id does not fit the 16-bit storage width.
	ErrLabelOverflow = errors.New("label id exceeds 16-bit range")
)
