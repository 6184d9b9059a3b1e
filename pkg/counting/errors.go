package counting

import (
	"errors"
	"fmt"
)

// ErrUndefinedPercentage is returned when a percentage of an empty total is requested
var ErrUndefinedPercentage = errors.New("percentage undefined for zero total")

// SampleError records why one sample of a batch could not be counted
type SampleError struct {
	Sample string
	Image  string
	Err    error
}

func (e *SampleError) Error() string {
	if e == nil {
		return ""
	}
	if e.Image == "" {
		return fmt.Sprintf("sample %s: %v", e.Sample, e.Err)
	}
	return fmt.Sprintf("sample %s, image %s: %v", e.Sample, e.Image, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }
