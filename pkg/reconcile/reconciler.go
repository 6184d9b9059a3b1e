package reconcile

import (
	"fmt"
	"io"
	"log"
	"sort"

	"cellcount/internal/models"
	"cellcount/pkg/labels"
)

// Params holds the reconciliation configuration
type Params struct {
	// Thresholds decides which restricted objects are whole
	Thresholds Thresholds

	// NumCores is the number of slices filtered concurrently.
	// Values below 2 filter sequentially.
	NumCores int

	// ReportFragments enables the per-slice connectivity check of accepted
	// labels. It only affects the report, never the result.
	ReportFragments bool

	// Logger receives warnings; nil discards them
	Logger *log.Logger
}

// SliceReport describes what happened to a single depth slice
type SliceReport struct {
	Z          int
	Accepted   []int
	Unmatched  []int
	Fragmented []int
}

// Report collects the per-slice reports of one reconciliation, ordered by depth
type Report struct {
	Slices []SliceReport
}

// UnmatchedCount returns the number of unmatched restricted labels over all slices
func (r Report) UnmatchedCount() int {
	n := 0
	for _, s := range r.Slices {
		n += len(s.Unmatched)
	}
	return n
}

// AcceptedCount returns the number of accepted (slice, label) pairs
func (r Report) AcceptedCount() int {
	n := 0
	for _, s := range r.Slices {
		n += len(s.Accepted)
	}
	return n
}

// Reconciler filters partial objects out of a per-slice label volume
type Reconciler struct {
	params Params
	logger *log.Logger
}

// NewReconciler creates a reconciler. The thresholds are validated here so
// that a misconfigured run fails before any slice is touched.
func NewReconciler(params Params) (*Reconciler, error) {
	if err := params.Thresholds.Validate(); err != nil {
		return nil, err
	}
	logger := params.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Reconciler{params: params, logger: logger}, nil
}

// Thresholds returns the thresholds the reconciler applies
func (r *Reconciler) Thresholds() Thresholds {
	return r.params.Thresholds
}

// Reconcile builds a new volume of the same shape as restricted in which,
// slice by slice, only the labels accepted by FilterPartial keep their
// restricted positions; everything else is background. unrestricted is the
// reference each restricted object is compared against.
func (r *Reconciler) Reconcile(restricted, unrestricted *models.LabelVolume) (*models.LabelVolume, Report, error) {
	if err := models.CheckShape("restricted vs unrestricted", restricted.Shape(), unrestricted.Shape()); err != nil {
		return nil, Report{}, err
	}

	out := models.NewLabelVolume(restricted.Depth, restricted.Height, restricted.Width)
	report := Report{Slices: make([]SliceReport, restricted.Depth)}

	type sliceResult struct {
		report SliceReport
		err    error
	}

	workers := r.params.NumCores
	if workers < 1 {
		workers = 1
	}
	if workers > restricted.Depth {
		workers = restricted.Depth
	}

	// Each worker writes only into its own slice of out, so no locking is needed
	jobs := make(chan int)
	resultChan := make(chan sliceResult)
	for w := 0; w < workers; w++ {
		go func() {
			for z := range jobs {
				rep, err := r.reconcileSlice(restricted, unrestricted, out, z)
				resultChan <- sliceResult{report: rep, err: err}
			}
		}()
	}
	go func() {
		for z := 0; z < restricted.Depth; z++ {
			jobs <- z
		}
		close(jobs)
	}()

	var firstErr error
	for completed := 0; completed < restricted.Depth; completed++ {
		res := <-resultChan
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		report.Slices[res.report.Z] = res.report
	}
	if firstErr != nil {
		return nil, Report{}, firstErr
	}

	for _, s := range report.Slices {
		if len(s.Unmatched) > 0 {
			r.logger.Printf("Warning: slice %d: %d restricted labels have no unrestricted counterpart: %v", s.Z, len(s.Unmatched), s.Unmatched)
		}
		if len(s.Fragmented) > 0 {
			r.logger.Printf("Warning: slice %d: accepted labels split into several pieces: %v", s.Z, s.Fragmented)
		}
	}

	return out, report, nil
}

func (r *Reconciler) reconcileSlice(restricted, unrestricted, out *models.LabelVolume, z int) (SliceReport, error) {
	rep := SliceReport{Z: z}

	restrictedProps, err := labels.SliceProperties(restricted, z)
	if err != nil {
		return rep, fmt.Errorf("slice %d: restricted measurement failed: %w", z, err)
	}
	unrestrictedProps, err := labels.SliceProperties(unrestricted, z)
	if err != nil {
		return rep, fmt.Errorf("slice %d: unrestricted measurement failed: %w", z, err)
	}

	filtered := FilterPartial(restrictedProps, unrestrictedProps, r.params.Thresholds)
	rep.Accepted = filtered.Accepted
	rep.Unmatched = filtered.Unmatched
	if len(filtered.Accepted) == 0 {
		return rep, nil
	}

	accepted := make(map[int32]bool, len(filtered.Accepted))
	for _, l := range filtered.Accepted {
		accepted[int32(l)] = true
	}

	src := restricted.SliceData(z)
	dst := out.SliceData(z)
	for i, l := range src {
		if accepted[l] {
			dst[i] = l
		}
	}

	if r.params.ReportFragments {
		counts, err := labels.Fragments(dst, out.Width, out.Height)
		if err != nil {
			return rep, fmt.Errorf("slice %d: %w", z, err)
		}
		rep.Fragmented = labels.Fragmented(counts)
		sort.Ints(rep.Fragmented)
	}

	return rep, nil
}
