// Package counting counts whole nuclei in a region of interest and splits
// them into a subpopulation and its complement.
//
// A sample is counted in two passes. The total pass restricts the per-slice
// label map to the tissue region, drops objects clipped by the region border
// slice by slice, and carries the surviving footprint over to the stitched
// 3D label map. The subpopulation pass repeats this on top of the total
// pass's output with the subpopulation region, so every subpopulation label
// is also a total label.
package counting

import (
	"fmt"
	"io"
	"log"

	"cellcount/internal/models"
	"cellcount/pkg/labels"
	"cellcount/pkg/reconcile"
)

// Default stage names, also used as output folder names
const (
	StageTotal         = "labels_total"
	StageSubpopulation = "labels_subpopulation"
)

// VolumeWriter persists a stage's result volume
type VolumeWriter interface {
	WriteVolume(folder, name string, v *models.LabelVolume) error
}

// Params holds the pipeline configuration
type Params struct {
	// Reconciler filters partial objects slice by slice
	Reconciler *reconcile.Reconciler

	// Writer receives the stitched result of every stage. Nil disables persistence.
	Writer VolumeWriter

	// TotalStage and SubpopulationStage name the output folders.
	// Empty values fall back to StageTotal and StageSubpopulation.
	TotalStage         string
	SubpopulationStage string

	// Verbose prints step progress to Logger
	Verbose bool

	// Logger receives progress lines; nil discards them
	Logger *log.Logger
}

// Sample is one image's pair of label maps
type Sample struct {
	// Name is the image name, used for the persisted result volumes
	Name string

	// PerSlice holds objects labeled independently in every 2D slice
	PerSlice *models.LabelVolume

	// Stitched holds objects tracked across depth
	Stitched *models.LabelVolume
}

// Validate checks that both label maps are well formed and share a shape
func (s Sample) Validate() error {
	if s.PerSlice == nil || s.Stitched == nil {
		return fmt.Errorf("sample %s is missing a label map", s.Name)
	}
	if err := s.PerSlice.Validate(); err != nil {
		return fmt.Errorf("per-slice label map: %w", err)
	}
	if err := s.Stitched.Validate(); err != nil {
		return fmt.Errorf("stitched label map: %w", err)
	}
	return models.CheckShape("per-slice vs stitched", s.PerSlice.Shape(), s.Stitched.Shape())
}

// StageResult is the outcome of one counting pass
type StageResult struct {
	// Stage is the name the result was persisted under
	Stage string

	// Reconciled is the per-slice label map after partial objects were removed
	Reconciled *models.LabelVolume

	// Stitched is the stitched label map restricted to Reconciled's footprint
	Stitched *models.LabelVolume

	// Labels are the ids surviving in Stitched, sorted
	Labels []int

	// Report holds the per-slice filtering details
	Report reconcile.Report
}

// TotalPass is the result of counting all whole nuclei in the tissue region.
// It is the only way into the subpopulation pass.
type TotalPass struct {
	StageResult

	sample Sample
}

// Sample returns the sample the pass was computed from
func (t *TotalPass) Sample() Sample {
	return t.sample
}

// SubpopulationPass is the result of counting the subpopulation within a TotalPass
type SubpopulationPass struct {
	StageResult
}

// Pipeline runs the two counting passes for one sample at a time
type Pipeline struct {
	params Params
	logger *log.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(params Params) (*Pipeline, error) {
	if params.Reconciler == nil {
		return nil, fmt.Errorf("pipeline needs a reconciler")
	}
	if params.TotalStage == "" {
		params.TotalStage = StageTotal
	}
	if params.SubpopulationStage == "" {
		params.SubpopulationStage = StageSubpopulation
	}
	logger := params.Logger
	if logger == nil || !params.Verbose {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{params: params, logger: logger}, nil
}

// CountTotal counts the whole objects of s inside region
func (p *Pipeline) CountTotal(s Sample, region *models.RegionMask) (*TotalPass, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	res, err := p.runStage(p.params.TotalStage, s.Name, s.PerSlice, s.PerSlice, s.Stitched, region)
	if err != nil {
		return nil, err
	}
	return &TotalPass{StageResult: res, sample: s}, nil
}

// CountSubpopulation counts the objects of a total pass that are also whole
// inside region. Objects are compared against the raw per-slice label map,
// while the restriction starts from the total pass's reconciled map.
func (p *Pipeline) CountSubpopulation(total *TotalPass, region *models.RegionMask) (*SubpopulationPass, error) {
	if total == nil {
		return nil, fmt.Errorf("subpopulation pass needs a total pass")
	}
	s := total.sample
	res, err := p.runStage(p.params.SubpopulationStage, s.Name, total.Reconciled, s.PerSlice, total.Stitched, region)
	if err != nil {
		return nil, err
	}
	return &SubpopulationPass{StageResult: res}, nil
}

// Run counts a sample in both passes and aggregates the result
func (p *Pipeline) Run(s Sample, region, subpopulation *models.RegionMask) (CountResult, error) {
	total, err := p.CountTotal(s, region)
	if err != nil {
		return CountResult{}, fmt.Errorf("total pass failed: %w", err)
	}
	sub, err := p.CountSubpopulation(total, subpopulation)
	if err != nil {
		return CountResult{}, fmt.Errorf("subpopulation pass failed: %w", err)
	}
	return Aggregate(total, sub), nil
}

// runStage restricts source to region, reconciles it against reference,
// and carries the reconciled footprint over to stitched.
func (p *Pipeline) runStage(stage, name string, source, reference, stitched *models.LabelVolume, region *models.RegionMask) (StageResult, error) {
	res := StageResult{Stage: stage}
	if region == nil {
		return res, fmt.Errorf("%s: missing region mask", stage)
	}

	// Step 1: Restrict the per-slice labels to the region
	p.logger.Printf("[%s] Step 1: Restricting per-slice labels to region (%d voxels)", stage, region.Count())
	restricted, err := source.Restrict(region)
	if err != nil {
		return res, fmt.Errorf("%s: %w", stage, err)
	}

	// Step 2: Remove partial objects slice by slice
	p.logger.Printf("[%s] Step 2: Removing partial objects in %d slices", stage, restricted.Depth)
	reconciled, report, err := p.params.Reconciler.Reconcile(restricted, reference)
	if err != nil {
		return res, fmt.Errorf("%s: %w", stage, err)
	}
	res.Reconciled = reconciled
	res.Report = report

	// Step 3: Binarize the reconciled labels
	footprint := reconciled.Binarize()

	// Step 4: Apply the footprint to the stitched labels
	p.logger.Printf("[%s] Step 3-4: Applying reconciled footprint (%d voxels) to stitched labels", stage, footprint.Count())
	res.Stitched, err = stitched.Restrict(footprint)
	if err != nil {
		return res, fmt.Errorf("%s: %w", stage, err)
	}

	// Step 5: Measure surviving objects
	props, err := labels.Properties(res.Stitched)
	if err != nil {
		return res, fmt.Errorf("%s: %w", stage, err)
	}
	res.Labels = labels.Labels(props)
	p.logger.Printf("[%s] Step 5: %d objects counted", stage, len(res.Labels))

	// Step 6: Persist the result volume
	if p.params.Writer != nil {
		if err := p.params.Writer.WriteVolume(stage, name, res.Stitched); err != nil {
			return res, fmt.Errorf("%s: failed to save result volume: %w", stage, err)
		}
		p.logger.Printf("[%s] Step 6: Saved %s/%s", stage, stage, name)
	}

	return res, nil
}
