package counting

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"cellcount/internal/models"
	"cellcount/pkg/reconcile"
	"cellcount/pkg/storage"
	"cellcount/pkg/visualization"
)

// Layout names the folders and files inside every sample folder
type Layout struct {
	Labelmaps2D        string
	Labelmaps3D        string
	RegionMasks        string
	SubpopulationMasks string
	LabelsTotal        string
	LabelsSubpop       string
	Previews           string
	ResultsFile        string
	SummaryFile        string
}

// DefaultLayout returns the folder names used by the upstream tools
func DefaultLayout() Layout {
	return Layout{
		Labelmaps2D:        "labelmaps_2D",
		Labelmaps3D:        "labelmaps_3D",
		RegionMasks:        "labelmasks_tel",
		SubpopulationMasks: "labelmasks_neur",
		LabelsTotal:        StageTotal,
		LabelsSubpop:       StageSubpopulation,
		Previews:           "previews",
		ResultsFile:        "results.json",
		SummaryFile:        "summary.yaml",
	}
}

// BatchParams holds the configuration of a batch run
type BatchParams struct {
	Layout    Layout
	Reconcile reconcile.Params

	// ExtractSlices writes x/y/z slice previews of both result volumes
	ExtractSlices bool

	Verbose bool
	Logger  *log.Logger
}

// ImageSummary is the summary line of one counted image
type ImageSummary struct {
	Sample                  string  `yaml:"sample"`
	Image                   string  `yaml:"image"`
	TotalCount              int     `yaml:"total_count"`
	SubpopulationCount      int     `yaml:"subpopulation_count"`
	ComplementCount         int     `yaml:"complement_count"`
	PercentageSubpopulation float64 `yaml:"percentage_subpopulation"`
}

// Summary describes a whole batch run
type Summary struct {
	RunID    string         `yaml:"run_id"`
	Started  time.Time      `yaml:"started"`
	Duration time.Duration  `yaml:"duration"`
	Images   []ImageSummary `yaml:"images"`

	// Statistics over images with at least one object
	MeanPercentageSubpopulation   float64 `yaml:"mean_percentage_subpopulation"`
	StdDevPercentageSubpopulation float64 `yaml:"stddev_percentage_subpopulation"`

	Failed []string `yaml:"failed,omitempty"`
}

// Batch counts every image of every sample folder below a data folder,
// one image at a time. A failing image is recorded and skipped.
type Batch struct {
	params     BatchParams
	reconciler *reconcile.Reconciler
	logger     *log.Logger
}

// NewBatch creates a batch runner
func NewBatch(params BatchParams) (*Batch, error) {
	logger := params.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if params.Reconcile.Logger == nil {
		params.Reconcile.Logger = logger
	}

	r, err := reconcile.NewReconciler(params.Reconcile)
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	return &Batch{params: params, reconciler: r, logger: logger}, nil
}

// Run processes all sample folders of dataDir and writes the summary document
func (b *Batch) Run(dataDir string) (*Summary, error) {
	root := storage.NewFolder(dataDir)
	samples, err := root.Subfolders()
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}

	summary := &Summary{RunID: uuid.NewString(), Started: time.Now()}
	b.logger.Printf("Run %s: %d sample folders in %s", summary.RunID, len(samples), dataDir)

	for i, path := range samples {
		folder := storage.NewFolder(path)
		b.logger.Printf("Sample %d/%d: %s", i+1, len(samples), folder.Name())

		results, errs := b.CountSample(folder)
		for _, err := range errs {
			b.logger.Printf("Warning: %v", err)
			summary.Failed = append(summary.Failed, err.Error())
		}
		for _, name := range sortedKeys(results) {
			res := results[name]
			summary.Images = append(summary.Images, ImageSummary{
				Sample:                  folder.Name(),
				Image:                   name,
				TotalCount:              res.TotalCount,
				SubpopulationCount:      res.SubpopulationCount,
				ComplementCount:         res.ComplementCount,
				PercentageSubpopulation: res.PercentageSubpopulation,
			})
		}
	}

	summary.MeanPercentageSubpopulation, summary.StdDevPercentageSubpopulation = percentageStats(summary.Images)
	summary.Duration = time.Since(summary.Started)

	if err := root.WriteYAML(b.params.Layout.SummaryFile, summary); err != nil {
		return summary, fmt.Errorf("failed to write summary: %w", err)
	}
	return summary, nil
}

// CountSample counts every image of one sample folder and writes the
// results document of the sample. Results of images that failed are absent.
func (b *Batch) CountSample(folder *storage.Folder) (map[string]CountResult, []error) {
	layout := b.params.Layout
	results := make(map[string]CountResult)

	names, err := folder.ListImages(layout.Labelmaps2D)
	if err != nil {
		return results, []error{&SampleError{Sample: folder.Name(), Err: err}}
	}

	pipeline, err := NewPipeline(Params{
		Reconciler:         b.reconciler,
		Writer:             folder,
		TotalStage:         layout.LabelsTotal,
		SubpopulationStage: layout.LabelsSubpop,
		Verbose:            b.params.Verbose,
		Logger:             b.logger,
	})
	if err != nil {
		return results, []error{&SampleError{Sample: folder.Name(), Err: err}}
	}

	var errs []error
	for _, name := range names {
		res, err := b.countImage(pipeline, folder, name)
		if err != nil {
			errs = append(errs, &SampleError{Sample: folder.Name(), Image: name, Err: err})
			continue
		}
		results[name] = res
		b.logger.Printf("%s: %d total, %d subpopulation (%.1f%%), %d complement",
			name, res.TotalCount, res.SubpopulationCount, res.PercentageSubpopulation, res.ComplementCount)
	}

	if err := folder.WriteJSON(layout.ResultsFile, results); err != nil {
		errs = append(errs, &SampleError{Sample: folder.Name(), Err: err})
	}
	return results, errs
}

// ReadResults loads a results document written by CountSample
func ReadResults(folder *storage.Folder, file string) (map[string]CountResult, error) {
	results := make(map[string]CountResult)
	if err := folder.ReadJSON(file, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Batch) countImage(p *Pipeline, folder *storage.Folder, name string) (CountResult, error) {
	layout := b.params.Layout

	perSlice, err := folder.ReadVolume(layout.Labelmaps2D, name)
	if err != nil {
		return CountResult{}, err
	}
	stitched, err := folder.ReadVolume(layout.Labelmaps3D, name)
	if err != nil {
		return CountResult{}, err
	}
	region, err := folder.ReadMask(layout.RegionMasks, name)
	if err != nil {
		return CountResult{}, err
	}
	subpopulation, err := folder.ReadMask(layout.SubpopulationMasks, name)
	if err != nil {
		return CountResult{}, err
	}

	s := Sample{Name: name, PerSlice: perSlice, Stitched: stitched}
	total, err := p.CountTotal(s, region)
	if err != nil {
		return CountResult{}, fmt.Errorf("total pass failed: %w", err)
	}
	sub, err := p.CountSubpopulation(total, subpopulation)
	if err != nil {
		return CountResult{}, fmt.Errorf("subpopulation pass failed: %w", err)
	}

	if b.params.ExtractSlices {
		for _, stage := range []StageResult{total.StageResult, sub.StageResult} {
			dir := filepath.Join(folder.Path, layout.Previews, stage.Stage, strings.TrimSuffix(name, filepath.Ext(name)))
			if err := savePreviews(stage.Stitched, dir); err != nil {
				b.logger.Printf("Warning: Failed to save previews for %s: %v", name, err)
			}
		}
	}

	res := Aggregate(total, sub)
	if err := res.Check(); err != nil {
		return CountResult{}, err
	}
	return res, nil
}

func savePreviews(v *models.LabelVolume, dir string) error {
	viewer := visualization.NewViewer(v)
	for _, axis := range []string{"x", "y", "z"} {
		if err := viewer.SaveSliceSequence(axis, filepath.Join(dir, axis)); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]CountResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func percentageStats(images []ImageSummary) (mean, std float64) {
	var values []float64
	for _, img := range images {
		if img.TotalCount > 0 {
			values = append(values, img.PercentageSubpopulation)
		}
	}
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}
