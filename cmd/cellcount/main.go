package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"cellcount/pkg/config"
	"cellcount/pkg/counting"
	"cellcount/pkg/reconcile"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Data folder containing one subfolder per sample")
	configPath := flag.String("config", "cellcount.yaml", "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	ratio := flag.Float64("ratio", 0.8, "Minimum restricted/unrestricted area ratio of a whole nucleus, exclusive")
	size := flag.Int("size", 300, "Minimum restricted area of a whole nucleus in pixels, exclusive")
	numCores := flag.Int("cores", 0, "Number of slices filtered in parallel (default: config or all CPUs)")
	extractSlices := flag.Bool("extract-slices", false, "Save x/y/z slice previews of the result volumes")
	verbose := flag.Bool("verbose", true, "Print progress for every processing step")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Explicit flags take precedence over the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ratio":
			cfg.Processing.ThresholdRatio = *ratio
		case "size":
			cfg.Processing.ThresholdSize = *size
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "extract-slices":
			cfg.Output.ExtractSlices = *extractSlices
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("NUCLEI COUNTING FROM 2D AND 3D LABEL MAPS")
	fmt.Println("================================")
	fmt.Printf("Threshold ratio: %.2f, threshold size: %d px, cores: %d\n",
		cfg.Processing.ThresholdRatio, cfg.Processing.ThresholdSize, cfg.Processing.NumCores)

	batch, err := counting.NewBatch(counting.BatchParams{
		Layout: cfg.Layout(),
		Reconcile: reconcile.Params{
			Thresholds:      cfg.Thresholds(),
			NumCores:        cfg.Processing.NumCores,
			ReportFragments: cfg.Processing.ReportFragments,
		},
		ExtractSlices: cfg.Output.ExtractSlices,
		Verbose:       cfg.Output.Verbose,
		Logger:        log.New(os.Stdout, "", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("Failed to set up counting: %v", err)
	}

	startTime := time.Now()
	summary, err := batch.Run(*inputDir)
	if err != nil {
		log.Fatalf("Counting failed: %v", err)
	}

	fmt.Printf("\nCounting completed in %.2f seconds (run %s)\n", time.Since(startTime).Seconds(), summary.RunID)
	fmt.Printf("Images counted: %d\n", len(summary.Images))
	for _, img := range summary.Images {
		fmt.Printf("- %s/%s: %d nuclei, %d subpopulation (%.1f%%), %d complement\n",
			img.Sample, img.Image, img.TotalCount, img.SubpopulationCount, img.PercentageSubpopulation, img.ComplementCount)
	}
	fmt.Printf("Mean subpopulation percentage: %.2f%% (std-dev %.2f)\n",
		summary.MeanPercentageSubpopulation, summary.StdDevPercentageSubpopulation)

	if len(summary.Failed) > 0 {
		fmt.Printf("\n%d images failed:\n", len(summary.Failed))
		for _, f := range summary.Failed {
			fmt.Printf("- %s\n", f)
		}
		os.Exit(2)
	}
}
