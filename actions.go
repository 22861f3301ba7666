package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MustardWombat/BitByteServer/cnf"
	"github.com/MustardWombat/BitByteServer/dataset"
	"github.com/MustardWombat/BitByteServer/ingest"
	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/MustardWombat/BitByteServer/stats"
	"github.com/MustardWombat/BitByteServer/training"
	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

const (
	errColor = color.FgHiRed
)

func runTraining(ctx context.Context, conf *cnf.Conf) {
	reg, err := registry.New(conf.ModelsDir, conf.BackupsDir)
	if err != nil {
		color.New(errColor).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var history *stats.Database
	if conf.TrainingDBPath != "" {
		history, err = stats.NewDatabase(conf.TrainingDBPath)
		if err != nil {
			color.New(errColor).Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer history.Close()
		if err := history.Init(); err != nil {
			color.New(errColor).Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	agg := dataset.NewAggregator(conf.DataDir, conf.TimezoneLocation())
	runner := training.NewRunner(agg, reg, history, ml.TrainingOptions{
		NumTrees:  conf.Training.NumTrees,
		NumBins:   conf.Training.NumBins,
		Seed:      conf.Training.Seed,
		TestRatio: conf.Training.TestRatio,
		MinRows:   conf.Training.MinRows,
	})
	report, err := runner.Run(ctx)
	if err != nil {
		color.New(errColor).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if report.NoData {
		fmt.Println("no data available for training")
		return
	}
	fmt.Printf("training done\n")
	fmt.Printf("total rows: %d, features: %d\n", report.NumRows, report.NumFeatures)
	fmt.Printf("holdout MAE: %.4f\n", report.MAE)
	fmt.Printf("portable model: %s\n", report.ModelPath)
	if report.MobileError != "" {
		fmt.Printf("mobile export unavailable: %s\n", report.MobileError)

	} else {
		fmt.Printf("mobile model: %s\n", report.MobilePath)
	}
}

// runImport ingests a directory of submission JSON payloads, e.g. data
// copied over from another deployment. Malformed payloads are kept for
// audit but counted separately.
func runImport(conf *cnf.Conf, srcDir string) {
	if srcDir == "" {
		color.New(errColor).Fprintln(os.Stderr, "no source directory specified")
		os.Exit(1)
	}
	store, err := ingest.NewStore(conf.DataDir, conf.UploadsDir)
	if err != nil {
		color.New(errColor).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	files, err := filepath.Glob(filepath.Join(srcDir, "*.json"))
	if err != nil {
		color.New(errColor).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Println("no submission files found")
		return
	}
	sort.Strings(files)

	bar := progressbar.Default(int64(len(files)), "importing submissions")
	var numRows, numMalformed int
	for _, path := range files {
		payload, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("failed to read submission file - skipping")
			bar.Add(1)
			continue
		}
		result, err := store.Ingest(payload, time.Now())
		if err != nil {
			numMalformed++
			log.Warn().Err(err).Str("file", path).Msg("malformed submission retained for audit only")

		} else {
			numRows += result.NumRows
		}
		bar.Add(1)
	}
	fmt.Printf("imported %d files, %d feature rows, %d malformed\n",
		len(files), numRows, numMalformed)
}
