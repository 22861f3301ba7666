// Copyright 2025 BitByte AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/MustardWombat/BitByteServer/dataset"
	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/MustardWombat/BitByteServer/stats"
	"github.com/rs/zerolog/log"
)

// Runner performs one full retraining: aggregate all extracts, fit the
// model, back up and publish both encodings, record the run. It runs
// synchronously and blocks the calling goroutine for the whole training
// duration; serious deployments should invoke it off the request path.
type Runner struct {
	agg     *dataset.Aggregator
	reg     *registry.Registry
	history *stats.Database
	opts    ml.TrainingOptions
}

// NewRunner creates a Runner; history may be nil in which case runs are
// not recorded.
func NewRunner(agg *dataset.Aggregator, reg *registry.Registry, history *stats.Database, opts ml.TrainingOptions) *Runner {
	return &Runner{agg: agg, reg: reg, history: history, opts: opts}
}

// Report is the structured outcome of one training invocation. Empty
// data and training failures are first-class values here, not panics.
type Report struct {
	Success     bool    `json:"success"`
	NoData      bool    `json:"noData,omitempty"`
	NumRows     int     `json:"numRows,omitempty"`
	NumFeatures int     `json:"numFeatures,omitempty"`
	MAE         float64 `json:"mae,omitempty"`
	ModelPath   string  `json:"modelPath,omitempty"`
	MobilePath  string  `json:"mobilePath,omitempty"`
	MobileError string  `json:"mobileError,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Run executes one training. A missing dataset is reported as a
// structured no-data outcome with a nil error; a mobile export failure
// is tolerated as long as the portable export succeeds.
func (runner *Runner) Run(ctx context.Context) (Report, error) {
	frame, err := runner.agg.Load()
	if errors.Is(err, dataset.ErrNoDataAvailable) {
		log.Warn().Msg("no data available for training")
		return Report{NoData: true, Error: "no data available for training"}, nil

	} else if err != nil {
		return Report{Error: err.Error()}, err
	}

	model, metrics, err := ml.Train(ctx, frame, runner.opts)
	if err != nil {
		return Report{Error: err.Error()}, err
	}

	report := Report{
		NumRows:     metrics.NumRows,
		NumFeatures: metrics.NumFeatures,
		MAE:         metrics.MAE,
	}
	for _, export := range ml.ExportAll(model, runner.reg) {
		switch export.Encoding {
		case ml.EncodingPortable:
			report.ModelPath = export.Path
			if export.Err == nil {
				report.Success = true
			} else {
				report.Error = export.Error
			}
		case ml.EncodingMobile:
			report.MobilePath = export.Path
			report.MobileError = export.Error
		}
	}
	if !report.Success {
		return report, fmt.Errorf("%w: portable export did not succeed", ml.ErrExportFailure)
	}

	if runner.history != nil {
		_, err := runner.history.InsertRun(stats.TrainingRun{
			NumRows:      metrics.NumRows,
			NumFeatures:  metrics.NumFeatures,
			MAE:          metrics.MAE,
			PortablePath: report.ModelPath,
			MobilePath:   report.MobilePath,
			MobileError:  report.MobileError,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to record training run")
		}
	}
	return report, nil
}
