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

package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/MustardWombat/BitByteServer/dataset"
	randomforest "github.com/malaschitz/randomForest"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingTarget - the aggregated frame has no responseTime column.
	// The trainer never synthesizes labels in that case.
	ErrMissingTarget = errors.New("missing target column")

	// ErrInsufficientData - not enough rows to fit and evaluate a model.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrNoFeatures - no usable (numeric, present) candidate feature columns.
	ErrNoFeatures = errors.New("no usable feature columns")
)

const (
	// TargetColumn is the fixed name of the regression target (seconds).
	TargetColumn = "responseTime"

	// EncodingPortable is the widely-interoperable JSON tree-ensemble form.
	EncodingPortable = "portable"

	// EncodingMobile is the msgpack form intended for on-device inference.
	EncodingMobile = "mobile"
)

var calendarColumns = []string{
	dataset.ColDayOfWeek,
	dataset.ColHourOfDay,
	dataset.ColMinuteOfHour,
}

// TrainingOptions are the trainer hyperparameters. Zero values are
// replaced with the documented defaults.
type TrainingOptions struct {
	NumTrees  int
	NumBins   int
	Seed      uint64
	TestRatio float64
	MinRows   int
}

func (opts TrainingOptions) withDefaults() TrainingOptions {
	if opts.NumTrees == 0 {
		opts.NumTrees = 100
	}
	if opts.NumBins == 0 {
		opts.NumBins = 10
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.TestRatio == 0 {
		opts.TestRatio = 0.2
	}
	if opts.MinRows == 0 {
		opts.MinRows = 10
	}
	return opts
}

// Metrics describes one completed training run. The MAE is measured on
// the held-out split and must be surfaced to the caller, never swallowed.
type Metrics struct {
	NumRows      int     `json:"numRows"`
	NumTrainRows int     `json:"numTrainRows"`
	NumTestRows  int     `json:"numTestRows"`
	NumFeatures  int     `json:"numFeatures"`
	MAE          float64 `json:"mae"`
}

// Model wraps a Random Forest classifier for regression via quantile
// binning of the continuous target: the target range is split into
// quantile bins, the forest classifies a row into a bin and the
// prediction is the vote-weighted average of the bin centers.
type Model struct {
	Forest       *randomforest.Forest `json:"forest"`
	FeatureNames []string             `json:"featureNames"`
	BinEdges     []float64            `json:"binEdges"`
	BinCenters   []float64            `json:"binCenters"`
	NumTrees     int                  `json:"numTrees"`
	TrainedAt    time.Time            `json:"trainedAt"`
	Comment      string               `json:"comment"`
}

// SelectFeatures returns the training feature set: the intersection of
// candidate columns (device_* plus the calendar triple) and columns
// actually present in the frame with fully numeric values.
func SelectFeatures(frame *dataset.Frame) []string {
	ans := make([]string, 0, len(frame.Columns))
	for _, col := range frame.Columns {
		if !strings.HasPrefix(col, "device_") && !isCalendarColumn(col) {
			continue
		}
		if _, ok := frame.NumericColumn(col); !ok {
			continue
		}
		ans = append(ans, col)
	}
	sort.Strings(ans)
	return ans
}

func isCalendarColumn(name string) bool {
	for _, c := range calendarColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Train fits a new model on the aggregated frame. The 80/20 split and
// the target binning are driven by a seeded generator and are
// reproducible for a fixed dataset; the forest itself trains its trees
// with internal parallel randomness, so two runs over identical data
// may produce slightly different ensembles. A persisted artifact always
// loads back to identical predictions.
func Train(ctx context.Context, frame *dataset.Frame, opts TrainingOptions) (*Model, Metrics, error) {
	opts = opts.withDefaults()
	var metrics Metrics

	if !frame.HasColumn(TargetColumn) {
		return nil, metrics, fmt.Errorf("%w: %s", ErrMissingTarget, TargetColumn)
	}
	target, ok := frame.NumericColumn(TargetColumn)
	if !ok {
		return nil, metrics, fmt.Errorf("%w: %s contains non-numeric values", ErrMissingTarget, TargetColumn)
	}
	featNames := SelectFeatures(frame)
	if len(featNames) == 0 {
		return nil, metrics, ErrNoFeatures
	}
	numRows := frame.Size()
	if numRows < opts.MinRows {
		return nil, metrics, fmt.Errorf(
			"%w: got %d rows, need at least %d", ErrInsufficientData, numRows, opts.MinRows)
	}

	featCols := make([][]float64, len(featNames))
	for j, name := range featNames {
		featCols[j], _ = frame.NumericColumn(name)
	}
	matrix := make([][]float64, numRows)
	for i := range frame.Rows {
		if i%100 == 0 && ctx != nil && ctx.Err() != nil {
			return nil, metrics, ctx.Err()
		}
		vec := make([]float64, len(featNames))
		for j := range featNames {
			vec[j] = featCols[j][i]
		}
		matrix[i] = vec
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	perm := rng.Perm(numRows)
	numTest := int(math.Round(float64(numRows) * opts.TestRatio))
	if numTest < 1 {
		numTest = 1
	}
	numTrain := numRows - numTest
	if numTrain < 2 {
		return nil, metrics, fmt.Errorf(
			"%w: %d rows cannot be split into train and test sets", ErrInsufficientData, numRows)
	}
	trainIdx, testIdx := perm[:numTrain], perm[numTrain:]

	trainTargets := make([]float64, numTrain)
	for i, idx := range trainIdx {
		trainTargets[i] = target[idx]
	}
	edges, centers := quantileBins(trainTargets, opts.NumBins)

	xData := make([][]float64, numTrain)
	yData := make([]int, numTrain)
	for i, idx := range trainIdx {
		xData[i] = matrix[idx]
		yData[i] = binOf(edges, target[idx])
	}
	log.Debug().
		Int("dataSize", numTrain).
		Int("numBins", len(centers)).
		Msg("prepared training vectors")

	model := &Model{
		Forest:       &randomforest.Forest{},
		FeatureNames: featNames,
		BinEdges:     edges,
		BinCenters:   centers,
		NumTrees:     opts.NumTrees,
		TrainedAt:    time.Now(),
	}
	model.Forest.Data = randomforest.ForestData{
		X:     xData,
		Class: yData,
	}
	model.Forest.Train(opts.NumTrees)

	if ctx != nil && ctx.Err() != nil {
		return nil, metrics, ctx.Err()
	}

	var absErrSum float64
	for _, idx := range testIdx {
		absErrSum += math.Abs(model.Predict(matrix[idx]) - target[idx])
	}
	metrics = Metrics{
		NumRows:      numRows,
		NumTrainRows: numTrain,
		NumTestRows:  numTest,
		NumFeatures:  len(featNames),
		MAE:          absErrSum / float64(numTest),
	}
	log.Info().
		Int("numRows", metrics.NumRows).
		Int("numFeatures", metrics.NumFeatures).
		Float64("mae", metrics.MAE).
		Msg("trained notification time model")
	model.Comment = fmt.Sprintf(
		"trained on %d rows, %d features, holdout MAE %.4f",
		metrics.NumRows, metrics.NumFeatures, metrics.MAE)
	return model, metrics, nil
}

// Predict estimates the target value for one feature vector ordered
// according to FeatureNames.
func (m *Model) Predict(features []float64) float64 {
	votes := m.Forest.Vote(features)
	var total, weighted float64
	for i, v := range votes {
		if i >= len(m.BinCenters) {
			break
		}
		total += v
		weighted += v * m.BinCenters[i]
	}
	if total == 0 {
		// a degenerate forest; fall back to the mean of bin centers
		var sum float64
		for _, c := range m.BinCenters {
			sum += c
		}
		return sum / float64(len(m.BinCenters))
	}
	return weighted / total
}

// quantileBins computes bin upper boundaries at the k-quantiles of the
// observed target values (duplicates collapsed) plus per-bin centers
// (mean of member values).
func quantileBins(values []float64, numBins int) (edges, centers []float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	edges = make([]float64, 0, numBins-1)
	for i := 1; i < numBins; i++ {
		q := sorted[i*len(sorted)/numBins]
		// an edge at the maximum would leave the top bin permanently empty
		if q >= sorted[len(sorted)-1] {
			break
		}
		if len(edges) == 0 || q > edges[len(edges)-1] {
			edges = append(edges, q)
		}
	}

	sums := make([]float64, len(edges)+1)
	counts := make([]int, len(edges)+1)
	for _, v := range values {
		b := binOf(edges, v)
		sums[b] += v
		counts[b]++
	}
	var globalSum float64
	for _, v := range values {
		globalSum += v
	}
	globalMean := globalSum / float64(len(values))

	centers = make([]float64, len(edges)+1)
	for i := range centers {
		if counts[i] > 0 {
			centers[i] = sums[i] / float64(counts[i])
		} else {
			centers[i] = globalMean
		}
	}
	return edges, centers
}

// binOf maps a target value to its bin index; bin i covers the interval
// (edges[i-1], edges[i]].
func binOf(edges []float64, v float64) int {
	return sort.SearchFloat64s(edges, v)
}
