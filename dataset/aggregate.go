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

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoDataAvailable signals an empty training set - either no extracts
// exist at all or the null filtering removed every row. Callers should
// treat it as a structured "nothing to do", not a failure.
var ErrNoDataAvailable = errors.New("no data available")

const extractGlob = "processed_*.csv"

// Aggregator merges all persisted CSV extracts into one training frame.
type Aggregator struct {
	dataDir string
	loc     *time.Location
}

func NewAggregator(dataDir string, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{dataDir: dataDir, loc: loc}
}

// Load scans every extract and returns one combined frame with
// column-union semantics, incomplete rows dropped and calendar features
// derived from timestamps where the clients did not provide them.
// Extracts failing to parse are skipped with a warning.
func (agg *Aggregator) Load() (*Frame, error) {
	files, err := filepath.Glob(filepath.Join(agg.dataDir, extractGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to scan extracts: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoDataAvailable
	}
	sort.Strings(files)

	frame := &Frame{}
	numSkipped := 0
	for _, path := range files {
		cols, rows, err := readExtract(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping unreadable extract")
			numSkipped++
			continue
		}
		for _, col := range cols {
			frame.addColumn(col)
		}
		frame.Rows = append(frame.Rows, rows...)
	}
	if numSkipped > 0 {
		log.Warn().
			Int("numSkipped", numSkipped).
			Int("numFiles", len(files)).
			Msg("some extracts were not loadable")
	}

	frame.DropIncomplete()
	frame.DeriveCalendarFeatures(agg.loc)
	// an unparsable timestamp leaves the derived cells null, so the rows
	// must be filtered again - one bad timestamp costs its row, never the
	// whole calendar column set
	frame.DropIncomplete()
	if frame.Size() == 0 {
		return nil, ErrNoDataAvailable
	}
	log.Info().
		Int("numRows", frame.Size()).
		Int("numColumns", len(frame.Columns)).
		Msg("aggregated training frame")
	return frame, nil
}

func readExtract(path string) ([]string, []map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read extract: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read extract: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("extract %s is empty", filepath.Base(path))
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
