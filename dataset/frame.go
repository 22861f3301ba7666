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
	"slices"
	"strconv"
	"time"
)

// Calendar feature columns derived from a timestamp when the client did
// not submit them directly.
const (
	ColDayOfWeek    = "dayOfWeek"
	ColHourOfDay    = "hourOfDay"
	ColMinuteOfHour = "minuteOfHour"
	ColTimestamp    = "timestamp"
)

// Frame is a simple column-ordered table of string cells. An empty
// string (or an absent key) represents a null cell.
type Frame struct {
	Columns []string
	Rows    []map[string]string
}

func (frame *Frame) Size() int {
	return len(frame.Rows)
}

func (frame *Frame) HasColumn(name string) bool {
	return slices.Contains(frame.Columns, name)
}

func (frame *Frame) addColumn(name string) {
	if !frame.HasColumn(name) {
		frame.Columns = append(frame.Columns, name)
	}
}

// DropIncomplete removes every row with a null in any column
// (the conservative dropna of the aggregation contract).
func (frame *Frame) DropIncomplete() {
	kept := make([]map[string]string, 0, len(frame.Rows))
	for _, row := range frame.Rows {
		complete := true
		for _, col := range frame.Columns {
			if row[col] == "" {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, row)
		}
	}
	frame.Rows = kept
}

// NumericColumn extracts a column as float64 values. It returns false
// when the column is absent or any cell fails to parse as a number.
func (frame *Frame) NumericColumn(name string) ([]float64, bool) {
	if !frame.HasColumn(name) {
		return nil, false
	}
	ans := make([]float64, len(frame.Rows))
	for i, row := range frame.Rows {
		v, err := strconv.ParseFloat(row[name], 64)
		if err != nil {
			return nil, false
		}
		ans[i] = v
	}
	return ans, true
}

// DeriveCalendarFeatures fills dayOfWeek/hourOfDay/minuteOfHour from the
// timestamp column. The derivation is all-or-nothing: if any of the
// three columns already exists, nothing is derived (which also makes the
// operation idempotent). Without a timestamp column it is a no-op too.
// Day of week is zero-based with Monday = 0.
func (frame *Frame) DeriveCalendarFeatures(loc *time.Location) {
	if frame.HasColumn(ColDayOfWeek) || frame.HasColumn(ColHourOfDay) || frame.HasColumn(ColMinuteOfHour) {
		return
	}
	if !frame.HasColumn(ColTimestamp) {
		return
	}
	frame.addColumn(ColDayOfWeek)
	frame.addColumn(ColHourOfDay)
	frame.addColumn(ColMinuteOfHour)
	for _, row := range frame.Rows {
		t, ok := parseTimestamp(row[ColTimestamp], loc)
		if !ok {
			continue // cells stay null, such rows are unusable for calendar features
		}
		row[ColDayOfWeek] = strconv.Itoa((int(t.Weekday()) + 6) % 7)
		row[ColHourOfDay] = strconv.Itoa(t.Hour())
		row[ColMinuteOfHour] = strconv.Itoa(t.Minute())
	}
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(value string, loc *time.Location) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	// also accept unix epoch seconds (possibly fractional)
	if sec, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Unix(int64(sec), 0).In(loc), true
	}
	return time.Time{}, false
}
