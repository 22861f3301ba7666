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

package ingest

import (
	"fmt"
	"sort"
	"strconv"
)

// DeviceColumnPrefix is prepended to every device context key when it
// becomes a column of a feature row.
const DeviceColumnPrefix = "device_"

// FeatureRow is one flattened training example. Cell values are kept as
// strings the way they end up in the CSV extracts; an absent key means
// a null cell.
type FeatureRow map[string]string

// Flatten converts one submission into zero or more feature rows, one
// per session record. Each row carries all session keys plus one
// device_<key> column per device context entry. On a derived-name
// collision the device context value wins.
func Flatten(sub *Submission) []FeatureRow {
	if len(sub.Sessions) == 0 {
		return nil
	}
	rows := make([]FeatureRow, len(sub.Sessions))
	for i, session := range sub.Sessions {
		row := make(FeatureRow, len(session)+len(sub.DeviceContext))
		for k, v := range session {
			row[k] = formatScalar(v)
		}
		for k, v := range sub.DeviceContext {
			row[DeviceColumnPrefix+k] = formatScalar(v)
		}
		rows[i] = row
	}
	return rows
}

// Columns returns the sorted union of all column names present in rows.
func Columns(rows []FeatureRow) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// formatScalar renders a JSON scalar the way the training pipeline
// expects it in a CSV cell. Booleans become 0/1 so that boolean device
// flags stay usable as numeric features.
func formatScalar(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		if tv {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
