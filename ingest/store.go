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
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ExtractFilePrefix marks derived tabular extracts in the data directory.
	ExtractFilePrefix = "processed_"

	fileTimestampLayout = "20060102_150405"
)

// Store persists raw submissions and derived CSV extracts on the
// filesystem. All writes are append-only: every submission produces new
// files, merging happens only at training time.
type Store struct {
	dataDir    string
	uploadsDir string
}

func NewStore(dataDir, uploadsDir string) (*Store, error) {
	for _, d := range []string{dataDir, uploadsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Store{dataDir: dataDir, uploadsDir: uploadsDir}, nil
}

func (store *Store) DataDir() string {
	return store.dataDir
}

// IngestResult describes what one accepted submission produced.
type IngestResult struct {
	RawFile     string `json:"rawFile"`
	ExtractFile string `json:"extractFile,omitempty"`
	NumRows     int    `json:"numRows"`
	DeviceType  string `json:"deviceType"`
}

// Ingest writes the raw payload, validates it and appends a new CSV
// extract with the flattened feature rows. The raw file is written even
// for malformed payloads so they stay available for audit; in that case
// the returned error wraps ErrMalformedSubmission and no extract is
// produced. A submission with zero sessions is accepted and simply
// produces no extract.
func (store *Store) Ingest(payload []byte, now time.Time) (*IngestResult, error) {
	sub, parseErr := ParseSubmission(payload)
	deviceType := unknownDeviceType
	if sub != nil {
		deviceType = sub.DeviceType()
	}
	rawFile, err := store.saveRaw(payload, deviceType, now)
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return &IngestResult{RawFile: rawFile, DeviceType: deviceType}, parseErr
	}
	rows := Flatten(sub)
	ans := &IngestResult{
		RawFile:    rawFile,
		NumRows:    len(rows),
		DeviceType: deviceType,
	}
	if len(rows) == 0 {
		return ans, nil
	}
	extractFile, err := store.writeExtract(rows, now)
	if err != nil {
		return ans, err
	}
	ans.ExtractFile = extractFile
	return ans, nil
}

// saveRaw stores one submission payload as a JSON file named after the
// ingestion timestamp and device type. A short random suffix avoids the
// same-second collision between submissions of the same device type.
func (store *Store) saveRaw(payload []byte, deviceType string, now time.Time) (string, error) {
	name := fmt.Sprintf(
		"%s_%s_%04x.json",
		now.Format(fileTimestampLayout),
		sanitizeNamePart(deviceType),
		rand.Uint32N(0x10000),
	)
	fullPath := filepath.Join(store.dataDir, name)
	if err := os.WriteFile(fullPath, payload, 0644); err != nil {
		return "", fmt.Errorf("failed to save raw submission: %w", err)
	}
	log.Debug().Str("file", name).Msg("stored raw submission")
	return fullPath, nil
}

func (store *Store) writeExtract(rows []FeatureRow, now time.Time) (string, error) {
	name := fmt.Sprintf(
		"%s%s_%04x.csv",
		ExtractFilePrefix,
		now.Format(fileTimestampLayout),
		rand.Uint32N(0x10000),
	)
	fullPath := filepath.Join(store.dataDir, name)
	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to write extract: %w", err)
	}
	defer file.Close()

	cols := Columns(rows)
	writer := csv.NewWriter(file)
	if err := writer.Write(cols); err != nil {
		return "", fmt.Errorf("failed to write extract: %w", err)
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i, col := range cols {
			record[i] = row[col]
		}
		if err := writer.Write(record); err != nil {
			return "", fmt.Errorf("failed to write extract: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to write extract: %w", err)
	}
	log.Debug().Str("file", name).Int("numRows", len(rows)).Msg("stored feature extract")
	return fullPath, nil
}

// SaveUpload stores an arbitrary uploaded file into the staging area.
// No format validation is performed.
func (store *Store) SaveUpload(name string, src io.Reader) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = fmt.Sprintf("upload_%s", time.Now().Format(fileTimestampLayout))
	}
	fullPath := filepath.Join(store.uploadsDir, base)
	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return fullPath, nil
}

func sanitizeNamePart(v string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '_'
	}, v)
}
