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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	randomforest "github.com/malaschitz/randomForest"
	"github.com/vmihailenco/msgpack/v5"
)

// jsonizedModel is the portable on-disk form. The forest is embedded as
// raw JSON so model metadata stays readable without decoding the trees.
type jsonizedModel struct {
	Forest       json.RawMessage `json:"forest"`
	FeatureNames []string        `json:"featureNames"`
	BinEdges     []float64       `json:"binEdges"`
	BinCenters   []float64       `json:"binCenters"`
	NumTrees     int             `json:"numTrees"`
	TrainedAt    time.Time       `json:"trainedAt"`
	Comment      string          `json:"comment"`
}

// MarshalPortable serializes the model into the portable JSON encoding.
func (m *Model) MarshalPortable() ([]byte, error) {
	forestData, err := json.Marshal(m.Forest)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}
	tmp := jsonizedModel{
		Forest:       forestData,
		FeatureNames: m.FeatureNames,
		BinEdges:     m.BinEdges,
		BinCenters:   m.BinCenters,
		NumTrees:     m.NumTrees,
		TrainedAt:    m.TrainedAt,
		Comment:      m.Comment,
	}
	ans, err := json.Marshal(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}
	return ans, nil
}

// UnmarshalPortable decodes the portable JSON encoding.
func UnmarshalPortable(data []byte) (*Model, error) {
	var tmp jsonizedModel
	if err := json.Unmarshal(data, &tmp); err != nil {
		return nil, fmt.Errorf("failed to load portable model: %w", err)
	}
	var forest randomforest.Forest
	if err := json.Unmarshal(tmp.Forest, &forest); err != nil {
		return nil, fmt.Errorf("failed to load portable model: %w", err)
	}
	return &Model{
		Forest:       &forest,
		FeatureNames: tmp.FeatureNames,
		BinEdges:     tmp.BinEdges,
		BinCenters:   tmp.BinCenters,
		NumTrees:     tmp.NumTrees,
		TrainedAt:    tmp.TrainedAt,
		Comment:      tmp.Comment,
	}, nil
}

// MarshalMobile serializes the model into the compact msgpack encoding
// used for on-device inference.
func (m *Model) MarshalMobile() ([]byte, error) {
	ans, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize mobile model: %w", err)
	}
	return ans, nil
}

// UnmarshalMobile decodes the msgpack encoding.
func UnmarshalMobile(data []byte) (*Model, error) {
	var model Model
	if err := msgpack.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to load mobile model: %w", err)
	}
	if model.Forest == nil {
		return nil, fmt.Errorf("failed to load mobile model: no forest data")
	}
	return &model, nil
}

// LoadFromFile reads a model artifact of the given encoding from disk.
// Portable artifacts may be gzip-compressed.
func LoadFromFile(path, encoding string) (*Model, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	switch encoding {
	case EncodingPortable:
		if isGzip(data) {
			gzReader, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to read model file: %w", err)
			}
			defer gzReader.Close()
			if data, err = io.ReadAll(gzReader); err != nil {
				return nil, fmt.Errorf("failed to read model file: %w", err)
			}
		}
		return UnmarshalPortable(data)
	case EncodingMobile:
		return UnmarshalMobile(data)
	default:
		return nil, fmt.Errorf("unknown model encoding: %s", encoding)
	}
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
