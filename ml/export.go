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
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrExportFailure - no encoding of the model could be published.
var ErrExportFailure = errors.New("model export failed")

// Publisher manages the canonical live artifact locations. It is
// implemented by the model registry.
type Publisher interface {
	// Backup copies the live artifact of an encoding aside (with a
	// timestamp suffix) before it gets overwritten; a no-op when no
	// live artifact exists.
	Backup(encoding string) error

	// Publish atomically replaces the live artifact of an encoding and
	// returns its canonical path.
	Publish(encoding string, data []byte) (string, error)
}

// Export is the outcome of one encoding's export attempt.
type Export struct {
	Encoding string `json:"encoding"`
	Path     string `json:"path,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

func (e Export) OK() bool {
	return e.Err == nil
}

// ExportAll serializes and publishes the model in every encoding. The
// attempts are independent: a failing mobile conversion never blocks
// the portable export. The caller decides what a partial result means
// (a training run counts as successful if at least the portable export
// went through).
func ExportAll(model *Model, pub Publisher) []Export {
	ans := make([]Export, 0, 2)
	for _, encoding := range []string{EncodingPortable, EncodingMobile} {
		ans = append(ans, exportOne(model, pub, encoding))
	}
	return ans
}

func exportOne(model *Model, pub Publisher, encoding string) Export {
	var data []byte
	var err error
	switch encoding {
	case EncodingPortable:
		data, err = model.MarshalPortable()
	case EncodingMobile:
		data, err = model.MarshalMobile()
	}
	if err != nil {
		log.Error().Err(err).Str("encoding", encoding).Msg("model export failed")
		return Export{Encoding: encoding, Err: err, Error: err.Error()}
	}
	if err := pub.Backup(encoding); err != nil {
		// the previous artifact stays live either way; losing a backup
		// copy must not block publishing the new model
		log.Warn().Err(err).Str("encoding", encoding).Msg("failed to back up previous model")
	}
	path, err := pub.Publish(encoding, data)
	if err != nil {
		log.Error().Err(err).Str("encoding", encoding).Msg("model publish failed")
		return Export{Encoding: encoding, Err: err, Error: err.Error()}
	}
	log.Info().Str("encoding", encoding).Str("path", path).Msg("published model artifact")
	return Export{Encoding: encoding, Path: path}
}
