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

package predict

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrModelUnavailable - the service runs degraded without any
	// loadable model artifact. Health checks still work in this state.
	ErrModelUnavailable = errors.New("no model available for prediction")

	// ErrMissingFeature - a strict-mode prediction request lacks an
	// expected input feature.
	ErrMissingFeature = errors.New("missing feature")
)

// Options control model loading and the missing-feature policy.
type Options struct {
	// StrictFeatures decides between failing on a missing input feature
	// and substituting 0.0 for it.
	StrictFeatures bool

	// EncodingPreference is the order in which encodings are tried on
	// (re)load. Defaults to mobile first, then portable.
	EncodingPreference []string
}

// Result is the outcome of a successful prediction.
type Result struct {
	Prediction float64 `json:"prediction"`
	ModelType  string  `json:"model_type"`
}

// Service serves single-row predictions from the live model. The model
// is loaded once at construction; a publish afterwards has no effect
// until an explicit Reload. The service starts fine without any model,
// it just stays in a degraded state where Predict fails with
// ErrModelUnavailable.
type Service struct {
	reg  *registry.Registry
	opts Options

	lock     sync.RWMutex
	model    *ml.Model
	encoding string
}

func NewService(reg *registry.Registry, opts Options) *Service {
	if len(opts.EncodingPreference) == 0 {
		opts.EncodingPreference = []string{ml.EncodingMobile, ml.EncodingPortable}
	}
	srv := &Service{reg: reg, opts: opts}
	if err := srv.Reload(); err != nil {
		log.Warn().Err(err).Msg("prediction service starting degraded - no usable model")
	}
	return srv
}

// Reload tries the configured encodings in order and swaps in the first
// loadable artifact. Corrupt or missing files make it fall through to
// the next encoding. With nothing loadable the service enters (or
// stays in) the degraded state and ErrModelUnavailable is returned.
func (srv *Service) Reload() error {
	for _, rawEnc := range srv.opts.EncodingPreference {
		encoding, ok := registry.NormalizeEncoding(rawEnc)
		if !ok {
			log.Warn().Str("encoding", rawEnc).Msg("ignoring unknown encoding preference")
			continue
		}
		if !srv.reg.Exists(encoding) {
			continue
		}
		path, err := srv.reg.PathFor(encoding)
		if err != nil {
			continue
		}
		model, err := ml.LoadFromFile(path, encoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", encoding).Msg("failed to load model, trying next encoding")
			continue
		}
		srv.lock.Lock()
		srv.model = model
		srv.encoding = encoding
		srv.lock.Unlock()
		log.Info().
			Str("encoding", encoding).
			Int("numFeatures", len(model.FeatureNames)).
			Time("trainedAt", model.TrainedAt).
			Msg("loaded prediction model")
		return nil
	}
	srv.lock.Lock()
	srv.model = nil
	srv.encoding = ""
	srv.lock.Unlock()
	return ErrModelUnavailable
}

// Available reports whether a model is loaded.
func (srv *Service) Available() bool {
	srv.lock.RLock()
	defer srv.lock.RUnlock()
	return srv.model != nil
}

// ModelType returns the encoding of the loaded model or an empty string
// in the degraded state.
func (srv *Service) ModelType() string {
	srv.lock.RLock()
	defer srv.lock.RUnlock()
	return srv.encoding
}

// Predict runs a single-row prediction on a flat feature mapping.
// Features the model does not know are ignored; expected features
// missing from the input follow the configured policy (hard fail vs.
// 0.0 substitution).
func (srv *Service) Predict(features map[string]float64) (Result, error) {
	srv.lock.RLock()
	defer srv.lock.RUnlock()
	if srv.model == nil {
		return Result{}, ErrModelUnavailable
	}
	vector := make([]float64, len(srv.model.FeatureNames))
	for i, name := range srv.model.FeatureNames {
		v, ok := features[name]
		if !ok {
			if srv.opts.StrictFeatures {
				return Result{}, fmt.Errorf("%w: %s", ErrMissingFeature, name)
			}
			v = 0.0
		}
		vector[i] = v
	}
	ans := srv.model.Predict(vector)
	if math.IsNaN(ans) || math.IsInf(ans, 0) {
		return Result{}, fmt.Errorf("model produced a non-finite prediction")
	}
	return Result{Prediction: ans, ModelType: srv.encoding}, nil
}
