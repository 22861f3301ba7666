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

package cnf

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/czcorpus/cnc-gokit/logging"
	"github.com/rs/zerolog/log"
)

const (
	dfltServerWriteTimeoutSecs = 30
	dfltServerReadTimeoutSecs  = 30
	dfltTimeZone               = "Europe/London"
	dfltNumTrees               = 100
	dfltNumBins                = 10
	dfltSeed                   = 42
	dfltTestRatio              = 0.2
	dfltMinTrainingRows        = 10
)

// TrainingConf configures the tree-ensemble trainer.
type TrainingConf struct {
	NumTrees  int     `json:"numTrees"`
	NumBins   int     `json:"numBins"`
	Seed      uint64  `json:"seed"`
	TestRatio float64 `json:"testRatio"`

	// MinRows is the smallest aggregated dataset the trainer accepts.
	// Anything below that fails with an "insufficient data" error.
	MinRows int `json:"minRows"`
}

// PredictionConf configures the prediction service behavior.
type PredictionConf struct {
	// StrictFeatures - if true, a prediction request missing an expected
	// feature fails; otherwise the missing value is substituted with 0.0.
	StrictFeatures bool `json:"strictFeatures"`

	// EncodingPreference is the order in which model encodings are tried
	// when (re)loading the live artifact.
	EncodingPreference []string `json:"encodingPreference"`
}

type Conf struct {
	srcPath                string
	Logging                logging.LoggingConf `json:"logging"`
	ListenAddress          string              `json:"listenAddress"`
	ListenPort             int                 `json:"listenPort"`
	ServerReadTimeoutSecs  int                 `json:"serverReadTimeoutSecs"`
	ServerWriteTimeoutSecs int                 `json:"serverWriteTimeoutSecs"`
	CorsAllowedOrigins     []string            `json:"corsAllowedOrigins"`
	TimeZone               string              `json:"timeZone"`

	// DataDir stores raw submissions and derived CSV extracts
	DataDir string `json:"dataDir"`

	// ModelsDir holds the live model artifacts (one canonical path per encoding)
	ModelsDir string `json:"modelsDir"`

	// BackupsDir holds timestamp-suffixed copies of replaced artifacts
	BackupsDir string `json:"backupsDir"`

	// UploadsDir is a staging area for raw file uploads
	UploadsDir string `json:"uploadsDir"`

	// IndexDataPath is a directory for the submission counters index
	IndexDataPath string `json:"indexDataPath"`

	// TrainingDBPath is an sqlite3 file recording training run history
	TrainingDBPath string `json:"trainingDbPath"`

	Training   TrainingConf   `json:"training"`
	Prediction PredictionConf `json:"prediction"`
}

func (conf *Conf) TimezoneLocation() *time.Location {
	// we can ignore the error here as the value is validated on start
	loc, _ := time.LoadLocation(conf.TimeZone)
	return loc
}

func LoadConfig(path string) *Conf {
	if path == "" {
		log.Fatal().Msg("Cannot load config - path not specified")
	}
	rawData, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	var conf Conf
	conf.srcPath = path
	err = json.Unmarshal(rawData, &conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	return &conf
}

func ValidateAndDefaults(conf *Conf) {
	if conf.ServerWriteTimeoutSecs == 0 {
		conf.ServerWriteTimeoutSecs = dfltServerWriteTimeoutSecs
		log.Warn().Msgf(
			"serverWriteTimeoutSecs not specified, using default: %d",
			dfltServerWriteTimeoutSecs,
		)
	}
	if conf.ServerReadTimeoutSecs == 0 {
		conf.ServerReadTimeoutSecs = dfltServerReadTimeoutSecs
	}
	if conf.TimeZone == "" {
		conf.TimeZone = dfltTimeZone
		log.Warn().
			Str("timeZone", dfltTimeZone).
			Msg("time zone not specified, using default")
	}
	if _, err := time.LoadLocation(conf.TimeZone); err != nil {
		log.Fatal().Err(err).Msg("invalid time zone")
	}
	if conf.DataDir == "" {
		log.Fatal().Msg("dataDir not specified")
	}
	if conf.ModelsDir == "" {
		log.Fatal().Msg("modelsDir not specified")
	}
	if conf.BackupsDir == "" {
		log.Fatal().Msg("backupsDir not specified")
	}
	if conf.UploadsDir == "" {
		log.Fatal().Msg("uploadsDir not specified")
	}
	for _, d := range []string{conf.DataDir, conf.ModelsDir, conf.BackupsDir, conf.UploadsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			log.Fatal().Err(err).Str("path", d).Msg("failed to create data directory")
		}
	}
	if conf.Training.NumTrees == 0 {
		conf.Training.NumTrees = dfltNumTrees
		log.Warn().Msgf("training.numTrees not specified, using default: %d", dfltNumTrees)
	}
	if conf.Training.NumBins == 0 {
		conf.Training.NumBins = dfltNumBins
	}
	if conf.Training.Seed == 0 {
		conf.Training.Seed = dfltSeed
	}
	if conf.Training.TestRatio == 0 {
		conf.Training.TestRatio = dfltTestRatio
	}
	if conf.Training.TestRatio < 0 || conf.Training.TestRatio >= 1 {
		log.Fatal().Msg(fmt.Sprintf("invalid training.testRatio: %f", conf.Training.TestRatio))
	}
	if conf.Training.MinRows == 0 {
		conf.Training.MinRows = dfltMinTrainingRows
	}
	if len(conf.Prediction.EncodingPreference) == 0 {
		conf.Prediction.EncodingPreference = []string{"mobile", "portable"}
		log.Warn().Msg("prediction.encodingPreference not specified, using mobile,portable")
	}
}
