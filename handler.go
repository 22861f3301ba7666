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

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MustardWombat/BitByteServer/index"
	"github.com/MustardWombat/BitByteServer/ingest"
	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/predict"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/MustardWombat/BitByteServer/stats"
	"github.com/MustardWombat/BitByteServer/training"
	"github.com/czcorpus/cnc-gokit/unireq"
	"github.com/czcorpus/cnc-gokit/uniresp"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Actions struct {
	store     *ingest.Store
	registry  *registry.Registry
	idx       *index.DB
	history   *stats.Database
	runner    *training.Runner
	predictor *predict.Service
	version   VersionInfo
}

func (a *Actions) Version(ctx *gin.Context) {
	uniresp.WriteJSONResponse(ctx.Writer, a.version)
}

// SubmitStudyData ingests one submission payload. The raw payload is
// retained even when malformed; malformed payloads answer with 400.
func (a *Actions) SubmitStudyData(ctx *gin.Context) {
	payload, err := ctx.GetRawData()
	if err != nil {
		uniresp.RespondWithErrorJSON(
			ctx,
			fmt.Errorf("failed to read submission: %w", err),
			http.StatusBadRequest,
		)
		return
	}
	result, err := a.store.Ingest(payload, time.Now())
	if errors.Is(err, ingest.ErrMalformedSubmission) {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusBadRequest)
		return

	} else if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	if a.idx != nil {
		if err := a.idx.RecordSubmission(result.DeviceType, result.NumRows, time.Now()); err != nil {
			log.Warn().Err(err).Msg("failed to update submission index")
		}
	}
	uniresp.WriteJSONResponse(
		ctx.Writer,
		map[string]any{
			"success": true,
			"message": "Data received successfully",
		},
	)
}

// LatestModel serves the mobile artifact as a download for client
// devices fetching the current seed model.
func (a *Actions) LatestModel(ctx *gin.Context) {
	path, err := a.registry.PathFor(ml.EncodingMobile)
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("no model available"), http.StatusNotFound)
		return
	}
	downloadName := fmt.Sprintf(
		"NotificationTimePredictor_%s%s",
		info.ModTime().Format("2006-01-02_15:04:05"),
		filepath.Ext(path),
	)
	ctx.FileAttachment(path, downloadName)
}

// TrainModel triggers one synchronous training run. This blocks the
// calling request for the whole training duration.
func (a *Actions) TrainModel(ctx *gin.Context) {
	report, err := a.runner.Run(ctx.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("training run failed")
	}
	// failures are part of the structured report (success flag + error
	// message), matching what the training clients expect
	uniresp.WriteJSONResponse(ctx.Writer, report)
}

func (a *Actions) Health(ctx *gin.Context) {
	uniresp.WriteJSONResponse(
		ctx.Writer,
		map[string]any{
			"status":          "ok",
			"model_available": a.predictor.Available(),
		},
	)
}

type predictionResponse struct {
	Prediction float64 `json:"prediction"`
	ModelType  string  `json:"model_type"`
	Status     string  `json:"status"`
}

// Predict serves a single-row prediction from a flat feature mapping.
func (a *Actions) Predict(ctx *gin.Context) {
	var features map[string]float64
	if err := ctx.BindJSON(&features); err != nil {
		// BindJSON has already set the status code
		return
	}
	if len(features) == 0 {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("no data provided"), http.StatusBadRequest)
		return
	}
	result, err := a.predictor.Predict(features)
	if errors.Is(err, predict.ErrModelUnavailable) {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusNotFound)
		return

	} else if errors.Is(err, predict.ErrMissingFeature) {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusUnprocessableEntity)
		return

	} else if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	uniresp.WriteJSONResponse(
		ctx.Writer,
		predictionResponse{
			Prediction: result.Prediction,
			ModelType:  result.ModelType,
			Status:     "success",
		},
	)
}

// DownloadModel serves an artifact by requested encoding. The legacy
// type aliases (coreml, sklearn) of older clients are accepted.
func (a *Actions) DownloadModel(ctx *gin.Context) {
	reqType := ctx.DefaultQuery("type", ml.EncodingPortable)
	encoding, ok := registry.NormalizeEncoding(reqType)
	if !ok {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("unknown model type: %s", reqType), http.StatusBadRequest)
		return
	}
	path, err := a.registry.PathFor(encoding)
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	if _, err := os.Stat(path); err != nil {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("requested model not available"), http.StatusNotFound)
		return
	}
	ctx.FileAttachment(path, filepath.Base(path))
}

// ModelInfo reports per-encoding artifact freshness. It answers a
// structured payload even with no artifacts at all (latest_update null).
func (a *Actions) ModelInfo(ctx *gin.Context) {
	uniresp.WriteJSONResponse(ctx.Writer, a.registry.Metadata())
}

// UploadData accepts a raw file into the staging area without any
// format validation.
func (a *Actions) UploadData(ctx *gin.Context) {
	file, err := ctx.FormFile("file")
	if err != nil {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("no file provided: %w", err), http.StatusBadRequest)
		return
	}
	src, err := file.Open()
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	defer src.Close()
	path, err := a.store.SaveUpload(file.Filename, src)
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	uniresp.WriteJSONResponse(
		ctx.Writer,
		map[string]any{
			"success": true,
			"file":    filepath.Base(path),
		},
	)
}

// Stats reports dashboard numbers from the submission index.
func (a *Actions) Stats(ctx *gin.Context) {
	if a.idx == nil {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("submission index not configured"), http.StatusNotFound)
		return
	}
	summary, err := a.idx.Summary()
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	uniresp.WriteJSONResponse(ctx.Writer, summary)
}

// Trainings lists recent training runs.
func (a *Actions) Trainings(ctx *gin.Context) {
	if a.history == nil {
		uniresp.RespondWithErrorJSON(
			ctx, fmt.Errorf("training history not configured"), http.StatusNotFound)
		return
	}
	limit, ok := unireq.GetURLIntArgOrFail(ctx, "limit", 10)
	if !ok {
		return
	}
	runs, err := a.history.ListRuns(limit)
	if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	uniresp.WriteJSONResponse(ctx.Writer, map[string]any{"trainings": runs})
}

// ReloadModel makes the prediction service pick up a freshly published
// artifact without a process restart.
func (a *Actions) ReloadModel(ctx *gin.Context) {
	err := a.predictor.Reload()
	if errors.Is(err, predict.ErrModelUnavailable) {
		uniresp.WriteJSONResponse(
			ctx.Writer,
			map[string]any{
				"reloaded":        false,
				"model_available": false,
			},
		)
		return

	} else if err != nil {
		uniresp.RespondWithErrorJSON(ctx, err, http.StatusInternalServerError)
		return
	}
	uniresp.WriteJSONResponse(
		ctx.Writer,
		map[string]any{
			"reloaded":   true,
			"model_type": a.predictor.ModelType(),
		},
	)
}
