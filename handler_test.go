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
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MustardWombat/BitByteServer/dataset"
	"github.com/MustardWombat/BitByteServer/index"
	"github.com/MustardWombat/BitByteServer/ingest"
	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/predict"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/MustardWombat/BitByteServer/stats"
	"github.com/MustardWombat/BitByteServer/training"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	engine  *gin.Engine
	actions *Actions
	dataDir string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")

	store, err := ingest.NewStore(dataDir, filepath.Join(root, "uploads"))
	require.NoError(t, err)
	reg, err := registry.New(filepath.Join(root, "models"), filepath.Join(root, "backups"))
	require.NoError(t, err)
	idx, err := index.OpenDB(filepath.Join(root, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	history, err := stats.NewDatabase(filepath.Join(root, "trainings.db"))
	require.NoError(t, err)
	require.NoError(t, history.Init())
	t.Cleanup(func() { history.Close() })

	agg := dataset.NewAggregator(dataDir, nil)
	runner := training.NewRunner(agg, reg, history, ml.TrainingOptions{NumTrees: 10})
	predictor := predict.NewService(reg, predict.Options{})

	actions := &Actions{
		store:     store,
		registry:  reg,
		idx:       idx,
		history:   history,
		runner:    runner,
		predictor: predictor,
		version:   VersionInfo{Version: "test"},
	}
	engine := gin.New()
	engine.GET("/version", actions.Version)
	engine.POST("/api/submit-study-data", actions.SubmitStudyData)
	engine.GET("/api/models/latest", actions.LatestModel)
	engine.POST("/api/train-model", actions.TrainModel)
	engine.GET("/api/stats", actions.Stats)
	engine.GET("/api/trainings", actions.Trainings)
	engine.GET("/health", actions.Health)
	engine.POST("/predict", actions.Predict)
	engine.GET("/download_model", actions.DownloadModel)
	engine.GET("/model_info", actions.ModelInfo)
	engine.POST("/upload_data", actions.UploadData)
	engine.POST("/model/reload", actions.ReloadModel)

	return &testApp{engine: engine, actions: actions, dataDir: dataDir}
}

func (app *testApp) request(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.engine.ServeHTTP(rec, req)
	return rec
}

func submissionPayload(t *testing.T, deviceType string, numSessions int) []byte {
	t.Helper()
	sessions := make([]map[string]any, 0, numSessions)
	for i := 0; i < numSessions; i++ {
		hour := i % 24
		sessions = append(sessions, map[string]any{
			"timestamp":    fmt.Sprintf("2025-06-02 %02d:%02d:00", hour, i%60),
			"responseTime": 20 + hour*2,
		})
	}
	data, err := json.Marshal(map[string]any{
		"deviceContext": map[string]any{
			"deviceType":   deviceType,
			"batteryLevel": 0.75,
		},
		"sessions": sessions,
	})
	require.NoError(t, err)
	return data
}

func TestVersionEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestHealthDegraded(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ans map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, "ok", ans["status"])
	assert.Equal(t, false, ans["model_available"])
}

func TestSubmitStudyData(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/api/submit-study-data", submissionPayload(t, "phone", 3))
	require.Equal(t, http.StatusOK, rec.Code)

	var ans map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, true, ans["success"])
	assert.Equal(t, "Data received successfully", ans["message"])

	extracts, err := filepath.Glob(filepath.Join(app.dataDir, ingest.ExtractFilePrefix+"*.csv"))
	require.NoError(t, err)
	assert.Len(t, extracts, 1)

	statsRec := app.request(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, statsRec.Code)
	var summary index.Summary
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &summary))
	assert.Equal(t, uint32(1), summary.TotalSubmissions)
	assert.Equal(t, uint32(3), summary.TotalSessions)
	assert.Equal(t, uint32(1), summary.Devices["phone"])
}

func TestSubmitMalformedRetainsRaw(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/api/submit-study-data", []byte(`{"deviceContext": {}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	raws, err := filepath.Glob(filepath.Join(app.dataDir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, raws, 1)
	extracts, err := filepath.Glob(filepath.Join(app.dataDir, ingest.ExtractFilePrefix+"*.csv"))
	require.NoError(t, err)
	assert.Empty(t, extracts)
}

func TestPredictWithoutModel(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/predict", []byte(`{"hourOfDay": 9}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredictEmptyFeatures(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/predict", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelInfoEmpty(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/model_info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta registry.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Empty(t, meta.AvailableModels)
	assert.Nil(t, meta.LatestUpdate)
	assert.Contains(t, rec.Body.String(), `"latest_update":null`)
}

func TestLatestModelAbsent(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/api/models/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadModelUnknownType(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/download_model?type=pickle", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrainModelSingleRowFailsGracefully(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/api/submit-study-data", submissionPayload(t, "phone", 1))
	require.Equal(t, http.StatusOK, rec.Code)

	trainRec := app.request(t, http.MethodPost, "/api/train-model", nil)
	require.Equal(t, http.StatusOK, trainRec.Code)

	var report training.Report
	require.NoError(t, json.Unmarshal(trainRec.Body.Bytes(), &report))
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.Error)
}

func TestTrainModelNoData(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/api/train-model", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report training.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.NoData)
	assert.False(t, report.Success)
}

func TestUploadData(t *testing.T) {
	app := newTestApp(t)
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "batch.json")
	require.NoError(t, err)
	_, err = part.Write([]byte(`{"deviceContext": {}, "sessions": []}`))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, "/upload_data", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	app.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ans map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, true, ans["success"])
	assert.Equal(t, "batch.json", ans["file"])
}

func TestSubmitTrainReloadPredict(t *testing.T) {
	app := newTestApp(t)
	for _, device := range []string{"phone", "tablet", "watch"} {
		rec := app.request(t, http.MethodPost, "/api/submit-study-data", submissionPayload(t, device, 40))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	trainRec := app.request(t, http.MethodPost, "/api/train-model", nil)
	require.Equal(t, http.StatusOK, trainRec.Code)
	var report training.Report
	require.NoError(t, json.Unmarshal(trainRec.Body.Bytes(), &report))
	require.True(t, report.Success, report.Error)
	assert.Equal(t, 120, report.NumRows)
	assert.Empty(t, report.MobileError)

	// the prediction service keeps serving its old state until reloaded
	healthRec := app.request(t, http.MethodGet, "/health", nil)
	assert.Contains(t, healthRec.Body.String(), `"model_available":false`)

	reloadRec := app.request(t, http.MethodPost, "/model/reload", nil)
	require.Equal(t, http.StatusOK, reloadRec.Code)
	var reloadAns map[string]any
	require.NoError(t, json.Unmarshal(reloadRec.Body.Bytes(), &reloadAns))
	assert.Equal(t, true, reloadAns["reloaded"])
	assert.Equal(t, ml.EncodingMobile, reloadAns["model_type"])

	predictRec := app.request(
		t,
		http.MethodPost,
		"/predict",
		[]byte(`{"dayOfWeek": 0, "hourOfDay": 14, "minuteOfHour": 30, "device_batteryLevel": 0.75}`),
	)
	require.Equal(t, http.StatusOK, predictRec.Code)
	var prediction predictionResponse
	require.NoError(t, json.Unmarshal(predictRec.Body.Bytes(), &prediction))
	assert.Equal(t, "success", prediction.Status)
	assert.Equal(t, ml.EncodingMobile, prediction.ModelType)
	assert.GreaterOrEqual(t, prediction.Prediction, 20.0)
	assert.LessOrEqual(t, prediction.Prediction, 66.0)

	downloadRec := app.request(t, http.MethodGet, "/download_model?type=coreml", nil)
	assert.Equal(t, http.StatusOK, downloadRec.Code)
	assert.Contains(
		t,
		downloadRec.Header().Get("Content-Disposition"),
		"NotificationTimePredictor.mobile.msgpack",
	)

	infoRec := app.request(t, http.MethodGet, "/model_info", nil)
	var meta registry.Metadata
	require.NoError(t, json.Unmarshal(infoRec.Body.Bytes(), &meta))
	assert.Len(t, meta.AvailableModels, 2)
	require.NotNil(t, meta.LatestUpdate)

	trainingsRec := app.request(t, http.MethodGet, "/api/trainings?limit=5", nil)
	require.Equal(t, http.StatusOK, trainingsRec.Code)
	var trainings struct {
		Trainings []stats.TrainingRun `json:"trainings"`
	}
	require.NoError(t, json.Unmarshal(trainingsRec.Body.Bytes(), &trainings))
	require.Len(t, trainings.Trainings, 1)
	assert.Equal(t, 120, trainings.Trainings[0].NumRows)
}

func TestStatsEmptyIndex(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary index.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, uint32(0), summary.TotalSubmissions)
}

func TestIngestionIsAppendOnly(t *testing.T) {
	app := newTestApp(t)
	// immutable ingestion: a second identical submission appends new
	// files instead of overwriting the first pair
	for i := 0; i < 2; i++ {
		rec := app.request(t, http.MethodPost, "/api/submit-study-data", submissionPayload(t, "phone", 2))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	raws, err := filepath.Glob(filepath.Join(app.dataDir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, raws, 2)

	entries, err := os.ReadDir(app.dataDir)
	require.NoError(t, err)
	numExtracts := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ingest.ExtractFilePrefix) {
			numExtracts++
		}
	}
	assert.Equal(t, 2, numExtracts)
}
