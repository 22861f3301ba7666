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
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MustardWombat/BitByteServer/cnf"
	"github.com/MustardWombat/BitByteServer/dataset"
	"github.com/MustardWombat/BitByteServer/index"
	"github.com/MustardWombat/BitByteServer/ingest"
	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/MustardWombat/BitByteServer/predict"
	"github.com/MustardWombat/BitByteServer/registry"
	"github.com/MustardWombat/BitByteServer/stats"
	"github.com/MustardWombat/BitByteServer/training"
	"github.com/czcorpus/cnc-gokit/logging"
	"github.com/czcorpus/cnc-gokit/uniresp"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type service interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// ----------------------

func getRequestOrigin(ctx *gin.Context) string {
	currOrigin, ok := ctx.Request.Header["Origin"]
	if ok {
		return currOrigin[0]
	}
	return ""
}

func CORSMiddleware(conf *cnf.Conf) gin.HandlerFunc {
	return func(ctx *gin.Context) {

		var allowedOrigin string
		currOrigin := getRequestOrigin(ctx)
		for _, origin := range conf.CorsAllowedOrigins {
			if currOrigin == origin {
				allowedOrigin = origin
				break
			}
		}
		if allowedOrigin != "" {
			ctx.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			ctx.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			ctx.Writer.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With",
			)
			ctx.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		}

		if ctx.Request.Method == "OPTIONS" {
			ctx.AbortWithStatus(204)
			return
		}
		ctx.Next()
	}
}

// ------

type apiServer struct {
	conf    *cnf.Conf
	server  *http.Server
	actions *Actions
	version VersionInfo
}

func (api *apiServer) Start(ctx context.Context) {
	if !api.conf.Logging.Level.IsDebugMode() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logging.GinMiddleware())
	engine.Use(uniresp.AlwaysJSONContentType())
	engine.Use(CORSMiddleware(api.conf))
	engine.NoMethod(uniresp.NoMethodHandler)
	engine.NoRoute(uniresp.NotFoundHandler)

	engine.GET("/version", api.actions.Version)
	engine.POST("/api/submit-study-data", api.actions.SubmitStudyData)
	engine.GET("/api/models/latest", api.actions.LatestModel)
	engine.POST("/api/train-model", api.actions.TrainModel)
	engine.GET("/api/stats", api.actions.Stats)
	engine.GET("/api/trainings", api.actions.Trainings)
	engine.GET("/health", api.actions.Health)
	engine.POST("/predict", api.actions.Predict)
	engine.GET("/download_model", api.actions.DownloadModel)
	engine.GET("/model_info", api.actions.ModelInfo)
	engine.POST("/upload_data", api.actions.UploadData)
	engine.POST("/model/reload", api.actions.ReloadModel)

	log.Info().Msgf("starting to listen at %s:%d", api.conf.ListenAddress, api.conf.ListenPort)
	api.server = &http.Server{
		Handler:      engine,
		Addr:         fmt.Sprintf("%s:%d", api.conf.ListenAddress, api.conf.ListenPort),
		WriteTimeout: time.Duration(api.conf.ServerWriteTimeoutSecs) * time.Second,
		ReadTimeout:  time.Duration(api.conf.ServerReadTimeoutSecs) * time.Second,
	}
	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()
}

func (api *apiServer) Stop(ctx context.Context) error {
	log.Warn().Msg("shutting down BitByteServer HTTP API server")
	return api.server.Shutdown(ctx)
}

// -------------------------

func runAPIServer(
	ctx context.Context,
	conf *cnf.Conf,
	version VersionInfo,
) {
	store, err := ingest.NewStore(conf.DataDir, conf.UploadsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open submission store")
		return
	}
	reg, err := registry.New(conf.ModelsDir, conf.BackupsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open model registry")
		return
	}

	var idx *index.DB
	if conf.IndexDataPath != "" {
		idx, err = index.OpenDB(conf.IndexDataPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open submission index")
			return
		}
		defer idx.Close()
	}

	var history *stats.Database
	if conf.TrainingDBPath != "" {
		history, err = stats.NewDatabase(conf.TrainingDBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open training database")
			return
		}
		if err := history.Init(); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize training database")
			return
		}
		defer history.Close()
	}

	agg := dataset.NewAggregator(conf.DataDir, conf.TimezoneLocation())
	runner := training.NewRunner(agg, reg, history, ml.TrainingOptions{
		NumTrees:  conf.Training.NumTrees,
		NumBins:   conf.Training.NumBins,
		Seed:      conf.Training.Seed,
		TestRatio: conf.Training.TestRatio,
		MinRows:   conf.Training.MinRows,
	})
	predictor := predict.NewService(reg, predict.Options{
		StrictFeatures:     conf.Prediction.StrictFeatures,
		EncodingPreference: conf.Prediction.EncodingPreference,
	})

	server := &apiServer{
		conf:    conf,
		version: version,
		actions: &Actions{
			store:     store,
			registry:  reg,
			idx:       idx,
			history:   history,
			runner:    runner,
			predictor: predictor,
			version:   version,
		},
	}

	services := []service{server}
	for _, m := range services {
		m.Start(ctx)
	}
	<-ctx.Done()
	log.Warn().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range services {
		wg.Add(1)
		go func(srv service) {
			defer wg.Done()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Type("service", srv).Msg("Error shutting down service")
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timed out")
	}
}
