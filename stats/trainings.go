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

package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Database records training run history in a local sqlite3 file.
type Database struct {
	db *sql.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open training database: %w", err)
	}
	return &Database{db: db}, nil
}

func (database *Database) Init() error {
	_, err := database.db.Exec(
		"CREATE TABLE IF NOT EXISTS training_run (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"created INTEGER NOT NULL, " +
			"num_rows INTEGER NOT NULL, " +
			"num_features INTEGER NOT NULL, " +
			"mae FLOAT, " +
			"portable_path TEXT, " +
			"mobile_path TEXT, " +
			"mobile_error TEXT" +
			")",
	)
	if err != nil {
		return fmt.Errorf("failed to create table training_run: %w", err)
	}
	log.Debug().Msg("initialized table `training_run`")
	return nil
}

func (database *Database) Close() error {
	return database.db.Close()
}

// TrainingRun is one completed (possibly partially successful) training.
type TrainingRun struct {
	ID           int       `json:"id"`
	Created      time.Time `json:"created"`
	NumRows      int       `json:"numRows"`
	NumFeatures  int       `json:"numFeatures"`
	MAE          float64   `json:"mae"`
	PortablePath string    `json:"portablePath,omitempty"`
	MobilePath   string    `json:"mobilePath,omitempty"`
	MobileError  string    `json:"mobileError,omitempty"`
}

func (database *Database) InsertRun(run TrainingRun) (int, error) {
	if run.Created.IsZero() {
		run.Created = time.Now()
	}
	ans, err := database.db.Exec(
		"INSERT INTO training_run (created, num_rows, num_features, mae, "+
			"portable_path, mobile_path, mobile_error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		run.Created.Unix(),
		run.NumRows,
		run.NumFeatures,
		run.MAE,
		run.PortablePath,
		run.MobilePath,
		run.MobileError,
	)
	if err != nil {
		return -1, fmt.Errorf("failed to insert training run: %w", err)
	}
	v, err := ans.LastInsertId()
	if err != nil {
		return -1, fmt.Errorf("failed to insert training run: %w", err)
	}
	return int(v), nil
}

// LatestRun returns the most recent training run or nil when the
// history is empty.
func (database *Database) LatestRun() (*TrainingRun, error) {
	row := database.db.QueryRow(
		"SELECT id, created, num_rows, num_features, mae, " +
			"portable_path, mobile_path, mobile_error " +
			"FROM training_run ORDER BY created DESC, id DESC LIMIT 1",
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil

	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch latest training run: %w", err)
	}
	return &run, nil
}

func (database *Database) ListRuns(limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := database.db.Query(
		"SELECT id, created, num_rows, num_features, mae, "+
			"portable_path, mobile_path, mobile_error "+
			"FROM training_run ORDER BY created DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch training runs: %w", err)
	}
	defer rows.Close()
	ans := make([]TrainingRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch training runs: %w", err)
		}
		ans = append(ans, run)
	}
	return ans, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (TrainingRun, error) {
	var run TrainingRun
	var created int64
	var mae sql.NullFloat64
	var portablePath, mobilePath, mobileError sql.NullString
	err := row.Scan(
		&run.ID,
		&created,
		&run.NumRows,
		&run.NumFeatures,
		&mae,
		&portablePath,
		&mobilePath,
		&mobileError,
	)
	if err != nil {
		return run, err
	}
	run.Created = time.Unix(created, 0)
	if mae.Valid {
		run.MAE = mae.Float64
	}
	run.PortablePath = portablePath.String
	run.MobilePath = mobilePath.String
	run.MobileError = mobileError.String
	return run, nil
}
