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

package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/rs/zerolog/log"
)

const backupTimestampLayout = "20060102_150405"

var canonicalFilenames = map[string]string{
	ml.EncodingPortable: "NotificationTimePredictor.rf.json",
	ml.EncodingMobile:   "NotificationTimePredictor.mobile.msgpack",
}

// NormalizeEncoding maps an encoding name (including the legacy aliases
// used by older clients) to its canonical value.
func NormalizeEncoding(v string) (string, bool) {
	switch strings.ToLower(v) {
	case ml.EncodingPortable, "sklearn":
		return ml.EncodingPortable, true
	case ml.EncodingMobile, "coreml":
		return ml.EncodingMobile, true
	}
	return "", false
}

// Registry manages the canonical "live" model artifact per encoding
// plus timestamped backups. The live artifact is whichever file sits at
// the canonical path; publishing replaces it atomically via a temp file
// and rename so a concurrently starting prediction service can never
// observe a partially written model.
type Registry struct {
	modelsDir  string
	backupsDir string
}

func New(modelsDir, backupsDir string) (*Registry, error) {
	for _, d := range []string{modelsDir, backupsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}
	return &Registry{modelsDir: modelsDir, backupsDir: backupsDir}, nil
}

// PathFor returns the canonical live path of an encoding.
func (reg *Registry) PathFor(encoding string) (string, error) {
	name, ok := canonicalFilenames[encoding]
	if !ok {
		return "", fmt.Errorf("unknown model encoding: %s", encoding)
	}
	return filepath.Join(reg.modelsDir, name), nil
}

// Exists tests whether a live artifact of the encoding is present.
func (reg *Registry) Exists(encoding string) bool {
	path, err := reg.PathFor(encoding)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Backup copies the live artifact of an encoding into the backups
// directory with a timestamp suffix. It never touches the live copy and
// is a no-op (not an error) when no live artifact exists yet.
func (reg *Registry) Backup(encoding string) error {
	src, err := reg.PathFor(encoding)
	if err != nil {
		return err
	}
	srcFile, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to back up model: %w", err)
	}
	defer srcFile.Close()

	base := filepath.Base(src)
	ext := filepath.Ext(base)
	name := fmt.Sprintf(
		"%s_%s%s",
		strings.TrimSuffix(base, ext),
		time.Now().Format(backupTimestampLayout),
		ext,
	)
	dst, err := os.Create(filepath.Join(reg.backupsDir, name))
	if err != nil {
		return fmt.Errorf("failed to back up model: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, srcFile); err != nil {
		return fmt.Errorf("failed to back up model: %w", err)
	}
	log.Info().Str("encoding", encoding).Str("backup", name).Msg("backed up model artifact")
	return nil
}

// Publish writes a new live artifact for the encoding. The data goes to
// a temporary file first and is renamed into place.
func (reg *Registry) Publish(encoding string, data []byte) (string, error) {
	dst, err := reg.PathFor(encoding)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(reg.modelsDir, ".publish-*")
	if err != nil {
		return "", fmt.Errorf("failed to publish model: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish model: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish model: %w", err)
	}
	return dst, nil
}

// ArtifactInfo describes one live artifact.
type ArtifactInfo struct {
	Type         string    `json:"type"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Metadata lists all live artifacts with their freshness. LatestUpdate
// is null when no artifacts exist at all.
type Metadata struct {
	AvailableModels []ArtifactInfo `json:"available_models"`
	LatestUpdate    *time.Time     `json:"latest_update"`
}

// Metadata never fails - missing artifacts are simply not listed.
func (reg *Registry) Metadata() Metadata {
	ans := Metadata{AvailableModels: make([]ArtifactInfo, 0, len(canonicalFilenames))}
	for _, encoding := range []string{ml.EncodingPortable, ml.EncodingMobile} {
		path, _ := reg.PathFor(encoding)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		modTime := info.ModTime()
		ans.AvailableModels = append(ans.AvailableModels, ArtifactInfo{
			Type:         encoding,
			SizeBytes:    info.Size(),
			LastModified: modTime,
		})
		if ans.LatestUpdate == nil || modTime.After(*ans.LatestUpdate) {
			ans.LatestUpdate = &modTime
		}
	}
	return ans
}
