package ml

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainSmallModel(t *testing.T) *Model {
	t.Helper()
	model, _, err := Train(context.Background(), syntheticFrame(60), TrainingOptions{NumTrees: 10})
	require.NoError(t, err)
	return model
}

func sampleVectors(model *Model) [][]float64 {
	ans := make([][]float64, 0, 5)
	for hour := 0; hour < 24; hour += 5 {
		vec := make([]float64, len(model.FeatureNames))
		for i, name := range model.FeatureNames {
			if name == "hourOfDay" {
				vec[i] = float64(hour)
			}
		}
		ans = append(ans, vec)
	}
	return ans
}

func TestPortableRoundtrip(t *testing.T) {
	model := trainSmallModel(t)
	data, err := model.MarshalPortable()
	require.NoError(t, err)

	model2, err := UnmarshalPortable(data)
	require.NoError(t, err)
	assert.Equal(t, model.FeatureNames, model2.FeatureNames)
	assert.Equal(t, model.BinEdges, model2.BinEdges)
	assert.Equal(t, model.BinCenters, model2.BinCenters)
	for _, vec := range sampleVectors(model) {
		assert.Equal(t, model.Predict(vec), model2.Predict(vec))
	}
}

func TestMobileRoundtrip(t *testing.T) {
	model := trainSmallModel(t)
	data, err := model.MarshalMobile()
	require.NoError(t, err)

	model2, err := UnmarshalMobile(data)
	require.NoError(t, err)
	assert.Equal(t, model.FeatureNames, model2.FeatureNames)
	for _, vec := range sampleVectors(model) {
		assert.Equal(t, model.Predict(vec), model2.Predict(vec))
	}
}

func TestUnmarshalMobileRejectsEmptyForest(t *testing.T) {
	_, err := UnmarshalMobile([]byte{0x80}) // empty msgpack map
	assert.Error(t, err)
}

func TestLoadFromFileGzippedPortable(t *testing.T) {
	model := trainSmallModel(t)
	data, err := model.MarshalPortable()
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "model.rf.json.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	model2, err := LoadFromFile(path, EncodingPortable)
	require.NoError(t, err)
	assert.Equal(t, model.FeatureNames, model2.FeatureNames)
}

func TestLoadFromFileUnknownEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("xx"), 0644))
	_, err := LoadFromFile(path, "pickle")
	assert.Error(t, err)
}
