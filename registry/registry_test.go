package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MustardWombat/BitByteServer/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	reg, err := New(filepath.Join(root, "models"), filepath.Join(root, "backups"))
	require.NoError(t, err)
	return reg
}

func TestNormalizeEncoding(t *testing.T) {
	for input, expected := range map[string]string{
		"portable": ml.EncodingPortable,
		"sklearn":  ml.EncodingPortable,
		"mobile":   ml.EncodingMobile,
		"coreml":   ml.EncodingMobile,
		"CoreML":   ml.EncodingMobile,
	} {
		ans, ok := NormalizeEncoding(input)
		assert.True(t, ok, input)
		assert.Equal(t, expected, ans)
	}
	_, ok := NormalizeEncoding("pickle")
	assert.False(t, ok)
}

func TestBackupWithoutLiveArtifact(t *testing.T) {
	reg := newTestRegistry(t)
	assert.NoError(t, reg.Backup(ml.EncodingPortable))

	entries, err := os.ReadDir(reg.backupsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPublishAndBackup(t *testing.T) {
	reg := newTestRegistry(t)
	path, err := reg.Publish(ml.EncodingPortable, []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, reg.Exists(ml.EncodingPortable))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, reg.Backup(ml.EncodingPortable))
	entries, err := os.ReadDir(reg.backupsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "NotificationTimePredictor.rf_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	// the live copy must stay intact
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))
}

func TestPublishLeavesNoTempFiles(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Publish(ml.EncodingMobile, []byte("abc"))
	require.NoError(t, err)
	_, err = reg.Publish(ml.EncodingMobile, []byte("def"))
	require.NoError(t, err)

	entries, err := os.ReadDir(reg.modelsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "NotificationTimePredictor.mobile.msgpack", entries[0].Name())
}

func TestPublishUnknownEncoding(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Publish("pickle", []byte("x"))
	assert.Error(t, err)
}

func TestMetadata(t *testing.T) {
	reg := newTestRegistry(t)
	meta := reg.Metadata()
	assert.Empty(t, meta.AvailableModels)
	assert.Nil(t, meta.LatestUpdate)

	_, err := reg.Publish(ml.EncodingPortable, []byte("p"))
	require.NoError(t, err)
	_, err = reg.Publish(ml.EncodingMobile, []byte("mm"))
	require.NoError(t, err)

	meta = reg.Metadata()
	require.Len(t, meta.AvailableModels, 2)
	require.NotNil(t, meta.LatestUpdate)
	for _, info := range meta.AvailableModels {
		assert.False(t, info.LastModified.After(*meta.LatestUpdate))
	}
}
