package depthmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvfuse3d/internal/models"
)

func TestStoreFloatMap(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "maps"))
	require.NoError(t, err)

	m := models.NewDepthMap(3, 2, 0)
	m.Set(2, 1, 7.5)
	m.Set(0, 0, -1)
	require.NoError(t, s.SaveMap(4, DepthMap, Estimated, m))
	assert.True(t, s.Exists(4, DepthMap, Estimated))
	assert.False(t, s.Exists(4, DepthMap, Filtered))
	assert.Equal(t, "0005_depthMap_estimated.bin", filepath.Base(s.Path(4, DepthMap, Estimated)))

	back, err := s.LoadMap(4, DepthMap, Estimated, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Data, back.Data)
}

func TestStoreSizeMismatch(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveFloat(0, SimMap, Estimated, make([]float32, 5)))

	_, err = s.LoadMap(0, SimMap, Estimated, 3, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSizeMismatch))
}

func TestStoreBytes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveBytes(1, NModMap, Estimated, []uint8{0, 3, 255}))

	back, err := s.LoadBytes(1, NModMap, Estimated)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 3, 255}, back)

	require.NoError(t, s.Remove(1, NModMap, Estimated))
	require.NoError(t, s.Remove(1, NModMap, Estimated))
	assert.False(t, s.Exists(1, NModMap, Estimated))
}

func TestLoadTruncatedArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	// header announces 4 floats, only one follows
	require.NoError(t, os.WriteFile(path, []byte{4, 0, 0, 0, 0, 0, 128, 63}, 0644))
	_, err := LoadFloatArrayFile(path)
	assert.Error(t, err)
}
