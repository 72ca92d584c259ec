// Package depthmap persists per-camera depth, similarity and modal-count maps
// as flat little-endian arrays.
package depthmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"

	"mvfuse3d/internal/models"
)

// ErrSizeMismatch is returned when a stored map does not have the size its
// camera requires. Callers treat it as a fatal configuration error.
var ErrSizeMismatch = errors.New("depth map size mismatch")

// Kind identifies the content of a map file.
type Kind string

const (
	DepthMap Kind = "depthMap"
	SimMap   Kind = "simMap"
	NModMap  Kind = "nmodMap"
)

// Stage identifies which pipeline step produced a map.
type Stage string

const (
	Estimated Stage = "estimated"
	Filtered  Stage = "filtered"
)

// Store keeps map files of all cameras in one directory.
type Store struct {
	Dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.Wrap(err, "creating depth map directory")
	}
	return &Store{Dir: dir}, nil
}

// Path returns the file name of a map. Cameras are numbered from 1 on disk.
func (s *Store) Path(rc int, kind Kind, stage Stage) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%04d_%s_%s.bin", rc+1, kind, stage))
}

// Exists reports whether the map file is present.
func (s *Store) Exists(rc int, kind Kind, stage Stage) bool {
	_, err := os.Stat(s.Path(rc, kind, stage))
	return err == nil
}

// LoadFloat reads a float map.
func (s *Store) LoadFloat(rc int, kind Kind, stage Stage) ([]float32, error) {
	return LoadFloatArrayFile(s.Path(rc, kind, stage))
}

// SaveFloat writes a float map.
func (s *Store) SaveFloat(rc int, kind Kind, stage Stage, data []float32) error {
	return SaveArrayFile(s.Path(rc, kind, stage), data)
}

// LoadBytes reads a byte map.
func (s *Store) LoadBytes(rc int, kind Kind, stage Stage) ([]uint8, error) {
	return LoadByteArrayFile(s.Path(rc, kind, stage))
}

// SaveBytes writes a byte map.
func (s *Store) SaveBytes(rc int, kind Kind, stage Stage, data []uint8) error {
	return SaveArrayFile(s.Path(rc, kind, stage), data)
}

// LoadMap reads a float map and checks it has width*height entries.
func (s *Store) LoadMap(rc int, kind Kind, stage Stage, width, height int) (*models.DepthMap, error) {
	data, err := s.LoadFloat(rc, kind, stage)
	if err != nil {
		return nil, err
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%w: camera %d %s/%s has %d values, expected %dx%d",
			ErrSizeMismatch, rc, kind, stage, len(data), width, height)
	}
	return &models.DepthMap{Data: data, Width: width, Height: height}, nil
}

// SaveMap writes m.
func (s *Store) SaveMap(rc int, kind Kind, stage Stage, m *models.DepthMap) error {
	return s.SaveFloat(rc, kind, stage, m.Data)
}

// Remove deletes a map file, ignoring missing ones.
func (s *Store) Remove(rc int, kind Kind, stage Stage) error {
	err := os.Remove(s.Path(rc, kind, stage))
	if err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "removing map")
	}
	return nil
}

// SaveArrayFile writes an int32 element count followed by the elements.
func SaveArrayFile[T float32 | uint8 | int32](path string, data []T) error {
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrap(err, "creating array file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, int32(len(data))); err != nil {
		return pkgerrors.Wrapf(err, "writing %s", path)
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return pkgerrors.Wrapf(err, "writing %s", path)
	}
	if err := w.Flush(); err != nil {
		return pkgerrors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// LoadFloatArrayFile reads a file written by SaveArrayFile with float32 data.
func LoadFloatArrayFile(path string) ([]float32, error) {
	return loadArrayFile[float32](path)
}

// LoadByteArrayFile reads a file written by SaveArrayFile with uint8 data.
func LoadByteArrayFile(path string) ([]uint8, error) {
	return loadArrayFile[uint8](path)
}

func loadArrayFile[T float32 | uint8 | int32](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "opening array file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, pkgerrors.Wrapf(err, "reading header of %s", path)
	}
	if n < 0 {
		return nil, fmt.Errorf("array file %s: negative element count %d", path, n)
	}

	data := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, pkgerrors.Wrapf(err, "reading %d elements of %s", n, path)
	}
	return data, nil
}
