// Package visibility reads and writes points-with-cameras files: a leading
// int32 point count, then for every point an int32 camera count followed by
// the camera indices, all little-endian.
package visibility

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"mvfuse3d/internal/models"
)

// maxCamsPerPoint guards against reading garbage as a huge allocation.
const maxCamsPerPoint = 1 << 20

// Write stores the camera list of every point in order.
func Write(path string, pts []models.PointCams) error {
	cams := make([][]int, len(pts))
	for i := range pts {
		cams[i] = pts[i].Cams
	}
	return WriteCams(path, cams)
}

// WriteCams stores one camera list per point.
func WriteCams(path string, cams [][]int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating visibility file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := encode(w, cams); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

func encode(w io.Writer, cams [][]int) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(cams))); err != nil {
		return err
	}
	buf := make([]int32, 0, 16)
	for _, list := range cams {
		buf = buf[:0]
		buf = append(buf, int32(len(list)))
		for _, c := range list {
			buf = append(buf, int32(c))
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadPtsCams returns the camera list of every point in file order.
func ReadPtsCams(path string) ([][]int, error) {
	var out [][]int
	err := scan(path, func(_ int, cams []int32) {
		list := make([]int, len(cams))
		for i, c := range cams {
			list[i] = int(c)
		}
		out = append(out, list)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadUsedCams returns every camera referenced by the file, each once, in
// order of first appearance.
func ReadUsedCams(path string) ([]int, error) {
	seen := make(map[int32]struct{})
	var out []int
	err := scan(path, func(_ int, cams []int32) {
		for _, c := range cams {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, int(c))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan calls fn for every point. The cams slice is reused between calls.
func scan(path string, fn func(pt int, cams []int32)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening visibility file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var npts int32
	if err := binary.Read(r, binary.LittleEndian, &npts); err != nil {
		return errors.Wrapf(err, "reading point count of %s", path)
	}
	if npts < 0 {
		return fmt.Errorf("visibility file %s: negative point count %d", path, npts)
	}

	var cams []int32
	for i := 0; i < int(npts); i++ {
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return errors.Wrapf(err, "reading point %d of %s", i, path)
		}
		if n < 0 || n > maxCamsPerPoint {
			return fmt.Errorf("visibility file %s: point %d has invalid camera count %d", path, i, n)
		}
		if cap(cams) < int(n) {
			cams = make([]int32, n)
		}
		cams = cams[:n]
		if err := binary.Read(r, binary.LittleEndian, cams); err != nil {
			return errors.Wrapf(err, "reading cameras of point %d of %s", i, path)
		}
		fn(i, cams)
	}
	return nil
}
