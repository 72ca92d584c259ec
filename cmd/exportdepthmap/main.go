// Command exportdepthmap renders one depth map as WRL point sets at several
// scales and a PNG preview.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/fuse"
	"mvfuse3d/pkg/scene"
)

func main() {
	imagePath := flag.String("image", "", "Image file of the camera")
	depthMapPath := flag.String("depthMap", "", "Depth map file")
	cameraPath := flag.String("cameraFilepath", "", "Camera projection matrix file (.P)")
	outputPath := flag.String("output", "", "Output WRL file; scaled WRL files and a PNG preview are written next to it")
	flag.Parse()

	if *imagePath == "" || *depthMapPath == "" || *cameraPath == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "image, depthMap, cameraFilepath and output are required")
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("exporting depth map",
		"image", *imagePath,
		"depthMap", *depthMapPath,
		"camera", *cameraPath,
		"output", *outputPath)

	if err := export(*imagePath, *depthMapPath, *cameraPath, *outputPath, logger); err != nil {
		logger.Error("export failed", "err", err)
		os.Exit(1)
	}
}

func export(imagePath, depthMapPath, cameraPath, outputPath string, logger *slog.Logger) error {
	w, h, err := scene.ImageSize(imagePath)
	if err != nil {
		return err
	}
	cam, err := scene.LoadCameraFile(0, cameraPath, w, h)
	if err != nil {
		return err
	}
	cam.ImagePath = imagePath
	mp, err := scene.NewParams([]*scene.Camera{cam})
	if err != nil {
		return err
	}

	data, err := depthmap.LoadFloatArrayFile(depthMapPath)
	if err != nil {
		return err
	}
	scale, err := mapScale(w, h, len(data))
	if err != nil {
		return err
	}
	depth := &models.DepthMap{Data: data, Width: w / scale, Height: h / scale}

	f := fuse.NewFuser(mp, nil, fuse.Options{Scale: scale, Logger: logger})
	return f.VisualizeDepthMap(0, outputPath, depth, nil, scale, 1, 1)
}

// mapScale finds the downscale at which a w x h image has n pixels.
func mapScale(w, h, n int) (int, error) {
	for s := 1; s <= min(w, h); s++ {
		if (w/s)*(h/s) == n {
			return s, nil
		}
	}
	return 0, errors.Wrapf(depthmap.ErrSizeMismatch, "%d values do not match a %dx%d image at any scale", n, w, h)
}
