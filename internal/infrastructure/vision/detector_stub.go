//go:build !gocv
// +build !gocv

package vision

import (
	"context"
	"errors"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
)

// ErrGoCVDisabled возвращается, если бинарник собран без тега gocv.
var ErrGoCVDisabled = errors.New("gocv build tag is not enabled")

type ContourDetector struct {
	MinAreaRatio          float64
	MinAspectRatio        float64
	MaxAspectRatio        float64
	MaxSide               int
	MinImageSide          int
	MinSharpnessEdgeRatio float64
	MaxOverexposedRatio   float64
	MaxUnderexposedRatio  float64
}

// NewContourDetector создаёт детектор-заглушку (без OpenCV).
func NewContourDetector(minAreaRatio float64) *ContourDetector {
	return &ContourDetector{MinAreaRatio: minAreaRatio}
}

// Detect возвращает ошибку, если сборка без тега gocv.
func (d *ContourDetector) Detect(ctx context.Context, img *entity.UploadedImage) ([]entity.Anomaly, error) {
	_ = ctx
	_ = img
	return nil, ErrGoCVDisabled
}

var _ port.AnomalyDetector = (*ContourDetector)(nil)
