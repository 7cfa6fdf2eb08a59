package port

import (
	"context"

	"anomaly-view/internal/domain/entity"
)

// AnomalyDetector интерфейс детектора аномалий
type AnomalyDetector interface {
	// Detect анализирует изображение и возвращает найденные области
	// в пикселях натурального изображения
	Detect(ctx context.Context, img *entity.UploadedImage) ([]entity.Anomaly, error)
}

// OverlayRenderer рисует найденные области поверх изображения
type OverlayRenderer interface {
	// Highlight возвращает закодированное изображение с подсветкой и его MIME-тип
	Highlight(img *entity.UploadedImage, anomalies []entity.Anomaly, theme entity.Theme) ([]byte, string, error)
}

// ImageInspector определяет натуральный размер изображения
type ImageInspector interface {
	Dimensions(data []byte) (width, height int, err error)
}
