package vision

import (
	"context"
	"fmt"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
	"anomaly-view/internal/infrastructure/imageproc"
)

// DefaultPrompt просит модель вернуть области дефектов в долях от размера.
const DefaultPrompt = `You are a product quality inspector.

Find visible defects on the product in this photo: scratches, dents, cracks,
stains, missing or misaligned parts.

Return JSON only:
{
  "anomalies": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels), x/y is the top-left corner.
- One entry per defect, tight boxes, at most 10 entries.
- If there are no defects, return {"anomalies": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ModelDetector ищет аномалии через мультимодальную модель.
type ModelDetector struct {
	client  port.VisionClient
	Model   string
	Prompt  string
	MaxSide int
	Quality int
}

// NewModelDetector создаёт детектор поверх клиента модели.
func NewModelDetector(client port.VisionClient, model string, maxSide, quality int) *ModelDetector {
	return &ModelDetector{
		client:  client,
		Model:   model,
		Prompt:  DefaultPrompt,
		MaxSide: maxSide,
		Quality: quality,
	}
}

// Detect отправляет уменьшенную копию изображения модели и переводит
// ответ в пиксели натурального изображения.
func (d *ModelDetector) Detect(ctx context.Context, img *entity.UploadedImage) ([]entity.Anomaly, error) {
	data, err := img.Data()
	if err != nil {
		return nil, err
	}

	prepared, err := imageproc.PrepareForModel(data, d.MaxSide, d.Quality)
	if err != nil {
		return nil, fmt.Errorf("prepare image: %w", err)
	}

	raw, err := d.client.Query(ctx, d.Model, d.Prompt, prepared.Data)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}

	boxes, err := parseModelResponse(raw)
	if err != nil {
		return nil, err
	}

	w, h := img.Width, img.Height
	if w <= 0 || h <= 0 {
		w, h = prepared.Width, prepared.Height
	}

	anomalies := make([]entity.Anomaly, 0, len(boxes))
	for _, b := range boxes {
		anomalies = append(anomalies, entity.Anomaly{
			ID:     len(anomalies) + 1,
			X:      b.X * float64(w),
			Y:      b.Y * float64(h),
			Width:  b.W * float64(w),
			Height: b.H * float64(h),
		})
	}
	return anomalies, nil
}

var _ port.AnomalyDetector = (*ModelDetector)(nil)
