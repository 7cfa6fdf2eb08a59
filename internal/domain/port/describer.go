package port

import (
	"context"

	"anomaly-view/internal/domain/entity"
)

// AnomalyDescriber интерфейс описателя результатов
type AnomalyDescriber interface {
	// Describe строит текстовый список найденных областей
	Describe(ctx context.Context, anomalies []entity.Anomaly) (string, error)
}
