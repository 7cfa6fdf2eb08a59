package describer

import (
	"context"
	"strings"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
)

// NoAnomalies: текст, когда анализ ничего не нашёл.
const NoAnomalies = "No anomalies detected."

// TextDescriber строит список результатов построчно.
type TextDescriber struct{}

func NewTextDescriber() *TextDescriber {
	return &TextDescriber{}
}

func (d *TextDescriber) Describe(ctx context.Context, anomalies []entity.Anomaly) (string, error) {
	if len(anomalies) == 0 {
		return NoAnomalies, nil
	}

	var b strings.Builder
	b.WriteString("Detected Anomalies")
	for _, a := range anomalies {
		b.WriteString("\n")
		b.WriteString(a.Label())
	}
	return b.String(), nil
}

var _ port.AnomalyDescriber = (*TextDescriber)(nil)
