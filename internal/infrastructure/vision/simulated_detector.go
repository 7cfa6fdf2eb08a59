package vision

import (
	"context"
	"time"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
)

// DefaultSimulatedAnomalies: результат, который возвращает имитация анализа.
var DefaultSimulatedAnomalies = []entity.Anomaly{
	{ID: 1, X: 50, Y: 60, Width: 80, Height: 80},
	{ID: 2, X: 150, Y: 100, Width: 60, Height: 60},
}

// SimulatedDetector имитирует бэкенд: ждёт Delay и возвращает Result
// или Err.
type SimulatedDetector struct {
	Delay  time.Duration
	Result []entity.Anomaly
	Err    error
}

// NewSimulatedDetector создаёт имитацию с фиксированным результатом.
func NewSimulatedDetector(delay time.Duration) *SimulatedDetector {
	return &SimulatedDetector{
		Delay:  delay,
		Result: DefaultSimulatedAnomalies,
	}
}

// Detect ждёт задержку и возвращает копию заданного результата.
func (d *SimulatedDetector) Detect(ctx context.Context, img *entity.UploadedImage) ([]entity.Anomaly, error) {
	if img == nil {
		return nil, entity.ErrNoImageLoaded
	}

	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if d.Err != nil {
		return nil, d.Err
	}
	return entity.CloneAnomalies(d.Result), nil
}

var _ port.AnomalyDetector = (*SimulatedDetector)(nil)
