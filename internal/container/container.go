package container

import (
	"fmt"

	"anomaly-view/config"
	app "anomaly-view/internal/application"
	"anomaly-view/internal/domain/port"
	"anomaly-view/internal/infrastructure/describer"
	"anomaly-view/internal/infrastructure/imageproc"
	"anomaly-view/internal/infrastructure/ollama"
	"anomaly-view/internal/infrastructure/storage"
	"anomaly-view/internal/infrastructure/vision"
)

type Container struct {
	Config      *config.Config
	Sessions    port.SessionRepository
	Detector    port.AnomalyDetector
	ViewService *app.ViewService
}

func New(cfg *config.Config, repo port.SessionRepository, detector port.AnomalyDetector) *Container {
	viewService := app.NewViewService(
		repo,
		detector,
		imageproc.NewRenderer(cfg.Overlay.Format, cfg.Overlay.Quality),
		imageproc.NewInspector(),
		describer.NewTextDescriber(),
		app.Options{
			AnalysisTimeout: cfg.Analysis.Timeout,
			MaxUploadBytes:  cfg.Upload.MaxBytes,
		},
	)

	return &Container{
		Config:      cfg,
		Sessions:    repo,
		Detector:    detector,
		ViewService: viewService,
	}
}

// Build собирает контейнер по конфигурации с in-memory хранилищем.
func Build(cfg *config.Config) (*Container, error) {
	detector, err := NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, storage.NewMemorySessionRepository(), detector), nil
}

// NewDetector выбирает бэкенд анализа.
func NewDetector(cfg *config.Config) (port.AnomalyDetector, error) {
	switch cfg.Analysis.Detector {
	case config.DetectorStub, "":
		return vision.NewSimulatedDetector(cfg.Analysis.Delay), nil
	case config.DetectorGoCV:
		return vision.NewContourDetector(cfg.GoCV.MinAreaRatio), nil
	case config.DetectorOllama:
		client, err := ollama.NewClient(cfg.Ollama.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		return vision.NewModelDetector(client, cfg.Ollama.Model, cfg.Ollama.MaxSide, cfg.Ollama.Quality), nil
	default:
		return nil, fmt.Errorf("unknown detector %q", cfg.Analysis.Detector)
	}
}
