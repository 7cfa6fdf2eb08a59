package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anomaly-view/config"
	"anomaly-view/internal/infrastructure/vision"
)

func TestNewDetector(t *testing.T) {
	cfg := config.Default()

	cfg.Analysis.Detector = config.DetectorStub
	cfg.Analysis.Delay = 50 * time.Millisecond
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	sim, ok := d.(*vision.SimulatedDetector)
	require.True(t, ok)
	require.Equal(t, 50*time.Millisecond, sim.Delay)

	cfg.Analysis.Detector = config.DetectorOllama
	d, err = NewDetector(cfg)
	require.NoError(t, err)
	require.IsType(t, &vision.ModelDetector{}, d)

	cfg.Analysis.Detector = config.DetectorGoCV
	d, err = NewDetector(cfg)
	require.NoError(t, err)
	require.IsType(t, &vision.ContourDetector{}, d)

	cfg.Ollama.URL = "ftp://models"
	cfg.Analysis.Detector = config.DetectorOllama
	_, err = NewDetector(cfg)
	require.Error(t, err)

	cfg.Analysis.Detector = "magic"
	_, err = NewDetector(cfg)
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	c, err := Build(config.Default())
	require.NoError(t, err)
	require.NotNil(t, c.ViewService)
	require.NotNil(t, c.Sessions)
}
