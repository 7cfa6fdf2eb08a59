package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Бэкенды анализа.
const (
	DetectorStub   = "stub"
	DetectorGoCV   = "gocv"
	DetectorOllama = "ollama"
)

type Config struct {
	TelegramToken string         `yaml:"telegram_token"`
	HTTP          HTTPConfig     `yaml:"http"`
	Upload        UploadConfig   `yaml:"upload"`
	Analysis      AnalysisConfig `yaml:"analysis"`
	Ollama        OllamaConfig   `yaml:"ollama"`
	GoCV          GoCVConfig     `yaml:"gocv"`
	Overlay       OverlayConfig  `yaml:"overlay"`
	Session       SessionConfig  `yaml:"session"`
	Log           LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SecureCookie    bool          `yaml:"secure_cookie"` // cookie сессии только по HTTPS
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type AnalysisConfig struct {
	Detector string        `yaml:"detector"`
	Delay    time.Duration `yaml:"delay"`   // задержка stub-детектора
	Timeout  time.Duration `yaml:"timeout"` // верхняя граница одного анализа
}

type OllamaConfig struct {
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	MaxSide int    `yaml:"max_side"` // длинная сторона картинки для модели, 0 означает оригинал
	Quality int    `yaml:"quality"`
}

type GoCVConfig struct {
	MinAreaRatio float64 `yaml:"min_area_ratio"`
}

type OverlayConfig struct {
	Format  string `yaml:"format"` // png | jpeg | webp
	Quality int    `yaml:"quality"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Upload: UploadConfig{
			MaxBytes: 20 << 20,
		},
		Analysis: AnalysisConfig{
			Detector: DetectorStub,
			Delay:    2 * time.Second,
			Timeout:  5 * time.Minute,
		},
		Ollama: OllamaConfig{
			URL:     "http://localhost:11434",
			Model:   "llava",
			MaxSide: 1536,
			Quality: 85,
		},
		GoCV: GoCVConfig{
			MinAreaRatio: 0.001,
		},
		Overlay: OverlayConfig{
			Format:  "png",
			Quality: 90,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load собирает конфигурацию: значения по умолчанию, затем YAML-файл
// (если path не пуст), затем переменные окружения.
func Load(path string) (*Config, error) {
	// Загружаем .env файл (игнорируем ошибку если файла нет)
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.TelegramToken, "TELEGRAM_TOKEN")
	setString(&c.HTTP.Addr, "HTTP_ADDR")
	setString(&c.Analysis.Detector, "DETECTOR")
	setString(&c.Ollama.URL, "OLLAMA_URL")
	setString(&c.Ollama.Model, "OLLAMA_MODEL")
	setString(&c.Overlay.Format, "OVERLAY_FORMAT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")

	if err := setDuration(&c.Analysis.Delay, "ANALYZE_DELAY"); err != nil {
		return err
	}
	if err := setDuration(&c.Analysis.Timeout, "ANALYZE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Session.IdleTTL, "SESSION_IDLE_TTL"); err != nil {
		return err
	}

	if v := os.Getenv("HTTP_SECURE_COOKIE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HTTP_SECURE_COOKIE: %w", err)
		}
		c.HTTP.SecureCookie = b
	}

	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("UPLOAD_MAX_BYTES: %w", err)
		}
		c.Upload.MaxBytes = n
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate проверяет диапазоны значений.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.max_bytes must be positive"))
	}

	switch c.Analysis.Detector {
	case DetectorStub, DetectorGoCV, DetectorOllama:
	default:
		errs = append(errs, fmt.Errorf("analysis.detector %q is unknown (use stub, gocv or ollama)", c.Analysis.Detector))
	}
	if c.Analysis.Delay < 0 {
		errs = append(errs, errors.New("analysis.delay must not be negative"))
	}
	if c.Analysis.Timeout <= 0 {
		errs = append(errs, errors.New("analysis.timeout must be positive"))
	}

	if c.Analysis.Detector == DetectorOllama {
		if c.Ollama.URL == "" || c.Ollama.Model == "" {
			errs = append(errs, errors.New("ollama.url and ollama.model are required for the ollama detector"))
		}
	}
	if c.Ollama.Quality < 1 || c.Ollama.Quality > 100 {
		errs = append(errs, errors.New("ollama.quality must be between 1 and 100"))
	}
	if c.GoCV.MinAreaRatio < 0 || c.GoCV.MinAreaRatio > 1 {
		errs = append(errs, errors.New("gocv.min_area_ratio must be between 0 and 1"))
	}

	switch strings.ToLower(c.Overlay.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		errs = append(errs, fmt.Errorf("overlay.format %q is unknown", c.Overlay.Format))
	}
	if c.Overlay.Quality < 1 || c.Overlay.Quality > 100 {
		errs = append(errs, errors.New("overlay.quality must be between 1 and 100"))
	}

	if c.Session.IdleTTL <= 0 || c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.idle_ttl and session.sweep_interval must be positive"))
	}

	return errors.Join(errs...)
}
