package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"anomaly-view/config"
	"anomaly-view/internal/api/telegram"
	"anomaly-view/internal/api/web"
	"anomaly-view/internal/container"
	"anomaly-view/internal/logger"
)

var version = "dev"

type botRunner interface {
	Run(ctx context.Context) error
}

// newBot подменяется в тестах.
var newBot = func(token string, views telegram.Views, opts telegram.Options) (botRunner, error) {
	bot, err := telegram.NewBot(token, views, opts)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

var (
	configPath string
	addr       string
	detector   string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "anomaly-view",
	Short: "Upload a product image and highlight detected anomalies",
	Long: `anomaly-view serves a single-page interface for uploading a product image,
running an anomaly analysis on it and showing the highlighted regions.
When TELEGRAM_TOKEN is set the same screen is available as a Telegram bot.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().StringVar(&detector, "detector", "", "analysis backend: stub, gocv or ollama (overrides config)")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if detector != "" {
		cfg.Analysis.Detector = detector
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	if debugMode {
		logger.SetDebug(true)
	}

	// Собираем сервисы приложения. Всё, что может не создаться, создаём
	// до запуска фоновых задач и открытия порта.
	c, err := container.Build(cfg)
	if err != nil {
		return err
	}
	views := c.ViewService

	srv, err := web.NewServer(views, web.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		SecureCookie:   cfg.HTTP.SecureCookie,
	})
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}
	defer srv.Close()

	var bot botRunner
	if cfg.TelegramToken != "" {
		bot, err = newBot(cfg.TelegramToken, views, telegram.Options{MaxFileBytes: cfg.Upload.MaxBytes})
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
	} else {
		logger.Info("TELEGRAM_TOKEN is not set, telegram bot disabled")
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Slog().Handler(), slog.LevelError),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go views.RunSweeper(ctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening on %s (detector: %s)", ln.Addr(), cfg.Analysis.Detector)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	botDone := make(chan struct{})
	if bot != nil {
		go func() {
			defer close(botDone)
			logger.Info("telegram bot is running")
			if err := bot.Run(ctx); err != nil {
				errCh <- fmt.Errorf("telegram bot: %w", err)
			}
		}()
	} else {
		close(botDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("%v", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	<-botDone
	if err := views.Shutdown(shutdownCtx); err != nil {
		logger.Warn("view service shutdown: %v", err)
	}
	return runErr
}
