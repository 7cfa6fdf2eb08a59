package web

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/logger"
)

const sessionCookie = "anomaly_view_session"

// multipartOverhead: запас на заголовки multipart поверх лимита файла.
const multipartOverhead = 1 << 20

//go:embed templates/index.html
var templatesFS embed.FS

// Views: операции экрана, которые нужны веб-интерфейсу.
type Views interface {
	Open(ctx context.Context, sessionID string, chatID int64) (entity.ViewState, error)
	State(ctx context.Context, sessionID string) (entity.ViewState, error)
	Drop(ctx context.Context, sessionID string, files []entity.CandidateFile) (entity.ViewState, error)
	RejectUpload(ctx context.Context, sessionID string) (entity.ViewState, error)
	ToggleTheme(ctx context.Context, sessionID string) (entity.ViewState, error)
	Reset(ctx context.Context, sessionID string) (entity.ViewState, error)
	Analyze(ctx context.Context, sessionID string) (<-chan entity.ViewState, error)
	Image(ctx context.Context, sessionID, imageID string) ([]byte, string, error)
	Overlay(ctx context.Context, sessionID string) ([]byte, string, error)
	Subscribe(sessionID string) (<-chan entity.ViewState, func())
}

// Options: настройки веб-сервера.
type Options struct {
	MaxUploadBytes int64
	SecureCookie   bool
}

// Server отдаёт страницу загрузки и анализа и её JSON/WebSocket API.
type Server struct {
	views    Views
	opts     Options
	mux      *http.ServeMux
	page     *template.Template
	upgrader websocket.Upgrader

	// закрывается при остановке, завершает WebSocket-соединения
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer создаёт сервер и регистрирует маршруты.
func NewServer(views Views, opts Options) (*Server, error) {
	page, err := template.New("index.html").Funcs(template.FuncMap{
		"join": strings.Join,
	}).ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		views: views,
		opts:  opts,
		mux:   http.NewServeMux(),
		page:  page,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("POST /analyze", s.handleAnalyze)
	s.mux.HandleFunc("POST /theme", s.handleTheme)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /image", s.handleImage)
	s.mux.HandleFunc("GET /overlay", s.handleOverlay)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler возвращает корневой обработчик с логированием и перехватом паник.
func (s *Server) Handler() http.Handler {
	return s.logging(s.recovery(s.mux))
}

// Close завершает открытые WebSocket-соединения.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Debug("%s %s -> %d in %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in %s %s: %v", r.Method, r.URL.Path, rec)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter запоминает код ответа для лога.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack нужен апгрейду до WebSocket.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// sessionID возвращает ID сессии из cookie, выдавая новый при необходимости.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	state, err := s.views.Open(r.Context(), id, 0)
	if err != nil {
		logger.Error("open session %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.page.Execute(w, newPageView(state)); err != nil {
		logger.Error("render page: %v", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+multipartOverhead)
	}
	files, err := readCandidates(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if !errors.As(err, &tooBig) && !errors.Is(err, http.ErrNotMultipart) && !errors.Is(err, multipart.ErrMessageTooLarge) {
			logger.Warn("session %s: read upload: %v", id, err)
		}
		state, rerr := s.views.RejectUpload(r.Context(), id)
		s.respond(w, r, state, rerr)
		return
	}

	state, err := s.views.Drop(r.Context(), id, files)
	s.respond(w, r, state, err)
}

// readCandidates читает первый файл из поля file. Пустой список, если файл
// не выбран.
func readCandidates(r *http.Request) ([]entity.CandidateFile, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return nil, nil
	}
	fh := headers[0]

	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	mediaType := fh.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename)))
	}
	return []entity.CandidateFile{{
		Name:      filepath.Base(fh.Filename),
		MediaType: mediaType,
		Data:      data,
	}}, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)

	_, err := s.views.Analyze(r.Context(), id)
	state, serr := s.views.State(r.Context(), id)
	if serr != nil && err == nil {
		err = serr
	}
	s.respond(w, r, state, err)
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	state, err := s.views.ToggleTheme(r.Context(), id)
	s.respond(w, r, state, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	state, err := s.views.Reset(r.Context(), id)
	s.respond(w, r, state, err)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	state, err := s.views.Open(r.Context(), id, 0)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, newStateView(state))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	data, mediaType, err := s.views.Image(r.Context(), id, r.URL.Query().Get("v"))
	if err != nil {
		s.sendBinaryError(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r)
	data, mediaType, err := s.views.Overlay(r.Context(), id)
	if err != nil {
		s.sendBinaryError(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

// respond отвечает JSON-состоянием или редиректом на страницу. Ошибки,
// которые видит пользователь, уже лежат в состоянии.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, state entity.ViewState, err error) {
	status := http.StatusOK
	switch {
	case err == nil, entity.UserMessage(err) != "":
	case errors.Is(err, entity.ErrAnalysisInProgress):
		status = http.StatusConflict
	default:
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
		if wantsJSON(r) {
			s.sendError(w, http.StatusInternalServerError, "internal error")
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	if wantsJSON(r) {
		s.sendJSON(w, status, newStateView(state))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("encode JSON response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

func (s *Server) sendBinaryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrNoImageLoaded),
		errors.Is(err, entity.ErrImageReleased),
		errors.Is(err, entity.ErrSessionNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
	default:
		logger.Error("serve image: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
