package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
	"anomaly-view/internal/logger"
)

// Options: ограничения экрана.
type Options struct {
	AnalysisTimeout time.Duration // 0 без ограничения
	MaxUploadBytes  int64         // 0 без ограничения
}

// ViewService управляет экраном загрузки и анализа: приём файла, тема,
// запуск анализа и уведомления подписчиков. Состояние каждой сессии
// меняется под своей блокировкой.
type ViewService struct {
	repo      port.SessionRepository
	detector  port.AnomalyDetector
	renderer  port.OverlayRenderer
	inspector port.ImageInspector
	describer port.AnomalyDescriber
	opts      Options
	newID     func() string

	mu    sync.Mutex
	locks map[string]*sessionLock
	subs  map[string]map[chan entity.ViewState]struct{}

	wg sync.WaitGroup
}

// NewViewService создаёт сервис экрана.
func NewViewService(
	repo port.SessionRepository,
	detector port.AnomalyDetector,
	renderer port.OverlayRenderer,
	inspector port.ImageInspector,
	describer port.AnomalyDescriber,
	opts Options,
) *ViewService {
	return &ViewService{
		repo:      repo,
		detector:  detector,
		renderer:  renderer,
		inspector: inspector,
		describer: describer,
		opts:      opts,
		newID:     uuid.NewString,
		locks:     make(map[string]*sessionLock),
		subs:      make(map[string]map[chan entity.ViewState]struct{}),
	}
}

// sessionLock живёт, пока его кто-то держит или ждёт: все конкурирующие
// вызовы по одной сессии получают один и тот же мьютекс.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lock захватывает блокировку сессии и возвращает функцию её освобождения.
func (s *ViewService) lock(sessionID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

// errSaveSession помечает ошибку сохранения: переход откатан.
var errSaveSession = errors.New("save session")

// update выполняет переход над сессией под её блокировкой, сохраняет
// и рассылает новое состояние. Если сохранить не удалось, состояние
// возвращается к исходному.
func (s *ViewService) update(ctx context.Context, sessionID string, chatID int64, fn func(v *entity.ViewState) error) (entity.ViewState, error) {
	defer s.lock(sessionID)()

	session, err := s.repo.Get(ctx, sessionID, chatID)
	if err != nil {
		return entity.ViewState{}, fmt.Errorf("get session: %w", err)
	}

	before := session.View.Snapshot()
	fnErr := fn(&session.View)

	session.Touch()
	if err := s.repo.Save(ctx, session); err != nil {
		session.View = before
		return before, fmt.Errorf("%w: %w", errSaveSession, err)
	}

	snap := session.View.Snapshot()
	s.notify(sessionID, snap)
	return snap, fnErr
}

// Open возвращает состояние сессии, создавая её при первом обращении.
func (s *ViewService) Open(ctx context.Context, sessionID string, chatID int64) (entity.ViewState, error) {
	defer s.lock(sessionID)()

	session, err := s.repo.Get(ctx, sessionID, chatID)
	if err != nil {
		return entity.ViewState{}, fmt.Errorf("get session: %w", err)
	}
	session.Touch()
	return session.View.Snapshot(), nil
}

// Drop принимает перетащенные или выбранные файлы. Учитывается только
// первый; пустой список ничего не меняет.
func (s *ViewService) Drop(ctx context.Context, sessionID string, files []entity.CandidateFile) (entity.ViewState, error) {
	if len(files) == 0 {
		return s.Open(ctx, sessionID, 0)
	}
	file := files[0]

	var img *entity.UploadedImage
	if s.acceptable(file) {
		w, h, err := s.inspector.Dimensions(file.Data)
		if err != nil {
			// Тип заявлен как image/*, показываем как есть без нормализации координат
			logger.Warn("session %s: cannot read size of %q: %v", sessionID, file.Name, err)
		}
		img = entity.NewUploadedImage(s.newID(), file, w, h)
	}

	var prev *entity.UploadedImage
	state, err := s.update(ctx, sessionID, 0, func(v *entity.ViewState) error {
		v.ClearError()
		if img == nil {
			v.RejectUpload()
			return entity.ErrInvalidFileType
		}
		prev = v.AcceptImage(img)
		return nil
	})
	switch {
	case errors.Is(err, errSaveSession):
		if img != nil {
			img.Release()
		}
		return state, err
	case img == nil:
		logger.Info("session %s: rejected upload %q (%s, %d bytes)", sessionID, file.Name, file.MediaType, len(file.Data))
	default:
		if prev != nil {
			prev.Release()
		}
		logger.Info("session %s: accepted image %s %q %dx%d", sessionID, img.ID, img.Name, img.Width, img.Height)
	}
	return state, err
}

// RejectUpload отклоняет загрузку, которую не удалось прочитать (например,
// превышен лимит размера). Изображение не меняется.
func (s *ViewService) RejectUpload(ctx context.Context, sessionID string) (entity.ViewState, error) {
	return s.update(ctx, sessionID, 0, func(v *entity.ViewState) error {
		v.RejectUpload()
		return entity.ErrInvalidFileType
	})
}

func (s *ViewService) acceptable(f entity.CandidateFile) bool {
	if !f.IsImage() {
		return false
	}
	if s.opts.MaxUploadBytes > 0 && int64(len(f.Data)) > s.opts.MaxUploadBytes {
		return false
	}
	return true
}

// ToggleTheme переключает тему.
func (s *ViewService) ToggleTheme(ctx context.Context, sessionID string) (entity.ViewState, error) {
	return s.update(ctx, sessionID, 0, func(v *entity.ViewState) error {
		v.ToggleTheme()
		return nil
	})
}

// Reset убирает изображение, результаты и ошибку.
func (s *ViewService) Reset(ctx context.Context, sessionID string) (entity.ViewState, error) {
	var prev *entity.UploadedImage
	state, err := s.update(ctx, sessionID, 0, func(v *entity.ViewState) error {
		prev = v.Reset()
		return nil
	})
	if err == nil && prev != nil {
		prev.Release()
	}
	return state, err
}

// Analyze запускает анализ текущего изображения в фоне. Канал получает
// итоговое состояние ровно один раз и закрывается. Анализ не отменяется:
// он завершается успехом, ошибкой или по таймауту.
func (s *ViewService) Analyze(ctx context.Context, sessionID string) (<-chan entity.ViewState, error) {
	var target *entity.UploadedImage
	_, err := s.update(ctx, sessionID, 0, func(v *entity.ViewState) error {
		if err := v.BeginAnalysis(); err != nil {
			return err
		}
		detached, err := v.Image.Detach()
		if err != nil {
			v.FailAnalysis(v.Image.ID)
			return fmt.Errorf("%w: %v", entity.ErrAnalysisFailed, err)
		}
		target = detached
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("session %s: analyzing image %s", sessionID, target.ID)

	done := make(chan entity.ViewState, 1)
	s.wg.Add(1)
	go s.runAnalysis(sessionID, target, done)
	return done, nil
}

func (s *ViewService) runAnalysis(sessionID string, img *entity.UploadedImage, done chan<- entity.ViewState) {
	defer s.wg.Done()
	defer close(done)

	started := time.Now()
	anomalies, err := s.detect(img)

	defer s.lock(sessionID)()

	ctx := context.Background()
	session, findErr := s.repo.Find(ctx, sessionID)
	if findErr != nil {
		logger.Debug("session %s: gone before analysis finished", sessionID)
		return
	}

	if err != nil {
		logger.Warn("session %s: analysis of %s failed after %s: %v", sessionID, img.ID, time.Since(started), err)
		session.View.FailAnalysis(img.ID)
	} else if session.View.CompleteAnalysis(img.ID, anomalies) {
		logger.Info("session %s: %d anomalies in %s", sessionID, len(anomalies), time.Since(started))
	} else {
		logger.Info("session %s: result for replaced image %s discarded", sessionID, img.ID)
	}

	session.Touch()
	if err := s.repo.Save(ctx, session); err != nil {
		logger.Error("session %s: save after analysis: %v", sessionID, err)
	}

	snap := session.View.Snapshot()
	s.notify(sessionID, snap)
	done <- snap
}

type detection struct {
	anomalies []entity.Anomaly
	err       error
}

// detect вызывает детектор с верхней границей времени и ловит панику,
// чтобы флаг загрузки не остался выставленным. Детектор, не уважающий
// ctx, по таймауту бросается: его результат уже никто не ждёт.
func (s *ViewService) detect(img *entity.UploadedImage) ([]entity.Anomaly, error) {
	ctx := context.Background()
	if s.opts.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AnalysisTimeout)
		defer cancel()
	}

	result := make(chan detection, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- detection{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		anomalies, err := s.detector.Detect(ctx, img)
		result <- detection{anomalies: anomalies, err: err}
	}()

	var res detection
	select {
	case res = <-result:
	case <-ctx.Done():
		logger.Warn("analysis of image %s timed out, detector abandoned", img.ID)
		return nil, fmt.Errorf("%w: %w", entity.ErrAnalysisFailed, ctx.Err())
	}

	if res.err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrAnalysisFailed, res.err)
	}
	anomalies := res.anomalies
	for _, a := range anomalies {
		if !a.Valid() {
			return nil, fmt.Errorf("%w: negative geometry in anomaly %d", entity.ErrAnalysisFailed, a.ID)
		}
	}
	return anomalies, nil
}

// State возвращает состояние существующей сессии.
func (s *ViewService) State(ctx context.Context, sessionID string) (entity.ViewState, error) {
	session, err := s.repo.Find(ctx, sessionID)
	if err != nil {
		return entity.ViewState{}, err
	}

	defer s.lock(sessionID)()
	return session.View.Snapshot(), nil
}

// Image возвращает байты текущего изображения, если его ID совпадает с imageID
// (пустой imageID означает любое текущее).
func (s *ViewService) Image(ctx context.Context, sessionID, imageID string) ([]byte, string, error) {
	state, err := s.State(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	img := state.Image
	if img == nil || img.Released() || (imageID != "" && img.ID != imageID) {
		return nil, "", entity.ErrNoImageLoaded
	}
	data, err := state.Image.Data()
	if err != nil {
		return nil, "", err
	}
	return data, state.Image.MediaType, nil
}

// Overlay рисует текущие результаты поверх изображения.
func (s *ViewService) Overlay(ctx context.Context, sessionID string) ([]byte, string, error) {
	state, err := s.State(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if state.Image == nil {
		return nil, "", entity.ErrNoImageLoaded
	}
	return s.renderer.Highlight(state.Image, state.Anomalies, state.Theme)
}

// Describe возвращает текстовый список результатов.
func (s *ViewService) Describe(ctx context.Context, sessionID string) (string, error) {
	state, err := s.State(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.describer.Describe(ctx, state.Anomalies)
}

// Subscribe подписывает на изменения состояния сессии. Медленный
// подписчик получает только последнее состояние. cancel закрывает канал.
func (s *ViewService) Subscribe(sessionID string) (<-chan entity.ViewState, func()) {
	ch := make(chan entity.ViewState, 1)

	s.mu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[chan entity.ViewState]struct{})
	}
	s.subs[sessionID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set, ok := s.subs[sessionID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(s.subs, sessionID)
				}
			}
		})
	}
	return ch, cancel
}

func (s *ViewService) notify(sessionID string, state entity.ViewState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs[sessionID] {
		select {
		case ch <- state:
		default:
			// Вытесняем устаревшее состояние
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Close удаляет сессию, освобождает изображение и закрывает подписки.
func (s *ViewService) Close(ctx context.Context, sessionID string) error {
	defer s.lock(sessionID)()

	session, err := s.repo.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	s.teardown(session)
	return nil
}

func (s *ViewService) teardown(session *entity.Session) {
	if session.View.Image != nil {
		session.View.Image.Release()
	}

	s.mu.Lock()
	for ch := range s.subs[session.ID] {
		close(ch)
	}
	delete(s.subs, session.ID)
	s.mu.Unlock()
}

// SweepIdle закрывает сессии без активности дольше ttl. Сессии с идущим
// анализом не трогает. Возвращает число закрытых.
func (s *ViewService) SweepIdle(ctx context.Context, ttl time.Duration) (int, error) {
	idle, err := s.repo.Idle(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	closed := 0
	for _, session := range idle {
		ok, err := s.closeIfIdle(ctx, session.ID)
		if err != nil && !errors.Is(err, entity.ErrSessionNotFound) {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	if closed > 0 {
		logger.Info("swept %d idle sessions", closed)
	}
	return closed, nil
}

func (s *ViewService) closeIfIdle(ctx context.Context, sessionID string) (bool, error) {
	defer s.lock(sessionID)()

	session, err := s.repo.Find(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.View.Loading {
		return false, nil
	}
	if _, err := s.repo.Delete(ctx, sessionID); err != nil {
		return false, err
	}
	s.teardown(session)
	return true, nil
}

// RunSweeper периодически закрывает простаивающие сессии до отмены ctx.
func (s *ViewService) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepIdle(ctx, ttl); err != nil {
				logger.Error("sweep idle sessions: %v", err)
			}
		}
	}
}

// Shutdown ждёт завершения идущих анализов и освобождает все сессии.
func (s *ViewService) Shutdown(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("wait for analyses: %w", ctx.Err())
	}

	all, err := s.repo.Idle(ctx, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}
	for _, session := range all {
		if err := s.Close(ctx, session.ID); err != nil && !errors.Is(err, entity.ErrSessionNotFound) {
			return err
		}
	}
	return nil
}
