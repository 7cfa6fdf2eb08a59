package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
	"anomaly-view/internal/infrastructure/describer"
	"anomaly-view/internal/infrastructure/imageproc"
	"anomaly-view/internal/infrastructure/storage"
	"anomaly-view/internal/infrastructure/vision"
)

// gatedDetector отвечает только после release.
type gatedDetector struct {
	release chan struct{}
	result  []entity.Anomaly
	err     error
	panics  bool
}

func newGatedDetector() *gatedDetector {
	return &gatedDetector{release: make(chan struct{}), result: vision.DefaultSimulatedAnomalies}
}

func (d *gatedDetector) Detect(ctx context.Context, img *entity.UploadedImage) ([]entity.Anomaly, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.panics {
		panic("model crashed")
	}
	return d.result, d.err
}

func pngFile(t *testing.T, name string, w, h int) entity.CandidateFile {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return entity.CandidateFile{Name: name, MediaType: "image/png", Data: buf.Bytes()}
}

func pdfFile() entity.CandidateFile {
	return entity.CandidateFile{Name: "spec.pdf", MediaType: "application/pdf", Data: []byte("%PDF-1.4")}
}

func newService(detector port.AnomalyDetector, opts Options) (*ViewService, *storage.MemorySessionRepository) {
	repo := storage.NewMemorySessionRepository()
	return newServiceWithRepo(repo, detector, opts), repo
}

func newServiceWithRepo(repo port.SessionRepository, detector port.AnomalyDetector, opts Options) *ViewService {
	return NewViewService(
		repo,
		detector,
		imageproc.NewRenderer("png", 90),
		imageproc.NewInspector(),
		describer.NewTextDescriber(),
		opts,
	)
}

func waitSettled(t *testing.T, done <-chan entity.ViewState) entity.ViewState {
	t.Helper()
	select {
	case st, ok := <-done:
		require.True(t, ok, "analysis channel closed without state")
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("analysis did not settle")
		return entity.ViewState{}
	}
}

func TestViewService_DropInvalidFile(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pdfFile()})
	require.ErrorIs(t, err, entity.ErrInvalidFileType)
	require.Equal(t, entity.MsgInvalidFileType, st.Error)
	require.Nil(t, st.Image)
}

func TestViewService_DropValidImage(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pdfFile()})
	require.Error(t, err)

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 300, 200), pdfFile()})
	require.NoError(t, err)
	require.Empty(t, st.Error)
	require.NotNil(t, st.Image)
	require.Equal(t, "part.png", st.Image.Name)
	require.Equal(t, 300, st.Image.Width)
	require.Equal(t, 200, st.Image.Height)
}

func TestViewService_InvalidDropKeepsImage(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)
	first := st.Image

	st, err = svc.Drop(ctx, "s", []entity.CandidateFile{pdfFile()})
	require.ErrorIs(t, err, entity.ErrInvalidFileType)
	require.Same(t, first, st.Image)
	require.False(t, first.Released())
}

func TestViewService_ReplacingImageReleasesPrevious(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "a.png", 10, 10)})
	require.NoError(t, err)
	first := st.Image

	st, err = svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "b.png", 10, 10)})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, st.Image.ID)
	require.True(t, first.Released())
}

func TestViewService_DropEmptyNoChange(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pdfFile()})
	require.Error(t, err)

	st, err := svc.Drop(ctx, "s", nil)
	require.NoError(t, err)
	require.Equal(t, entity.MsgInvalidFileType, st.Error)
}

func TestViewService_DropOversize(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{MaxUploadBytes: 16})
	_, err := svc.Drop(context.Background(), "s", []entity.CandidateFile{pngFile(t, "big.png", 50, 50)})
	require.ErrorIs(t, err, entity.ErrInvalidFileType)
}

func TestViewService_UndecodableImageStillAccepted(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	st, err := svc.Drop(context.Background(), "s", []entity.CandidateFile{{Name: "x.svg", MediaType: "image/svg+xml", Data: []byte("<svg/>")}})
	require.NoError(t, err)
	require.NotNil(t, st.Image)
	require.Zero(t, st.Image.Width)
}

func TestViewService_AnalyzeWithoutImage(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	done, err := svc.Analyze(ctx, "s")
	require.ErrorIs(t, err, entity.ErrNoImageLoaded)
	require.Nil(t, done)

	st, err := svc.State(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, entity.MsgNoImageLoaded, st.Error)
	require.False(t, st.Loading)
	require.Empty(t, st.Anomalies)
}

func TestViewService_AnalyzeSuccess(t *testing.T) {
	det := newGatedDetector()
	svc, _ := newService(det, Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 300, 200)})
	require.NoError(t, err)

	updates, cancel := svc.Subscribe("s")
	defer cancel()

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)

	pending := <-updates
	require.True(t, pending.Loading)
	require.Equal(t, entity.PhaseAnalyzing, pending.Phase())

	close(det.release)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Empty(t, st.Error)
	require.Equal(t, []entity.Anomaly{
		{ID: 1, X: 50, Y: 60, Width: 80, Height: 80},
		{ID: 2, X: 150, Y: 100, Width: 60, Height: 60},
	}, st.Anomalies)

	settled := <-updates
	require.False(t, settled.Loading)

	// канал закрыт после единственного состояния
	_, ok := <-done
	require.False(t, ok)
}

func TestViewService_AnalyzeIsNotReentrant(t *testing.T) {
	det := newGatedDetector()
	svc, _ := newService(det, Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)

	_, err = svc.Analyze(ctx, "s")
	require.ErrorIs(t, err, entity.ErrAnalysisInProgress)

	close(det.release)
	st := waitSettled(t, done)
	require.Len(t, st.Anomalies, 2)
}

func TestViewService_AnalyzeFailureKeepsPriorResults(t *testing.T) {
	det := vision.NewSimulatedDetector(0)
	svc, _ := newService(det, Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 300, 200)})
	require.NoError(t, err)

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)
	prior := waitSettled(t, done).Anomalies
	require.Len(t, prior, 2)

	det.Err = errors.New("backend unavailable")
	done, err = svc.Analyze(ctx, "s")
	require.NoError(t, err)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Equal(t, entity.MsgAnalysisFailed, st.Error)
	require.Equal(t, prior, st.Anomalies)
}

func TestViewService_DetectorPanicIsFailure(t *testing.T) {
	det := newGatedDetector()
	det.panics = true
	close(det.release)
	svc, _ := newService(det, Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Equal(t, entity.MsgAnalysisFailed, st.Error)
}

func TestViewService_AnalysisTimeout(t *testing.T) {
	svc, _ := newService(newGatedDetector(), Options{AnalysisTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Equal(t, entity.MsgAnalysisFailed, st.Error)
}

func TestViewService_NewImageDuringAnalysisDiscardsResult(t *testing.T) {
	det := newGatedDetector()
	svc, _ := newService(det, Options{})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "a.png", 10, 10)})
	require.NoError(t, err)
	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)

	_, err = svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "b.png", 10, 10)})
	require.NoError(t, err)

	close(det.release)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Empty(t, st.Anomalies)
	require.Equal(t, "b.png", st.Image.Name)
}

func TestViewService_ToggleThemeTwice(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.ToggleTheme(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, entity.ThemeDark, st.Theme)

	st, err = svc.ToggleTheme(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, entity.ThemeLight, st.Theme)
}

func TestViewService_OverlayAndDescribe(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	_, _, err := svc.Overlay(ctx, "s")
	require.ErrorIs(t, err, entity.ErrSessionNotFound)

	_, err = svc.Open(ctx, "s", 0)
	require.NoError(t, err)
	_, _, err = svc.Overlay(ctx, "s")
	require.ErrorIs(t, err, entity.ErrNoImageLoaded)

	_, err = svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 300, 200)})
	require.NoError(t, err)
	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)
	waitSettled(t, done)

	data, mime, err := svc.Overlay(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)
	require.NotEmpty(t, data)

	text, err := svc.Describe(ctx, "s")
	require.NoError(t, err)
	require.Contains(t, text, "Anomaly #1: (50, 60)")
	require.Contains(t, text, "Anomaly #2: (150, 100)")
}

func TestViewService_Image(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	file := pngFile(t, "part.png", 10, 10)
	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{file})
	require.NoError(t, err)

	data, mime, err := svc.Image(ctx, "s", st.Image.ID)
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)
	require.Equal(t, file.Data, data)

	_, _, err = svc.Image(ctx, "s", "stale-id")
	require.ErrorIs(t, err, entity.ErrNoImageLoaded)
}

func TestViewService_ResetReleasesImage(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)
	img := st.Image

	st, err = svc.Reset(ctx, "s")
	require.NoError(t, err)
	require.Nil(t, st.Image)
	require.True(t, img.Released())
}

func TestViewService_SweepIdle(t *testing.T) {
	det := newGatedDetector()
	svc, repo := newService(det, Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "idle", []entity.CandidateFile{pngFile(t, "a.png", 10, 10)})
	require.NoError(t, err)
	idleImg := st.Image

	_, err = svc.Drop(ctx, "busy", []entity.CandidateFile{pngFile(t, "b.png", 10, 10)})
	require.NoError(t, err)
	done, err := svc.Analyze(ctx, "busy")
	require.NoError(t, err)

	updates, _ := svc.Subscribe("idle")

	closed, err := svc.SweepIdle(ctx, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	require.True(t, idleImg.Released())

	_, ok := <-updates
	require.False(t, ok)

	_, err = repo.Find(ctx, "idle")
	require.ErrorIs(t, err, entity.ErrSessionNotFound)
	_, err = repo.Find(ctx, "busy")
	require.NoError(t, err)

	close(det.release)
	waitSettled(t, done)
}

func TestViewService_ShutdownWaitsForAnalyses(t *testing.T) {
	svc, repo := newService(vision.NewSimulatedDetector(20*time.Millisecond), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)
	_, err = svc.Analyze(ctx, "s")
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	require.True(t, st.Image.Released())
	_, err = repo.Find(ctx, "s")
	require.ErrorIs(t, err, entity.ErrSessionNotFound)
}

func TestViewService_RejectUpload(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)
	img := st.Image

	st, err = svc.RejectUpload(ctx, "s")
	require.ErrorIs(t, err, entity.ErrInvalidFileType)
	require.Equal(t, entity.MsgInvalidFileType, st.Error)
	require.Same(t, img, st.Image)
}

// stubbornDetector не смотрит на ctx и висит до release.
type stubbornDetector struct {
	release chan struct{}
}

func (d *stubbornDetector) Detect(_ context.Context, _ *entity.UploadedImage) ([]entity.Anomaly, error) {
	<-d.release
	return vision.DefaultSimulatedAnomalies, nil
}

func TestViewService_TimeoutAbandonsDetectorIgnoringContext(t *testing.T) {
	det := &stubbornDetector{release: make(chan struct{})}
	t.Cleanup(func() { close(det.release) })
	svc, _ := newService(det, Options{AnalysisTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "part.png", 10, 10)})
	require.NoError(t, err)

	done, err := svc.Analyze(ctx, "s")
	require.NoError(t, err)
	st := waitSettled(t, done)
	require.False(t, st.Loading)
	require.Equal(t, entity.MsgAnalysisFailed, st.Error)

	st, err = svc.State(ctx, "s")
	require.NoError(t, err)
	require.False(t, st.Loading)
}

// exclusiveRepo проверяет, что между Get и Save по одной сессии
// находится не больше одного вызова.
type exclusiveRepo struct {
	*storage.MemorySessionRepository
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (r *exclusiveRepo) enter() {
	n := r.active.Add(1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			return
		}
	}
}

func (r *exclusiveRepo) Get(ctx context.Context, id string, chatID int64) (*entity.Session, error) {
	r.enter()
	// Расширяем окно пересечения
	time.Sleep(50 * time.Microsecond)
	return r.MemorySessionRepository.Get(ctx, id, chatID)
}

func (r *exclusiveRepo) Save(ctx context.Context, session *entity.Session) error {
	r.active.Add(-1)
	return r.MemorySessionRepository.Save(ctx, session)
}

func (r *exclusiveRepo) Delete(ctx context.Context, id string) (*entity.Session, error) {
	r.enter()
	defer r.active.Add(-1)
	time.Sleep(50 * time.Microsecond)
	return r.MemorySessionRepository.Delete(ctx, id)
}

func TestViewService_CloseKeepsSessionCallsSerialized(t *testing.T) {
	repo := &exclusiveRepo{MemorySessionRepository: storage.NewMemorySessionRepository()}
	svc := newServiceWithRepo(repo, vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				_, err := svc.ToggleTheme(ctx, "s")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 200; j++ {
			err := svc.Close(ctx, "s")
			if err != nil {
				assert.ErrorIs(t, err, entity.ErrSessionNotFound)
			}
		}
	}()

	close(start)
	wg.Wait()
	require.EqualValues(t, 1, repo.maxSeen.Load())

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Empty(t, svc.locks)
}

func TestViewService_OpenConcurrentWithSweep(t *testing.T) {
	svc, _ := newService(vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 500; i++ {
			_, err := svc.Open(ctx, "s", 0)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 500; i++ {
			_, err := svc.SweepIdle(ctx, 0)
			assert.NoError(t, err)
		}
	}()

	close(start)
	wg.Wait()
}

// flakyRepo отказывает в Save, пока выставлен failSave.
type flakyRepo struct {
	*storage.MemorySessionRepository
	failSave atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (r *flakyRepo) Save(ctx context.Context, session *entity.Session) error {
	if r.failSave.Load() {
		return errDiskFull
	}
	return r.MemorySessionRepository.Save(ctx, session)
}

func TestViewService_FailedSaveRollsBack(t *testing.T) {
	repo := &flakyRepo{MemorySessionRepository: storage.NewMemorySessionRepository()}
	svc := newServiceWithRepo(repo, vision.NewSimulatedDetector(0), Options{})
	ctx := context.Background()

	st, err := svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "a.png", 10, 10)})
	require.NoError(t, err)
	first := st.Image

	repo.failSave.Store(true)

	_, err = svc.Drop(ctx, "s", []entity.CandidateFile{pngFile(t, "b.png", 10, 10)})
	require.ErrorIs(t, err, errDiskFull)
	require.False(t, first.Released())

	_, err = svc.Reset(ctx, "s")
	require.ErrorIs(t, err, errDiskFull)
	require.False(t, first.Released())

	_, err = svc.Analyze(ctx, "s")
	require.ErrorIs(t, err, errDiskFull)

	st, err = svc.State(ctx, "s")
	require.NoError(t, err)
	require.Same(t, first, st.Image)
	require.False(t, st.Loading)

	data, _, err := svc.Image(ctx, "s", first.ID)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
