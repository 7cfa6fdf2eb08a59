package entity

// Phase: фаза конечного автомата анализа.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAnalyzing Phase = "analyzing"
)

// ViewState: всё состояние экрана загрузки и анализа. Меняется только
// через методы переходов ниже.
type ViewState struct {
	Theme     Theme          `json:"theme"`
	Image     *UploadedImage `json:"image,omitempty"`
	Anomalies []Anomaly      `json:"anomalies"`
	Error     string         `json:"error,omitempty"`
	Loading   bool           `json:"loading"`

	// ID изображения, которое сейчас анализируется.
	AnalyzingID string `json:"-"`
}

// NewViewState возвращает начальное состояние.
func NewViewState() ViewState {
	return ViewState{Theme: ThemeLight}
}

// Phase вычисляет фазу по флагу загрузки.
func (s *ViewState) Phase() Phase {
	if s.Loading {
		return PhaseAnalyzing
	}
	return PhaseIdle
}

// ToggleTheme переключает тему.
func (s *ViewState) ToggleTheme() {
	s.Theme = s.Theme.Toggle()
}

// AcceptImage заменяет текущее изображение новым и сбрасывает ошибку.
// Результаты прошлого изображения к новому не относятся и очищаются.
// Возвращает предыдущее изображение, которое вызывающий должен освободить.
func (s *ViewState) AcceptImage(img *UploadedImage) *UploadedImage {
	prev := s.Image
	s.Image = img
	s.Error = ""
	s.Anomalies = nil
	return prev
}

// RejectUpload выставляет ошибку неверного файла. Изображение не меняется.
func (s *ViewState) RejectUpload() {
	s.Error = MsgInvalidFileType
}

// ClearError сбрасывает баннер ошибки.
func (s *ViewState) ClearError() {
	s.Error = ""
}

// BeginAnalysis переводит автомат Idle -> Analyzing.
func (s *ViewState) BeginAnalysis() error {
	if s.Image == nil {
		s.Error = MsgNoImageLoaded
		return ErrNoImageLoaded
	}
	if s.Loading {
		return ErrAnalysisInProgress
	}
	s.Error = ""
	s.Loading = true
	s.AnalyzingID = s.Image.ID
	return nil
}

// CompleteAnalysis завершает анализ успехом. Если за время анализа
// изображение сменилось, результат отбрасывается и возвращается false.
func (s *ViewState) CompleteAnalysis(imageID string, anomalies []Anomaly) bool {
	if !s.settle(imageID) {
		return false
	}
	s.Anomalies = CloneAnomalies(anomalies)
	if s.Anomalies == nil {
		s.Anomalies = []Anomaly{}
	}
	return true
}

// FailAnalysis завершает анализ ошибкой. Прошлые результаты остаются.
func (s *ViewState) FailAnalysis(imageID string) bool {
	if !s.settle(imageID) {
		return false
	}
	s.Error = MsgAnalysisFailed
	return true
}

func (s *ViewState) settle(imageID string) bool {
	if !s.Loading || s.AnalyzingID != imageID {
		return false
	}
	s.Loading = false
	s.AnalyzingID = ""
	return s.Image != nil && s.Image.ID == imageID
}

// Reset возвращает экран в начальное состояние, тема сохраняется.
// Возвращает изображение, которое нужно освободить.
func (s *ViewState) Reset() *UploadedImage {
	prev := s.Image
	theme := s.Theme
	*s = NewViewState()
	s.Theme = theme
	return prev
}

// Snapshot: копия состояния для чтения вне блокировки.
func (s *ViewState) Snapshot() ViewState {
	cp := *s
	cp.Anomalies = CloneAnomalies(s.Anomalies)
	return cp
}
