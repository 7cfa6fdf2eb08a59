package web

import (
	"math"

	"anomaly-view/internal/domain/entity"
)

// stateView: состояние экрана в виде, удобном странице и клиентам API.
type stateView struct {
	Theme      string        `json:"theme"`
	RootClass  string        `json:"rootClass"`
	Phase      string        `json:"phase"`
	Loading    bool          `json:"loading"`
	CanAnalyze bool          `json:"canAnalyze"`
	Error      string        `json:"error,omitempty"`
	Image      *imageView    `json:"image,omitempty"`
	Anomalies  []anomalyView `json:"anomalies"`
}

type imageView struct {
	URI       string `json:"uri"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// anomalyView: аномалия в пикселях плюс положение рамки для наложения.
type anomalyView struct {
	ID     int     `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label"`
	Box    boxView `json:"box"`
}

// boxView: рамка в процентах от натурального размера, либо в пикселях,
// если размер изображения неизвестен.
type boxView struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit"`
}

func newStateView(s entity.ViewState) stateView {
	v := stateView{
		Theme:      string(s.Theme),
		RootClass:  s.Theme.RootClass(),
		Phase:      string(s.Phase()),
		Loading:    s.Loading,
		CanAnalyze: s.Image != nil && !s.Loading,
		Error:      s.Error,
		Anomalies:  make([]anomalyView, 0, len(s.Anomalies)),
	}

	w, h := 0, 0
	if s.Image != nil {
		v.Image = &imageView{
			URI:       s.Image.URI(),
			Name:      s.Image.Name,
			MediaType: s.Image.MediaType,
			Width:     s.Image.Width,
			Height:    s.Image.Height,
		}
		w, h = s.Image.Width, s.Image.Height
	}

	for _, a := range s.Anomalies {
		v.Anomalies = append(v.Anomalies, anomalyView{
			ID:     a.ID,
			X:      a.X,
			Y:      a.Y,
			Width:  a.Width,
			Height: a.Height,
			Label:  a.Label(),
			Box:    newBoxView(a, w, h),
		})
	}
	return v
}

func newBoxView(a entity.Anomaly, imgW, imgH int) boxView {
	box, ok := a.Normalize(imgW, imgH)
	if !ok {
		return boxView{Left: a.X, Top: a.Y, Width: a.Width, Height: a.Height, Unit: "px"}
	}
	return boxView{
		Left:   percent(box.Left),
		Top:    percent(box.Top),
		Width:  percent(box.Width),
		Height: percent(box.Height),
		Unit:   "%",
	}
}

func percent(v float64) float64 {
	return math.Round(v*10000) / 100
}

// pageView: данные шаблона страницы.
type pageView struct {
	State  stateView
	Accept []string
}

func newPageView(s entity.ViewState) pageView {
	return pageView{
		State:  newStateView(s),
		Accept: entity.AcceptedExtensions,
	}
}
