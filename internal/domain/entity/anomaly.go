package entity

import (
	"fmt"
	"math"
	"strconv"
)

// Anomaly: прямоугольная область интереса, найденная на изображении.
// Координаты в пикселях относительно левого верхнего угла исходного
// (натурального) изображения.
type Anomaly struct {
	ID     int     `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid сообщает, что все координаты неотрицательны.
func (a Anomaly) Valid() bool {
	return a.X >= 0 && a.Y >= 0 && a.Width >= 0 && a.Height >= 0
}

// Scale пересчитывает область в другой масштаб.
func (a Anomaly) Scale(sx, sy float64) Anomaly {
	return Anomaly{
		ID:     a.ID,
		X:      a.X * sx,
		Y:      a.Y * sy,
		Width:  a.Width * sx,
		Height: a.Height * sy,
	}
}

// Label: строка списка результатов.
func (a Anomaly) Label() string {
	return fmt.Sprintf("Anomaly #%d: (%s, %s)", a.ID, formatCoord(a.X), formatCoord(a.Y))
}

func formatCoord(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// Box: область в долях от размеров изображения, диапазон [0,1].
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Normalize переводит пиксельные координаты в доли от натурального размера
// изображения. Без известного размера возвращает ok=false.
func (a Anomaly) Normalize(imgW, imgH int) (Box, bool) {
	if imgW <= 0 || imgH <= 0 {
		return Box{}, false
	}
	fw, fh := float64(imgW), float64(imgH)
	return Box{
		Left:   clamp01(a.X / fw),
		Top:    clamp01(a.Y / fh),
		Width:  clamp01(a.Width / fw),
		Height: clamp01(a.Height / fh),
	}, true
}

// CloneAnomalies копирует список, чтобы состояние не разделяло срез с вызывающим.
func CloneAnomalies(in []Anomaly) []Anomaly {
	if in == nil {
		return nil
	}
	out := make([]Anomaly, len(in))
	copy(out, in)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
