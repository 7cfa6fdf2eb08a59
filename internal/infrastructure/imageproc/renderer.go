package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
)

// Renderer рисует прямоугольники аномалий поверх копии изображения.
type Renderer struct {
	Format  string // png | jpeg | webp
	Quality int
}

func NewRenderer(format string, quality int) *Renderer {
	return &Renderer{Format: strings.ToLower(format), Quality: quality}
}

// Рамка и полупрозрачная заливка, как у оверлея на странице.
var palettes = map[entity.Theme]struct {
	stroke color.NRGBA
	fill   color.NRGBA
}{
	entity.ThemeLight: {stroke: color.NRGBA{239, 68, 68, 255}, fill: color.NRGBA{239, 68, 68, 51}},
	entity.ThemeDark:  {stroke: color.NRGBA{248, 113, 113, 255}, fill: color.NRGBA{248, 113, 113, 51}},
}

// Highlight возвращает изображение с подсветкой и его MIME-тип.
func (r *Renderer) Highlight(img *entity.UploadedImage, anomalies []entity.Anomaly, theme entity.Theme) ([]byte, string, error) {
	data, err := img.Data()
	if err != nil {
		return nil, "", err
	}

	src, err := decode(data)
	if err != nil {
		return nil, "", err
	}

	canvas := imaging.Clone(src)
	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()

	// Координаты даны для натурального размера; если картинка иного размера, масштабируем
	sx, sy := 1.0, 1.0
	if img.Width > 0 && img.Height > 0 {
		sx = float64(w) / float64(img.Width)
		sy = float64(h) / float64(img.Height)
	}

	pal, ok := palettes[theme]
	if !ok {
		pal = palettes[entity.ThemeLight]
	}
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for _, a := range anomalies {
		rect := toRect(a.Scale(sx, sy)).Intersect(canvas.Bounds())
		if rect.Empty() {
			continue
		}
		fillRect(canvas, rect, pal.fill)
		drawFrame(canvas, rect, pal.stroke, stroke)
	}

	return r.encode(canvas)
}

func (r *Renderer) encode(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	switch r.Format {
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(r.Quality)}); err != nil {
			return nil, "", fmt.Errorf("encode webp: %w", err)
		}
		return buf.Bytes(), "image/webp", nil
	case "jpg", "jpeg":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.Quality)); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	default:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
}

func toRect(a entity.Anomaly) image.Rectangle {
	x0 := int(math.Round(a.X))
	y0 := int(math.Round(a.Y))
	x1 := int(math.Round(a.X + a.Width))
	y1 := int(math.Round(a.Y + a.Height))
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return image.Rect(x0, y0, x1, y1)
}

// fillRect смешивает цвет с пикселями по альфе c.A.
func fillRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	a := uint32(c.A)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		i := img.PixOffset(rect.Min.X, y)
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Pix[i+0] = blend(img.Pix[i+0], c.R, a)
			img.Pix[i+1] = blend(img.Pix[i+1], c.G, a)
			img.Pix[i+2] = blend(img.Pix[i+2], c.B, a)
			i += 4
		}
	}
}

func blend(dst, src uint8, a uint32) uint8 {
	return uint8((uint32(dst)*(255-a) + uint32(src)*a) / 255)
}

func drawFrame(img *image.NRGBA, rect image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, rect.Min.Y+s, rect.Min.X, rect.Max.X, c)
		drawHLine(img, rect.Max.Y-1-s, rect.Min.X, rect.Max.X, c)
		drawVLine(img, rect.Min.X+s, rect.Min.Y, rect.Max.Y, c)
		drawVLine(img, rect.Max.X-1-s, rect.Min.Y, rect.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	x0, x1 = max(x0, b.Min.X), min(x1, b.Max.X)
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	y0, y1 = max(y0, b.Min.Y), min(y1, b.Max.Y)
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}

var _ port.OverlayRenderer = (*Renderer)(nil)
