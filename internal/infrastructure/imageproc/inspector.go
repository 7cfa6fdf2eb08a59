package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/webp"

	"anomaly-view/internal/domain/port"
)

// Inspector читает размер изображения без полного декодирования.
type Inspector struct{}

func NewInspector() *Inspector {
	return &Inspector{}
}

// Dimensions возвращает натуральный размер изображения.
func (i *Inspector) Dimensions(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, errors.New("empty image data")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg.Width, cfg.Height, nil
	}

	// Расширенный WebP (анимация, альфа) x/image не читает
	if w, h, _, werr := webp.GetInfo(data); werr == nil {
		return w, h, nil
	}

	return 0, 0, fmt.Errorf("decode image config: %w", err)
}

var _ port.ImageInspector = (*Inspector)(nil)
