package imageproc

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Prepared: картинка, подготовленная для отправки модели.
type Prepared struct {
	Data   []byte
	Width  int
	Height int
}

// PrepareForModel уменьшает изображение до maxSide по длинной стороне
// и кодирует в JPEG. При maxSide <= 0 без уменьшения.
func PrepareForModel(data []byte, maxSide, quality int) (*Prepared, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	if maxSide > 0 {
		b := img.Bounds()
		if b.Dx() > maxSide || b.Dy() > maxSide {
			if b.Dx() >= b.Dy() {
				img = imaging.Resize(img, maxSide, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxSide, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Prepared{
		Data:   buf.Bytes(),
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}, nil
}
