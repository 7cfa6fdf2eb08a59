package entity

import (
	"strings"
	"sync"
	"time"
)

// AcceptedExtensions: расширения, которые предлагает выбор файла.
var AcceptedExtensions = []string{".jpeg", ".jpg", ".png"}

// CandidateFile: файл, который пользователь перетащил или выбрал.
type CandidateFile struct {
	Name      string
	MediaType string // заявленный MIME-тип
	Data      []byte
}

// IsImage проверяет заявленный тип по префиксу image/.
func (f CandidateFile) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(f.MediaType)), "image/")
}

// UploadedImage: загруженное изображение. Владеет своими байтами:
// после Release данные недоступны.
type UploadedImage struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MediaType  string    `json:"media_type"`
	Width      int       `json:"width"`  // натуральная ширина, 0 если не удалось декодировать
	Height     int       `json:"height"` // натуральная высота
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`

	mu       sync.RWMutex
	data     []byte
	released bool
}

// NewUploadedImage создаёт изображение из принятого файла.
func NewUploadedImage(id string, f CandidateFile, width, height int) *UploadedImage {
	return &UploadedImage{
		ID:         id,
		Name:       f.Name,
		MediaType:  f.MediaType,
		Width:      width,
		Height:     height,
		Size:       len(f.Data),
		UploadedAt: time.Now(),
		data:       f.Data,
	}
}

// Data возвращает байты изображения. Срез нельзя изменять.
func (i *UploadedImage) Data() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.released {
		return nil, ErrImageReleased
	}
	return i.data, nil
}

// URI: адрес, по которому страница показывает изображение.
func (i *UploadedImage) URI() string {
	return "/image?v=" + i.ID
}

// Release освобождает данные. Повторный вызов безопасен.
func (i *UploadedImage) Release() {
	i.mu.Lock()
	i.data = nil
	i.released = true
	i.mu.Unlock()
}

// Released сообщает, освобождено ли изображение.
func (i *UploadedImage) Released() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.released
}

// Detach возвращает независимую ссылку на те же байты для фоновой обработки.
// Освобождение исходного изображения её не затрагивает.
func (i *UploadedImage) Detach() (*UploadedImage, error) {
	data, err := i.Data()
	if err != nil {
		return nil, err
	}
	return &UploadedImage{
		ID:         i.ID,
		Name:       i.Name,
		MediaType:  i.MediaType,
		Width:      i.Width,
		Height:     i.Height,
		Size:       i.Size,
		UploadedAt: i.UploadedAt,
		data:       data,
	}, nil
}
