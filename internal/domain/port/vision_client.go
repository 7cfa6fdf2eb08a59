package port

import "context"

// VisionClient: транспорт до мультимодальной модели
type VisionClient interface {
	// Query отправляет промпт с картинкой и возвращает текст ответа модели
	Query(ctx context.Context, model, prompt string, image []byte) (string, error)
}
