package entity

import "errors"

// Тексты, которые видит пользователь.
const (
	MsgInvalidFileType = "Please upload a valid image file."
	MsgNoImageLoaded   = "Please upload an image first."
	MsgAnalysisFailed  = "Failed to analyze image. Please try again."
)

var (
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrNoImageLoaded      = errors.New("no image loaded")
	ErrAnalysisFailed     = errors.New("analysis failed")
	ErrAnalysisInProgress = errors.New("analysis already in progress")
	ErrSessionNotFound    = errors.New("session not found")
	ErrImageReleased      = errors.New("image released")
)

// UserMessage возвращает текст для баннера ошибки. Для внутренних ошибок
// пустая строка.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFileType):
		return MsgInvalidFileType
	case errors.Is(err, ErrNoImageLoaded):
		return MsgNoImageLoaded
	case errors.Is(err, ErrAnalysisFailed):
		return MsgAnalysisFailed
	default:
		return ""
	}
}
