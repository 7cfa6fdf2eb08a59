package port

import (
	"context"
	"time"

	"anomaly-view/internal/domain/entity"
)

// SessionRepository интерфейс хранилища сессий
type SessionRepository interface {
	// Get возвращает сессию по ID, создаёт новую если не найдена
	Get(ctx context.Context, sessionID string, chatID int64) (*entity.Session, error)

	// Find возвращает сессию без создания
	Find(ctx context.Context, sessionID string) (*entity.Session, error)

	// Save сохраняет сессию
	Save(ctx context.Context, session *entity.Session) error

	// Delete удаляет сессию и возвращает её, если она была
	Delete(ctx context.Context, sessionID string) (*entity.Session, error)

	// Idle возвращает сессии без активности с момента before
	Idle(ctx context.Context, before time.Time) ([]*entity.Session, error)
}
