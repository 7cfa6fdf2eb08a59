package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"anomaly-view/internal/domain/entity"
	"anomaly-view/internal/domain/port"
)

// MemorySessionRepository in-memory хранилище сессий
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session
}

// NewMemorySessionRepository создаёт новое in-memory хранилище
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*entity.Session),
	}
}

// Get возвращает сессию по ID, создаёт новую если не найдена
func (r *MemorySessionRepository) Get(ctx context.Context, sessionID string, chatID int64) (*entity.Session, error) {
	r.mu.RLock()
	session, exists := r.sessions[sessionID]
	r.mu.RUnlock()

	if exists {
		return session, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Могли создать между RUnlock и Lock
	if session, exists = r.sessions[sessionID]; exists {
		return session, nil
	}
	session = entity.NewSession(sessionID, chatID)
	r.sessions[sessionID] = session

	return session, nil
}

// Find возвращает сессию без создания
func (r *MemorySessionRepository) Find(ctx context.Context, sessionID string) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, entity.ErrSessionNotFound
	}
	return session, nil
}

// Save сохраняет сессию
func (r *MemorySessionRepository) Save(ctx context.Context, session *entity.Session) error {
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	return nil
}

// Delete удаляет сессию
func (r *MemorySessionRepository) Delete(ctx context.Context, sessionID string) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, entity.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)

	return session, nil
}

// Idle возвращает сессии без активности с момента before, старые первыми
func (r *MemorySessionRepository) Idle(ctx context.Context, before time.Time) ([]*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idle := make([]*entity.Session, 0)
	for _, s := range r.sessions {
		if s.IdleSince(before) {
			idle = append(idle, s)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].UpdatedAt().Before(idle[j].UpdatedAt())
	})

	return idle, nil
}

// Проверка реализации интерфейса
var _ port.SessionRepository = (*MemorySessionRepository)(nil)
