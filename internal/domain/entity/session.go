package entity

import (
	"sync/atomic"
	"time"
)

// Session: экран одного пользователя, вкладка браузера или чат Telegram.
type Session struct {
	ID        string
	ChatID    int64 // 0 для веб-сессий
	View      ViewState
	CreatedAt time.Time

	// Читается чисткой без блокировки сессии.
	updated atomic.Int64
}

// NewSession создаёт сессию с начальным состоянием экрана.
func NewSession(id string, chatID int64) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		ChatID:    chatID,
		View:      NewViewState(),
		CreatedAt: now,
	}
	s.TouchAt(now)
	return s
}

// Touch отмечает активность.
func (s *Session) Touch() {
	s.TouchAt(time.Now())
}

// TouchAt отмечает активность в момент t.
func (s *Session) TouchAt(t time.Time) {
	s.updated.Store(t.UnixNano())
}

// UpdatedAt возвращает время последней активности.
func (s *Session) UpdatedAt() time.Time {
	return time.Unix(0, s.updated.Load())
}

// IdleSince сообщает, что сессия не активна с момента before.
func (s *Session) IdleSince(before time.Time) bool {
	return s.UpdatedAt().Before(before)
}
