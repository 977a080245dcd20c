package session

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/toolshelf/internal/model"
)

// memorySessions はテスト用のインメモリSessionRepository。
type memorySessions struct {
	mu      sync.Mutex
	byHash  map[string]*model.Session
	now     func() time.Time
	failErr error
}

func newMemorySessions(now func() time.Time) *memorySessions {
	return &memorySessions{byHash: make(map[string]*model.Session), now: now}
}

func (m *memorySessions) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if s.ID == "" {
		s.ID = "session-" + s.TokenHash[:8]
	}
	cp := *s
	m.byHash[s.TokenHash] = &cp
	return nil
}

func (m *memorySessions) FindByTokenHash(_ context.Context, hash string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	s, ok := m.byHash[hash]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) DeleteByTokenHash(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.byHash, hash)
	return nil
}

func (m *memorySessions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if !s.ExpiresAt.After(before) {
			delete(m.byHash, h)
			n++
		}
	}
	return n, nil
}

func (m *memorySessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

// accountFinderFunc は関数をAccountFinderとして使うためのアダプタ。
type accountFinderFunc func(ctx context.Context, id string) (*model.Account, error)

func (f accountFinderFunc) FindByID(ctx context.Context, id string) (*model.Account, error) {
	return f(ctx, id)
}
