package login

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/toolshelf/internal/auth"
	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
)

// memoryAccounts はテスト用のインメモリAccountRepository。
// UpdateWithLockはミューテックスを保持したままfnを呼び、行ロックを模倣する。
type memoryAccounts struct {
	mu      sync.Mutex
	byID    map[string]*model.Account
	seq     int
	failErr error
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{byID: make(map[string]*model.Account)}
}

func (m *memoryAccounts) FindByID(_ context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memoryAccounts) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	if a := m.findByEmailLocked(email); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryAccounts) FindOrCreate(_ context.Context, candidate *model.Account) (*model.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, false, m.failErr
	}
	if a := m.findByEmailLocked(candidate.Email); a != nil {
		cp := *a
		return &cp, false, nil
	}
	m.seq++
	now := time.Now()
	a := &model.Account{
		ID:        fmt.Sprintf("acct-%d", m.seq),
		Email:     candidate.Email,
		Name:      candidate.Name,
		Provider:  candidate.Provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.byID[a.ID] = a
	cp := *a
	return &cp, true, nil
}

func (m *memoryAccounts) UpdateWithLock(_ context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.byID[id] = &cp
	out := cp
	return &out, nil
}

func (m *memoryAccounts) findByEmailLocked(email string) *model.Account {
	for _, a := range m.byID {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// seed はテスト用に既存アカウントを登録する。
func (m *memoryAccounts) seed(a *model.Account) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if a.ID == "" {
		a.ID = fmt.Sprintf("acct-%d", m.seq)
	}
	cp := *a
	m.byID[a.ID] = &cp
	return a
}

func (m *memoryAccounts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

var _ repository.AccountRepository = (*memoryAccounts)(nil)

// memorySessions はテスト用のインメモリSessionRepository。
type memorySessions struct {
	mu        sync.Mutex
	byHash    map[string]*model.Session
	seq       int
	createErr error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{byHash: make(map[string]*model.Session)}
}

func (m *memorySessions) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	if s.ID == "" {
		s.ID = fmt.Sprintf("sess-%d", m.seq)
	}
	cp := *s
	m.byHash[s.TokenHash] = &cp
	return nil
}

func (m *memorySessions) FindByTokenHash(_ context.Context, hash string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byHash[hash]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) DeleteByTokenHash(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHash, hash)
	return nil
}

func (m *memorySessions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if s.ExpiresAt.Before(before) {
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

var _ repository.SessionRepository = (*memorySessions)(nil)

// memoryTx はテスト用のTxRunner。実行中は他のトランザクションを待たせ、
// fnがエラーを返した場合はアカウント・セッション・監査ログを実行前の状態に戻す。
type memoryTx struct {
	mu       sync.Mutex
	accounts *memoryAccounts
	sessions *memorySessions
	recorder *memoryRecorder
}

func (m *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := m.accounts.snapshot()
	sessions := m.sessions.snapshot()
	entries := m.recorder.snapshot()

	if err := fn(ctx); err != nil {
		m.accounts.restore(accounts)
		m.sessions.restore(sessions)
		m.recorder.restore(entries)
		return err
	}
	return nil
}

var _ repository.TxRunner = (*memoryTx)(nil)

func (m *memoryAccounts) snapshot() map[string]model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Account, len(m.byID))
	for id, a := range m.byID {
		out[id] = *a
	}
	return out
}

func (m *memoryAccounts) restore(snap map[string]model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*model.Account, len(snap))
	for id, a := range snap {
		m.byID[id] = &a
	}
}

func (m *memorySessions) snapshot() map[string]model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Session, len(m.byHash))
	for h, s := range m.byHash {
		out[h] = *s
	}
	return out
}

func (m *memorySessions) restore(snap map[string]model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash = make(map[string]*model.Session, len(snap))
	for h, s := range snap {
		m.byHash[h] = &s
	}
}

// memoryRecorder はテスト用のaudit.Recorder。
type memoryRecorder struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
}

func (r *memoryRecorder) Record(_ context.Context, actorID string, action model.AuditAction, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, model.AuditEntry{
		ID:        int64(len(r.entries) + 1),
		ActorID:   actorID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (r *memoryRecorder) snapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *memoryRecorder) restore(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:n]
}

func (r *memoryRecorder) actions() []model.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditAction, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func (r *memoryRecorder) last() model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

// fakeProvider はテスト用のauth.Provider。Exchangeは設定されたClaimのコピーを返す。
type fakeProvider struct {
	name       model.Provider
	mu         sync.Mutex
	claim      *auth.Claim
	exchangeFn func(code string) (*auth.Claim, error)
	authURLErr error
}

func (f *fakeProvider) Name() model.Provider { return f.name }

func (f *fakeProvider) AuthCodeURL(_ context.Context, h *auth.Handshake) (string, error) {
	if f.authURLErr != nil {
		return "", f.authURLErr
	}
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(h.State), nil
}

func (f *fakeProvider) Exchange(_ context.Context, _ *auth.Handshake, code string) (*auth.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeFn != nil {
		return f.exchangeFn(code)
	}
	cp := *f.claim
	return &cp, nil
}

func (f *fakeProvider) setClaim(c *auth.Claim) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claim = c
}

// recordingMetrics はログイン結果のラベルを記録する。
type recordingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordLogin(provider, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, provider+"/"+outcome)
}
