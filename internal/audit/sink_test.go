package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
)

// memoryAuditRepo はテスト用のインメモリAuditRepository。
type memoryAuditRepo struct {
	mu        sync.Mutex
	entries   []*model.AuditEntry
	appendErr error
}

func (r *memoryAuditRepo) Append(_ context.Context, e *model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	e.ID = int64(len(r.entries) + 1)
	e.CreatedAt = time.Now()
	cp := *e
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *memoryAuditRepo) List(_ context.Context, f repository.AuditFilter) ([]*model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < f.EffectiveLimit(); i-- {
		if f.BeforeID > 0 && r.entries[i].ID >= f.BeforeID {
			continue
		}
		out = append(out, r.entries[i])
	}
	return out, nil
}

// fakePublisher はテスト用のPublisher。
type fakePublisher struct {
	published []*model.AuditEntry
	err       error
	deadline  bool
}

func (p *fakePublisher) Publish(ctx context.Context, e *model.AuditEntry) error {
	_, p.deadline = ctx.Deadline()
	p.published = append(p.published, e)
	return p.err
}

func (p *fakePublisher) Close() {}

// countingMetrics は監査配信失敗の回数だけを数える。
type countingMetrics struct {
	metrics.Nop
	publishFailures int
}

func (m *countingMetrics) RecordAuditPublishFailure() { m.publishFailures++ }

func TestSink_RecordAppends(t *testing.T) {
	repo := &memoryAuditRepo{}
	sink := NewSink(repo, nil, nil)

	require.NoError(t, sink.Record(context.Background(), "", model.AuditProviderFailure, "state mismatch"))
	require.NoError(t, sink.Record(context.Background(), "acct-1", model.AuditLoginSuccess, "google"))

	require.Len(t, repo.entries, 2)
	assert.Equal(t, "", repo.entries[0].ActorID)
	assert.Equal(t, model.AuditProviderFailure, repo.entries[0].Action)
	assert.Equal(t, "acct-1", repo.entries[1].ActorID)
	assert.Less(t, repo.entries[0].ID, repo.entries[1].ID)
}

func TestSink_RecordStoreFailure(t *testing.T) {
	storeErr := &model.StoreError{Op: "append audit entry", Err: errors.New("db down")}
	pub := &fakePublisher{}
	sink := NewSink(&memoryAuditRepo{appendErr: storeErr}, pub, nil)

	err := sink.Record(context.Background(), "acct-1", model.AuditLogout, "")

	var se *model.StoreError
	require.ErrorAs(t, err, &se)
	assert.Empty(t, pub.published, "nothing is published when the source of truth failed")
}

func TestSink_RecordPublishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(&memoryAuditRepo{}, pub, nil)

	require.NoError(t, sink.Record(context.Background(), "acct-1", model.AuditAdminGrantChange, "granted"))

	require.Len(t, pub.published, 1)
	assert.Equal(t, int64(1), pub.published[0].ID)
	assert.True(t, pub.deadline, "publish must be bounded by a timeout")
}

func TestSink_PublishFailureDoesNotFailRecord(t *testing.T) {
	repo := &memoryAuditRepo{}
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	m := &countingMetrics{}
	sink := NewSink(repo, pub, m)

	err := sink.Record(context.Background(), "acct-1", model.AuditLoginSuccess, "microsoft")

	assert.NoError(t, err)
	assert.Len(t, repo.entries, 1)
	assert.Equal(t, 1, m.publishFailures)
}

func TestSink_List(t *testing.T) {
	repo := &memoryAuditRepo{}
	sink := NewSink(repo, nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Record(context.Background(), "", model.AuditProviderFailure, ""))
	}

	entries, err := sink.List(context.Background(), repository.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.Equal(t, int64(2), entries[1].ID)

	older, err := sink.List(context.Background(), repository.AuditFilter{BeforeID: 2})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, int64(1), older[0].ID)
}
