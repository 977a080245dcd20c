package login

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/toolshelf/internal/model"
)

func lockedAccount(email string) *model.Account {
	until := time.Now().Add(10 * time.Minute)
	return &model.Account{
		Email:          email,
		Provider:       model.ProviderGoogle,
		FailedAttempts: 5,
		LockExpiresAt:  &until,
	}
}

func TestUnlock_ClearsLockAndRecordsActor(t *testing.T) {
	h := newHarness(t, nil, nil)
	target := h.accounts.seed(lockedAccount("locked@school.edu"))
	admin := &model.Account{ID: "admin-1", Email: "boss@school.edu", IsAdmin: true}

	updated, err := h.svc.Unlock(context.Background(), admin, target.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, updated.FailedAttempts)
	assert.Nil(t, updated.LockExpiresAt)

	stored, err := h.accounts.FindByID(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockExpiresAt)

	entry := h.recorder.last()
	assert.Equal(t, model.AuditAccountUnlocked, entry.Action)
	assert.Equal(t, "admin-1", entry.ActorID)
	assert.Equal(t, target.ID, entry.Detail)
}

func TestUnlock_UnlockedAccountCanLogInAgain(t *testing.T) {
	h := newHarness(t, nil, nil)
	target := h.accounts.seed(lockedAccount("locked@school.edu"))

	out, err := h.login(t, h.svc, model.ProviderGoogle, claimFor("locked@school.edu", "Locked"), "")
	require.NoError(t, err)
	require.False(t, out.Accepted)
	assert.Equal(t, model.RejectLocked, out.Reason)

	_, err = h.svc.Unlock(context.Background(), &model.Account{ID: "admin-1", IsAdmin: true}, target.ID)
	require.NoError(t, err)

	out, err = h.login(t, h.svc, model.ProviderGoogle, claimFor("locked@school.edu", "Locked"), "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
}

func TestUnlock_RequiresAdmin(t *testing.T) {
	h := newHarness(t, nil, nil)
	target := h.accounts.seed(lockedAccount("locked@school.edu"))

	tests := []struct {
		name  string
		actor *model.Account
		want  error
	}{
		{"未ログイン", nil, model.ErrUnauthenticated},
		{"一般ユーザー", &model.Account{ID: "user-1", IsAdmin: false}, model.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Unlock(context.Background(), tt.actor, target.ID)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := h.accounts.FindByID(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedAttempts)
	assert.Empty(t, h.recorder.actions())
}

func TestUnlock_UnknownAccount_ReturnsErrAccountNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.svc.Unlock(context.Background(), &model.Account{ID: "admin-1", IsAdmin: true}, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Empty(t, h.recorder.actions())
}

func TestUnlock_StoreFailure_IsReturned(t *testing.T) {
	h := newHarness(t, nil, nil)
	target := h.accounts.seed(lockedAccount("locked@school.edu"))
	h.accounts.failErr = &model.StoreError{Op: "update account", Err: errors.New("connection refused")}

	_, err := h.svc.Unlock(context.Background(), &model.Account{ID: "admin-1", IsAdmin: true}, target.ID)

	var storeErr *model.StoreError
	assert.ErrorAs(t, err, &storeErr)
}

func TestUnlock_AuditFailureKeepsLock(t *testing.T) {
	h := newHarness(t, nil, nil)
	target := h.accounts.seed(lockedAccount("locked@school.edu"))
	h.recorder.err = &model.StoreError{Op: "append audit entry", Err: errors.New("disk full")}

	_, err := h.svc.Unlock(context.Background(), &model.Account{ID: "admin-1", IsAdmin: true}, target.ID)

	var storeErr *model.StoreError
	require.ErrorAs(t, err, &storeErr)

	h.recorder.err = nil
	stored, err := h.accounts.FindByID(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedAttempts)
	assert.NotNil(t, stored.LockExpiresAt)
}
