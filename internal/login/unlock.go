package login

import (
	"context"
	"errors"

	"github.com/hitoshi/toolshelf/internal/model"
)

// ErrAccountNotFound はロック解除対象のアカウントが存在しない場合のエラー。
var ErrAccountNotFound = errors.New("account not found")

// Unlock は管理者によるアカウントのロック解除を行う。
// 失敗回数とロック期限をリセットし、操作者をactorとして監査ログに残す。
func (s *Service) Unlock(ctx context.Context, actor *model.Account, accountID string) (*model.Account, error) {
	if actor == nil {
		return nil, model.ErrUnauthenticated
	}
	if !actor.IsAdmin {
		return nil, model.ErrForbidden
	}

	var updated *model.Account
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.accounts.UpdateWithLock(ctx, accountID, func(a *model.Account) error {
			s.lockout.RecordSuccess(a)
			return nil
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrAccountNotFound
		}
		return s.recorder.Record(ctx, actor.ID, model.AuditAccountUnlocked, updated.ID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
