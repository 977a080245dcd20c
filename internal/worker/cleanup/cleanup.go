// Package cleanup は期限切れセッションの削除ジョブを提供する。
// cleanupサブコマンドからcron等で1回ずつ実行する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPruner は期限切れセッションの削除を抽象化するインターフェース。
// repository.SessionRepositoryが満たす。
type SessionPruner interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。冪等に何度実行してもよい。
type CleanupJob struct {
	sessions SessionPruner
	logger   *slog.Logger
	// Grace は期限切れから削除までの猶予。0の場合は期限切れの時点で削除対象になる。
	Grace time.Duration
	now   func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPruner, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// Run はnow - Graceより前に期限切れとなったセッションを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.Grace)

	deletedCount, err := j.sessions.DeleteExpired(ctx, cutoff)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}
