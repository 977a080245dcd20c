// Package audit はセキュリティ上重要な操作の監査ログを記録する。
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
)

// publishTimeout は外部配信1件あたりの待ち時間の上限。
const publishTimeout = 2 * time.Second

// Publisher は監査エントリを外部（Kafka等）に配信する。
type Publisher interface {
	Publish(ctx context.Context, entry *model.AuditEntry) error
	Close()
}

// Recorder は監査エントリの記録に使うインターフェース。
type Recorder interface {
	Record(ctx context.Context, actorID string, action model.AuditAction, detail string) error
}

// Sink は監査エントリをPostgreSQLに追記し、構造化ログに複製し、
// 設定されていればPublisherにも配信する。
// 正本はPostgreSQLであり、配信の失敗はリクエストを失敗させない。
type Sink struct {
	repo      repository.AuditRepository
	publisher Publisher
	metrics   metrics.MetricsCollector
}

// NewSink はSinkを生成する。publisherはnilでもよい。
func NewSink(repo repository.AuditRepository, publisher Publisher, collector metrics.MetricsCollector) *Sink {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Sink{repo: repo, publisher: publisher, metrics: collector}
}

// Record は監査エントリを記録する。actorIDは認証前のイベントでは空文字列。
// 永続化に失敗した場合は*model.StoreErrorを返す。
func (s *Sink) Record(ctx context.Context, actorID string, action model.AuditAction, detail string) error {
	entry := &model.AuditEntry{ActorID: actorID, Action: action, Detail: detail}
	if err := s.repo.Append(ctx, entry); err != nil {
		return err
	}

	// トランザクション中であればコミットされた記録だけを外部に出す
	repository.AfterCommit(ctx, func() {
		slog.Info("audit",
			slog.Int64("audit_id", entry.ID),
			slog.String("actor_id", entry.ActorID),
			slog.String("action", string(entry.Action)),
			slog.String("detail", entry.Detail),
		)
		s.publish(ctx, entry)
	})

	return nil
}

func (s *Sink) publish(ctx context.Context, entry *model.AuditEntry) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, entry); err != nil {
		s.metrics.RecordAuditPublishFailure()
		slog.Warn("failed to publish audit entry",
			slog.Int64("audit_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

// List は新しい順に監査エントリを返す。
func (s *Sink) List(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEntry, error) {
	return s.repo.List(ctx, filter)
}

var _ Recorder = (*Sink)(nil)
