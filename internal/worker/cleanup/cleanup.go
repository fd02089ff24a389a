// Package cleanup は期限切れデータの定期メンテナンスジョブを提供する。
// 期限を過ぎたACTIVEトークンをEXPIREDに遷移させ、
// 保持期間を超えて未提出のまま残ったセッションを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Report は1回のクリーンアップで処理した件数。
type Report struct {
	ExpiredGrants   int64
	DeletedSessions int64
}

// CleanupJob は期限切れデータのメンテナンスジョブ。
// どの処理も冪等であり、対象がなくてもエラーにならない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time

	// SessionRetention は期限切れのSTARTEDセッションを残しておく期間（デフォルト: 72時間）
	SessionRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:               db,
		logger:           logger,
		now:              time.Now,
		SessionRetention: 72 * time.Hour,
	}
}

const (
	expireGrantsQuery = `UPDATE access_grants SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at < $1`

	// 提出済みセッションは結果の参照元のため削除しない
	deleteSessionsQuery = `DELETE FROM test_sessions
		WHERE status = 'STARTED' AND expires_at < $1`
)

// Run はトークンの期限切れ遷移とセッション削除を1回実行する。
func (j *CleanupJob) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := j.now()

	expired, err := j.exec(ctx, expireGrantsQuery, now)
	if err != nil {
		j.logger.Error("failed to expire access grants", slog.String("error", err.Error()))
		return nil, fmt.Errorf("アクセストークンの期限切れ処理に失敗しました: %w", err)
	}

	deleted, err := j.exec(ctx, deleteSessionsQuery, now.Add(-j.SessionRetention))
	if err != nil {
		j.logger.Error("failed to delete stale sessions",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.SessionRetention),
		)
		return nil, fmt.Errorf("期限切れセッションの削除に失敗しました: %w", err)
	}

	report := &Report{ExpiredGrants: expired, DeletedSessions: deleted}
	j.logger.Info("cleanup completed",
		slog.Int64("expired_grants", report.ExpiredGrants),
		slog.Int64("deleted_sessions", report.DeletedSessions),
		slog.Duration("retention", j.SessionRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}

func (j *CleanupJob) exec(ctx context.Context, query string, arg time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("処理件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続し、失敗はログに残して次の周期を待つ。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup worker started", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
