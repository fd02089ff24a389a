package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/careerlens/internal/model"
)

const usageColumns = `id, grant_id, session_token, first_name, last_name, class_name, contact_email,
	unlocked_at, last_viewed_at, view_count`

func scanUsage(row rowScanner) (*model.UsageRecord, error) {
	rec := &model.UsageRecord{}
	var email sql.NullString
	if err := row.Scan(&rec.ID, &rec.GrantID, &rec.SessionToken, &rec.FirstName, &rec.LastName,
		&rec.ClassName, &email, &rec.UnlockedAt, &rec.LastViewedAt, &rec.ViewCount); err != nil {
		return nil, err
	}
	if email.Valid {
		rec.ContactEmail = &email.String
	}
	return rec, nil
}

// PostgresUsageRepo はPostgreSQLを使用した利用台帳リポジトリ。
// (grant_id, session_token) の一意制約を初回解錠の調停に用いる。
type PostgresUsageRepo struct {
	db *sql.DB
}

// NewPostgresUsageRepo はPostgresUsageRepoを生成する。
func NewPostgresUsageRepo(db *sql.DB) *PostgresUsageRepo {
	return &PostgresUsageRepo{db: db}
}

var _ UsageLedgerRepository = (*PostgresUsageRepo)(nil)

// Find は (grantID, sessionToken) の台帳レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresUsageRepo) Find(ctx context.Context, grantID, sessionToken string) (*model.UsageRecord, error) {
	rec, err := scanUsage(r.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE grant_id = $1 AND session_token = $2`,
		grantID, sessionToken,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("利用台帳の取得に失敗しました: %w", err)
	}
	return rec, nil
}

// RecordView は既存レコードのview_countを加算しlast_viewed_atを更新する。
// 単一のUPDATEで行うため、同時の再閲覧でも加算は失われない。
func (r *PostgresUsageRepo) RecordView(ctx context.Context, grantID, sessionToken string, at time.Time) (*model.UsageRecord, error) {
	rec, err := scanUsage(r.db.QueryRowContext(ctx,
		`UPDATE usage_records
		 SET view_count = view_count + 1, last_viewed_at = $3
		 WHERE grant_id = $1 AND session_token = $2
		 RETURNING `+usageColumns,
		grantID, sessionToken, at,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("閲覧記録の更新に失敗しました: %w", err)
	}
	return rec, nil
}

// InsertFirstUnlock は台帳レコードの作成とトークン利用回数の加算を同一トランザクションで行う。
//
// INSERT ... ON CONFLICT DO NOTHING で行が返らなければ先行する解錠があるためErrUsageConflict。
// 利用回数の加算はACTIVEかつ上限未満を条件とし、満たさなければErrGrantExhausted。
// いずれの場合もロールバックされ、台帳と利用回数の片方だけが残ることはない。
func (r *PostgresUsageRepo) InsertFirstUnlock(ctx context.Context, rec *model.UsageRecord) (*model.AccessGrant, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var insertedID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO usage_records (id, grant_id, session_token, first_name, last_name, class_name,
		     contact_email, unlocked_at, last_viewed_at, view_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (grant_id, session_token) DO NOTHING
		 RETURNING id`,
		rec.ID, rec.GrantID, rec.SessionToken, rec.FirstName, rec.LastName, rec.ClassName,
		rec.ContactEmail, rec.UnlockedAt, rec.LastViewedAt, rec.ViewCount,
	).Scan(&insertedID)
	if err == sql.ErrNoRows {
		return nil, ErrUsageConflict
	}
	if err != nil {
		return nil, fmt.Errorf("利用台帳の作成に失敗しました: %w", err)
	}

	grant, err := scanGrant(tx.QueryRowContext(ctx,
		`UPDATE access_grants
		 SET usage_count = usage_count + 1,
		     status = CASE WHEN usage_count + 1 >= max_usage THEN 'USED' ELSE status END,
		     first_used_at = COALESCE(first_used_at, $2),
		     last_used_at = $2
		 WHERE id = $1 AND status = 'ACTIVE' AND usage_count < max_usage
		 RETURNING `+grantColumns,
		rec.GrantID, rec.UnlockedAt,
	))
	if err == sql.ErrNoRows {
		return nil, ErrGrantExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("利用回数の加算に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return grant, nil
}

// ListByGrant はトークンの台帳レコードを初回解錠順に返す。
func (r *PostgresUsageRepo) ListByGrant(ctx context.Context, grantID string) ([]*model.UsageRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE grant_id = $1 ORDER BY unlocked_at ASC, id ASC`,
		grantID,
	)
	if err != nil {
		return nil, fmt.Errorf("利用台帳一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("利用台帳行の読み取りに失敗しました: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("利用台帳一覧の走査に失敗しました: %w", err)
	}
	return records, nil
}
