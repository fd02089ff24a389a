package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/careerlens/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したテストセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.TestSession) error {
	ids, err := json.Marshal(session.QuestionIDs)
	if err != nil {
		return fmt.Errorf("failed to encode question ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO test_sessions (id, token, status, question_ids, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.Token, string(session.Status), ids, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
// 期限切れのセッションも返す（期限の判定は呼び出し側で行う）。
func (r *PostgresSessionRepo) FindByToken(ctx context.Context, token string) (*model.TestSession, error) {
	session := &model.TestSession{}
	var status string
	var ids []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, token, status, question_ids, created_at, expires_at
		 FROM test_sessions WHERE token = $1`,
		token,
	).Scan(&session.ID, &session.Token, &status, &ids, &session.CreatedAt, &session.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.Status = model.SessionStatus(status)
	if err := json.Unmarshal(ids, &session.QuestionIDs); err != nil {
		return nil, fmt.Errorf("failed to decode question ids: %w", err)
	}
	return session, nil
}
