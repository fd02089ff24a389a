package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/careerlens/internal/model"
)

// PostgresQuestionRepo はPostgreSQLを使用した質問リポジトリ。
type PostgresQuestionRepo struct {
	db *sql.DB
}

// NewPostgresQuestionRepo はPostgresQuestionRepoを生成する。
func NewPostgresQuestionRepo(db *sql.DB) *PostgresQuestionRepo {
	return &PostgresQuestionRepo{db: db}
}

var _ QuestionRepository = (*PostgresQuestionRepo)(nil)

// ListActive は有効な質問をID昇順で返す。
func (r *PostgresQuestionRepo) ListActive(ctx context.Context) ([]*model.Question, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, text, trait, active, created_at
		 FROM questions WHERE active ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("質問一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var questions []*model.Question
	for rows.Next() {
		q := &model.Question{}
		var trait string
		if err := rows.Scan(&q.ID, &q.Text, &trait, &q.Active, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("質問行の読み取りに失敗しました: %w", err)
		}
		t, ok := model.ParseTrait(trait)
		if !ok {
			return nil, fmt.Errorf("質問 %d の特性が不正です: %q", q.ID, trait)
		}
		q.Trait = t
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("質問一覧の走査に失敗しました: %w", err)
	}
	return questions, nil
}

// Upsert は質問を作成または更新する。
func (r *PostgresQuestionRepo) Upsert(ctx context.Context, q *model.Question) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO questions (id, text, trait, active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		     text = EXCLUDED.text,
		     trait = EXCLUDED.trait,
		     active = EXCLUDED.active`,
		q.ID, q.Text, string(q.Trait), q.Active,
	)
	if err != nil {
		return fmt.Errorf("質問 %d の保存に失敗しました: %w", q.ID, err)
	}
	return nil
}
