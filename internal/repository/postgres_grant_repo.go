package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/careerlens/internal/model"
)

const grantColumns = `id, token, email, name, institution, type, status, usage_count, max_usage,
	created_at, expires_at, first_used_at, last_used_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*model.AccessGrant, error) {
	g := &model.AccessGrant{}
	var grantType, status string
	var firstUsed, lastUsed sql.NullTime
	if err := row.Scan(&g.ID, &g.Token, &g.Email, &g.Name, &g.Institution, &grantType, &status,
		&g.UsageCount, &g.MaxUsage, &g.CreatedAt, &g.ExpiresAt, &firstUsed, &lastUsed); err != nil {
		return nil, err
	}
	g.Type = model.GrantType(grantType)
	g.Status = model.GrantStatus(status)
	if firstUsed.Valid {
		g.FirstUsedAt = &firstUsed.Time
	}
	if lastUsed.Valid {
		g.LastUsedAt = &lastUsed.Time
	}
	return g, nil
}

// PostgresGrantRepo はPostgreSQLを使用したアクセストークンリポジトリ。
type PostgresGrantRepo struct {
	db *sql.DB
}

// NewPostgresGrantRepo はPostgresGrantRepoを生成する。
func NewPostgresGrantRepo(db *sql.DB) *PostgresGrantRepo {
	return &PostgresGrantRepo{db: db}
}

var _ GrantRepository = (*PostgresGrantRepo)(nil)

// Create はトークンを作成する。トークン文字列が重複する場合はErrDuplicateTokenを返す。
func (r *PostgresGrantRepo) Create(ctx context.Context, g *model.AccessGrant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_grants (id, token, email, name, institution, type, status,
		     usage_count, max_usage, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.ID, g.Token, g.Email, g.Name, g.Institution, string(g.Type), string(g.Status),
		g.UsageCount, g.MaxUsage, g.CreatedAt, g.ExpiresAt,
	)
	if isUniqueViolation(err, "access_grants_token_key") {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("アクセストークンの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByToken はトークン文字列で取得する。見つからない場合はnilを返す。
func (r *PostgresGrantRepo) FindByToken(ctx context.Context, token string) (*model.AccessGrant, error) {
	g, err := scanGrant(r.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE token = $1`,
		token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}
	return g, nil
}

// TransitionStatus は現在の状態がfromのいずれかである場合のみtoへ遷移させる。
func (r *PostgresGrantRepo) TransitionStatus(ctx context.Context, id string, from []model.GrantStatus, to model.GrantStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE access_grants SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(to), pq.Array(states),
	)
	if err != nil {
		return false, fmt.Errorf("アクセストークンの状態更新に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}
