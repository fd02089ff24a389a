package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/careerlens/internal/model"
)

// PostgresCareerRepo はPostgreSQLを使用したキャリアリポジトリ。
type PostgresCareerRepo struct {
	db *sql.DB
}

// NewPostgresCareerRepo はPostgresCareerRepoを生成する。
func NewPostgresCareerRepo(db *sql.DB) *PostgresCareerRepo {
	return &PostgresCareerRepo{db: db}
}

var _ CareerRepository = (*PostgresCareerRepo)(nil)

// ListActive は有効なキャリアをID昇順で返す。
// profileはJSONBの生データのまま返し、正規化は照合エンジンに任せる。
func (r *PostgresCareerRepo) ListActive(ctx context.Context) ([]model.CareerProfile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, profile, job_zone, tags, onet_code, active
		 FROM career_profiles WHERE active ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("キャリア一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var careers []model.CareerProfile
	for rows.Next() {
		var c model.CareerProfile
		var profile []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &profile, &c.JobZone,
			pq.Array(&c.Tags), &c.ONetCode, &c.Active); err != nil {
			return nil, fmt.Errorf("キャリア行の読み取りに失敗しました: %w", err)
		}
		c.Profile = profile
		careers = append(careers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キャリア一覧の走査に失敗しました: %w", err)
	}
	return careers, nil
}

// Upsert はキャリアを作成または更新する。
func (r *PostgresCareerRepo) Upsert(ctx context.Context, c *model.CareerProfile) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO career_profiles (id, name, description, profile, job_zone, tags, onet_code, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     profile = EXCLUDED.profile,
		     job_zone = EXCLUDED.job_zone,
		     tags = EXCLUDED.tags,
		     onet_code = EXCLUDED.onet_code,
		     active = EXCLUDED.active,
		     updated_at = now()`,
		c.ID, c.Name, c.Description, []byte(c.Profile), c.JobZone, pq.Array(tags), c.ONetCode, c.Active,
	)
	if err != nil {
		return fmt.Errorf("キャリア %d の保存に失敗しました: %w", c.ID, err)
	}
	return nil
}
