package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hitoshi/careerlens/internal/model"
)

// topCareerCodeLimit は集計で返すキャリアコードの件数。
const topCareerCodeLimit = 10

// PostgresResultRepo はPostgreSQLを使用した受検結果リポジトリ。
type PostgresResultRepo struct {
	db *sql.DB
}

// NewPostgresResultRepo はPostgresResultRepoを生成する。
func NewPostgresResultRepo(db *sql.DB) *PostgresResultRepo {
	return &PostgresResultRepo{db: db}
}

var _ ResultRepository = (*PostgresResultRepo)(nil)

// resultColumns はJSONBで保存する結果の各列。
type resultColumns struct {
	responses      []byte
	scores         []byte
	topThree       []byte
	matches        []byte
	statistics     []byte
	preferences    []byte
	recommendation []byte
}

func encodeResult(result *model.TestResult) (*resultColumns, error) {
	var cols resultColumns
	var err error
	if cols.responses, err = json.Marshal(result.Responses); err != nil {
		return nil, err
	}
	if cols.scores, err = json.Marshal(result.Scoring.Scores); err != nil {
		return nil, err
	}
	if cols.topThree, err = json.Marshal(result.Scoring.TopThree); err != nil {
		return nil, err
	}
	if cols.matches, err = json.Marshal(result.Matches); err != nil {
		return nil, err
	}
	if cols.statistics, err = json.Marshal(result.Statistics); err != nil {
		return nil, err
	}
	if result.Preferences != nil {
		if cols.preferences, err = json.Marshal(result.Preferences); err != nil {
			return nil, err
		}
	}
	if result.Recommendation != nil {
		if cols.recommendation, err = json.Marshal(result.Recommendation); err != nil {
			return nil, err
		}
	}
	return &cols, nil
}

// nullableJSON は未設定のJSON列をNULLとして渡す。
func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// CompleteSession はセッションのCOMPLETEDへの遷移と結果の作成を同一トランザクションで行う。
// セッションがSTARTEDでない場合はErrSessionNotStartedを返し、何も書き込まない。
func (r *PostgresResultRepo) CompleteSession(ctx context.Context, sessionID string, result *model.TestResult) error {
	cols, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("受検結果のエンコードに失敗しました: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE test_sessions SET status = 'COMPLETED'
		 WHERE id = $1 AND status = 'STARTED'`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("セッションの完了に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotStarted
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_results (
		     id, session_token, responses, scores, career_code, top_three, total_score, tier,
		     matches, statistics, preferences, recommendation, completion_seconds, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		result.ID, result.SessionToken, cols.responses, cols.scores,
		result.Scoring.CareerCode, cols.topThree, result.Scoring.TotalScore, string(result.Scoring.Tier),
		cols.matches, cols.statistics, nullableJSON(cols.preferences), nullableJSON(cols.recommendation),
		result.CompletionSeconds, result.SubmittedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrSessionNotStarted
	}
	if err != nil {
		return fmt.Errorf("受検結果の作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindBySessionToken はセッショントークンで結果を取得する。見つからない場合はnilを返す。
func (r *PostgresResultRepo) FindBySessionToken(ctx context.Context, sessionToken string) (*model.TestResult, error) {
	result := &model.TestResult{}
	var cols resultColumns
	var tier string
	var feedback sql.NullString
	var rating sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_token, responses, scores, career_code, top_three, total_score, tier,
		        matches, statistics, preferences, recommendation, completion_seconds,
		        feedback, rating, submitted_at
		 FROM test_results WHERE session_token = $1`,
		sessionToken,
	).Scan(
		&result.ID, &result.SessionToken, &cols.responses, &cols.scores,
		&result.Scoring.CareerCode, &cols.topThree, &result.Scoring.TotalScore, &tier,
		&cols.matches, &cols.statistics, &cols.preferences, &cols.recommendation,
		&result.CompletionSeconds, &feedback, &rating, &result.SubmittedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("受検結果の取得に失敗しました: %w", err)
	}

	result.Scoring.Tier = model.Tier(tier)
	if feedback.Valid {
		result.Feedback = &feedback.String
	}
	if rating.Valid {
		v := int(rating.Int64)
		result.Rating = &v
	}

	decode := []struct {
		data []byte
		dst  any
	}{
		{cols.responses, &result.Responses},
		{cols.scores, &result.Scoring.Scores},
		{cols.topThree, &result.Scoring.TopThree},
		{cols.matches, &result.Matches},
		{cols.statistics, &result.Statistics},
	}
	for _, d := range decode {
		if err := json.Unmarshal(d.data, d.dst); err != nil {
			return nil, fmt.Errorf("受検結果のデコードに失敗しました: %w", err)
		}
	}
	if cols.preferences != nil {
		result.Preferences = &model.JobPreferences{}
		if err := json.Unmarshal(cols.preferences, result.Preferences); err != nil {
			return nil, fmt.Errorf("絞り込み条件のデコードに失敗しました: %w", err)
		}
	}
	if cols.recommendation != nil {
		result.Recommendation = &model.StreamRecommendation{}
		if err := json.Unmarshal(cols.recommendation, result.Recommendation); err != nil {
			return nil, fmt.Errorf("コース推奨のデコードに失敗しました: %w", err)
		}
	}
	return result, nil
}

// UpdateFeedback は結果にフィードバックを記録する。結果が存在しない場合はfalseを返す。
func (r *PostgresResultRepo) UpdateFeedback(ctx context.Context, sessionToken, feedback string, rating int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE test_results SET feedback = $2, rating = $3 WHERE session_token = $1`,
		sessionToken, feedback, rating,
	)
	if err != nil {
		return false, fmt.Errorf("フィードバックの保存に失敗しました: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// Statistics は全結果の集計を返す。平均スコアは小数第1位で丸める。
func (r *PostgresResultRepo) Statistics(ctx context.Context) (*model.AssessmentStatistics, error) {
	stats := &model.AssessmentStatistics{
		TopCareerCodes:   []string{},
		TierDistribution: map[model.Tier]int{},
	}

	var avg [6]sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        AVG((scores->>'R')::numeric), AVG((scores->>'I')::numeric),
		        AVG((scores->>'A')::numeric), AVG((scores->>'S')::numeric),
		        AVG((scores->>'E')::numeric), AVG((scores->>'C')::numeric)
		 FROM test_results`,
	).Scan(&stats.TotalTests, &avg[0], &avg[1], &avg[2], &avg[3], &avg[4], &avg[5])
	if err != nil {
		return nil, fmt.Errorf("平均スコアの集計に失敗しました: %w", err)
	}
	round := func(v sql.NullFloat64) float64 {
		return math.Round(v.Float64*10) / 10
	}
	stats.AverageScores = model.TraitAverages{
		R: round(avg[0]), I: round(avg[1]), A: round(avg[2]),
		S: round(avg[3]), E: round(avg[4]), C: round(avg[5]),
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT career_code FROM test_results
		 GROUP BY career_code ORDER BY COUNT(*) DESC, career_code ASC LIMIT $1`,
		topCareerCodeLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("キャリアコードの集計に失敗しました: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("キャリアコード行の読み取りに失敗しました: %w", err)
		}
		stats.TopCareerCodes = append(stats.TopCareerCodes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キャリアコードの走査に失敗しました: %w", err)
	}

	tierRows, err := r.db.QueryContext(ctx,
		`SELECT tier, COUNT(*) FROM test_results GROUP BY tier`,
	)
	if err != nil {
		return nil, fmt.Errorf("ティア分布の集計に失敗しました: %w", err)
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var tier string
		var count int
		if err := tierRows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("ティア行の読み取りに失敗しました: %w", err)
		}
		stats.TierDistribution[model.Tier(tier)] = count
	}
	if err := tierRows.Err(); err != nil {
		return nil, fmt.Errorf("ティア分布の走査に失敗しました: %w", err)
	}

	return stats, nil
}
