// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/careerlens/internal/model"
)

var (
	// ErrUsageConflict は (トークン, セッション) の台帳レコードが既に存在する場合に返る。
	// 同時に初回解錠を試みた場合の敗者側が受け取る。
	ErrUsageConflict = errors.New("usage record already exists")

	// ErrGrantExhausted は利用回数の加算条件（ACTIVEかつ上限未満）を満たさない場合に返る。
	ErrGrantExhausted = errors.New("grant cannot be consumed")

	// ErrDuplicateToken はトークン文字列の一意制約違反。
	ErrDuplicateToken = errors.New("duplicate grant token")

	// ErrSessionNotStarted はSTARTED以外のセッションを完了しようとした場合に返る。
	ErrSessionNotStarted = errors.New("session is not in STARTED state")
)

// QuestionRepository は質問カタログの永続化インターフェース。
type QuestionRepository interface {
	// ListActive は有効な質問をID昇順で返す。
	ListActive(ctx context.Context) ([]*model.Question, error)

	// Upsert は質問を作成または更新する。
	Upsert(ctx context.Context, q *model.Question) error
}

// CareerRepository はキャリアカタログの永続化インターフェース。
type CareerRepository interface {
	// ListActive は有効なキャリアをID昇順で返す。
	ListActive(ctx context.Context) ([]model.CareerProfile, error)

	// Upsert はキャリアを作成または更新する。
	Upsert(ctx context.Context, c *model.CareerProfile) error
}

// SessionRepository はテストセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.TestSession) error

	// FindByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.TestSession, error)
}

// ResultRepository は受検結果の永続化インターフェース。
type ResultRepository interface {
	// CompleteSession はセッションのCOMPLETEDへの遷移と結果の作成を同一トランザクションで行う。
	// セッションがSTARTEDでない場合はErrSessionNotStartedを返し、何も書き込まない。
	CompleteSession(ctx context.Context, sessionID string, result *model.TestResult) error

	// FindBySessionToken はセッショントークンで結果を取得する。見つからない場合はnilを返す。
	FindBySessionToken(ctx context.Context, sessionToken string) (*model.TestResult, error)

	// UpdateFeedback は結果にフィードバックを記録する。結果が存在しない場合はfalseを返す。
	UpdateFeedback(ctx context.Context, sessionToken, feedback string, rating int) (bool, error)

	// Statistics は全結果の集計を返す。
	Statistics(ctx context.Context) (*model.AssessmentStatistics, error)
}

// GrantRepository はアクセストークンの永続化インターフェース。
type GrantRepository interface {
	// Create はトークンを作成する。トークン文字列が重複する場合はErrDuplicateTokenを返す。
	Create(ctx context.Context, grant *model.AccessGrant) error

	// FindByToken はトークン文字列で取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.AccessGrant, error)

	// TransitionStatus は現在の状態がfromのいずれかである場合のみtoへ遷移させる。
	// 遷移した場合はtrueを返す。
	TransitionStatus(ctx context.Context, id string, from []model.GrantStatus, to model.GrantStatus) (bool, error)
}

// UsageLedgerRepository は利用台帳の永続化インターフェース。
type UsageLedgerRepository interface {
	// Find は (grantID, sessionToken) の台帳レコードを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, grantID, sessionToken string) (*model.UsageRecord, error)

	// RecordView は既存レコードのview_countを加算しlast_viewed_atを更新する。
	// レコードが存在しない場合はnilを返す。トークンの利用回数には触れない。
	RecordView(ctx context.Context, grantID, sessionToken string, at time.Time) (*model.UsageRecord, error)

	// InsertFirstUnlock は台帳レコードの作成とトークン利用回数の加算を同一トランザクションで行う。
	// 既にレコードが存在する場合はErrUsageConflict、トークンが消費できない場合は
	// ErrGrantExhaustedを返し、どちらも何も書き込まない。
	// 成功時は加算後のトークンを返す。
	InsertFirstUnlock(ctx context.Context, record *model.UsageRecord) (*model.AccessGrant, error)

	// ListByGrant はトークンの台帳レコードを初回解錠順に返す。
	ListByGrant(ctx context.Context, grantID string) ([]*model.UsageRecord, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
