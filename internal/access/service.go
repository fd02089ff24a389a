package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/careerlens/internal/metrics"
	"github.com/hitoshi/careerlens/internal/model"
	"github.com/hitoshi/careerlens/internal/repository"
)

// maxTokenAttempts はトークン文字列が衝突した場合の再生成回数の上限。
const maxTokenAttempts = 8

// TokenNotifier は発行したトークンを所有者に届けるインターフェース。
type TokenNotifier interface {
	SendAccessToken(ctx context.Context, grant *model.AccessGrant) error
}

// UnlockOutcome は解錠の結果。
type UnlockOutcome struct {
	FirstUnlock    bool
	UnlockedAt     time.Time
	ViewCount      int
	RemainingUsage int
	Grant          *model.AccessGrant
}

// Validation は公開用のトークン検証結果。
type Validation struct {
	Valid          bool
	Reason         string
	Type           model.GrantType
	RemainingUsage int
	ExpiresAt      time.Time
}

// IssueResult はトークン発行の結果。
type IssueResult struct {
	Grant     *model.AccessGrant
	EmailSent bool
}

// UsageReport はトークンの利用状況。
type UsageReport struct {
	Grant          *model.AccessGrant
	Students       []*model.UsageRecord
	TotalViews     int
	RemainingUsage int
}

// ClassUsage はクラス単位の利用状況。
type ClassUsage struct {
	ClassName string `json:"class_name"`
	Students  int    `json:"students"`
	Views     int    `json:"views"`
}

// Service はアクセストークンのサービス層。
// 解錠の排他はストレージの一意制約に委ね、アプリケーション側ではロックを取らない。
type Service struct {
	grants   repository.GrantRepository
	ledger   repository.UsageLedgerRepository
	notifier TokenNotifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	random   io.Reader
}

// NewService はServiceの新しいインスタンスを生成する。
// notifierがnilの場合、発行時のメール送信は行わない。
func NewService(
	grants repository.GrantRepository,
	ledger repository.UsageLedgerRepository,
	notifier TokenNotifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		grants:   grants,
		ledger:   ledger,
		notifier: notifier,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// Unlock はトークンを使って結果セッションの閲覧を解錠する。
//
// 既に台帳レコードがある組は再閲覧として扱い、view_countのみ加算する。
// ない場合は初回解錠として台帳作成と利用回数加算を1トランザクションで行う。
// 同時実行で一意制約に負けた側は再閲覧に切り替えるため、呼び出し元にエラーは返らない。
func (s *Service) Unlock(ctx context.Context, token, sessionToken string, viewer model.Viewer) (*UnlockOutcome, error) {
	grant, err := s.grants.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	now := s.now()
	verdict := Evaluate(grant, now)
	if verdict.Expire {
		s.expire(ctx, grant)
	}
	if !verdict.Valid && !verdict.Exhausted {
		return nil, s.reject(verdict.Reason)
	}

	if outcome, err := s.review(ctx, grant, sessionToken, now); err != nil || outcome != nil {
		return outcome, err
	}

	if verdict.Exhausted {
		return nil, s.reject(verdict.Reason)
	}

	record := &model.UsageRecord{
		ID:           uuid.New().String(),
		GrantID:      grant.ID,
		SessionToken: sessionToken,
		FirstName:    viewer.FirstName,
		LastName:     viewer.LastName,
		ClassName:    viewer.ClassName,
		UnlockedAt:   now,
		LastViewedAt: now,
		ViewCount:    1,
	}
	if viewer.ContactEmail != "" {
		email := viewer.ContactEmail
		record.ContactEmail = &email
	}

	updated, err := s.ledger.InsertFirstUnlock(ctx, record)
	switch {
	case errors.Is(err, repository.ErrUsageConflict):
		// 同じ組の初回解錠が先に確定した
		s.logger.Info("concurrent first unlock lost, serving as review",
			slog.String("grant_id", grant.ID),
		)
		outcome, err := s.review(ctx, grant, sessionToken, now)
		if err != nil {
			return nil, err
		}
		if outcome == nil {
			return nil, fmt.Errorf("競合後の台帳レコードが見つかりません: grant=%s", grant.ID)
		}
		return outcome, nil
	case errors.Is(err, repository.ErrGrantExhausted):
		return nil, s.reject(s.exhaustedReason(ctx, token))
	case err != nil:
		return nil, fmt.Errorf("初回解錠の記録に失敗しました: %w", err)
	}

	s.metrics.RecordUnlock(metrics.UnlockFirst)
	s.logger.Info("result unlocked",
		slog.String("grant_id", updated.ID),
		slog.Int("usage_count", updated.UsageCount),
		slog.Int("max_usage", updated.MaxUsage),
		slog.String("status", string(updated.Status)),
	)

	return &UnlockOutcome{
		FirstUnlock:    true,
		UnlockedAt:     record.UnlockedAt,
		ViewCount:      record.ViewCount,
		RemainingUsage: updated.RemainingUsage(),
		Grant:          updated,
	}, nil
}

// review は既存の台帳レコードがあれば閲覧を記録する。なければnilを返す。
func (s *Service) review(ctx context.Context, grant *model.AccessGrant, sessionToken string, now time.Time) (*UnlockOutcome, error) {
	rec, err := s.ledger.RecordView(ctx, grant.ID, sessionToken, now)
	if err != nil {
		return nil, fmt.Errorf("閲覧記録の更新に失敗しました: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	s.metrics.RecordUnlock(metrics.UnlockReview)
	return &UnlockOutcome{
		FirstUnlock:    false,
		UnlockedAt:     rec.UnlockedAt,
		ViewCount:      rec.ViewCount,
		RemainingUsage: grant.RemainingUsage(),
		Grant:          grant,
	}, nil
}

// exhaustedReason は加算条件を満たさなかった原因を再取得したトークンから判定する。
// 並行して期限切れや失効が起きた場合はその理由を返す。
func (s *Service) exhaustedReason(ctx context.Context, token string) string {
	latest, err := s.grants.FindByToken(ctx, token)
	if err != nil {
		s.logger.Warn("failed to reload grant",
			slog.String("error", err.Error()),
		)
		return ReasonUsageLimitExceeded
	}
	if v := Evaluate(latest, s.now()); !v.Valid && !v.Exhausted {
		return v.Reason
	}
	return ReasonUsageLimitExceeded
}

// expire はACTIVEのまま期限を過ぎたトークンをEXPIREDへ遷移させる。
// 失敗しても検証結果は変わらないためログのみ残す。
func (s *Service) expire(ctx context.Context, grant *model.AccessGrant) {
	ok, err := s.grants.TransitionStatus(ctx, grant.ID,
		[]model.GrantStatus{model.GrantStatusActive}, model.GrantStatusExpired)
	if err != nil {
		s.logger.Warn("failed to expire grant",
			slog.String("grant_id", grant.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		grant.Status = model.GrantStatusExpired
		s.logger.Info("grant expired", slog.String("grant_id", grant.ID))
	}
}

func (s *Service) reject(reason string) error {
	s.metrics.RecordGrantRejection(reason)
	return model.NewGrantInvalidError(reason)
}

// ValidateToken はトークンが新規の解錠に使えるかを返す。利用回数は消費しない。
func (s *Service) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	grant, err := s.grants.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	verdict := Evaluate(grant, s.now())
	if verdict.Expire {
		s.expire(ctx, grant)
	}
	if !verdict.Valid {
		return &Validation{Valid: false, Reason: verdict.Reason}, nil
	}
	return &Validation{
		Valid:          true,
		Type:           grant.Type,
		RemainingUsage: grant.RemainingUsage(),
		ExpiresAt:      grant.ExpiresAt,
	}, nil
}

// Issue はトークンを発行する。トークン文字列が衝突した場合は再生成する。
// メール送信の失敗は発行自体を失敗させない。
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	now := s.now()
	plan, err := Plan(req, now)
	if err != nil {
		return nil, err
	}
	if plan.IgnoredMaxUsage {
		s.logger.Warn("max usage provided for INDIVIDUAL token will be ignored",
			slog.Int("max_usage", req.MaxUsage),
		)
	}

	grant := &model.AccessGrant{
		Email:       strings.TrimSpace(req.Email),
		Name:        strings.TrimSpace(req.Name),
		Institution: strings.TrimSpace(req.Institution),
		Type:        req.Type,
		Status:      model.GrantStatusActive,
		MaxUsage:    plan.MaxUsage,
		CreatedAt:   now,
		ExpiresAt:   plan.ExpiresAt,
	}

	created := false
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := GenerateToken(grant.Institution, s.random)
		if err != nil {
			return nil, err
		}
		grant.ID = uuid.New().String()
		grant.Token = token

		err = s.grants.Create(ctx, grant)
		if errors.Is(err, repository.ErrDuplicateToken) {
			s.logger.Debug("token collision, regenerating", slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("アクセストークンの作成に失敗しました: %w", err)
		}
		created = true
		break
	}
	if !created {
		return nil, fmt.Errorf("一意なトークン文字列を生成できませんでした（%d回試行）", maxTokenAttempts)
	}

	s.metrics.RecordGrantIssued(string(grant.Type))
	s.logger.Info("grant issued",
		slog.String("grant_id", grant.ID),
		slog.String("type", string(grant.Type)),
		slog.Int("max_usage", grant.MaxUsage),
	)

	result := &IssueResult{Grant: grant}
	if s.notifier != nil {
		if err := s.notifier.SendAccessToken(ctx, grant); err != nil {
			s.metrics.RecordNotificationFailure("access_token")
			s.logger.Error("failed to send access token email",
				slog.String("grant_id", grant.ID),
				slog.String("error", err.Error()),
			)
		} else {
			result.EmailSent = true
		}
	}
	return result, nil
}

// Status はトークンの詳細を返す。
func (s *Service) Status(ctx context.Context, token string) (*model.AccessGrant, error) {
	grant, err := s.grants.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}
	if grant == nil {
		return nil, model.NewGrantNotFoundError()
	}
	return grant, nil
}

// Revoke はトークンを失効させる。既にREVOKEDの場合はそのまま返す。
func (s *Service) Revoke(ctx context.Context, token string) (*model.AccessGrant, error) {
	grant, err := s.Status(ctx, token)
	if err != nil {
		return nil, err
	}
	if !CanRevoke(grant.Status) {
		return grant, nil
	}

	ok, err := s.grants.TransitionStatus(ctx, grant.ID,
		[]model.GrantStatus{model.GrantStatusActive, model.GrantStatusUsed, model.GrantStatusExpired},
		model.GrantStatusRevoked)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの失効に失敗しました: %w", err)
	}
	if ok {
		s.logger.Info("grant revoked", slog.String("grant_id", grant.ID))
	}
	grant.Status = model.GrantStatusRevoked
	return grant, nil
}

// UsageReport はトークンで解錠された生徒の一覧と閲覧数を返す。
func (s *Service) UsageReport(ctx context.Context, token string) (*UsageReport, error) {
	grant, err := s.Status(ctx, token)
	if err != nil {
		return nil, err
	}
	records, err := s.ledger.ListByGrant(ctx, grant.ID)
	if err != nil {
		return nil, fmt.Errorf("利用台帳の取得に失敗しました: %w", err)
	}

	report := &UsageReport{
		Grant:          grant,
		Students:       records,
		RemainingUsage: grant.RemainingUsage(),
	}
	for _, r := range records {
		report.TotalViews += r.ViewCount
	}
	return report, nil
}

// UsageByClass はクラス名ごとの解錠人数と閲覧数をクラス名順で返す。
func (s *Service) UsageByClass(ctx context.Context, token string) ([]ClassUsage, error) {
	report, err := s.UsageReport(ctx, token)
	if err != nil {
		return nil, err
	}

	byClass := make(map[string]*ClassUsage)
	for _, r := range report.Students {
		cu, ok := byClass[r.ClassName]
		if !ok {
			cu = &ClassUsage{ClassName: r.ClassName}
			byClass[r.ClassName] = cu
		}
		cu.Students++
		cu.Views += r.ViewCount
	}

	classes := make([]ClassUsage, 0, len(byClass))
	for _, cu := range byClass {
		classes = append(classes, *cu)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i].ClassName < classes[j].ClassName
	})
	return classes, nil
}
