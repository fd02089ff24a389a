// Package assessment は受検の開始から結果閲覧までのフローを統括する。
package assessment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/matching"
	"github.com/hitoshi/careerlens/internal/metrics"
	"github.com/hitoshi/careerlens/internal/model"
	"github.com/hitoshi/careerlens/internal/recommend"
	"github.com/hitoshi/careerlens/internal/repository"
	"github.com/hitoshi/careerlens/internal/scoring"
	"github.com/hitoshi/careerlens/internal/security"
)

// SessionTTL はセッションの有効期間。
const SessionTTL = 24 * time.Hour

// 入力長の上限
const (
	maxNameRunes     = 100
	maxClassRunes    = 50
	maxFeedbackRunes = 2000
	minRating        = 1
	maxRating        = 5
	minJobZone       = 1
	maxJobZone       = 5
)

// Recommender は学習コース推奨の生成インターフェース。
type Recommender interface {
	Recommend(ctx context.Context, in recommend.Input) (*model.StreamRecommendation, error)
}

// Unlocker はアクセストークンによる結果解錠のインターフェース。
type Unlocker interface {
	Unlock(ctx context.Context, token, sessionToken string, viewer model.Viewer) (*access.UnlockOutcome, error)
}

// ResultNotifier は解錠された結果を連絡先に届けるインターフェース。
type ResultNotifier interface {
	SendResult(ctx context.Context, to string, viewer model.Viewer, result *model.TestResult) error
}

// Dependencies はServiceの依存関係。
// Recommender・Notifierはnilでもよい（その機能を使わない）。
type Dependencies struct {
	Questions   repository.QuestionRepository
	Careers     repository.CareerRepository
	Sessions    repository.SessionRepository
	Results     repository.ResultRepository
	Engine      *matching.Engine
	Recommender Recommender
	Unlocker    Unlocker
	Notifier    ResultNotifier
	Sanitizer   security.TextSanitizerService
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
	// TopN は保存する照合結果の件数。0の場合はmatching.DefaultTopN。
	TopN int
}

// Service は受検フローのサービス層。
type Service struct {
	questions   repository.QuestionRepository
	careers     repository.CareerRepository
	sessions    repository.SessionRepository
	results     repository.ResultRepository
	engine      *matching.Engine
	recommender Recommender
	unlocker    Unlocker
	notifier    ResultNotifier
	sanitizer   security.TextSanitizerService
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	topN        int
	now         func() time.Time
	random      io.Reader
	intN        func(int) int
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Dependencies) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewTextSanitizer()
	}
	if deps.Engine == nil {
		deps.Engine = matching.NewEngine(deps.Logger)
	}
	if deps.TopN == 0 {
		deps.TopN = matching.DefaultTopN
	}
	return &Service{
		questions:   deps.Questions,
		careers:     deps.Careers,
		sessions:    deps.Sessions,
		results:     deps.Results,
		engine:      deps.Engine,
		recommender: deps.Recommender,
		unlocker:    deps.Unlocker,
		notifier:    deps.Notifier,
		sanitizer:   deps.Sanitizer,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		topN:        deps.TopN,
		now:         time.Now,
		random:      rand.Reader,
	}
}

// StartedTest は受検開始の結果。
type StartedTest struct {
	SessionToken string
	ExpiresAt    time.Time
	Questions    []*model.Question
}

// StartTest は質問を抽選し、STARTEDのセッションを作成する。
func (s *Service) StartTest(ctx context.Context) (*StartedTest, error) {
	active, err := s.questions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("質問の取得に失敗しました: %w", err)
	}

	selected, err := SelectQuestions(active, scoring.QuestionCount, s.intN)
	if err != nil {
		s.logger.Error("question catalog is too small",
			slog.Int("active", len(active)),
			slog.Int("required", scoring.QuestionCount),
		)
		return nil, err
	}

	token, err := NewSessionToken(s.random)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ids := make([]int64, len(selected))
	for i, q := range selected {
		ids[i] = q.ID
	}
	session := &model.TestSession{
		ID:          uuid.New().String(),
		Token:       token,
		Status:      model.SessionStatusStarted,
		QuestionIDs: ids,
		CreatedAt:   now,
		ExpiresAt:   now.Add(SessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	s.metrics.RecordSessionStarted()
	s.logger.Info("test session started", slog.String("session_id", session.ID))

	return &StartedTest{
		SessionToken: token,
		ExpiresAt:    session.ExpiresAt,
		Questions:    selected,
	}, nil
}

// SubmitRequest は回答提出の入力。
type SubmitRequest struct {
	SessionToken string
	Responses    []model.QuestionResponse
	Preferences  *model.JobPreferences
}

// Submission は回答提出の結果。結果本体はアクセストークンで解錠するまで返さない。
type Submission struct {
	SessionToken string
	SubmittedAt  time.Time
}

// SubmitTest は回答を採点・照合し、結果の保存とセッション完了を1トランザクションで行う。
// フロー: セッション確認 → 回答検証・採点 → キャリア照合 → コース推奨 → 保存
func (s *Service) SubmitTest(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if violations := validatePreferences(req.Preferences); len(violations) > 0 {
		return nil, model.NewInvalidRequestError(violations...)
	}

	// 1. セッション確認
	session, err := s.sessions.FindByToken(ctx, req.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError()
	}
	if session.Status == model.SessionStatusCompleted {
		return nil, model.NewSessionCompletedError()
	}
	now := s.now()
	if session.IsExpired(now) {
		return nil, model.NewSessionExpiredError()
	}

	// 2. 回答検証・採点（出題された質問のみ有効）
	traits, err := s.sessionTraits(ctx, session)
	if err != nil {
		return nil, err
	}
	result, err := scoring.Score(req.Responses, traits)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			s.metrics.RecordValidationFailure()
			return nil, model.NewValidationFailedError(ve.Violations)
		}
		return nil, err
	}

	// 3. キャリア照合
	careers, err := s.careers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("キャリアの取得に失敗しました: %w", err)
	}
	outcome, err := s.engine.Match(result.Scores, careers, req.Preferences, s.topN)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordMatchLatency(time.Duration(outcome.Statistics.ProcessingTimeMs * float64(time.Millisecond)))
	s.metrics.RecordSkippedCareers(outcome.Statistics.SkippedCareers)
	if outcome.Statistics.FallbackUsed {
		s.metrics.RecordMatchFallback()
	}

	// 4. コース推奨（失敗しても結果は保存する）
	recommendation := s.recommend(ctx, result, outcome.Matches)

	// 5. 保存
	testResult := &model.TestResult{
		ID:                uuid.New().String(),
		SessionToken:      session.Token,
		Responses:         req.Responses,
		Scoring:           *result,
		Matches:           outcome.Matches,
		Statistics:        outcome.Statistics,
		Preferences:       req.Preferences,
		Recommendation:    recommendation,
		CompletionSeconds: int(now.Sub(session.CreatedAt).Seconds()),
		SubmittedAt:       s.now(),
	}
	if err := s.results.CompleteSession(ctx, session.ID, testResult); err != nil {
		if errors.Is(err, repository.ErrSessionNotStarted) {
			return nil, model.NewSessionCompletedError()
		}
		return nil, fmt.Errorf("結果の保存に失敗しました: %w", err)
	}

	s.metrics.RecordSubmission()
	s.logger.Info("test submitted",
		slog.String("session_id", session.ID),
		slog.String("career_code", result.CareerCode),
		slog.String("tier", string(result.Tier)),
		slog.Int("matches", len(outcome.Matches)),
		slog.Bool("recommendation", recommendation != nil),
	)

	return &Submission{SessionToken: session.Token, SubmittedAt: testResult.SubmittedAt}, nil
}

// sessionTraits はセッションで出題された有効な質問のID→特性の対応表を返す。
func (s *Service) sessionTraits(ctx context.Context, session *model.TestSession) (map[int64]model.Trait, error) {
	active, err := s.questions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("質問の取得に失敗しました: %w", err)
	}
	byID := make(map[int64]model.Trait, len(active))
	for _, q := range active {
		byID[q.ID] = q.Trait
	}

	traits := make(map[int64]model.Trait, len(session.QuestionIDs))
	for _, id := range session.QuestionIDs {
		if t, ok := byID[id]; ok {
			traits[id] = t
		}
	}
	return traits, nil
}

func (s *Service) recommend(ctx context.Context, result *model.ScoringResult, matches []model.CareerMatch) *model.StreamRecommendation {
	if s.recommender == nil {
		return nil
	}
	rec, err := s.recommender.Recommend(ctx, recommend.Input{Scoring: *result, Matches: matches})
	if err != nil {
		s.metrics.RecordRecommendationFailure()
		s.logger.Warn("stream recommendation unavailable, storing result without it",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return rec
}

// ResultRequest は結果閲覧の入力。
type ResultRequest struct {
	SessionToken string
	AccessToken  string
	Viewer       model.Viewer
}

// ResultView は解錠された結果。
type ResultView struct {
	Result *model.TestResult
	Unlock *access.UnlockOutcome
}

// GetResult はアクセストークンで結果を解錠して返す。
// 初回解錠で連絡先メールが指定されていれば結果を送信する（失敗しても閲覧は成功とする）。
func (s *Service) GetResult(ctx context.Context, req ResultRequest) (*ResultView, error) {
	viewer, violations := s.cleanViewer(req.Viewer)
	if strings.TrimSpace(req.AccessToken) == "" {
		violations = append(violations, "access token is required")
	}
	if len(violations) > 0 {
		return nil, model.NewInvalidRequestError(violations...)
	}

	result, err := s.results.FindBySessionToken(ctx, req.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("結果の取得に失敗しました: %w", err)
	}
	if result == nil {
		return nil, model.NewResultNotFoundError()
	}

	token := strings.ToUpper(strings.TrimSpace(req.AccessToken))
	outcome, err := s.unlocker.Unlock(ctx, token, result.SessionToken, viewer)
	if err != nil {
		return nil, err
	}

	if outcome.FirstUnlock && viewer.ContactEmail != "" && s.notifier != nil {
		if err := s.notifier.SendResult(ctx, viewer.ContactEmail, viewer, result); err != nil {
			s.metrics.RecordNotificationFailure("result")
			s.logger.Warn("result notification failed",
				slog.String("grant_id", outcome.Grant.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return &ResultView{Result: result, Unlock: outcome}, nil
}

// cleanViewer は閲覧者情報からマークアップを除去し、必須項目と長さを検証する。
func (s *Service) cleanViewer(v model.Viewer) (model.Viewer, []string) {
	cleaned := model.Viewer{
		FirstName:    s.sanitizer.Sanitize(v.FirstName),
		LastName:     s.sanitizer.Sanitize(v.LastName),
		ClassName:    s.sanitizer.Sanitize(v.ClassName),
		ContactEmail: strings.TrimSpace(v.ContactEmail),
	}

	var violations []string
	checkText := func(field, value string, limit int) {
		switch n := len([]rune(value)); {
		case n == 0:
			violations = append(violations, field+" is required")
		case n > limit:
			violations = append(violations, fmt.Sprintf("%s must be at most %d characters", field, limit))
		}
	}
	checkText("first_name", cleaned.FirstName, maxNameRunes)
	checkText("last_name", cleaned.LastName, maxNameRunes)
	checkText("class", cleaned.ClassName, maxClassRunes)

	if cleaned.ContactEmail != "" {
		if addr, err := mail.ParseAddress(cleaned.ContactEmail); err != nil || addr.Address != cleaned.ContactEmail {
			violations = append(violations, "parent_email is malformed")
		}
	}
	return cleaned, violations
}

// SubmitFeedback は結果に評価とコメントを記録する。
func (s *Service) SubmitFeedback(ctx context.Context, sessionToken, feedback string, rating int) error {
	if rating < minRating || rating > maxRating {
		return model.NewInvalidFeedbackError(fmt.Sprintf("rating must be between %d and %d", minRating, maxRating))
	}
	cleaned := s.sanitizer.Sanitize(feedback)
	if len([]rune(cleaned)) > maxFeedbackRunes {
		return model.NewInvalidFeedbackError(fmt.Sprintf("feedback must be at most %d characters", maxFeedbackRunes))
	}

	ok, err := s.results.UpdateFeedback(ctx, sessionToken, cleaned, rating)
	if err != nil {
		return fmt.Errorf("フィードバックの保存に失敗しました: %w", err)
	}
	if !ok {
		return model.NewResultNotFoundError()
	}
	return nil
}

// Statistics は全受検結果の集計を返す。
func (s *Service) Statistics(ctx context.Context) (*model.AssessmentStatistics, error) {
	stats, err := s.results.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// validatePreferences は絞り込み条件の値域を検証する。
func validatePreferences(p *model.JobPreferences) []string {
	if p == nil {
		return nil
	}
	var violations []string
	for _, z := range p.PreferredJobZones {
		if z < minJobZone || z > maxJobZone {
			violations = append(violations, fmt.Sprintf("preferred job zone %d is outside [%d,%d]", z, minJobZone, maxJobZone))
		}
	}
	if p.MinJobZone != 0 && (p.MinJobZone < minJobZone || p.MinJobZone > maxJobZone) {
		violations = append(violations, fmt.Sprintf("min_job_zone %d is outside [%d,%d]", p.MinJobZone, minJobZone, maxJobZone))
	}
	if p.MaxJobZone != 0 && (p.MaxJobZone < minJobZone || p.MaxJobZone > maxJobZone) {
		violations = append(violations, fmt.Sprintf("max_job_zone %d is outside [%d,%d]", p.MaxJobZone, minJobZone, maxJobZone))
	}
	if p.MinJobZone != 0 && p.MaxJobZone != 0 && p.MinJobZone > p.MaxJobZone {
		violations = append(violations, "min_job_zone must not exceed max_job_zone")
	}
	return violations
}
