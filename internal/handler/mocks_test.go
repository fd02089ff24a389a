package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/assessment"
	"github.com/hitoshi/careerlens/internal/middleware"
	"github.com/hitoshi/careerlens/internal/model"
)

// --- モック定義 ---

// mockAssessmentService はAssessmentServiceInterfaceのモック実装。
type mockAssessmentService struct {
	startTestFn      func(ctx context.Context) (*assessment.StartedTest, error)
	submitTestFn     func(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error)
	getResultFn      func(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error)
	submitFeedbackFn func(ctx context.Context, sessionToken, feedback string, rating int) error
	statisticsFn     func(ctx context.Context) (*model.AssessmentStatistics, error)
}

func (m *mockAssessmentService) StartTest(ctx context.Context) (*assessment.StartedTest, error) {
	if m.startTestFn != nil {
		return m.startTestFn(ctx)
	}
	return &assessment.StartedTest{}, nil
}

func (m *mockAssessmentService) SubmitTest(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error) {
	if m.submitTestFn != nil {
		return m.submitTestFn(ctx, req)
	}
	return &assessment.Submission{SessionToken: req.SessionToken}, nil
}

func (m *mockAssessmentService) GetResult(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error) {
	if m.getResultFn != nil {
		return m.getResultFn(ctx, req)
	}
	return nil, model.NewResultNotFoundError()
}

func (m *mockAssessmentService) SubmitFeedback(ctx context.Context, sessionToken, feedback string, rating int) error {
	if m.submitFeedbackFn != nil {
		return m.submitFeedbackFn(ctx, sessionToken, feedback, rating)
	}
	return nil
}

func (m *mockAssessmentService) Statistics(ctx context.Context) (*model.AssessmentStatistics, error) {
	if m.statisticsFn != nil {
		return m.statisticsFn(ctx)
	}
	return &model.AssessmentStatistics{}, nil
}

// mockGrantService はGrantServiceInterfaceのモック実装。
type mockGrantService struct {
	validateTokenFn func(ctx context.Context, token string) (*access.Validation, error)
	issueFn         func(ctx context.Context, req access.IssueRequest) (*access.IssueResult, error)
	statusFn        func(ctx context.Context, token string) (*model.AccessGrant, error)
	revokeFn        func(ctx context.Context, token string) (*model.AccessGrant, error)
	usageReportFn   func(ctx context.Context, token string) (*access.UsageReport, error)
	usageByClassFn  func(ctx context.Context, token string) ([]access.ClassUsage, error)
}

func (m *mockGrantService) ValidateToken(ctx context.Context, token string) (*access.Validation, error) {
	if m.validateTokenFn != nil {
		return m.validateTokenFn(ctx, token)
	}
	return &access.Validation{Valid: false, Reason: "not found"}, nil
}

func (m *mockGrantService) Issue(ctx context.Context, req access.IssueRequest) (*access.IssueResult, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, req)
	}
	return nil, model.NewInvalidGrantRequestError("not configured")
}

func (m *mockGrantService) Status(ctx context.Context, token string) (*model.AccessGrant, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, token)
	}
	return nil, model.NewGrantNotFoundError()
}

func (m *mockGrantService) Revoke(ctx context.Context, token string) (*model.AccessGrant, error) {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, token)
	}
	return nil, model.NewGrantNotFoundError()
}

func (m *mockGrantService) UsageReport(ctx context.Context, token string) (*access.UsageReport, error) {
	if m.usageReportFn != nil {
		return m.usageReportFn(ctx, token)
	}
	return nil, model.NewGrantNotFoundError()
}

func (m *mockGrantService) UsageByClass(ctx context.Context, token string) ([]access.ClassUsage, error) {
	if m.usageByClassFn != nil {
		return m.usageByClassFn(ctx, token)
	}
	return nil, model.NewGrantNotFoundError()
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}
