package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/assessment"
	"github.com/hitoshi/careerlens/internal/model"
)

func TestAssessmentHandler_StartTest_ReturnsQuestions(t *testing.T) {
	expires := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	svc := &mockAssessmentService{
		startTestFn: func(ctx context.Context) (*assessment.StartedTest, error) {
			return &assessment.StartedTest{
				SessionToken: strings.Repeat("a", 64),
				ExpiresAt:    expires,
				Questions: []*model.Question{
					{ID: 1, Text: "Build kitchen cabinets", Trait: model.TraitRealistic, Active: true},
					{ID: 2, Text: "Study animal behavior", Trait: model.TraitInvestigative, Active: true},
				},
			}, nil
		},
	}
	h := NewAssessmentHandler(svc)

	w := httptest.NewRecorder()
	h.StartTest(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/start", nil))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp startResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.SessionToken != strings.Repeat("a", 64) {
		t.Errorf("session_token = %q", resp.SessionToken)
	}
	if !resp.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", resp.ExpiresAt, expires)
	}
	if len(resp.Questions) != 2 || resp.Questions[1].Trait != model.TraitInvestigative {
		t.Errorf("questions = %+v", resp.Questions)
	}
}

func TestAssessmentHandler_StartTest_InsufficientCatalog(t *testing.T) {
	svc := &mockAssessmentService{
		startTestFn: func(ctx context.Context) (*assessment.StartedTest, error) {
			return nil, model.NewInsufficientCatalogError(12, 60)
		},
	}
	h := NewAssessmentHandler(svc)

	w := httptest.NewRecorder()
	h.StartTest(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/start", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInsufficientCatalog {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInsufficientCatalog)
	}
}

func TestAssessmentHandler_SubmitTest_PassesRequestAndHidesResult(t *testing.T) {
	submittedAt := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	var captured assessment.SubmitRequest
	svc := &mockAssessmentService{
		submitTestFn: func(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error) {
			captured = req
			return &assessment.Submission{SessionToken: req.SessionToken, SubmittedAt: submittedAt}, nil
		},
	}
	h := NewAssessmentHandler(svc)

	body := `{"session_token":"tok","responses":[{"question_id":3,"score":5},{"question_id":9,"score":1}],
		"preferences":{"preferred_tags":["outdoor"],"min_job_zone":2}}`
	w := httptest.NewRecorder()
	h.SubmitTest(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/submit", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}
	if captured.SessionToken != "tok" || len(captured.Responses) != 2 {
		t.Errorf("captured = %+v", captured)
	}
	if captured.Responses[0] != (model.QuestionResponse{QuestionID: 3, Score: 5}) {
		t.Errorf("responses[0] = %+v", captured.Responses[0])
	}
	if captured.Preferences == nil || captured.Preferences.MinJobZone != 2 || captured.Preferences.PreferredTags[0] != "outdoor" {
		t.Errorf("preferences = %+v", captured.Preferences)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if raw["session_token"] != "tok" {
		t.Errorf("session_token = %v", raw["session_token"])
	}
	// 結果はトークンで解錠するまで返さない
	for _, key := range []string{"scoring", "matches", "recommendation"} {
		if _, ok := raw[key]; ok {
			t.Errorf("submit response must not include %q", key)
		}
	}
}

func TestAssessmentHandler_SubmitTest_BadRequests(t *testing.T) {
	called := false
	svc := &mockAssessmentService{
		submitTestFn: func(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error) {
			called = true
			return nil, nil
		},
	}
	h := NewAssessmentHandler(svc)

	tests := []struct {
		name string
		body string
	}{
		{"不正なJSON", `{"session_token":`},
		{"未知のフィールド", `{"session_token":"tok","responses":[],"score":1}`},
		{"トークンなし", `{"responses":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.SubmitTest(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/submit", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
			}
		})
	}
	if called {
		t.Error("service should not be called for malformed requests")
	}
}

func TestAssessmentHandler_SubmitTest_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"検証エラー", model.NewValidationFailedError([]string{"expected 60 responses, got 2"}), http.StatusBadRequest, model.ErrCodeValidationFailed},
		{"セッションなし", model.NewSessionNotFoundError(), http.StatusNotFound, model.ErrCodeSessionNotFound},
		{"提出済み", model.NewSessionCompletedError(), http.StatusConflict, model.ErrCodeSessionCompleted},
		{"期限切れ", model.NewSessionExpiredError(), http.StatusGone, model.ErrCodeSessionExpired},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAssessmentHandler(&mockAssessmentService{
				submitTestFn: func(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error) {
					return nil, tt.err
				},
			})
			w := httptest.NewRecorder()
			h.SubmitTest(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/submit",
				strings.NewReader(`{"session_token":"tok","responses":[]}`)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := parseAPIErrorResponse(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.wantCode == model.ErrCodeValidationFailed && len(body.Details) != 1 {
				t.Errorf("details = %v, want 1 entry", body.Details)
			}
			if tt.wantCode == "INTERNAL_ERROR" && strings.Contains(body.Message, "db down") {
				t.Error("internal error details must not leak to the client")
			}
		})
	}
}

func TestAssessmentHandler_GetResult_ReturnsUnlockedResult(t *testing.T) {
	unlockedAt := time.Date(2026, 10, 15, 11, 0, 0, 0, time.UTC)
	var captured assessment.ResultRequest
	svc := &mockAssessmentService{
		getResultFn: func(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error) {
			captured = req
			return &assessment.ResultView{
				Result: &model.TestResult{
					SessionToken: req.SessionToken,
					Scoring: model.ScoringResult{
						CareerCode: "RIA",
						TotalScore: 180,
						Tier:       model.TierInnovator,
					},
					Matches: []model.CareerMatch{
						{CareerID: 7, CareerName: "Civil Engineer", MatchType: model.MatchTypeBestFit, MatchScore: 93},
					},
					Recommendation: &model.StreamRecommendation{
						RecommendedStream: model.StreamScience,
						Reasoning:         "Strong investigative interests.",
					},
					CompletionSeconds: 840,
				},
				Unlock: &access.UnlockOutcome{
					FirstUnlock:    true,
					UnlockedAt:     unlockedAt,
					ViewCount:      1,
					RemainingUsage: 4,
				},
			}, nil
		},
	}
	h := NewAssessmentHandler(svc)

	body := `{"session_token":"tok","access_token":"linco-a3f8","first_name":"Ada","last_name":"Lovelace",
		"class_name":"10B","parent_email":"parent@example.com"}`
	w := httptest.NewRecorder()
	h.GetResult(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/results", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	want := model.Viewer{FirstName: "Ada", LastName: "Lovelace", ClassName: "10B", ContactEmail: "parent@example.com"}
	if captured.Viewer != want {
		t.Errorf("viewer = %+v, want %+v", captured.Viewer, want)
	}
	if captured.AccessToken != "linco-a3f8" {
		t.Errorf("access token = %q", captured.AccessToken)
	}

	var resp resultResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Scoring.CareerCode != "RIA" || resp.Scoring.Tier != model.TierInnovator {
		t.Errorf("scoring = %+v", resp.Scoring)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].MatchScore != 93 {
		t.Errorf("matches = %+v", resp.Matches)
	}
	if resp.Recommendation == nil || resp.Recommendation.RecommendedStream != model.StreamScience {
		t.Errorf("recommendation = %+v", resp.Recommendation)
	}
	if !resp.Unlock.FirstUnlock || resp.Unlock.ViewCount != 1 || resp.Unlock.RemainingUsage != 4 {
		t.Errorf("unlock = %+v", resp.Unlock)
	}
	if !resp.Unlock.UnlockedAt.Equal(unlockedAt) {
		t.Errorf("unlocked_at = %v, want %v", resp.Unlock.UnlockedAt, unlockedAt)
	}
}

func TestAssessmentHandler_GetResult_GrantRejected(t *testing.T) {
	svc := &mockAssessmentService{
		getResultFn: func(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error) {
			return nil, model.NewGrantInvalidError("usage limit exceeded")
		},
	}
	h := NewAssessmentHandler(svc)

	body := `{"session_token":"tok","access_token":"LINCO-A3F8","first_name":"A","last_name":"B","class_name":"C"}`
	w := httptest.NewRecorder()
	h.GetResult(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/results", strings.NewReader(body)))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	resp := parseAPIErrorResponse(t, w)
	if resp.Code != model.ErrCodeGrantInvalid || resp.Reason != "usage limit exceeded" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAssessmentHandler_GetResult_NilRecommendationOmitted(t *testing.T) {
	svc := &mockAssessmentService{
		getResultFn: func(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error) {
			return &assessment.ResultView{
				Result: &model.TestResult{SessionToken: req.SessionToken},
				Unlock: &access.UnlockOutcome{ViewCount: 3},
			}, nil
		},
	}
	h := NewAssessmentHandler(svc)

	w := httptest.NewRecorder()
	h.GetResult(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/results",
		strings.NewReader(`{"session_token":"tok","access_token":"X"}`)))

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if _, ok := raw["recommendation"]; ok {
		t.Error("recommendation should be omitted when absent")
	}
	if matches, ok := raw["matches"].([]interface{}); !ok || len(matches) != 0 {
		t.Errorf("matches = %v, want empty array", raw["matches"])
	}
}

func TestAssessmentHandler_SubmitFeedback(t *testing.T) {
	var gotToken, gotFeedback string
	var gotRating int
	svc := &mockAssessmentService{
		submitFeedbackFn: func(ctx context.Context, sessionToken, feedback string, rating int) error {
			gotToken, gotFeedback, gotRating = sessionToken, feedback, rating
			if rating > 5 {
				return model.NewInvalidFeedbackError("rating must be between 1 and 5")
			}
			return nil
		},
	}
	h := NewAssessmentHandler(svc)

	w := httptest.NewRecorder()
	h.SubmitFeedback(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/feedback",
		bytes.NewBufferString(`{"session_token":"tok","feedback":"Helpful","rating":4}`)))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotToken != "tok" || gotFeedback != "Helpful" || gotRating != 4 {
		t.Errorf("captured = %q %q %d", gotToken, gotFeedback, gotRating)
	}

	w = httptest.NewRecorder()
	h.SubmitFeedback(w, httptest.NewRequest(http.MethodPost, "/api/v1/assessments/feedback",
		bytes.NewBufferString(`{"session_token":"tok","rating":9}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAssessmentHandler_Statistics(t *testing.T) {
	svc := &mockAssessmentService{
		statisticsFn: func(ctx context.Context) (*model.AssessmentStatistics, error) {
			return &model.AssessmentStatistics{
				TotalTests:       3,
				TopCareerCodes:   []string{"RIA", "SEC"},
				TierDistribution: map[model.Tier]int{model.TierLeader: 1, model.TierExplorer: 2},
			}, nil
		},
	}
	h := NewAssessmentHandler(svc)

	w := httptest.NewRecorder()
	h.Statistics(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/assessments/statistics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var stats model.AssessmentStatistics
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if stats.TotalTests != 3 || stats.TierDistribution[model.TierExplorer] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
