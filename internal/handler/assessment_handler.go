package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/careerlens/internal/assessment"
	"github.com/hitoshi/careerlens/internal/model"
)

// AssessmentServiceInterface は受検ハンドラーが必要とするサービスインターフェース。
type AssessmentServiceInterface interface {
	StartTest(ctx context.Context) (*assessment.StartedTest, error)
	SubmitTest(ctx context.Context, req assessment.SubmitRequest) (*assessment.Submission, error)
	GetResult(ctx context.Context, req assessment.ResultRequest) (*assessment.ResultView, error)
	SubmitFeedback(ctx context.Context, sessionToken, feedback string, rating int) error
	Statistics(ctx context.Context) (*model.AssessmentStatistics, error)
}

var _ AssessmentServiceInterface = (*assessment.Service)(nil)

// AssessmentHandler は受検フローのHTTPハンドラー。
type AssessmentHandler struct {
	service AssessmentServiceInterface
}

// NewAssessmentHandler はAssessmentHandlerを生成する。
func NewAssessmentHandler(service AssessmentServiceInterface) *AssessmentHandler {
	return &AssessmentHandler{service: service}
}

type questionResponse struct {
	ID    int64       `json:"id"`
	Text  string      `json:"text"`
	Trait model.Trait `json:"trait"`
}

type startResponse struct {
	SessionToken string             `json:"session_token"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Questions    []questionResponse `json:"questions"`
}

type submitRequest struct {
	SessionToken string                   `json:"session_token"`
	Responses    []model.QuestionResponse `json:"responses"`
	Preferences  *model.JobPreferences    `json:"preferences,omitempty"`
}

type submitResponse struct {
	SessionToken string    `json:"session_token"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Message      string    `json:"message"`
}

type resultRequest struct {
	SessionToken string `json:"session_token"`
	AccessToken  string `json:"access_token"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	ClassName    string `json:"class_name"`
	ParentEmail  string `json:"parent_email,omitempty"`
}

type unlockResponse struct {
	FirstUnlock    bool      `json:"first_unlock"`
	UnlockedAt     time.Time `json:"unlocked_at"`
	ViewCount      int       `json:"view_count"`
	RemainingUsage int       `json:"remaining_usage"`
}

type resultResponse struct {
	SessionToken      string                      `json:"session_token"`
	Scoring           model.ScoringResult         `json:"scoring"`
	Matches           []model.CareerMatch         `json:"matches"`
	Statistics        model.MatchStatistics       `json:"statistics"`
	Preferences       *model.JobPreferences       `json:"preferences,omitempty"`
	Recommendation    *model.StreamRecommendation `json:"recommendation,omitempty"`
	CompletionSeconds int                         `json:"completion_seconds"`
	SubmittedAt       time.Time                   `json:"submitted_at"`
	Unlock            unlockResponse              `json:"unlock"`
}

type feedbackRequest struct {
	SessionToken string `json:"session_token"`
	Feedback     string `json:"feedback"`
	Rating       int    `json:"rating"`
}

// StartTest は受検を開始し、抽選された質問を返す。
// POST /api/v1/assessments/start
func (h *AssessmentHandler) StartTest(w http.ResponseWriter, r *http.Request) {
	started, err := h.service.StartTest(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	questions := make([]questionResponse, len(started.Questions))
	for i, q := range started.Questions {
		questions[i] = questionResponse{ID: q.ID, Text: q.Text, Trait: q.Trait}
	}
	writeJSON(w, http.StatusCreated, startResponse{
		SessionToken: started.SessionToken,
		ExpiresAt:    started.ExpiresAt,
		Questions:    questions,
	})
}

// SubmitTest は回答を提出する。結果本体は返さず、セッショントークンのみ返す。
// POST /api/v1/assessments/submit
func (h *AssessmentHandler) SubmitTest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}
	if req.SessionToken == "" {
		writeAPIErrorResponse(w, model.NewInvalidRequestError("session_token is required"))
		return
	}

	sub, err := h.service.SubmitTest(r.Context(), assessment.SubmitRequest{
		SessionToken: req.SessionToken,
		Responses:    req.Responses,
		Preferences:  req.Preferences,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		SessionToken: sub.SessionToken,
		SubmittedAt:  sub.SubmittedAt,
		Message:      "Test submitted. Use an access token to view the result.",
	})
}

// GetResult はアクセストークンで結果を解錠して返す。
// POST /api/v1/assessments/results
func (h *AssessmentHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}
	if req.SessionToken == "" {
		writeAPIErrorResponse(w, model.NewInvalidRequestError("session_token is required"))
		return
	}

	view, err := h.service.GetResult(r.Context(), assessment.ResultRequest{
		SessionToken: req.SessionToken,
		AccessToken:  req.AccessToken,
		Viewer: model.Viewer{
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			ClassName:    req.ClassName,
			ContactEmail: req.ParentEmail,
		},
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(view))
}

// SubmitFeedback は結果へのフィードバックを保存する。
// POST /api/v1/assessments/feedback
func (h *AssessmentHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}
	if req.SessionToken == "" {
		writeAPIErrorResponse(w, model.NewInvalidRequestError("session_token is required"))
		return
	}

	if err := h.service.SubmitFeedback(r.Context(), req.SessionToken, req.Feedback, req.Rating); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Statistics は受検結果の集計を返す。
// GET /api/v1/admin/assessments/statistics
func (h *AssessmentHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func toResultResponse(view *assessment.ResultView) resultResponse {
	res := view.Result
	matches := res.Matches
	if matches == nil {
		matches = []model.CareerMatch{}
	}
	resp := resultResponse{
		SessionToken:      res.SessionToken,
		Scoring:           res.Scoring,
		Matches:           matches,
		Statistics:        res.Statistics,
		Preferences:       res.Preferences,
		Recommendation:    res.Recommendation,
		CompletionSeconds: res.CompletionSeconds,
		SubmittedAt:       res.SubmittedAt,
	}
	if u := view.Unlock; u != nil {
		resp.Unlock = unlockResponse{
			FirstUnlock:    u.FirstUnlock,
			UnlockedAt:     u.UnlockedAt,
			ViewCount:      u.ViewCount,
			RemainingUsage: u.RemainingUsage,
		}
	}
	return resp
}
