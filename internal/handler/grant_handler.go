package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/model"
)

// GrantServiceInterface はアクセストークンハンドラーが必要とするサービスインターフェース。
type GrantServiceInterface interface {
	ValidateToken(ctx context.Context, token string) (*access.Validation, error)
	Issue(ctx context.Context, req access.IssueRequest) (*access.IssueResult, error)
	Status(ctx context.Context, token string) (*model.AccessGrant, error)
	Revoke(ctx context.Context, token string) (*model.AccessGrant, error)
	UsageReport(ctx context.Context, token string) (*access.UsageReport, error)
	UsageByClass(ctx context.Context, token string) ([]access.ClassUsage, error)
}

var _ GrantServiceInterface = (*access.Service)(nil)

// GrantHandler はアクセストークンの検証・管理のHTTPハンドラー。
type GrantHandler struct {
	service GrantServiceInterface
}

// NewGrantHandler はGrantHandlerを生成する。
func NewGrantHandler(service GrantServiceInterface) *GrantHandler {
	return &GrantHandler{service: service}
}

type validateResponse struct {
	Valid          bool       `json:"valid"`
	Reason         string     `json:"reason,omitempty"`
	Type           string     `json:"type,omitempty"`
	RemainingUsage int        `json:"remaining_usage"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type issueRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Institution string `json:"institution"`
	Type        string `json:"type"`
	MaxUsage    int    `json:"max_usage,omitempty"`
}

type grantResponse struct {
	Token          string     `json:"token"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Institution    string     `json:"institution"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	UsageCount     int        `json:"usage_count"`
	MaxUsage       int        `json:"max_usage"`
	RemainingUsage int        `json:"remaining_usage"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	FirstUsedAt    *time.Time `json:"first_used_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

type issueResponse struct {
	Grant     grantResponse `json:"grant"`
	EmailSent bool          `json:"email_sent"`
}

type studentResponse struct {
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ClassName    string    `json:"class_name"`
	SessionToken string    `json:"session_token"`
	UnlockedAt   time.Time `json:"unlocked_at"`
	LastViewedAt time.Time `json:"last_viewed_at"`
	ViewCount    int       `json:"view_count"`
}

type usageResponse struct {
	Grant          grantResponse     `json:"grant"`
	Students       []studentResponse `json:"students"`
	TotalViews     int               `json:"total_views"`
	RemainingUsage int               `json:"remaining_usage"`
}

type classUsageResponse struct {
	Token   string              `json:"token"`
	Classes []access.ClassUsage `json:"classes"`
}

// tokenParam はURLパラメータのトークンを正規化して返す。
func tokenParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "token")))
}

// ValidateToken はトークンが解錠に使えるかを返す。利用回数は消費しない。
// GET /api/v1/access-tokens/{token}/validate
func (h *GrantHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.ValidateToken(r.Context(), tokenParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := validateResponse{Valid: v.Valid, Reason: v.Reason}
	if v.Valid {
		resp.Type = string(v.Type)
		resp.RemainingUsage = v.RemainingUsage
		expiresAt := v.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Issue はトークンを発行する。
// POST /api/v1/admin/access-tokens
func (h *GrantHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w)
		return
	}

	res, err := h.service.Issue(r.Context(), access.IssueRequest{
		Email:       req.Email,
		Name:        req.Name,
		Institution: req.Institution,
		Type:        model.GrantType(strings.ToUpper(strings.TrimSpace(req.Type))),
		MaxUsage:    req.MaxUsage,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		Grant:     toGrantResponse(res.Grant),
		EmailSent: res.EmailSent,
	})
}

// Status はトークンの詳細を返す。
// GET /api/v1/admin/access-tokens/{token}
func (h *GrantHandler) Status(w http.ResponseWriter, r *http.Request) {
	grant, err := h.service.Status(r.Context(), tokenParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantResponse(grant))
}

// Revoke はトークンを失効させる。
// POST /api/v1/admin/access-tokens/{token}/revoke
func (h *GrantHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	grant, err := h.service.Revoke(r.Context(), tokenParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantResponse(grant))
}

// Usage はトークンで解錠した生徒の一覧を返す。
// GET /api/v1/admin/access-tokens/{token}/usage
func (h *GrantHandler) Usage(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.UsageReport(r.Context(), tokenParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	students := make([]studentResponse, len(report.Students))
	for i, rec := range report.Students {
		students[i] = studentResponse{
			FirstName:    rec.FirstName,
			LastName:     rec.LastName,
			ClassName:    rec.ClassName,
			SessionToken: rec.SessionToken,
			UnlockedAt:   rec.UnlockedAt,
			LastViewedAt: rec.LastViewedAt,
			ViewCount:    rec.ViewCount,
		}
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Grant:          toGrantResponse(report.Grant),
		Students:       students,
		TotalViews:     report.TotalViews,
		RemainingUsage: report.RemainingUsage,
	})
}

// UsageByClass はクラスごとの利用状況を返す。
// GET /api/v1/admin/access-tokens/{token}/usage/by-class
func (h *GrantHandler) UsageByClass(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)
	classes, err := h.service.UsageByClass(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if classes == nil {
		classes = []access.ClassUsage{}
	}
	writeJSON(w, http.StatusOK, classUsageResponse{Token: token, Classes: classes})
}

// toGrantResponse はmodel.AccessGrantからAPIレスポンスに変換する。
func toGrantResponse(g *model.AccessGrant) grantResponse {
	return grantResponse{
		Token:          g.Token,
		Email:          g.Email,
		Name:           g.Name,
		Institution:    g.Institution,
		Type:           string(g.Type),
		Status:         string(g.Status),
		UsageCount:     g.UsageCount,
		MaxUsage:       g.MaxUsage,
		RemainingUsage: g.RemainingUsage(),
		CreatedAt:      g.CreatedAt,
		ExpiresAt:      g.ExpiresAt,
		FirstUsedAt:    g.FirstUsedAt,
		LastUsedAt:     g.LastUsedAt,
	}
}
