package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/careerlens/internal/metrics"
	"github.com/hitoshi/careerlens/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AdminSecret       []byte

	// 運用エンドポイント
	DB             Pinger
	MetricsHandler http.Handler

	// サービス
	AssessmentService AssessmentServiceInterface
	GrantService      GrantServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General) → [RateLimit(Unlock) | AdminAuth]
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	assessmentHandler := NewAssessmentHandler(deps.AssessmentService)
	grantHandler := NewGrantHandler(deps.GrantService)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- 公開ルート ---
		r.Route("/assessments", func(r chi.Router) {
			r.Post("/start", assessmentHandler.StartTest)
			r.Post("/submit", assessmentHandler.SubmitTest)
			// 結果解錠は総当たり対策として専用のレート制限を追加
			r.With(deps.RateLimiter.UnlockMiddleware()).Post("/results", assessmentHandler.GetResult)
			r.Post("/feedback", assessmentHandler.SubmitFeedback)
		})
		r.With(deps.RateLimiter.UnlockMiddleware()).
			Get("/access-tokens/{token}/validate", grantHandler.ValidateToken)

		// --- 管理ルート（Bearerトークン必須） ---
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.NewAdminAuthMiddleware(deps.AdminSecret, deps.Logger))

			r.Route("/access-tokens", func(r chi.Router) {
				r.Post("/", grantHandler.Issue)

				r.Route("/{token}", func(r chi.Router) {
					r.Get("/", grantHandler.Status)
					r.Post("/revoke", grantHandler.Revoke)
					r.Get("/usage", grantHandler.Usage)
					r.Get("/usage/by-class", grantHandler.UsageByClass)
				})
			})
			r.Get("/assessments/statistics", assessmentHandler.Statistics)
		})
	})

	return r
}
