package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/assessment"
	"github.com/hitoshi/careerlens/internal/catalog"
	"github.com/hitoshi/careerlens/internal/config"
	"github.com/hitoshi/careerlens/internal/database"
	"github.com/hitoshi/careerlens/internal/handler"
	"github.com/hitoshi/careerlens/internal/logger"
	"github.com/hitoshi/careerlens/internal/matching"
	"github.com/hitoshi/careerlens/internal/metrics"
	"github.com/hitoshi/careerlens/internal/middleware"
	"github.com/hitoshi/careerlens/internal/notify"
	"github.com/hitoshi/careerlens/internal/recommend"
	"github.com/hitoshi/careerlens/internal/repository"
	"github.com/hitoshi/careerlens/internal/security"
	"github.com/hitoshi/careerlens/internal/worker/cleanup"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウン待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	log := logger.SetupDefault(w, cfg.LogLevel)
	return cfg, log, nil
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config, log *slog.Logger) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// services はserveとissue-grantが共有するサービス群。
type services struct {
	assessment *assessment.Service
	access     *access.Service
}

// buildServices はリポジトリ・通知・推奨・照合を組み立ててサービス層を返す。
func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector, log *slog.Logger) (*services, error) {
	// 1. リポジトリの初期化
	questionRepo := repository.NewPostgresQuestionRepo(db)
	careerRepo := repository.NewPostgresCareerRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	resultRepo := repository.NewPostgresResultRepo(db)
	grantRepo := repository.NewPostgresGrantRepo(db)
	usageRepo := repository.NewPostgresUsageRepo(db)

	// 2. セキュリティサービスの初期化
	sanitizer := security.NewTextSanitizer()

	// 3. 通知の初期化
	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return nil, err
	}

	// 4. ドメインサービスの初期化
	accessService := access.NewService(grantRepo, usageRepo, notifier, collector, log)

	deps := assessment.Dependencies{
		Questions: questionRepo,
		Careers:   careerRepo,
		Sessions:  sessionRepo,
		Results:   resultRepo,
		Engine:    matching.NewEngine(log),
		Unlocker:  accessService,
		Notifier:  notifier,
		Sanitizer: sanitizer,
		Metrics:   collector,
		Logger:    log,
		TopN:      cfg.MatchTopN,
	}

	if cfg.RecommendationEnabled() {
		generator, err := recommend.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create recommendation generator: %w", err)
		}
		deps.Recommender = recommend.NewAdvisor(generator, sanitizer, cfg.RecommendationTimeout, log)
		log.Info("course recommendation enabled", slog.String("model", generator.Model()))
	} else {
		log.Warn("GEMINI_API_KEY is not set, course recommendation disabled")
	}

	return &services{
		assessment: assessment.NewService(deps),
		access:     accessService,
	}, nil
}

// buildNotifier はSendGridが設定されていればSSRF防止付きクライアントで、
// されていなければ送信しないMailerで通知を構成する。
func buildNotifier(cfg *config.Config, log *slog.Logger) (*notify.Notifier, error) {
	var mailer notify.Mailer = notify.DisabledMailer{Logger: log}

	if cfg.MailEnabled() {
		guard := security.NewSSRFGuard()
		if err := guard.ValidateURL(cfg.SendGridBaseURL); err != nil {
			return nil, fmt.Errorf("invalid SENDGRID_BASE_URL: %w", err)
		}
		client, err := notify.NewSendGridClient(notify.SendGridConfig{
			APIKey:     cfg.SendGridAPIKey,
			BaseURL:    cfg.SendGridBaseURL,
			From:       notify.EmailAddress{Email: cfg.MailFromEmail, Name: cfg.MailFromName},
			MaxRetries: cfg.SendGridMaxRetries,
		}, guard.NewSafeClient(cfg.NotifyTimeout), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create mail client: %w", err)
		}
		mailer = client
	} else {
		log.Warn("SENDGRID_API_KEY is not set, email delivery disabled")
	}

	return notify.NewNotifier(mailer, notify.Config{
		SupportEmail: cfg.SupportEmail,
		ResultURL:    cfg.ResultURL,
	}, log), nil
}

// newMetrics はプロセス用のレジストリを作成し、コレクタと公開ハンドラーを返す。
func newMetrics() (*metrics.Collector, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), metrics.Handler(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := cfg.RequireAdminSecret(); err != nil {
		return err
	}

	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	collector, metricsHandler := newMetrics()

	svc, err := buildServices(ctx, cfg, db, collector, log)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitUnlock), log,
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		AdminSecret:       []byte(cfg.AdminJWTSecret),
		DB:                db,
		MetricsHandler:    metricsHandler,
		AssessmentService: svc.assessment,
		GrantService:      svc.access,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れトークンの失効と放置セッションの削除を定期実行する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(db, log)
	job.SessionRetention = cfg.SessionRetention

	log.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("session_retention", cfg.SessionRetention),
	)

	job.Start(ctx, cfg.CleanupInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// migrateOptions はmigrateサブコマンドのオプション。
type migrateOptions struct {
	Down        bool
	Steps       int
	VersionOnly bool
}

// runMigrate はデータベースマイグレーションを実行する。
// デフォルトではすべての未適用マイグレーションを順番に適用する。
func runMigrate(w io.Writer, cfg *config.Config, log *slog.Logger, opts migrateOptions) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Bool("down", opts.Down),
	)

	switch {
	case opts.VersionOnly:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
		return nil
	case opts.Down:
		if err := database.RollbackMigrations(cfg.DatabaseURL, opts.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		log.Info("database migrations rolled back", slog.Int("steps", opts.Steps))
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runSeed はカタログファイルを読み込み、設問と職業をアップサートする。
// ファイルの検証はDB接続の前に行う。
func runSeed(ctx context.Context, w io.Writer, cfg *config.Config, log *slog.Logger, path string) error {
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	seeder := catalog.NewSeeder(
		repository.NewPostgresQuestionRepo(db),
		repository.NewPostgresCareerRepo(db),
		log,
	)
	result, err := seeder.Seed(ctx, cat)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "seeded %d questions and %d careers\n", result.Questions, result.Careers)
	return nil
}

// runIssueGrant はCLIからアクセストークンを発行する。
// 入力検証はDB接続の前に行う。
func runIssueGrant(ctx context.Context, w io.Writer, cfg *config.Config, log *slog.Logger, req access.IssueRequest) error {
	if _, err := access.Plan(req, time.Now()); err != nil {
		return err
	}

	db, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := buildServices(ctx, cfg, db, metrics.Nop{}, log)
	if err != nil {
		return err
	}

	result, err := svc.access.Issue(ctx, req)
	if err != nil {
		return err
	}

	g := result.Grant
	fmt.Fprintf(w, "token=%s type=%s max_usage=%d expires_at=%s email_sent=%t\n",
		g.Token, g.Type, g.MaxUsage, g.ExpiresAt.UTC().Format(time.RFC3339), result.EmailSent)
	return nil
}

// runAdminToken は管理API用のBearerトークンを発行して出力する。
func runAdminToken(w io.Writer, cfg *config.Config, subject string, ttl time.Duration) error {
	if err := cfg.RequireAdminSecret(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.AdminTokenTTL
	}

	token, err := middleware.IssueAdminToken([]byte(cfg.AdminJWTSecret), subject, ttl, time.Now())
	if err != nil {
		return err
	}

	fmt.Fprintln(w, token)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを隠す。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
