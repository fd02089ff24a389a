package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/careerlens/internal/access"
	"github.com/hitoshi/careerlens/internal/config"
	"github.com/hitoshi/careerlens/internal/model"
)

const appName = "careerlens"

// サブコマンド名
const (
	// CommandServe はAPIサーバーモードで起動する。引数なしの場合のデフォルト。
	CommandServe = "serve"
	// CommandWorker はメンテナンスワーカーを起動する。
	CommandWorker = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate = "migrate"
	// CommandSeed は設問・職業カタログを投入する。
	CommandSeed = "seed"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck = "healthcheck"
	// CommandIssueGrant はアクセストークンを発行する。
	CommandIssueGrant = "issue-grant"
	// CommandAdminToken は管理API用のBearerトークンを発行する。
	CommandAdminToken = "admin-token"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。wはログの出力先。
// SIGINTまたはSIGTERMを受信するとコマンドのcontextがキャンセルされる。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// configuredFunc は設定とロガーの初期化後に実行されるコマンド本体。
type configuredFunc func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error

// withConfig は環境変数から設定を読み込んでからfnを実行するRunEを返す。
func withConfig(w io.Writer, fn configuredFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := Init(w)
		if err != nil {
			return err
		}
		log.Info("starting application",
			slog.String("command", cmd.Name()),
			slog.String("port", cfg.ServerPort),
		)
		return fn(cmd, cfg, log)
	}
}

// NewRootCommand はcareerlensのルートコマンドを構築する。
// サブコマンドが指定されない場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := withConfig(w, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
		return runServe(cmd.Context(), cfg, log)
	})

	root := &cobra.Command{
		Use:           appName,
		Short:         "careerlens is a career interest assessment service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   CommandServe,
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   CommandWorker,
			Short: "Run periodic maintenance (grant expiry, stale session cleanup)",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
				return runWorker(cmd.Context(), cfg, log)
			}),
		},
		newMigrateCommand(w),
		newSeedCommand(w),
		newHealthcheckCommand(),
		newIssueGrantCommand(w),
		newAdminTokenCommand(w),
	)

	return root
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var opts migrateOptions

	cmd := &cobra.Command{
		Use:   CommandMigrate,
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runMigrate(cmd.OutOrStdout(), cfg, log, opts)
		}),
	}

	cmd.Flags().BoolVar(&opts.Down, "down", false, "roll back migrations instead of applying them")
	cmd.Flags().IntVar(&opts.Steps, "steps", 1, "number of migrations to roll back with --down")
	cmd.Flags().BoolVar(&opts.VersionOnly, "version", false, "print the current schema version and exit")
	return cmd
}

func newSeedCommand(w io.Writer) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   CommandSeed,
		Short: "Load the question and career catalog from a YAML file",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runSeed(cmd.Context(), cmd.OutOrStdout(), cfg, log, file)
		}),
	}

	cmd.Flags().StringVarP(&file, "file", "f", "seed/catalog.yaml", "catalog YAML file")
	return cmd
}

// newHealthcheckCommand は軽量サブコマンドのため、設定の読み込みをスキップする。
func newHealthcheckCommand() *cobra.Command {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	cmd := &cobra.Command{
		Use:   CommandHealthcheck,
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}

	cmd.Flags().StringVar(&port, "port", port, "server port to probe")
	return cmd
}

func newIssueGrantCommand(w io.Writer) *cobra.Command {
	var (
		req       access.IssueRequest
		grantType string
	)

	cmd := &cobra.Command{
		Use:   CommandIssueGrant,
		Short: "Issue an access token and email it to the requester",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			req.Type = model.GrantType(strings.ToUpper(strings.TrimSpace(grantType)))
			return runIssueGrant(cmd.Context(), cmd.OutOrStdout(), cfg, log, req)
		}),
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "requester email address")
	cmd.Flags().StringVar(&req.Name, "name", "", "requester name")
	cmd.Flags().StringVar(&req.Institution, "institution", "", "school or organization")
	cmd.Flags().StringVar(&grantType, "type", string(model.GrantTypeIndividual), "INDIVIDUAL or ENTERPRISE")
	cmd.Flags().IntVar(&req.MaxUsage, "max-usage", 0, "number of students (ENTERPRISE only)")
	return cmd
}

func newAdminTokenCommand(w io.Writer) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   CommandAdminToken,
		Short: "Print a signed bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, func(cmd *cobra.Command, cfg *config.Config, _ *slog.Logger) error {
			return runAdminToken(cmd.OutOrStdout(), cfg, subject, ttl)
		}),
	}

	cmd.Flags().StringVar(&subject, "subject", "", "operator identifier recorded in request logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ADMIN_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
