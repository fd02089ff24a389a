package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/url"
	texttemplate "text/template"

	"github.com/hitoshi/careerlens/internal/model"
)

// resultEmailCareers は結果メールに載せる上位キャリア数。
const resultEmailCareers = 3

//go:embed templates/*
var templateFS embed.FS

var funcs = map[string]any{
	"inc": func(i int) int { return i + 1 },
}

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.txt"))
)

// Config はNotifierの設定。
type Config struct {
	SupportEmail string
	// ResultURL は結果ページのURL。空の場合はメールにリンクを含めない。
	ResultURL string
}

// Notifier はアクセストークン発行と結果解錠の通知メールを組み立てて送信する。
type Notifier struct {
	mailer Mailer
	cfg    Config
	logger *slog.Logger
}

// NewNotifier はNotifierを生成する。
func NewNotifier(mailer Mailer, cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{mailer: mailer, cfg: cfg, logger: logger}
}

type accessTokenView struct {
	Name         string
	Institution  string
	Token        string
	TypeLabel    string
	MaxUsage     int
	ExpiresAt    string
	ResultURL    string
	SupportEmail string
}

// SendAccessToken は発行したアクセストークンを申請者に送信する。
func (n *Notifier) SendAccessToken(ctx context.Context, grant *model.AccessGrant) error {
	view := accessTokenView{
		Name:         grant.Name,
		Institution:  grant.Institution,
		Token:        grant.Token,
		TypeLabel:    "Individual",
		MaxUsage:     grant.MaxUsage,
		ExpiresAt:    grant.ExpiresAt.UTC().Format("January 2, 2006"),
		ResultURL:    n.link("token", grant.Token),
		SupportEmail: n.cfg.SupportEmail,
	}
	subject := "Your career assessment access token"
	if grant.Type == model.GrantTypeEnterprise {
		view.TypeLabel = "Enterprise"
		subject = fmt.Sprintf("Your %s career assessment access", grant.Institution)
	}

	msg, err := render("access_token", subject, view)
	if err != nil {
		return err
	}
	msg.To = EmailAddress{Email: grant.Email, Name: grant.Name}
	msg.Categories = []string{"access-token"}
	return n.mailer.Send(ctx, msg)
}

type traitLine struct {
	Name  string
	Score int
}

type careerLine struct {
	Name       string
	MatchScore int
}

type resultView struct {
	StudentName  string
	ClassName    string
	CareerCode   string
	Tier         model.Tier
	Traits       []traitLine
	Careers      []careerLine
	Stream       model.Stream
	Reasoning    string
	ResultURL    string
	SupportEmail string
}

// SendResult は解錠された結果の要約を保護者などの連絡先に送信する。
func (n *Notifier) SendResult(ctx context.Context, to string, viewer model.Viewer, result *model.TestResult) error {
	view := resultView{
		StudentName:  viewer.FullName(),
		ClassName:    viewer.ClassName,
		CareerCode:   result.Scoring.CareerCode,
		Tier:         result.Scoring.Tier,
		ResultURL:    n.link("session", result.SessionToken),
		SupportEmail: n.cfg.SupportEmail,
	}
	for _, t := range model.Traits {
		view.Traits = append(view.Traits, traitLine{Name: t.Name(), Score: result.Scoring.Scores.Get(t)})
	}
	for i, m := range result.Matches {
		if i == resultEmailCareers {
			break
		}
		view.Careers = append(view.Careers, careerLine{Name: m.CareerName, MatchScore: m.MatchScore})
	}
	if rec := result.Recommendation; rec != nil {
		view.Stream = rec.RecommendedStream
		view.Reasoning = rec.Reasoning
	}

	msg, err := render("result", "Career assessment results for "+view.StudentName, view)
	if err != nil {
		return err
	}
	msg.To = EmailAddress{Email: to}
	msg.Categories = []string{"result"}
	return n.mailer.Send(ctx, msg)
}

// link はResultURLにクエリを付与したURLを返す。ResultURLが未設定なら空文字列。
func (n *Notifier) link(key, value string) string {
	if n.cfg.ResultURL == "" {
		return ""
	}
	u, err := url.Parse(n.cfg.ResultURL)
	if err != nil {
		n.logger.Warn("invalid result url", slog.String("error", err.Error()))
		return ""
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func render(name, subject string, data any) (Message, error) {
	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s html: %w", name, err)
	}
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s text: %w", name, err)
	}
	return Message{Subject: subject, HTML: html.String(), Text: text.String()}, nil
}
