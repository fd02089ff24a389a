package recommend

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/hitoshi/careerlens/internal/model"
	"github.com/hitoshi/careerlens/internal/scoring"
	"github.com/hitoshi/careerlens/internal/security"
)

const (
	// promptCareerCount はプロンプトに含める上位キャリア数。
	promptCareerCount = 3
	// maxReasoningRunes は保存する推奨理由の最大文字数。
	maxReasoningRunes = 1000
)

//go:embed prompt.tmpl
var promptSource string

var promptTemplate = template.Must(template.New("prompt").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(promptSource))

// ErrNoJSON は応答からJSONオブジェクトを取り出せなかった場合に返る。
var ErrNoJSON = errors.New("no JSON object in model response")

// Input は推奨生成の入力。
type Input struct {
	Scoring model.ScoringResult
	Matches []model.CareerMatch
}

type promptTrait struct {
	Code  string
	Name  string
	Score int
}

type promptData struct {
	CareerCode    string
	Tier          model.Tier
	MaxTraitScore int
	Traits        []promptTrait
	TopCareers    []string
}

// Advisor はGeneratorの応答を検証済みのStreamRecommendationに変換する。
type Advisor struct {
	generator Generator
	sanitizer security.TextSanitizerService
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAdvisor はAdvisorを生成する。timeoutが0以下の場合は呼び出し側のcontextに従う。
func NewAdvisor(generator Generator, sanitizer security.TextSanitizerService, timeout time.Duration, logger *slog.Logger) *Advisor {
	return &Advisor{
		generator: generator,
		sanitizer: sanitizer,
		timeout:   timeout,
		logger:    logger,
	}
}

// Recommend は推奨を生成する。生成・解析・検証のいずれかに失敗した場合はエラーを返す。
func (a *Advisor) Recommend(ctx context.Context, in Input) (*model.StreamRecommendation, error) {
	prompt, err := BuildPrompt(in)
	if err != nil {
		return nil, err
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := a.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("推奨の生成に失敗しました: %w", err)
	}

	rec, err := ParseRecommendation(text)
	if err != nil {
		a.logger.Warn("unusable recommendation response",
			slog.Int("response_length", len(text)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	rec.Reasoning = a.sanitizer.SanitizeLimit(rec.Reasoning, maxReasoningRunes)
	if rec.Reasoning == "" {
		return nil, errors.New("recommendation reasoning is empty")
	}

	a.logger.Debug("recommendation generated",
		slog.String("stream", string(rec.RecommendedStream)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return rec, nil
}

// BuildPrompt は埋め込みテンプレートからプロンプトを組み立てる。
func BuildPrompt(in Input) (string, error) {
	data := promptData{
		CareerCode:    in.Scoring.CareerCode,
		Tier:          in.Scoring.Tier,
		MaxTraitScore: scoring.QuestionCount / len(model.Traits) * scoring.MaxScore,
	}
	for _, t := range model.Traits {
		data.Traits = append(data.Traits, promptTrait{
			Code:  string(t),
			Name:  t.Name(),
			Score: in.Scoring.Scores.Get(t),
		})
	}
	for i, m := range in.Matches {
		if i == promptCareerCount {
			break
		}
		label := m.CareerName
		if len(m.Tags) > 0 {
			label += " (" + strings.Join(m.Tags, ", ") + ")"
		}
		data.TopCareers = append(data.TopCareers, label)
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("プロンプトの生成に失敗しました: %w", err)
	}
	return buf.String(), nil
}

// wireRecommendation はLLMが返すJSONの形。欠落した項目を検出するためポインタで受ける。
type wireRecommendation struct {
	RecommendedStream *string `json:"recommendedStream"`
	Reasoning         *string `json:"reasoning"`
	StreamAlignment   *struct {
		Art        *float64 `json:"art"`
		Science    *float64 `json:"science"`
		Commercial *float64 `json:"commercial"`
	} `json:"streamAlignment"`
}

// ParseRecommendation はLLMの応答テキストから推奨を取り出して検証する。
// コードフェンスや前後の説明文は無視し、最初の'{'から最後の'}'までをJSONとして扱う。
func ParseRecommendation(text string) (*model.StreamRecommendation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}

	var wire wireRecommendation
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON in model response: %w", err)
	}

	if wire.RecommendedStream == nil {
		return nil, errors.New("recommendedStream is missing")
	}
	stream, ok := parseStream(*wire.RecommendedStream)
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", *wire.RecommendedStream)
	}
	if wire.Reasoning == nil {
		return nil, errors.New("reasoning is missing")
	}
	a := wire.StreamAlignment
	if a == nil || a.Art == nil || a.Science == nil || a.Commercial == nil {
		return nil, errors.New("streamAlignment is incomplete")
	}

	return &model.StreamRecommendation{
		RecommendedStream: stream,
		Reasoning:         *wire.Reasoning,
		StreamAlignment: model.StreamAlignment{
			Art:        alignmentScore(*a.Art),
			Science:    alignmentScore(*a.Science),
			Commercial: alignmentScore(*a.Commercial),
		},
	}, nil
}

func parseStream(s string) (model.Stream, bool) {
	for _, stream := range []model.Stream{model.StreamArt, model.StreamScience, model.StreamCommercial} {
		if strings.EqualFold(strings.TrimSpace(s), string(stream)) {
			return stream, true
		}
	}
	return "", false
}

// alignmentScore は適合度を0〜100の整数に丸める。
func alignmentScore(v float64) int {
	return int(math.Round(min(max(v, 0), 100)))
}
