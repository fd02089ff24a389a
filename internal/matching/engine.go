package matching

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/careerlens/internal/model"
)

const (
	// DefaultTopN は返却する照合結果の既定件数。
	DefaultTopN = 10
	// MaxTopN は返却件数の上限。
	MaxTopN = 50

	slowMatchThreshold = 100 * time.Millisecond
	maxLoggedErrors    = 5
)

// Outcome は照合結果と集計値。
type Outcome struct {
	Matches    []model.CareerMatch
	Statistics model.MatchStatistics
}

// Engine はキャリア照合エンジン。状態を持たず、並行に呼び出してよい。
type Engine struct {
	logger *slog.Logger
}

// NewEngine は新しいEngineを生成する。
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// normalized は正規化済みのカタログ1件。errが非nilの場合は照合対象外。
type normalized struct {
	career  model.CareerProfile
	profile model.TraitProfile
	err     error
}

// Match はユーザーのスコアとカタログを照合し、相関係数の降順で上位topN件を返す。
//
// 絞り込み条件はPearson計算の前に適用する。条件適用後の照合結果が0件の場合、
// 条件を外したカタログ全体で再計算する。有効なプロファイルが1件でもあれば結果は空にならない。
// topNは1以上でなければならず、MaxTopNを超える値はMaxTopNに切り詰める。
func (e *Engine) Match(scores model.RIASECScores, careers []model.CareerProfile, prefs *model.JobPreferences, topN int) (*Outcome, error) {
	start := time.Now()

	if topN < 1 {
		return nil, model.NewInvalidTopNError(topN)
	}
	if topN > MaxTopN {
		topN = MaxTopN
	}

	catalog := make([]normalized, len(careers))
	for i, c := range careers {
		p, err := NormalizeProfile(c.Profile)
		catalog[i] = normalized{career: c, profile: p, err: err}
	}

	user := scores.Vector()

	matches, skipped, errs := e.correlate(user, catalog, prefs)
	fallback := false
	if len(matches) == 0 && len(catalog) > 0 {
		e.logger.Warn("no career matched the preferences, falling back to the full catalog",
			slog.Int("catalog_size", len(catalog)),
		)
		matches, skipped, errs = e.correlate(user, catalog, nil)
		fallback = true
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Correlation > matches[j].Correlation
	})
	if len(matches) > topN {
		matches = matches[:topN]
	}

	elapsed := time.Since(start)
	stats := Summarize(matches, skipped, elapsed)
	stats.FallbackUsed = fallback

	if skipped > 0 {
		e.logger.Warn("skipped careers with invalid profiles",
			slog.Int("skipped", skipped),
			slog.Any("errors", errs),
		)
	}
	if elapsed > slowMatchThreshold {
		e.logger.Warn("slow career matching",
			slog.Float64("duration_ms", stats.ProcessingTimeMs),
			slog.Int("catalog_size", len(catalog)),
		)
	}

	return &Outcome{Matches: matches, Statistics: stats}, nil
}

// correlate は条件を満たすキャリアの相関係数を計算する。
// 不正なプロファイルはスキップ件数として数え、先頭の数件のみエラー内容を保持する。
func (e *Engine) correlate(user [6]float64, catalog []normalized, prefs *model.JobPreferences) ([]model.CareerMatch, int, []string) {
	matches := make([]model.CareerMatch, 0, len(catalog))
	skipped := 0
	var errs []string

	for _, n := range catalog {
		if !passesPreferences(n.career, prefs) {
			continue
		}
		if n.err != nil {
			skipped++
			if len(errs) < maxLoggedErrors {
				errs = append(errs, n.career.Name+": "+n.err.Error())
			}
			continue
		}

		r := Pearson(user, n.profile.Vector())
		tags := n.career.Tags
		if tags == nil {
			tags = []string{}
		}
		matches = append(matches, model.CareerMatch{
			CareerID:    n.career.ID,
			CareerName:  n.career.Name,
			Description: n.career.Description,
			Profile:     n.profile,
			JobZone:     n.career.JobZone,
			Tags:        tags,
			Correlation: r,
			MatchType:   Classify(r),
			MatchScore:  MatchScore(r),
		})
	}
	return matches, skipped, errs
}

// Summarize は返却する照合結果の集計値を計算する。
// 平均相関係数は小数第3位、処理時間は小数第2位で丸める。
func Summarize(matches []model.CareerMatch, skipped int, elapsed time.Duration) model.MatchStatistics {
	stats := model.MatchStatistics{
		Total:            len(matches),
		SkippedCareers:   skipped,
		ProcessingTimeMs: math.Round(float64(elapsed.Microseconds())/10) / 100,
	}

	var sum float64
	for _, m := range matches {
		switch m.MatchType {
		case model.MatchTypeBestFit:
			stats.BestFit++
		case model.MatchTypeGreatFit:
			stats.GreatFit++
		case model.MatchTypeGoodFit:
			stats.GoodFit++
		}
		sum += m.Correlation
	}
	if len(matches) > 0 {
		stats.AvgCorrelation = math.Round(sum/float64(len(matches))*1000) / 1000
	}
	return stats
}
