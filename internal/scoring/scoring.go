// Package scoring は回答セットの検証とRIASEC採点を提供する。
// 入出力のみに依存する純粋関数で構成され、リクエスト間で状態を共有しない。
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hitoshi/careerlens/internal/model"
)

// QuestionCount は1回の受検で回答する質問数。
const QuestionCount = 60

// 1問あたりのスコア範囲
const (
	MinScore = 1
	MaxScore = 5
)

// ティアの下限値（下限を含む）
const (
	leaderThreshold     = 181
	innovatorThreshold  = 121
	apprenticeThreshold = 61
)

// Validate は回答セットを検証する。
// traitsは出題された質問ID→特性の対応表。
// 最初の違反で止めず、すべての違反を *model.ValidationError にまとめて返す。
func Validate(responses []model.QuestionResponse, traits map[int64]model.Trait) error {
	var violations []string

	if len(responses) != QuestionCount {
		violations = append(violations,
			fmt.Sprintf("expected %d responses, got %d", QuestionCount, len(responses)))
	}

	var unknown []int64
	seen := make(map[int64]int, len(responses))
	var duplicated []int64
	for i, r := range responses {
		if _, ok := traits[r.QuestionID]; !ok {
			unknown = append(unknown, r.QuestionID)
		}
		if r.Score < MinScore || r.Score > MaxScore {
			violations = append(violations,
				fmt.Sprintf("response %d (question %d): score %d is outside [%d,%d]",
					i, r.QuestionID, r.Score, MinScore, MaxScore))
		}
		seen[r.QuestionID]++
		if seen[r.QuestionID] == 2 {
			duplicated = append(duplicated, r.QuestionID)
		}
	}

	if len(unknown) > 0 {
		violations = append(violations, "unknown question ids: "+joinIDs(unknown))
	}
	if len(duplicated) > 0 {
		violations = append(violations, "duplicate question ids: "+joinIDs(duplicated))
	}

	if len(violations) > 0 {
		return &model.ValidationError{Violations: violations}
	}
	return nil
}

// Score は回答セットを検証した上で採点する。
func Score(responses []model.QuestionResponse, traits map[int64]model.Trait) (*model.ScoringResult, error) {
	if err := Validate(responses, traits); err != nil {
		return nil, err
	}

	var scores model.RIASECScores
	for _, r := range responses {
		scores.Add(traits[r.QuestionID], r.Score)
	}

	top := TopTraits(scores, 3)
	total := scores.Total()

	return &model.ScoringResult{
		Scores:     scores,
		CareerCode: CareerCode(scores),
		TopThree:   top,
		TotalScore: total,
		Tier:       CalculateTier(total),
	}, nil
}

// TopTraits はスコア上位n件の特性を降順で返す。
// 同点は正準順序（R,I,A,S,E,C）を維持する。
func TopTraits(scores model.RIASECScores, n int) []model.TraitScore {
	ranked := make([]model.TraitScore, 0, len(model.Traits))
	for _, t := range model.Traits {
		ranked = append(ranked, model.TraitScore{Trait: t, Score: scores.Get(t)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// CareerCode は上位3特性の頭文字を連結したコードを返す。
func CareerCode(scores model.RIASECScores) string {
	var b strings.Builder
	for _, ts := range TopTraits(scores, 3) {
		b.WriteString(string(ts.Trait))
	}
	return b.String()
}

// CalculateTier は合計スコアからティアを決定する。
func CalculateTier(total int) model.Tier {
	switch {
	case total >= leaderThreshold:
		return model.TierLeader
	case total >= innovatorThreshold:
		return model.TierInnovator
	case total >= apprenticeThreshold:
		return model.TierApprentice
	default:
		return model.TierExplorer
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
