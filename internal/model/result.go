package model

import "time"

// Tier は合計スコアから導出される到達段階。
type Tier string

const (
	TierExplorer   Tier = "EXPLORER"
	TierApprentice Tier = "APPRENTICE"
	TierInnovator  Tier = "INNOVATOR"
	TierLeader     Tier = "LEADER"
)

// TraitScore は特性とそのスコアの組。
type TraitScore struct {
	Trait Trait `json:"trait"`
	Score int   `json:"score"`
}

// ScoringResult は採点結果。計算後は不変。
type ScoringResult struct {
	Scores     RIASECScores `json:"scores"`
	CareerCode string       `json:"career_code"`
	TopThree   []TraitScore `json:"top_three"`
	TotalScore int          `json:"total_score"`
	Tier       Tier         `json:"tier"`
}

// Stream は推奨される学習コース。
type Stream string

const (
	StreamArt        Stream = "Art"
	StreamScience    Stream = "Science"
	StreamCommercial Stream = "Commercial"
)

// StreamAlignment は各コースへの適合度（0〜100）。
type StreamAlignment struct {
	Art        int `json:"art"`
	Science    int `json:"science"`
	Commercial int `json:"commercial"`
}

// StreamRecommendation は外部LLMが生成するコース推奨。
// 生成に失敗した場合、結果はこの値を持たずに保存される。
type StreamRecommendation struct {
	RecommendedStream Stream          `json:"recommended_stream"`
	Reasoning         string          `json:"reasoning"`
	StreamAlignment   StreamAlignment `json:"stream_alignment"`
}

// TestResult はセッションが生成した結果のスナップショット。
type TestResult struct {
	ID                string
	SessionToken      string
	Responses         []QuestionResponse
	Scoring           ScoringResult
	Matches           []CareerMatch
	Statistics        MatchStatistics
	Preferences       *JobPreferences
	Recommendation    *StreamRecommendation
	CompletionSeconds int
	Feedback          *string
	Rating            *int
	SubmittedAt       time.Time
}
