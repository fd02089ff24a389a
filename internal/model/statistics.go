package model

// AssessmentStatistics は全受検結果の集計。
type AssessmentStatistics struct {
	TotalTests       int           `json:"total_tests"`
	AverageScores    TraitAverages `json:"average_scores"`
	TopCareerCodes   []string      `json:"top_career_codes"`
	TierDistribution map[Tier]int  `json:"tier_distribution"`
}

// TraitAverages は特性ごとの平均スコア（小数第1位で丸める）。
type TraitAverages struct {
	R float64 `json:"R"`
	I float64 `json:"I"`
	A float64 `json:"A"`
	S float64 `json:"S"`
	E float64 `json:"E"`
	C float64 `json:"C"`
}
