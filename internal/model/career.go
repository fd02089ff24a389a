package model

import "encoding/json"

// MatchType はキャリア適合度の分類。
type MatchType string

const (
	MatchTypeBestFit  MatchType = "BEST_FIT"
	MatchTypeGreatFit MatchType = "GREAT_FIT"
	MatchTypeGoodFit  MatchType = "GOOD_FIT"
)

// CareerProfile はキャリアカタログの1件を表す。
// Profileは外部管理のJSONであり、型が緩いまま保持する。
// 正規化はmatchingパッケージが行う。
type CareerProfile struct {
	ID          int64
	Name        string
	Description string
	Profile     json.RawMessage
	JobZone     int
	Tags        []string
	ONetCode    string
	Active      bool
}

// CareerMatch はユーザープロファイルとキャリアの照合結果。
// 単体では永続化せず、結果スナップショットの一部としてのみ保存する。
type CareerMatch struct {
	CareerID    int64        `json:"career_id"`
	CareerName  string       `json:"career_name"`
	Description string       `json:"description"`
	Profile     TraitProfile `json:"profile"`
	JobZone     int          `json:"job_zone"`
	Tags        []string     `json:"tags"`
	Correlation float64      `json:"correlation"`
	MatchType   MatchType    `json:"match_type"`
	MatchScore  int          `json:"match_score"`
}

// MatchStatistics は照合結果の集計値。
type MatchStatistics struct {
	Total            int     `json:"total"`
	BestFit          int     `json:"best_fit"`
	GreatFit         int     `json:"great_fit"`
	GoodFit          int     `json:"good_fit"`
	AvgCorrelation   float64 `json:"avg_correlation"`
	SkippedCareers   int     `json:"skipped_careers"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FallbackUsed     bool    `json:"fallback_used"`
}

// JobPreferences はキャリア照合時の絞り込み条件。
// ゼロ値は「条件なし」を意味する。
type JobPreferences struct {
	PreferredJobZones []int    `json:"preferred_job_zones,omitempty"`
	PreferredTags     []string `json:"preferred_tags,omitempty"`
	ExcludeTags       []string `json:"exclude_tags,omitempty"`
	MinJobZone        int      `json:"min_job_zone,omitempty"`
	MaxJobZone        int      `json:"max_job_zone,omitempty"`
}
