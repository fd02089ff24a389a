package model

import "time"

// Question は質問カタログの1問を表す。
type Question struct {
	ID        int64
	Text      string
	Trait     Trait
	Active    bool
	CreatedAt time.Time
}

// QuestionResponse は1問に対する回答（1〜5のリッカート尺度）。
type QuestionResponse struct {
	QuestionID int64 `json:"question_id"`
	Score      int   `json:"score"`
}
