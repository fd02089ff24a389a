package model

import "time"

// SessionStatus はテストセッションの状態。
type SessionStatus string

const (
	SessionStatusStarted   SessionStatus = "STARTED"
	SessionStatusCompleted SessionStatus = "COMPLETED"
)

// TestSession は1回の受検を表す。
// 結果の保存と同一トランザクションでCOMPLETEDに遷移し、以後は変更されない。
type TestSession struct {
	ID          string
	Token       string
	Status      SessionStatus
	QuestionIDs []int64 // 出題された質問ID
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IsExpired はnow時点でセッションが期限切れかどうかを返す。
func (s *TestSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
