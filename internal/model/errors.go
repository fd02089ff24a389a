package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string   // エラーコード
	Message  string   // エラーメッセージ
	Category string   // カテゴリ: validation, session, result, grant, system
	Action   string   // ユーザー向け対処方法
	Reason   string   // 機械判読用の詳細理由（トークン無効理由など）
	Details  []string // 入力違反の一覧
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInsufficientCatalog = "INSUFFICIENT_CATALOG"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionCompleted    = "SESSION_COMPLETED"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeResultNotFound      = "RESULT_NOT_FOUND"
	ErrCodeGrantInvalid        = "GRANT_INVALID"
	ErrCodeGrantNotFound       = "GRANT_NOT_FOUND"
	ErrCodeInvalidGrantRequest = "INVALID_GRANT_REQUEST"
	ErrCodeInvalidTopN         = "INVALID_TOP_N"
	ErrCodeInvalidFeedback     = "INVALID_FEEDBACK"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
)

// ValidationError は回答セットの検証エラー。
// 最初の違反で打ち切らず、検出したすべての違反を保持する。
type ValidationError struct {
	Violations []string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid assessment responses: %s", strings.Join(e.Violations, "; "))
}

// NewValidationFailedError は回答検証エラーを生成する。
func NewValidationFailedError(violations []string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "Invalid assessment responses.",
		Category: "validation",
		Action:   "Answer every question exactly once with a score between 1 and 5.",
		Details:  violations,
	}
}

// NewInsufficientCatalogError は出題可能な質問数不足エラーを生成する。
func NewInsufficientCatalogError(active, required int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientCatalog,
		Message:  fmt.Sprintf("Not enough active questions: found %d, need %d.", active, required),
		Category: "system",
		Action:   "Contact an administrator to activate more questions.",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "Invalid session token.",
		Category: "session",
		Action:   "Start a new assessment.",
	}
}

// NewSessionCompletedError は提出済みセッションへの再提出エラーを生成する。
func NewSessionCompletedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionCompleted,
		Message:  "Test already completed.",
		Category: "session",
		Action:   "Use an access token to view the result of this session.",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "Session expired.",
		Category: "session",
		Action:   "Start a new assessment.",
	}
}

// NewResultNotFoundError は結果未検出エラーを生成する。
func NewResultNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeResultNotFound,
		Message:  "Result not found.",
		Category: "result",
		Action:   "Check the session token returned on submission.",
	}
}

// NewGrantInvalidError はアクセストークン無効エラーを生成する。
// reasonは "not found" / "expired" / "<status> is not active" / "usage limit exceeded" のいずれか。
func NewGrantInvalidError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeGrantInvalid,
		Message:  fmt.Sprintf("Access token is invalid: %s.", reason),
		Category: "grant",
		Action:   "Check the access token or request a new one.",
		Reason:   reason,
	}
}

// NewGrantNotFoundError は管理操作対象のトークン未検出エラーを生成する。
func NewGrantNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeGrantNotFound,
		Message:  "Access token not found.",
		Category: "grant",
		Action:   "Check the access token.",
	}
}

// NewInvalidGrantRequestError はトークン発行リクエストの不備を表すエラーを生成する。
func NewInvalidGrantRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGrantRequest,
		Message:  fmt.Sprintf("Invalid access token request: %s.", reason),
		Category: "validation",
		Action:   "INDIVIDUAL tokens need no max usage; ENTERPRISE tokens need a max usage of at least 1.",
		Reason:   reason,
	}
}

// NewInvalidTopNError はtopNが不正な場合のエラーを生成する。
func NewInvalidTopNError(topN int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTopN,
		Message:  fmt.Sprintf("topN must be a positive integer, got %d.", topN),
		Category: "validation",
		Action:   "Request at least one match.",
	}
}

// NewInvalidFeedbackError はフィードバック入力の不備を表すエラーを生成する。
func NewInvalidFeedbackError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFeedback,
		Message:  fmt.Sprintf("Invalid feedback: %s.", reason),
		Category: "validation",
		Action:   "Provide a rating between 1 and 5.",
	}
}

// NewInvalidRequestError はリクエスト本文の不備を表すエラーを生成する。
func NewInvalidRequestError(violations ...string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Invalid request.",
		Category: "validation",
		Action:   "Fix the listed fields and try again.",
		Details:  violations,
	}
}
