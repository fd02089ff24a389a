// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は外部から入ってくる文字列（LLMの生成文、生徒が入力した氏名・クラス名）から
// マークアップを取り除き、プレーンテキストとして保存できる形に整える。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いた文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string

	// SanitizeLimit はSanitizeの結果をmaxRunes文字に切り詰める。
	SanitizeLimit(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は全てのタグを除去する。
// bluemondayがエスケープした実体参照は戻す（出力はHTMLではなくJSONで返すため）。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(cleaned), " ")
}

// SanitizeLimit はSanitizeの結果をmaxRunes文字に切り詰める。
func (s *textSanitizer) SanitizeLimit(raw string, maxRunes int) string {
	cleaned := s.Sanitize(raw)
	if maxRunes <= 0 || utf8.RuneCountInString(cleaned) <= maxRunes {
		return cleaned
	}
	return string([]rune(cleaned)[:maxRunes])
}
