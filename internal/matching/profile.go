// Package matching はRIASECプロファイルとキャリアカタログの照合エンジンを提供する。
package matching

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/careerlens/internal/model"
)

// ProfileError はキャリアの目標プロファイルを解釈できない場合のエラー。
// キャリア単位のエラーであり、照合全体は失敗させずにスキップ件数として数える。
type ProfileError struct {
	Trait  model.Trait // 空の場合はプロファイル全体の問題
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ProfileError) Error() string {
	if e.Trait == "" {
		return "invalid profile: " + e.Reason
	}
	return fmt.Sprintf("invalid profile value for %s: %s", e.Trait, e.Reason)
}

// NormalizeProfile はカタログの緩い型のプロファイルJSONを正規化する。
//
// 規則:
//   - キー欠落またはnull → 0
//   - 数値 → 負値は0に切り上げ
//   - 数値として解釈できる文字列 → 同上（空文字列は0）
//   - それ以外（数値でない文字列、真偽値、配列、オブジェクト）→ *ProfileError
//
// プロファイル全体がJSON文字列としてエンコードされている場合は一段だけ展開する。
func NormalizeProfile(raw json.RawMessage) (model.TraitProfile, error) {
	var profile model.TraitProfile

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return profile, &ProfileError{Reason: "profile is missing"}
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return profile, &ProfileError{Reason: err.Error()}
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}

	if len(trimmed) == 0 || trimmed[0] != '{' {
		return profile, &ProfileError{Reason: "profile is not an object"}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return profile, &ProfileError{Reason: err.Error()}
	}

	for _, t := range model.Traits {
		v, err := coerce(fields[string(t)])
		if err != nil {
			return model.TraitProfile{}, &ProfileError{Trait: t, Reason: err.Error()}
		}
		profile.Set(t, v)
	}
	return profile, nil
}

// coerce は1特性分の値を非負の数値に変換する。
func coerce(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val.String())
		}
		f = parsed
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, fmt.Errorf("%q is not a number", val)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported value of type %T", v)
	}
	return math.Max(0, f), nil
}
