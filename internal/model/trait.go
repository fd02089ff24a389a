// Package model はドメインモデルを定義する。
package model

// Trait はRIASEC分類の6特性のいずれかを表す。
type Trait string

const (
	TraitRealistic     Trait = "R"
	TraitInvestigative Trait = "I"
	TraitArtistic      Trait = "A"
	TraitSocial        Trait = "S"
	TraitEnterprising  Trait = "E"
	TraitConventional  Trait = "C"
)

// Traits は正準順序（R,I,A,S,E,C）の特性一覧。
// 同点時のタイブレークやベクトル化はこの順序に従う。
var Traits = [6]Trait{
	TraitRealistic,
	TraitInvestigative,
	TraitArtistic,
	TraitSocial,
	TraitEnterprising,
	TraitConventional,
}

// ParseTrait は文字列を特性に変換する。不明な値の場合はfalseを返す。
func ParseTrait(s string) (Trait, bool) {
	for _, t := range Traits {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Name は特性の英語表記を返す。
func (t Trait) Name() string {
	switch t {
	case TraitRealistic:
		return "Realistic"
	case TraitInvestigative:
		return "Investigative"
	case TraitArtistic:
		return "Artistic"
	case TraitSocial:
		return "Social"
	case TraitEnterprising:
		return "Enterprising"
	case TraitConventional:
		return "Conventional"
	default:
		return ""
	}
}

// RIASECScores は特性ごとの回答スコア合計。
type RIASECScores struct {
	R int `json:"R"`
	I int `json:"I"`
	A int `json:"A"`
	S int `json:"S"`
	E int `json:"E"`
	C int `json:"C"`
}

// Get は指定特性のスコアを返す。
func (s RIASECScores) Get(t Trait) int {
	switch t {
	case TraitRealistic:
		return s.R
	case TraitInvestigative:
		return s.I
	case TraitArtistic:
		return s.A
	case TraitSocial:
		return s.S
	case TraitEnterprising:
		return s.E
	case TraitConventional:
		return s.C
	default:
		return 0
	}
}

// Add は指定特性のスコアに加算する。
func (s *RIASECScores) Add(t Trait, v int) {
	switch t {
	case TraitRealistic:
		s.R += v
	case TraitInvestigative:
		s.I += v
	case TraitArtistic:
		s.A += v
	case TraitSocial:
		s.S += v
	case TraitEnterprising:
		s.E += v
	case TraitConventional:
		s.C += v
	}
}

// Total は6特性の合計を返す。
func (s RIASECScores) Total() int {
	return s.R + s.I + s.A + s.S + s.E + s.C
}

// Vector は正準順序の6次元ベクトルを返す。
func (s RIASECScores) Vector() [6]float64 {
	return [6]float64{
		float64(s.R), float64(s.I), float64(s.A),
		float64(s.S), float64(s.E), float64(s.C),
	}
}

// TraitProfile はキャリアの目標プロファイル（正規化済み）。
// カタログ値は小数を含みうるためfloat64で保持する。
type TraitProfile struct {
	R float64 `json:"R"`
	I float64 `json:"I"`
	A float64 `json:"A"`
	S float64 `json:"S"`
	E float64 `json:"E"`
	C float64 `json:"C"`
}

// Set は指定特性の値を設定する。
func (p *TraitProfile) Set(t Trait, v float64) {
	switch t {
	case TraitRealistic:
		p.R = v
	case TraitInvestigative:
		p.I = v
	case TraitArtistic:
		p.A = v
	case TraitSocial:
		p.S = v
	case TraitEnterprising:
		p.E = v
	case TraitConventional:
		p.C = v
	}
}

// Vector は正準順序の6次元ベクトルを返す。
func (p TraitProfile) Vector() [6]float64 {
	return [6]float64{p.R, p.I, p.A, p.S, p.E, p.C}
}
