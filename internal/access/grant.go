// Package access はアクセストークンの状態遷移と利用台帳による結果閲覧の解錠を提供する。
package access

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/careerlens/internal/model"
)

// 無効理由
const (
	ReasonNotFound           = "not found"
	ReasonExpired            = "expired"
	ReasonUsageLimitExceeded = "usage limit exceeded"
)

// ReasonNotActive は終端状態のトークンに対する無効理由を返す。
func ReasonNotActive(status model.GrantStatus) string {
	return fmt.Sprintf("%s is not active", status)
}

// 発行時の有効期間
const (
	IndividualValidity = 30 * 24 * time.Hour
	EnterpriseValidity = 365 * 24 * time.Hour
)

const (
	institutionCodeLength = 5
	tokenSuffixBytes      = 2
)

// Verdict はトークン検証の結果。
type Verdict struct {
	Valid  bool
	Reason string
	// Expire はACTIVEのまま期限を過ぎており、EXPIREDへの遅延遷移が必要であることを示す。
	Expire bool
	// Exhausted は利用回数を使い切っていることを示す。
	// 新規の解錠はできないが、解錠済みの結果の再閲覧は許される。
	Exhausted bool
}

// Evaluate はnow時点でのトークンの有効性を判定する。状態は変更しない。
//
// 判定順: 未検出 → 期限切れ → 終端状態（EXPIRED/REVOKED）→ 利用上限。
// USEDは利用上限として扱う。
func Evaluate(g *model.AccessGrant, now time.Time) Verdict {
	if g == nil {
		return Verdict{Reason: ReasonNotFound}
	}
	if now.After(g.ExpiresAt) {
		return Verdict{Reason: ReasonExpired, Expire: g.Status == model.GrantStatusActive}
	}
	switch g.Status {
	case model.GrantStatusExpired, model.GrantStatusRevoked:
		return Verdict{Reason: ReasonNotActive(g.Status)}
	case model.GrantStatusUsed:
		return Verdict{Reason: ReasonUsageLimitExceeded, Exhausted: true}
	}
	if g.UsageCount >= g.MaxUsage {
		return Verdict{Reason: ReasonUsageLimitExceeded, Exhausted: true}
	}
	return Verdict{Valid: true}
}

// CanRevoke は管理操作によるREVOKEDへの遷移元として許される状態かを返す。
func CanRevoke(status model.GrantStatus) bool {
	switch status {
	case model.GrantStatusActive, model.GrantStatusUsed, model.GrantStatusExpired:
		return true
	default:
		return false
	}
}

// IssueRequest はトークン発行の入力。
type IssueRequest struct {
	Email       string
	Name        string
	Institution string
	Type        model.GrantType
	MaxUsage    int // ENTERPRISEのみ有効
}

// IssuePlan は発行するトークンの利用上限と有効期限。
type IssuePlan struct {
	MaxUsage        int
	ExpiresAt       time.Time
	IgnoredMaxUsage bool // INDIVIDUALに指定されたMaxUsageを無視した
}

// Plan は種別に応じて利用上限と有効期限を決定する。
// INDIVIDUALは1回・30日、ENTERPRISEは指定回数（1以上必須）・365日。
func Plan(req IssueRequest, now time.Time) (IssuePlan, error) {
	if strings.TrimSpace(req.Email) == "" {
		return IssuePlan{}, model.NewInvalidGrantRequestError("email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return IssuePlan{}, model.NewInvalidGrantRequestError("email is malformed")
	}
	if strings.TrimSpace(req.Institution) == "" {
		return IssuePlan{}, model.NewInvalidGrantRequestError("institution is required")
	}

	switch req.Type {
	case model.GrantTypeIndividual:
		return IssuePlan{
			MaxUsage:        1,
			ExpiresAt:       now.Add(IndividualValidity),
			IgnoredMaxUsage: req.MaxUsage != 0,
		}, nil
	case model.GrantTypeEnterprise:
		if req.MaxUsage < 1 {
			return IssuePlan{}, model.NewInvalidGrantRequestError("max usage is required for ENTERPRISE tokens")
		}
		return IssuePlan{
			MaxUsage:  req.MaxUsage,
			ExpiresAt: now.Add(EnterpriseValidity),
		}, nil
	default:
		return IssuePlan{}, model.NewInvalidGrantRequestError(fmt.Sprintf("unknown token type %q", req.Type))
	}
}

// InstitutionCode は機関名から英数字のみを取り出した大文字5文字のコードを返す。
// 5文字に満たない場合はXで埋める。
func InstitutionCode(institution string) string {
	var b strings.Builder
	for _, r := range institution {
		if b.Len() == institutionCodeLength {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	for b.Len() < institutionCodeLength {
		b.WriteByte('X')
	}
	return b.String()
}

// GenerateToken は "<機関コード>-<16進4桁>" 形式のトークン文字列を生成する。
// randomがnilの場合はcrypto/randを使う。
func GenerateToken(institution string, random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	buf := make([]byte, tokenSuffixBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("トークン乱数の生成に失敗しました: %w", err)
	}
	return InstitutionCode(institution) + "-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}
