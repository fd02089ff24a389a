package model

import "time"

// GrantType はアクセストークンの種別。
type GrantType string

const (
	GrantTypeIndividual GrantType = "INDIVIDUAL"
	GrantTypeEnterprise GrantType = "ENTERPRISE"
)

// GrantStatus はアクセストークンの状態。
// ACTIVE以外は終端状態であり、REVOKEDへの遷移のみ許される。
type GrantStatus string

const (
	GrantStatusActive  GrantStatus = "ACTIVE"
	GrantStatusUsed    GrantStatus = "USED"
	GrantStatusExpired GrantStatus = "EXPIRED"
	GrantStatusRevoked GrantStatus = "REVOKED"
)

// IsTerminal は終端状態かどうかを返す。
func (s GrantStatus) IsTerminal() bool {
	return s != GrantStatusActive
}

// AccessGrant は結果閲覧を許可する利用回数制限付きトークン。
type AccessGrant struct {
	ID          string
	Token       string
	Email       string
	Name        string
	Institution string
	Type        GrantType
	Status      GrantStatus
	UsageCount  int
	MaxUsage    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	FirstUsedAt *time.Time
	LastUsedAt  *time.Time
}

// RemainingUsage は残り利用可能回数を返す。負にはならない。
func (g *AccessGrant) RemainingUsage() int {
	if g.UsageCount >= g.MaxUsage {
		return 0
	}
	return g.MaxUsage - g.UsageCount
}
