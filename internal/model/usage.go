package model

import "time"

// UsageRecord は (トークン, 結果セッション) の組ごとに1件だけ存在する利用台帳レコード。
// UnlockedAtは初回解錠時刻で不変。閲覧のたびにLastViewedAtとViewCountを更新する。
type UsageRecord struct {
	ID           string
	GrantID      string
	SessionToken string
	FirstName    string
	LastName     string
	ClassName    string
	ContactEmail *string
	UnlockedAt   time.Time
	LastViewedAt time.Time
	ViewCount    int
}

// Viewer は結果を閲覧する生徒の識別情報。
type Viewer struct {
	FirstName    string
	LastName     string
	ClassName    string
	ContactEmail string
}

// FullName は姓名を連結して返す。
func (v Viewer) FullName() string {
	switch {
	case v.FirstName == "":
		return v.LastName
	case v.LastName == "":
		return v.FirstName
	default:
		return v.FirstName + " " + v.LastName
	}
}
