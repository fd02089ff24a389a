package assessment

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/hitoshi/careerlens/internal/model"
)

// sessionTokenBytes はセッショントークンの乱数バイト数（256ビット）。
const sessionTokenBytes = 32

// SelectQuestions は有効な質問全体を一様にシャッフルし、先頭n件を返す。
// 入力のスライスは変更しない。件数が不足する場合はINSUFFICIENT_CATALOGエラー。
// intNは[0,n)の一様乱数を返す関数（nilの場合はmath/rand/v2）。
func SelectQuestions(active []*model.Question, n int, intN func(int) int) ([]*model.Question, error) {
	if len(active) < n {
		return nil, model.NewInsufficientCatalogError(len(active), n)
	}
	if intN == nil {
		intN = rand.IntN
	}

	shuffled := make([]*model.Question, len(active))
	copy(shuffled, active)
	// Fisher–Yates
	for i := len(shuffled) - 1; i > 0; i-- {
		j := intN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n], nil
}

// NewSessionToken は暗号論的乱数から64桁の16進トークンを生成する。
func NewSessionToken(random io.Reader) (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
