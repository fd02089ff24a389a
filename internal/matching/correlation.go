package matching

import (
	"math"

	"github.com/hitoshi/careerlens/internal/model"
)

// 適合度分類の閾値（|相関係数|、下限を含む）
const (
	BestFitThreshold  = 0.729
	GreatFitThreshold = 0.608
)

// Pearson は6次元ベクトル間のピアソン相関係数を返す。
// どちらかの分散が0の場合は0とする。浮動小数点誤差を吸収するため[-1,1]に丸める。
func Pearson(x, y [6]float64) float64 {
	n := float64(len(x))

	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var num, sumX2, sumY2 float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		num += dx * dy
		sumX2 += dx * dx
		sumY2 += dy * dy
	}

	den := math.Sqrt(sumX2 * sumY2)
	if den == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, num/den))
}

// Classify は相関係数の絶対値で適合度を分類する。
// 拒否区分はなく、閾値未満はすべてGOOD_FITとなる。
func Classify(correlation float64) model.MatchType {
	abs := math.Abs(correlation)
	switch {
	case abs >= BestFitThreshold:
		return model.MatchTypeBestFit
	case abs >= GreatFitThreshold:
		return model.MatchTypeGreatFit
	default:
		return model.MatchTypeGoodFit
	}
}

// MatchScore は相関係数[-1,1]を0〜100のスコアに写像する。
func MatchScore(correlation float64) int {
	return int(math.Round((correlation + 1) / 2 * 100))
}
