package match

import "math"

// Elo K系数
const eloK = 32

// EloUpdate 标准Elo更新
// score取1（胜）或0（负）；积分持久化不在本层
func EloUpdate(ratingA, ratingB float64, scoreA float64) (newA, newB float64) {
	expectA := 1 / (1 + math.Pow(10, (ratingB-ratingA)/400))
	expectB := 1 - expectA

	newA = ratingA + eloK*(scoreA-expectA)
	newB = ratingB + eloK*((1-scoreA)-expectB)
	return newA, newB
}
