package hub

import (
	"math"
	"testing"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/room"
)

func newEndHarness(t *testing.T) (*Dispatcher, *room.Registry) {
	t.Helper()
	h := New(nil, nil)
	reg := room.NewRegistry(room.RegistryConfig{}, h, nil, nil)
	t.Cleanup(reg.Close)
	h.SetRegistry(reg)
	return NewDispatcher(h, nil, nil, nil), reg
}

func endResult(winner string, players ...string) room.EndResult {
	return room.EndResult{
		Winner:    winner,
		Reason:    "victory",
		Players:   players,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
}

func TestOnGameEndUpdatesRatings(t *testing.T) {
	d, reg := newEndHarness(t)
	r := reg.Create(room.DefaultOptions())

	d.OnGameEnd(r, endResult("peer-a", "peer-a", "peer-b"))

	d.ratingsMutex.Lock()
	winner, loser := d.ratings["peer-a"], d.ratings["peer-b"]
	d.ratingsMutex.Unlock()

	// 首局等分对决：胜者1516，负者1484，总分守恒
	if math.Abs(winner-1516) > 0.01 || math.Abs(loser-1484) > 0.01 {
		t.Fatalf("ratings after first game = %.2f/%.2f", winner, loser)
	}
	if math.Abs((winner+loser)-2*initialRating) > 0.0001 {
		t.Fatalf("rating sum not conserved: %.4f", winner+loser)
	}

	// 次局复用上局积分继续结算
	r2 := reg.Create(room.DefaultOptions())
	d.OnGameEnd(r2, endResult("peer-a", "peer-a", "peer-b"))

	d.ratingsMutex.Lock()
	second := d.ratings["peer-a"]
	d.ratingsMutex.Unlock()
	if second <= winner {
		t.Fatalf("second win should raise the rating further: %.2f -> %.2f", winner, second)
	}
	// 已是高分方，第二局赢的涨幅应小于首局
	if second-winner >= winner-initialRating {
		t.Fatalf("favourite's gain should shrink: +%.2f then +%.2f", winner-initialRating, second-winner)
	}
}

func TestApplyEloUpdateSkipsUnratedEndings(t *testing.T) {
	d, _ := newEndHarness(t)

	// 单人房（对手从未落座的弃局）不结算
	if got := d.applyEloUpdate(endResult("peer-a", "peer-a")); got != nil {
		t.Fatalf("single-player ending must not be rated: %+v", got)
	}
	// 无胜者不结算
	if got := d.applyEloUpdate(endResult("", "peer-a", "peer-b")); got != nil {
		t.Fatalf("winnerless ending must not be rated: %+v", got)
	}
	// 胜者不在玩家列表不结算
	if got := d.applyEloUpdate(endResult("peer-x", "peer-a", "peer-b")); got != nil {
		t.Fatalf("foreign winner must not be rated: %+v", got)
	}

	d.ratingsMutex.Lock()
	defer d.ratingsMutex.Unlock()
	if len(d.ratings) != 0 {
		t.Fatalf("ratings table should stay empty: %+v", d.ratings)
	}
}
