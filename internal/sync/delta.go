package sync

import (
	"fmt"

	"github.com/puoxiu/sanxiao-battle/internal/model"
)

// GenerateDelta 逐格对比两个快照，生成稀疏差异
// 无任何变更时返回 nil
func GenerateDelta(previous, current *model.StateSnapshot) *model.StateDelta {
	if previous == nil || current == nil {
		return nil
	}

	changes := make([]model.StateChange, 0, 16)

	changes = appendGridChanges(changes, model.GridPlayer, previous.PlayerGrid, current.PlayerGrid)
	changes = appendGridChanges(changes, model.GridOpponent, previous.OpponentGrid, current.OpponentGrid)

	if previous.PlayerScore != current.PlayerScore {
		changes = append(changes, model.StateChange{Kind: model.ChangeScalar, Field: model.ScalarPlayerScore, Value: current.PlayerScore})
	}
	if previous.OpponentScore != current.OpponentScore {
		changes = append(changes, model.StateChange{Kind: model.ChangeScalar, Field: model.ScalarOpponentScore, Value: current.OpponentScore})
	}
	if previous.PlayerMoves != current.PlayerMoves {
		changes = append(changes, model.StateChange{Kind: model.ChangeScalar, Field: model.ScalarPlayerMoves, Value: current.PlayerMoves})
	}
	if previous.OpponentMoves != current.OpponentMoves {
		changes = append(changes, model.StateChange{Kind: model.ChangeScalar, Field: model.ScalarOpponentMoves, Value: current.OpponentMoves})
	}

	if previous.EventProgress != current.EventProgress || !stringsEqual(previous.ActiveEvents, current.ActiveEvents) {
		changes = append(changes, model.StateChange{
			Kind:          model.ChangeEvents,
			EventProgress: current.EventProgress,
			ActiveEvents:  append([]string(nil), current.ActiveEvents...),
		})
	}

	if previous.CurrentTurn != current.CurrentTurn {
		changes = append(changes, model.StateChange{Kind: model.ChangeTurn, Turn: current.CurrentTurn})
	}

	if len(changes) == 0 {
		return nil
	}

	return &model.StateDelta{
		Version:     current.Version,
		BaseVersion: previous.Version,
		Changes:     changes,
		Timestamp:   current.Timestamp,
	}
}

// appendGridChanges 逐单元格对比，尺寸以较大者为准
func appendGridChanges(changes []model.StateChange, selector model.GridSelector, prev, curr [][]string) []model.StateChange {
	rows := len(curr)
	if len(prev) > rows {
		rows = len(prev)
	}
	for r := 0; r < rows; r++ {
		var prevRow, currRow []string
		if r < len(prev) {
			prevRow = prev[r]
		}
		if r < len(curr) {
			currRow = curr[r]
		}
		cols := len(currRow)
		if len(prevRow) > cols {
			cols = len(prevRow)
		}
		for c := 0; c < cols; c++ {
			prevCell := cellAt(prevRow, c)
			currCell := cellAt(currRow, c)
			if prevCell != currCell {
				changes = append(changes, model.StateChange{
					Kind: model.ChangeCell,
					Grid: selector,
					Row:  r,
					Col:  c,
					Cell: currCell,
				})
			}
		}
	}
	return changes
}

func cellAt(row []string, col int) string {
	if col < len(row) {
		return row[col]
	}
	return ""
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyDelta 将增量应用到快照，返回新快照（原快照不被修改）
// 要求快照版本等于增量的基准版本；对已在目标版本的快照重放等幂
func ApplyDelta(snapshot *model.StateSnapshot, delta *model.StateDelta) (*model.StateSnapshot, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("apply delta: nil snapshot")
	}
	if delta == nil {
		return nil, fmt.Errorf("apply delta: nil delta")
	}
	if snapshot.Version != delta.BaseVersion && snapshot.Version != delta.Version {
		return nil, fmt.Errorf("apply delta: snapshot version %d does not match base version %d", snapshot.Version, delta.BaseVersion)
	}

	next := snapshot.Clone()
	next.Version = delta.Version
	next.BaseVersion = delta.BaseVersion
	next.Timestamp = delta.Timestamp

	for i, change := range delta.Changes {
		if err := applyChange(next, change); err != nil {
			return nil, fmt.Errorf("apply delta: change %d: %v", i, err)
		}
	}
	return next, nil
}

func applyChange(snapshot *model.StateSnapshot, change model.StateChange) error {
	switch change.Kind {
	case model.ChangeCell:
		var grid [][]string
		switch change.Grid {
		case model.GridPlayer:
			grid = snapshot.PlayerGrid
		case model.GridOpponent:
			grid = snapshot.OpponentGrid
		default:
			return fmt.Errorf("unknown grid selector %q", change.Grid)
		}
		if change.Row < 0 || change.Row >= len(grid) {
			return fmt.Errorf("row %d out of range", change.Row)
		}
		if change.Col < 0 || change.Col >= len(grid[change.Row]) {
			return fmt.Errorf("col %d out of range", change.Col)
		}
		grid[change.Row][change.Col] = change.Cell

	case model.ChangeScalar:
		switch change.Field {
		case model.ScalarPlayerScore:
			snapshot.PlayerScore = change.Value
		case model.ScalarOpponentScore:
			snapshot.OpponentScore = change.Value
		case model.ScalarPlayerMoves:
			snapshot.PlayerMoves = change.Value
		case model.ScalarOpponentMoves:
			snapshot.OpponentMoves = change.Value
		default:
			return fmt.Errorf("unknown scalar field %q", change.Field)
		}

	case model.ChangeEvents:
		snapshot.EventProgress = change.EventProgress
		snapshot.ActiveEvents = append([]string(nil), change.ActiveEvents...)

	case model.ChangeTurn:
		snapshot.CurrentTurn = change.Turn

	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
	return nil
}
