package conflict

import (
	"fmt"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/model"
)

// 检测阈值
const (
	versionGapThreshold  = 1     // 版本差超过1判定 VERSION_MISMATCH
	gridCellThreshold    = 5     // 差异单元格超过5判定 GRID_INCONSISTENCY
	scoreSumThreshold    = 100   // 总分差超过100判定 SCORE_MISMATCH
	timestampDivergence  = 10000 // 时间戳偏差超过10秒判定 STATE_DIVERGENCE（毫秒）
)

// Detect 按固定顺序检测本地与远端快照的分歧
// 无分歧返回 nil
func Detect(local, remote *model.StateSnapshot) *model.ConflictRecord {
	if local == nil || remote == nil {
		return nil
	}

	if absInt64(local.Version-remote.Version) > versionGapThreshold {
		return record(model.ConflictVersionMismatch, local, remote,
			fmt.Sprintf("version gap %d exceeds %d", absInt64(local.Version-remote.Version), versionGapThreshold))
	}

	// 本地的己方棋盘对应远端的对方棋盘，两个方向都查
	mirrorDiff := countGridDiff(local.PlayerGrid, remote.OpponentGrid)
	reverseDiff := countGridDiff(local.OpponentGrid, remote.PlayerGrid)
	if mirrorDiff > gridCellThreshold || reverseDiff > gridCellThreshold {
		return record(model.ConflictGridInconsistency, local, remote,
			fmt.Sprintf("grid diff cells: mirror=%d reverse=%d threshold=%d", mirrorDiff, reverseDiff, gridCellThreshold))
	}

	localSum := local.PlayerScore + local.OpponentScore
	remoteSum := remote.PlayerScore + remote.OpponentScore
	if absInt64(localSum-remoteSum) > scoreSumThreshold {
		return record(model.ConflictScoreMismatch, local, remote,
			fmt.Sprintf("score sum gap %d exceeds %d", absInt64(localSum-remoteSum), scoreSumThreshold))
	}

	if absInt64(local.Timestamp-remote.Timestamp) > timestampDivergence {
		return record(model.ConflictStateDivergence, local, remote,
			fmt.Sprintf("timestamp gap %dms exceeds %dms", absInt64(local.Timestamp-remote.Timestamp), timestampDivergence))
	}

	return nil
}

func record(t model.ConflictType, local, remote *model.StateSnapshot, desc string) *model.ConflictRecord {
	return &model.ConflictRecord{
		Type:          t,
		DetectedAt:    time.Now(),
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		Description:   desc,
	}
}

// countGridDiff 统计两块棋盘不同的单元格数，尺寸以较大者为准
func countGridDiff(a, b [][]string) int {
	rows := len(a)
	if len(b) > rows {
		rows = len(b)
	}
	diff := 0
	for r := 0; r < rows; r++ {
		var rowA, rowB []string
		if r < len(a) {
			rowA = a[r]
		}
		if r < len(b) {
			rowB = b[r]
		}
		cols := len(rowA)
		if len(rowB) > cols {
			cols = len(rowB)
		}
		for c := 0; c < cols; c++ {
			if cellAt(rowA, c) != cellAt(rowB, c) {
				diff++
			}
		}
	}
	return diff
}

func cellAt(row []string, col int) string {
	if col < len(row) {
		return row[col]
	}
	return ""
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
