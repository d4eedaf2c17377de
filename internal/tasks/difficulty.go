package tasks

import (
	"encoding/json"

	"github.com/synergy-network/synergy-node/internal/models"
)

// Payload size thresholds in bytes for difficulty levels 2 through 5.
var sizeThresholds = [...]int{500, 1000, 5000, 10000}

// Transaction count thresholds of a block for difficulty levels 2 through 5.
var blockThresholds = [...]int{50, 100, 500, 1000}

// EstimateDifficulty picks a difficulty level for a task submitted without
// one. Blocks are graded by the length of their "transactions" array, every
// other type by payload size.
func EstimateDifficulty(t models.TaskType, payload json.RawMessage) int {
	if t == models.TaskTypeBlock {
		var block struct {
			Transactions []json.RawMessage `json:"transactions"`
		}
		_ = json.Unmarshal(payload, &block)
		return grade(len(block.Transactions), blockThresholds)
	}
	return grade(len(payload), sizeThresholds)
}

func grade(v int, thresholds [4]int) int {
	level := models.MinTaskDifficulty
	for _, th := range thresholds {
		if v > th {
			level++
		}
	}
	return level
}
